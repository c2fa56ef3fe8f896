package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBadSignature    = errors.New("invalid signature")
	ErrSignatureFormat = errors.New("signature is not valid base64")
)

// DecodeSignature accepts standard or URL-safe base64, padded or not.
func DecodeSignature(sigB64 string) ([]byte, error) {
	s := strings.TrimSpace(sigB64)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) > 0 {
			return b, nil
		}
	}
	return nil, ErrSignatureFormat
}

// VerifyPKCS1v15 checks an RSA PKCS#1 v1.5 signature over sha256(canonical).
func VerifyPKCS1v15(pub *rsa.PublicKey, canonical, sig []byte) error {
	if pub == nil {
		return errors.New("public key required")
	}
	digest := sha256.Sum256(canonical)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// SignPKCS1v15 is the signer half of VerifyPKCS1v15.
func SignPKCS1v15(priv *rsa.PrivateKey, canonical []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("private key required")
	}
	digest := sha256.Sum256(canonical)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return sig, nil
}
