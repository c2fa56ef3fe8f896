package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrUnknownIdentity = errors.New("unknown identity")

// KeyRecord holds a public key resolved from an external store.
type KeyRecord struct {
	Identity  string
	Source    string
	PublicKey *rsa.PublicKey
}

type KeyStore interface {
	GetKey(ctx context.Context, name string) (*KeyRecord, error)
}

// KeyRegistry maps identities to trusted RSA public keys.
// It is immutable after NewKeyRegistry and safe for concurrent reads.
type KeyRegistry struct {
	keys map[string]*rsa.PublicKey
}

func NewKeyRegistry(keys map[string]*rsa.PublicKey) *KeyRegistry {
	copied := make(map[string]*rsa.PublicKey, len(keys))
	for id, k := range keys {
		id = strings.TrimSpace(id)
		if id == "" || k == nil {
			continue
		}
		copied[id] = k
	}
	return &KeyRegistry{keys: copied}
}

func (r *KeyRegistry) Lookup(identity string) (*rsa.PublicKey, bool) {
	if r == nil {
		return nil, false
	}
	k, ok := r.keys[identity]
	return k, ok
}

func (r *KeyRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Verify checks sigB64 over canonical for identity.
// An unknown identity fails the same way a bad signature does.
func (r *KeyRegistry) Verify(identity string, canonical []byte, sigB64 string) error {
	pub, ok := r.Lookup(identity)
	if !ok {
		return ErrUnknownIdentity
	}
	sig, err := DecodeSignature(sigB64)
	if err != nil {
		return err
	}
	return VerifyPKCS1v15(pub, canonical, sig)
}

// ParseRSAPublicKeyPEM accepts PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") blocks.
func ParseRSAPublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKIX public key: %w", err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", key)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS1 public key: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

func LoadRSAPublicKeyFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	return ParseRSAPublicKeyPEM(data)
}

// ParseRSAPrivateKeyPEM accepts PKCS#8 and PKCS#1 private keys.
func ParseRSAPrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS8 private key: %w", err)
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want RSA", key)
		}
		return priv, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

func EncodeRSAPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func EncodeRSAPrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
