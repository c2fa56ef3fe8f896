// Package signer builds signed command envelopes for operator clients.
package signer

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"scg/pkg/auth"
	"scg/pkg/models"
)

type Signer struct {
	Identity string
	Key      *rsa.PrivateKey
	Now      func() time.Time
	NewNonce func() string
}

// Request describes one command to sign. An empty Nonce gets a fresh uuid.
// Skew shifts the signed timestamp away from the current time.
type Request struct {
	Command string
	Params  map[string]any
	Nonce   string
	Skew    time.Duration
}

func LoadSigner(identity, privateKeyPath string) (Signer, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Signer{}, errors.New("identity required")
	}
	raw, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return Signer{}, fmt.Errorf("read private key: %w", err)
	}
	key, err := auth.ParseRSAPrivateKeyPEM(raw)
	if err != nil {
		return Signer{}, fmt.Errorf("parse private key: %w", err)
	}
	return Signer{Identity: identity, Key: key}, nil
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Signer) nonce() string {
	if s.NewNonce != nil {
		return s.NewNonce()
	}
	return uuid.NewString()
}

// Sign builds the payload, signs its canonical form and returns the envelope.
// The envelope carries the canonical bytes, so it verifies unchanged.
func (s Signer) Sign(req Request) (models.CommandEnvelope, error) {
	if s.Key == nil {
		return models.CommandEnvelope{}, errors.New("signing key required")
	}
	if strings.TrimSpace(req.Command) == "" {
		return models.CommandEnvelope{}, errors.New("command required")
	}
	nonce := req.Nonce
	if nonce == "" {
		nonce = s.nonce()
	}
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	ts := s.now().Add(req.Skew)
	payload := map[string]any{
		"command":   req.Command,
		"params":    params,
		"timestamp": float64(ts.UnixMicro()) / 1e6,
		"nonce":     nonce,
	}
	canonical, err := models.CanonicalizeValue(payload)
	if err != nil {
		return models.CommandEnvelope{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	sig, err := auth.SignPKCS1v15(s.Key, canonical)
	if err != nil {
		return models.CommandEnvelope{}, err
	}
	return models.CommandEnvelope{
		Identity:  s.Identity,
		Payload:   json.RawMessage(canonical),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// TamperCommand swaps the command after signing, keeping the old signature.
func TamperCommand(env models.CommandEnvelope, command string) (models.CommandEnvelope, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return env, fmt.Errorf("decode payload: %w", err)
	}
	encoded, err := json.Marshal(command)
	if err != nil {
		return env, err
	}
	payload["command"] = encoded
	raw, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = raw
	return env, nil
}

// CorruptSignature flips the last signature byte.
func CorruptSignature(env models.CommandEnvelope) (models.CommandEnvelope, error) {
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || len(sig) == 0 {
		return env, errors.New("signature is not base64")
	}
	sig[len(sig)-1] ^= 0xff
	env.Signature = base64.StdEncoding.EncodeToString(sig)
	return env, nil
}
