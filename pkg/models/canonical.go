package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ErrNotObject is returned when the value to canonicalize is not a JSON object.
var ErrNotObject = errors.New("canonical payload must be a JSON object")

// Canonicalize returns the RFC 8785 (JCS) form of a JSON object: compact,
// keys sorted at every nesting level, ES6 number formatting.
// Signer and verifier must both produce signing bytes through this function.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	canon, err := jcs.Transform(trimmed)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canon, nil
}

// CanonicalizeValue marshals v and canonicalizes the result.
func CanonicalizeValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return Canonicalize(raw)
}

// Digest is the hex sha256 of canonical bytes, used to correlate log lines
// without logging parameters.
func Digest(canonical []byte) string {
	h := sha256.Sum256(canonical)
	return hex.EncodeToString(h[:])
}
