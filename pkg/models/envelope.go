package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrMalformed marks envelopes that cannot be parsed or miss required fields.
var ErrMalformed = errors.New("malformed request")

// CommandEnvelope is the inbound signed request.
// Payload is kept as received so the exact signed object can be canonicalized and forwarded.
type CommandEnvelope struct {
	Identity  string          `json:"identity"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Payload is the typed view of CommandEnvelope.Payload.
type Payload struct {
	Command   string                     `json:"command"`
	Params    map[string]json.RawMessage `json:"params,omitempty"`
	Timestamp float64                    `json:"timestamp"`
	Nonce     string                     `json:"nonce"`
}

type payloadWire struct {
	Command   *string         `json:"command"`
	Params    json.RawMessage `json:"params"`
	Timestamp *float64        `json:"timestamp"`
	Nonce     *string         `json:"nonce"`
}

// CommandResponse is returned to the client for every request.
type CommandResponse struct {
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	RobotResponse json.RawMessage `json:"robot_response,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
}

const (
	StatusExecuted = "executed"
	StatusRejected = "rejected"
)

// ParseEnvelope decodes the request body. It checks structure only; nothing
// inside the payload is trusted until the signature is verified.
func ParseEnvelope(body []byte) (CommandEnvelope, error) {
	var env CommandEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&env); err != nil {
		return CommandEnvelope{}, fmt.Errorf("%w: invalid json: %v", ErrMalformed, err)
	}
	if dec.More() {
		return CommandEnvelope{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	env.Identity = strings.TrimSpace(env.Identity)
	if env.Identity == "" {
		return CommandEnvelope{}, fmt.Errorf("%w: identity required", ErrMalformed)
	}
	trimmed := bytes.TrimSpace(env.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return CommandEnvelope{}, fmt.Errorf("%w: payload object required", ErrMalformed)
	}
	env.Payload = json.RawMessage(trimmed)
	if strings.TrimSpace(env.Signature) == "" {
		return CommandEnvelope{}, fmt.Errorf("%w: signature required", ErrMalformed)
	}
	return env, nil
}

// DecodePayload returns the typed payload, requiring command, timestamp and nonce.
// params is optional but must be an object when present.
func (e CommandEnvelope) DecodePayload() (Payload, error) {
	var w payloadWire
	if err := json.Unmarshal(e.Payload, &w); err != nil {
		return Payload{}, fmt.Errorf("%w: bad payload: %v", ErrMalformed, err)
	}
	if w.Command == nil || strings.TrimSpace(*w.Command) == "" {
		return Payload{}, fmt.Errorf("%w: command required", ErrMalformed)
	}
	if w.Timestamp == nil || math.IsNaN(*w.Timestamp) || math.IsInf(*w.Timestamp, 0) {
		return Payload{}, fmt.Errorf("%w: timestamp required", ErrMalformed)
	}
	if w.Nonce == nil || strings.TrimSpace(*w.Nonce) == "" {
		return Payload{}, fmt.Errorf("%w: nonce required", ErrMalformed)
	}
	p := Payload{
		Command:   *w.Command,
		Timestamp: *w.Timestamp,
		Nonce:     *w.Nonce,
	}
	params := bytes.TrimSpace(w.Params)
	if len(params) > 0 && !bytes.Equal(params, []byte("null")) {
		if params[0] != '{' {
			return Payload{}, fmt.Errorf("%w: params must be an object", ErrMalformed)
		}
		if err := json.Unmarshal(params, &p.Params); err != nil {
			return Payload{}, fmt.Errorf("%w: bad params: %v", ErrMalformed, err)
		}
	}
	return p, nil
}
