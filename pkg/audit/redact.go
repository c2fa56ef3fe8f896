package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"scg/pkg/models"
)

// RedactingSink replaces command params and the robot result with salted
// hashes before handing the entry to Next. Command, timestamp and nonce stay
// readable so the trail still answers who did what and when.
type RedactingSink struct {
	Next Sink
	Salt []byte
}

func (s RedactingSink) Append(ctx context.Context, e Entry) error {
	if s.Next == nil {
		return errNoSink
	}
	return s.Next.Append(ctx, Redact(e, s.Salt))
}

// Redact returns a copy of e with sensitive fields hashed.
func Redact(e Entry, salt []byte) Entry {
	e.Payload = redactPayload(e.Payload, salt)
	if len(e.Result) > 0 {
		b, _ := json.Marshal(map[string]string{"result_hash": hashJSONRaw(e.Result, salt)})
		e.Result = b
	}
	return e
}

func redactPayload(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		b, _ := json.Marshal(map[string]string{
			"payload_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		switch k {
		case "command", "timestamp", "nonce":
			out[k] = v
		default:
			h, _ := json.Marshal(hashJSONRaw(v, salt))
			out[k+"_hash"] = h
		}
	}
	b, _ := json.Marshal(out)
	return b
}

func hashJSONRaw(raw json.RawMessage, salt []byte) string {
	if len(raw) == 0 {
		return ""
	}
	wrapped := append(append([]byte(`{"v":`), raw...), '}')
	if canon, err := models.Canonicalize(wrapped); err == nil {
		return hashBytes(canon, salt)
	}
	return hashBytes(raw, salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
