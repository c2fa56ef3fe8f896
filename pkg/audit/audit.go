// Package audit records every forwarded command as an append-only entry.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

// Entry is one line of the audit trail. Payload is the command payload as
// received; Result is the robot's reply.
type Entry struct {
	RequestID string
	Identity  string
	Payload   json.RawMessage
	Result    json.RawMessage
	Timestamp time.Time
}

// Sink appends entries. Implementations must be safe for concurrent use and
// must never modify or remove an entry once Append returned nil.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

type entryWire struct {
	RequestID string          `json:"request_id"`
	Identity  string          `json:"identity"`
	Payload   json.RawMessage `json:"payload"`
	Result    json.RawMessage `json:"result"`
	Timestamp float64         `json:"timestamp"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryWire{
		RequestID: e.RequestID,
		Identity:  e.Identity,
		Payload:   orNull(e.Payload),
		Result:    orNull(e.Result),
		Timestamp: float64(e.Timestamp.Unix()) + float64(e.Timestamp.Nanosecond())/1e9,
	})
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var w entryWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	sec, frac := math.Modf(w.Timestamp)
	*e = Entry{
		RequestID: w.RequestID,
		Identity:  w.Identity,
		Payload:   w.Payload,
		Result:    w.Result,
		Timestamp: time.Unix(int64(sec), int64(frac*1e9)).UTC(),
	}
	return nil
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// Line renders e as a single NDJSON line including the trailing newline.
func Line(e Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

var errNoSink = errors.New("audit sink not configured")
