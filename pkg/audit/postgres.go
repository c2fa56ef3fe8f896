package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id          BIGSERIAL PRIMARY KEY,
	request_id  TEXT NOT NULL UNIQUE,
	identity    TEXT NOT NULL,
	payload     JSONB NOT NULL,
	result      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_identity_created_idx ON audit_entries (identity, created_at);
`

// PostgresSink writes entries to the audit_entries table. Rows are only ever inserted.
type PostgresSink struct {
	DB auditDB
}

func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Append(ctx context.Context, e Entry) error {
	if s == nil || s.DB == nil {
		return errNoSink
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_entries (request_id, identity, payload, result, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, e.RequestID, e.Identity, []byte(orNull(e.Payload)), []byte(orNull(e.Result)), e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Get loads the entry recorded for requestID. It returns pgx.ErrNoRows when absent.
func (s *PostgresSink) Get(ctx context.Context, requestID string) (Entry, error) {
	var (
		e               Entry
		payload, result []byte
		createdAt       time.Time
	)
	row := s.DB.QueryRow(ctx, `
		SELECT request_id, identity, payload, result, created_at
		FROM audit_entries WHERE request_id=$1
	`, requestID)
	if err := row.Scan(&e.RequestID, &e.Identity, &payload, &result, &createdAt); err != nil {
		return Entry{}, err
	}
	e.Payload = json.RawMessage(payload)
	e.Result = json.RawMessage(result)
	e.Timestamp = createdAt.UTC()
	return e, nil
}
