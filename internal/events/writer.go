// Package events appends audit records inside the caller's transaction so an
// event is only visible when the mutation that produced it commits.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type Writer struct {
	Now func() time.Time
}

func NewWriter() *Writer {
	return &Writer{Now: time.Now}
}

// Record is one audit entry. Payload is marshalled to JSON at append time.
type Record struct {
	Type       string
	EntityKind string
	EntityID   string
	TaskID     string
	ActorID    string
	Payload    any
}

func (w *Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	var payload []byte
	if rec.Payload != nil {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return err
		}
		payload = b
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	actor := rec.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,task_id,actor_id,payload_json)
VALUES (?,?,?,?,?,?,?)`,
		ts, rec.Type, rec.EntityKind, nullable(rec.EntityID), nullable(rec.TaskID), actor, nullableBytes(payload))
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
