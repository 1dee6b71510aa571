package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sitepush/internal/db"
)

type Writer struct {
	DB  *db.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts an event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, jobID, identity string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.DB.Rebind(`INSERT INTO events(ts,type,job_id,identity,payload_json) VALUES (?,?,?,?,?)`),
		ts, evtType, nullable(jobID), identity, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
