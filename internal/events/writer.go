// Package events appends job lifecycle entries to the SQLite event
// log and reads them back for vox log tail.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"voxpipe/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one lifecycle event. A nil payload becomes {}.
func (w *Writer) Append(ctx context.Context, evtType, jobID, stage string, payload EventPayload) error {
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
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,job_id,stage,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(jobID), nullable(stage), string(data))
	return err
}

// Latest returns the newest n events, optionally filtered by job id
// and event type, newest first.
func (w *Writer) Latest(ctx context.Context, n int, jobID, evtType string) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id, ts, type, COALESCE(job_id,''), COALESCE(stage,''), payload_json FROM events`
	var conds []string
	var args []any
	if jobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, jobID)
	}
	if evtType != "" {
		conds = append(conds, "type = ?")
		args = append(args, evtType)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)

	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.JobID, &e.Stage, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
