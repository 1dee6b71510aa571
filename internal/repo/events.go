package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"sitepush/internal/domain"
)

type EventFilters struct {
	Type  string
	JobID string
	Limit int
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var jobID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &jobID, &e.Identity, &e.Payload); err != nil {
			return nil, err
		}
		e.JobID = jobID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns matching events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.JobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, f.JobID)
	}
	args = append(args, clampLimit(f.Limit, 50, 500))
	query := fmt.Sprintf(`SELECT id,ts,type,job_id,identity,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.query(ctx, `SELECT id,ts,type,job_id,identity,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.queryRow(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
