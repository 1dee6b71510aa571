package repo

import (
	"context"
	"database/sql"
	"errors"

	"sitepush/internal/db"
)

type Repo struct {
	DB *db.DB
}

var ErrNotFound = errors.New("not found")

// BeginTx starts a transaction on the underlying store.
func (r Repo) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.DB.BeginTx(ctx, nil)
}

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	query = r.DB.Rebind(query)
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return r.DB.ExecContext(ctx, query, args...)
}

func (r Repo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.DB.QueryRowContext(ctx, r.DB.Rebind(query), args...)
}

func (r Repo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.DB.QueryContext(ctx, r.DB.Rebind(query), args...)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
