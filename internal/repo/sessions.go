package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sitepush/internal/domain"
)

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.exec(ctx, nil, `INSERT INTO sessions(id,username,access_token,created_at,expires_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Username, s.AccessToken, s.CreatedAt, s.ExpiresAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	err := r.queryRow(ctx, `SELECT id,username,access_token,created_at,expires_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.Username, &s.AccessToken, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	return s, err
}

func (r Repo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.exec(ctx, nil, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeExpiredSessions deletes sessions that expired at or before now.
func (r Repo) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.exec(ctx, nil, `DELETE FROM sessions WHERE expires_at<=?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
