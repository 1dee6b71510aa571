package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"sitepush/internal/domain"
)

const jobColumns = `id,identity,location,state,COALESCE(error_kind,''),COALESCE(error,''),COALESCE(commit_sha,''),polls,added,updated,deleted,submitted_at,updated_at`

// UpsertJobTx records the latest state of a job. The submission time of an
// existing row is kept.
func (r Repo) UpsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := r.exec(ctx, tx, `
INSERT INTO jobs(id,identity,location,state,error_kind,error,commit_sha,polls,added,updated,deleted,submitted_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  state=excluded.state,
  error_kind=excluded.error_kind,
  error=excluded.error,
  commit_sha=COALESCE(excluded.commit_sha, jobs.commit_sha),
  polls=excluded.polls,
  updated_at=excluded.updated_at`,
		j.ID, j.Identity, j.Location, j.State, nullable(j.ErrorKind), nullable(j.Error), nullable(j.CommitSHA),
		j.Polls, j.Added, j.Updated, j.Deleted, j.SubmittedAt, j.UpdatedAt)
	return err
}

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	err := scan(&j.ID, &j.Identity, &j.Location, &j.State, &j.ErrorKind, &j.Error, &j.CommitSHA,
		&j.Polls, &j.Added, &j.Updated, &j.Deleted, &j.SubmittedAt, &j.UpdatedAt)
	return j, err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(r.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

type JobFilters struct {
	Identity string
	State    string
	Limit    int
}

// ListJobs returns the most recently submitted jobs first.
func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Identity != "" {
		clauses = append(clauses, "identity=?")
		args = append(args, f.Identity)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	args = append(args, clampLimit(f.Limit, 20, 200))
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY submitted_at DESC, id DESC LIMIT ?`, jobColumns, strings.Join(clauses, " AND "))
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Job{}
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
