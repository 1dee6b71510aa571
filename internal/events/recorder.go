package events

import (
	"context"
	"fmt"
	"time"

	"sitepush/internal/domain"
	"sitepush/internal/engine"
	"sitepush/internal/repo"
)

// Recorder persists job history. Each transition updates the job row and
// appends a job.<phase> event in the same transaction.
type Recorder struct {
	Repo   repo.Repo
	Writer Writer
}

func NewRecorder(r repo.Repo) *Recorder {
	return &Recorder{Repo: r, Writer: Writer{DB: r.DB}}
}

func (rec *Recorder) JobTransition(ctx context.Context, tr engine.Transition) error {
	tx, err := rec.Repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job := domain.Job{
		ID:          tr.JobID,
		Identity:    tr.Identity,
		Location:    tr.Location.String(),
		State:       string(tr.Phase),
		ErrorKind:   string(tr.ErrorKind),
		Error:       tr.Error,
		CommitSHA:   tr.CommitSHA,
		Polls:       tr.Polls,
		Added:       tr.Added,
		Updated:     tr.Updated,
		Deleted:     tr.Deleted,
		SubmittedAt: tr.SubmittedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   tr.At.UTC().Format(time.RFC3339),
	}
	if err := rec.Repo.UpsertJobTx(ctx, tx, job); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	if err := rec.Writer.Append(ctx, tx, EventType(tr.Phase), tr.JobID, tr.Identity, payloadFor(tr)); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

// EventType names the event recorded when a job enters phase.
func EventType(phase engine.Phase) string {
	return "job." + string(phase)
}

func payloadFor(tr engine.Transition) EventPayload {
	p := EventPayload{
		"state":    string(tr.Phase),
		"location": tr.Location.String(),
	}
	switch tr.Phase {
	case engine.PhaseQueued:
		p["added"] = tr.Added
		p["updated"] = tr.Updated
		p["deleted"] = tr.Deleted
	case engine.PhasePolling:
		p["commit_sha"] = tr.CommitSHA
	case engine.PhaseSucceeded, engine.PhaseFailed:
		p["polls"] = tr.Polls
		if tr.CommitSHA != "" {
			p["commit_sha"] = tr.CommitSHA
		}
		if tr.Build.RawStatus != "" {
			p["raw_status"] = tr.Build.RawStatus
		}
		if tr.ErrorKind != "" {
			p["error_kind"] = string(tr.ErrorKind)
			p["error"] = tr.Error
		}
	}
	return p
}
