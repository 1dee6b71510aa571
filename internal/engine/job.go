package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"sitepush/internal/domain"
	"sitepush/internal/records"
)

// Session is what a job needs from the caller's login: the credential used
// against GitHub, a label for commit messages and the file to change.
type Session struct {
	Credential string
	Identity   string
	Location   domain.Location
}

type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseCommitting Phase = "committing"
	PhasePolling    Phase = "polling"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

// Result is the single outcome delivered for a job.
type Result struct {
	JobID     string
	OK        bool
	CommitSHA string
	Polls     int
	Build     domain.Build
	Err       error
}

func (r Result) Kind() domain.ErrorKind {
	return domain.KindOf(r.Err)
}

type Job struct {
	ID          string
	Delta       records.Delta
	Session     Session
	SubmittedAt time.Time

	once   sync.Once
	done   chan struct{}
	result Result
}

func newJob(id string, delta records.Delta, sess Session, at time.Time) *Job {
	return &Job{ID: id, Delta: delta, Session: sess, SubmittedAt: at, done: make(chan struct{})}
}

// resolve delivers r. Later calls are ignored.
func (j *Job) resolve(r Result) bool {
	delivered := false
	j.once.Do(func() {
		r.JobID = j.ID
		j.result = r
		close(j.done)
		delivered = true
	})
	return delivered
}

// Handle lets a submitter wait for its job's outcome.
type Handle struct {
	job *Job
}

func (h *Handle) JobID() string { return h.job.ID }

func (h *Handle) Done() <-chan struct{} { return h.job.done }

// Wait blocks until the job resolves or ctx ends. Giving up does not cancel
// the job.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.job.done:
		return h.job.result, nil
	case <-ctx.Done():
		return Result{JobID: h.job.ID}, ctx.Err()
	}
}

// Result returns the outcome if the job has resolved.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.job.done:
		return h.job.result, true
	default:
		return Result{}, false
	}
}

// Transition describes a job entering a phase.
type Transition struct {
	JobID       string
	Identity    string
	Location    domain.Location
	Phase       Phase
	Added       int
	Updated     int
	Deleted     int
	CommitSHA   string
	Polls       int
	Build       domain.Build
	ErrorKind   domain.ErrorKind
	Error       string
	SubmittedAt time.Time
	At          time.Time
}

// Notifier observes job transitions. Failures are logged and never affect
// the job.
type Notifier interface {
	JobTransition(ctx context.Context, tr Transition) error
}

// Notifiers fans a transition out to several observers.
type Notifiers []Notifier

func (ns Notifiers) JobTransition(ctx context.Context, tr Transition) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.JobTransition(ctx, tr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
