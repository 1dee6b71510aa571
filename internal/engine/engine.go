package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sitepush/internal/domain"
	"sitepush/internal/records"
)

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultMaxPolls      = 120
	DefaultCommitMessage = "Update markers by {user}"
)

// Gateway reads and conditionally writes the stored collection.
type Gateway interface {
	ReadCollection(ctx context.Context, loc domain.Location, credential string) (records.Snapshot, error)
	CommitCollection(ctx context.Context, loc domain.Location, recs []records.Record, token, credential, message string) (domain.CommitResult, error)
}

// Poller reports the most recent deployment build.
type Poller interface {
	LatestBuild(ctx context.Context, loc domain.Location, credential string) (domain.Build, error)
}

type State string

const (
	StateIdle       State = "idle"
	StateCommitting State = "committing"
	StatePolling    State = "polling"
	StateResolved   State = "resolved"
)

type Options struct {
	Gateway       Gateway
	Poller        Poller
	Notifier      Notifier
	Logger        logrus.FieldLogger
	PollInterval  time.Duration
	MaxPolls      int
	CommitMessage string
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
}

// Snapshot is a point-in-time view of the runner.
type Snapshot struct {
	State        State  `json:"state" enum:"idle,committing,polling,resolved"`
	RunningJobID string `json:"running_job_id,omitempty"`
	Depth        int    `json:"depth"`
}

// Engine drains the job queue one job at a time: read, merge, commit, then
// poll the deployment until it settles.
type Engine struct {
	gateway       Gateway
	poller        Poller
	notifier      Notifier
	log           logrus.FieldLogger
	commitMessage string
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error

	queue   *Queue
	wake    chan struct{}
	started atomic.Bool

	mu           sync.Mutex
	pollInterval time.Duration
	maxPolls     int
	state        State
	runningID    string
}

func New(opts Options) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, errors.New("engine: gateway is required")
	}
	if opts.Poller == nil {
		return nil, errors.New("engine: poller is required")
	}
	e := &Engine{
		gateway:       opts.Gateway,
		poller:        opts.Poller,
		notifier:      opts.Notifier,
		log:           opts.Logger,
		commitMessage: opts.CommitMessage,
		now:           opts.Now,
		sleep:         opts.Sleep,
		queue:         &Queue{},
		wake:          make(chan struct{}, 1),
		state:         StateIdle,
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if strings.TrimSpace(e.commitMessage) == "" {
		e.commitMessage = DefaultCommitMessage
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	e.SetPollPolicy(opts.PollInterval, opts.MaxPolls)
	return e, nil
}

// SetPollPolicy changes the poll interval and bound for jobs that have not yet
// started polling. Non-positive values restore the defaults.
func (e *Engine) SetPollPolicy(interval time.Duration, maxPolls int) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}
	e.mu.Lock()
	e.pollInterval = interval
	e.maxPolls = maxPolls
	e.mu.Unlock()
}

func (e *Engine) PollPolicy() (time.Duration, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pollInterval, e.maxPolls
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	state, running := e.state, e.runningID
	e.mu.Unlock()
	return Snapshot{State: state, RunningJobID: running, Depth: e.queue.Depth()}
}

// Submit queues delta for sess and returns immediately. The handle resolves
// once the job succeeds or fails.
func (e *Engine) Submit(ctx context.Context, delta records.Delta, sess Session) (*Handle, error) {
	job := newJob(uuid.NewString(), delta, sess, e.now().UTC())
	e.notify(ctx, job, Transition{Phase: PhaseQueued})
	if err := e.queue.Enqueue(job); err != nil {
		e.notify(ctx, job, Transition{Phase: PhaseFailed, ErrorKind: domain.KindInternal, Error: err.Error()})
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"identity": sess.Identity,
		"depth":    e.queue.Depth(),
	}).Debug("job queued")
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return &Handle{job: job}, nil
}

// DeploymentStatus reports the latest build without touching the queue.
func (e *Engine) DeploymentStatus(ctx context.Context, sess Session) (domain.Build, error) {
	return e.poller.LatestBuild(ctx, sess.Location, sess.Credential)
}

// Run is the single consumer of the queue. It returns after ctx is cancelled
// and the running job, if any, has finished; jobs still queued at that point
// fail with ErrStopped.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	for {
		for ctx.Err() == nil {
			job, ok := e.queue.TryStartNext()
			if !ok {
				break
			}
			e.process(ctx, job)
		}
		select {
		case <-ctx.Done():
			e.stop()
			return nil
		case <-e.wake:
		}
	}
}

func (e *Engine) stop() {
	pending := e.queue.Close()
	ctx := context.Background()
	for _, job := range pending {
		e.notify(ctx, job, Transition{Phase: PhaseFailed, ErrorKind: domain.KindInternal, Error: ErrStopped.Error()})
		job.resolve(Result{Err: ErrStopped})
	}
	if len(pending) > 0 {
		e.log.WithField("jobs", len(pending)).Warn("job runner stopped with queued jobs")
	}
}

// process runs job to a terminal outcome. The job keeps going after the
// worker's context is cancelled; only the poll bound limits it.
func (e *Engine) process(parent context.Context, job *Job) {
	ctx := context.WithoutCancel(parent)
	log := e.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"identity": job.Session.Identity,
		"location": job.Session.Location.String(),
	})
	var res Result
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("job aborted by panic")
			res.OK = false
			res.Err = fmt.Errorf("job aborted: %v", r)
		}
		e.finish(ctx, log, job, res)
	}()
	e.execute(ctx, log, job, &res)
}

func (e *Engine) execute(ctx context.Context, log logrus.FieldLogger, job *Job, res *Result) {
	sess := job.Session
	e.setState(StateCommitting, job.ID)
	e.notify(ctx, job, Transition{Phase: PhaseCommitting})

	snap, err := e.gateway.ReadCollection(ctx, sess.Location, sess.Credential)
	if err != nil {
		res.Err = err
		return
	}
	merged := job.Delta.Apply(snap.Records)
	commit, err := e.gateway.CommitCollection(ctx, sess.Location, merged, snap.Token, sess.Credential, e.messageFor(sess.Identity))
	if err != nil {
		res.Err = err
		return
	}
	res.CommitSHA = commit.CommitSHA
	log.WithFields(logrus.Fields{"commit": commit.CommitSHA, "records": len(merged)}).Info("collection committed")

	interval, maxPolls := e.PollPolicy()
	e.setState(StatePolling, job.ID)
	e.notify(ctx, job, Transition{Phase: PhasePolling, CommitSHA: res.CommitSHA})
	for res.Polls < maxPolls {
		if err := e.sleep(ctx, interval); err != nil {
			res.Err = err
			return
		}
		build, err := e.poller.LatestBuild(ctx, sess.Location, sess.Credential)
		res.Polls++
		if err != nil {
			res.Err = err
			return
		}
		res.Build = build
		switch build.Status {
		case domain.DeploymentSucceeded:
			res.OK = true
			return
		case domain.DeploymentFailed:
			res.Err = &domain.DeploymentFailedError{RawStatus: build.RawStatus, Message: build.Error, Commit: build.Commit}
			return
		}
		log.WithFields(logrus.Fields{"poll": res.Polls, "raw_status": build.RawStatus}).Debug("deployment pending")
	}
	res.Err = &domain.RemoteWriteError{Op: "await deployment", Timeout: true, Err: domain.ErrPollLimit}
}

func (e *Engine) finish(ctx context.Context, log logrus.FieldLogger, job *Job, res Result) {
	e.setState(StateResolved, job.ID)
	tr := Transition{Phase: PhaseSucceeded, CommitSHA: res.CommitSHA, Polls: res.Polls, Build: res.Build}
	entry := log.WithFields(logrus.Fields{"polls": res.Polls, "commit": res.CommitSHA})
	if res.OK {
		entry.Info("job succeeded")
	} else {
		tr.Phase = PhaseFailed
		tr.ErrorKind = domain.KindOf(res.Err)
		if res.Err != nil {
			tr.Error = res.Err.Error()
		}
		entry.WithField("kind", tr.ErrorKind).WithError(res.Err).Warn("job failed")
	}
	e.notify(ctx, job, tr)
	e.queue.Finish(job)
	e.setState(StateIdle, "")
	job.resolve(res)
}

func (e *Engine) notify(ctx context.Context, job *Job, tr Transition) {
	if e.notifier == nil {
		return
	}
	tr.JobID = job.ID
	tr.Identity = job.Session.Identity
	tr.Location = job.Session.Location
	tr.Added = len(job.Delta.Added)
	tr.Updated = len(job.Delta.Updated)
	tr.Deleted = len(job.Delta.Deleted)
	tr.SubmittedAt = job.SubmittedAt
	tr.At = e.now().UTC()
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{"job_id": job.ID, "phase": tr.Phase, "panic": r}).Error("notifier panicked")
		}
	}()
	if err := e.notifier.JobTransition(ctx, tr); err != nil {
		e.log.WithFields(logrus.Fields{"job_id": job.ID, "phase": tr.Phase}).WithError(err).Warn("notify transition")
	}
}

func (e *Engine) setState(state State, jobID string) {
	e.mu.Lock()
	e.state = state
	e.runningID = jobID
	e.mu.Unlock()
}

func (e *Engine) messageFor(identity string) string {
	if identity == "" {
		identity = "unknown"
	}
	return strings.ReplaceAll(e.commitMessage, "{user}", identity)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
