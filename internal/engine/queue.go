package engine

import (
	"errors"
	"sync"
)

// ErrStopped is returned for submissions after shutdown and delivered to jobs
// that were still queued when the runner stopped.
var ErrStopped = errors.New("job runner stopped")

// Queue is a FIFO of pending jobs plus the single running slot. Many
// goroutines may enqueue; only the runner dequeues.
type Queue struct {
	mu      sync.Mutex
	items   []*Job
	running *Job
	closed  bool
}

func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrStopped
	}
	q.items = append(q.items, job)
	return nil
}

// TryStartNext pops the head and marks it running. It returns false when a
// job is already running or nothing is queued.
func (q *Queue) TryStartNext() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running != nil || len(q.items) == 0 {
		return nil, false
	}
	job := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.running = job
	return job, true
}

func (q *Queue) Finish(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running == job {
		q.running = nil
	}
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Running() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Close rejects further jobs and returns the ones still waiting.
func (q *Queue) Close() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	pending := q.items
	q.items = nil
	return pending
}
