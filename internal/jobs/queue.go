// Package jobs implements the server-side background job queue: a
// single-worker sequential executor with status tracking and bounded
// retention, decoupling request handling from slow background work.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatwire/internal/observability"
)

// Status represents the state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one unit of background work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Handler executes one job type. Handlers run on the single worker
// goroutine, one at a time; a handler that blocks stalls the whole
// queue, which is the intended backpressure model.
type Handler func(ctx context.Context, payload json.RawMessage) error

// DefaultRetentionCap is the stored-job ceiling before the oldest
// terminal jobs are evicted.
const DefaultRetentionCap = 100

// QueueConfig configures the queue.
type QueueConfig struct {
	// RetentionCap overrides the stored-job ceiling. Jobs in queued or
	// processing state are never evicted regardless of the cap.
	RetentionCap int

	// Logger used for handler failures and lifecycle logs.
	Logger *slog.Logger

	// Metrics records job throughput and latency. Optional.
	Metrics *observability.Metrics
}

// Queue is a FIFO job executor with exactly one worker goroutine, so at
// most one job is ever in processing state. Add never blocks on
// execution; it stores the job and wakes the worker.
type Queue struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	order    []string // insertion order of job ids
	handlers map[string]Handler

	retention int
	logger    *slog.Logger
	metrics   *observability.Metrics

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

// NewQueue creates the queue and starts its worker goroutine. Call
// Close to stop it.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.RetentionCap <= 0 {
		cfg.RetentionCap = DefaultRetentionCap
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	q := &Queue{
		jobs:      make(map[string]*Job),
		handlers:  make(map[string]Handler),
		retention: cfg.RetentionCap,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

// Register installs the handler for a job type. Registering the same
// type twice is an error.
func (q *Queue) Register(jobType string, handler Handler) error {
	if jobType == "" {
		return fmt.Errorf("jobs: empty job type")
	}
	if handler == nil {
		return fmt.Errorf("jobs: nil handler for type %q", jobType)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[jobType]; exists {
		return fmt.Errorf("jobs: handler already registered for type %q", jobType)
	}
	q.handlers[jobType] = handler
	return nil
}

// Add stores a new queued job and returns its id immediately. The
// worker is woken without blocking the caller. Unregistered types are
// accepted here and fail at execution time.
func (q *Queue) Add(jobType string, payload json.RawMessage) string {
	job := &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Payload:   payload,
		Status:    StatusQueued,
		CreatedAt: time.Now(),
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.JobsQueued.Inc()
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job.ID
}

// Status returns a copy of the job, or nil if the id is unknown or the
// job has been evicted. Callers must treat nil as "unknown", not
// "failed".
func (q *Queue) Status(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	clone := *job
	return &clone
}

// List returns all stored jobs in insertion order.
func (q *Queue) List() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.order))
	for _, id := range q.order {
		if job, ok := q.jobs[id]; ok {
			clone := *job
			out = append(out, &clone)
		}
	}
	return out
}

// Len returns the number of stored jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops the worker after the currently executing handler (if
// any) finishes. Jobs still queued at that point stay queued.
func (q *Queue) Close() {
	q.quitOnce.Do(func() { close(q.quit) })
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			return
		case <-q.wake:
			q.drain()
		}
	}
}

// drain executes queued jobs one at a time until none remain.
func (q *Queue) drain() {
	for {
		select {
		case <-q.quit:
			return
		default:
		}

		job, handler, ok := q.next()
		if !ok {
			return
		}
		q.execute(job, handler)
		q.evictOverCap()
	}
}

// next picks the oldest queued job, marks it processing, and resolves
// its handler. A missing handler is resolved as nil and fails in
// execute.
func (q *Queue) next() (*Job, Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		job, ok := q.jobs[id]
		if !ok || job.Status != StatusQueued {
			continue
		}
		job.Status = StatusProcessing
		now := time.Now()
		job.StartedAt = &now
		return job, q.handlers[job.Type], true
	}
	return nil, nil, false
}

// execute runs the handler to completion and records the outcome. A
// panic is captured as a failure of that job only.
func (q *Queue) execute(job *Job, handler Handler) {
	start := time.Now()
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panicked: %v\n%s", rec, debug.Stack())
			}
		}()
		if handler == nil {
			err = fmt.Errorf("no handler registered for job type %q", job.Type)
			return
		}
		err = handler(context.Background(), job.Payload)
	}()

	q.mu.Lock()
	now := time.Now()
	job.CompletedAt = &now
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
	} else {
		job.Status = StatusCompleted
	}
	status := job.Status
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn("job failed", "id", job.ID, "type", job.Type, "error", err)
	} else {
		q.logger.Debug("job completed", "id", job.ID, "type", job.Type)
	}

	if q.metrics != nil {
		q.metrics.JobsQueued.Dec()
		q.metrics.JobCounter.WithLabelValues(job.Type, string(status)).Inc()
		q.metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())
	}
}

// evictOverCap removes the oldest terminal jobs, by creation order,
// until the store is at or under the retention cap. Queued and
// processing jobs are never evicted.
func (q *Queue) evictOverCap() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) <= q.retention {
		return
	}

	kept := q.order[:0]
	for _, id := range q.order {
		job, ok := q.jobs[id]
		if !ok {
			continue
		}
		if len(q.jobs) > q.retention && job.Status.Terminal() {
			delete(q.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}
