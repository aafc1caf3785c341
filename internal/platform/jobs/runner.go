// Package jobs runs background work on a bounded worker pool. Jobs run on the
// runner's own context, so work accepted from an HTTP request keeps going
// after the client disconnects.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("job runner is stopped")
)

// State is the lifecycle position of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Job is one unit of background work.
type Job struct {
	ID       string
	Kind     string
	TenantID string
	Run      func(ctx context.Context) error
	// OnFailure runs after Run returns an error or panics. It receives the
	// runner context, never a cancelled request context.
	OnFailure func(ctx context.Context, err error)
}

// Status is a snapshot of a submitted job.
type Status struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	State      State      `json:"state"`
	Error      string     `json:"error,omitempty"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Options struct {
	Workers   int
	QueueSize int
	// Retain bounds how many finished statuses are remembered.
	Retain int
}

// Runner dispatches queued jobs to at most Workers concurrent goroutines.
type Runner struct {
	logger zerolog.Logger
	opts   Options
	queue  chan Job

	mu       sync.Mutex
	stopped  bool
	statuses map[string]*Status
	finished []string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a runner. Call Start before submitting jobs.
func NewRunner(logger zerolog.Logger, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.Retain <= 0 {
		opts.Retain = 1000
	}
	return &Runner{
		logger:   logger.With().Str("component", "jobs").Logger(),
		opts:     opts,
		queue:    make(chan Job, opts.QueueSize),
		statuses: make(map[string]*Status),
		done:     make(chan struct{}),
	}
}

// Start launches the dispatcher. Jobs run on a context derived from parent;
// cancelling parent asks running jobs to stop.
func (r *Runner) Start(parent context.Context) {
	r.ctx, r.cancel = context.WithCancel(parent)

	go func() {
		defer close(r.done)
		var g errgroup.Group
		g.SetLimit(r.opts.Workers)
		for job := range r.queue {
			job := job
			// Blocks while every worker is busy.
			g.Go(func() error {
				r.run(job)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// Submit enqueues job without blocking.
func (r *Runner) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s has no Run func", job.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.ctx == nil {
		return ErrStopped
	}

	select {
	case r.queue <- job:
	default:
		return ErrQueueFull
	}
	r.statuses[job.ID] = &Status{ID: job.ID, Kind: job.Kind, State: StateQueued, QueuedAt: time.Now().UTC()}
	return nil
}

// Status returns the last known status of a job.
func (r *Runner) Status(id string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[id]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish. When ctx expires first, running jobs are cancelled and ctx's error
// is returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	started := r.ctx != nil
	close(r.queue)
	r.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-r.done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return ctx.Err()
	}
}

func (r *Runner) run(job Job) {
	r.transition(job.ID, StateRunning, "")
	log := r.logger.With().Str("job_id", job.ID).Str("kind", job.Kind).Str("tenant_id", job.TenantID).Logger()
	start := time.Now()
	log.Debug().Msg("job started")

	err := r.invoke(job)
	if err == nil {
		r.transition(job.ID, StateSucceeded, "")
		log.Info().Dur("duration", time.Since(start)).Msg("job succeeded")
		return
	}

	r.transition(job.ID, StateFailed, err.Error())
	log.Error().Err(err).Dur("duration", time.Since(start)).Msg("job failed")
	if job.OnFailure != nil {
		r.safely(log, func() { job.OnFailure(r.ctx, err) })
	}
}

func (r *Runner) invoke(job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			r.logger.Error().
				Str("job_id", job.ID).
				Str("panic", fmt.Sprintf("%v", p)).
				Str("stack", string(stack[:n])).
				Msg("panic recovered in job")
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return job.Run(r.ctx)
}

func (r *Runner) safely(log zerolog.Logger, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("panic", fmt.Sprintf("%v", p)).Msg("panic recovered in failure hook")
		}
	}()
	fn()
}

func (r *Runner) transition(id string, state State, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	s.State = state
	s.Error = msg
	switch state {
	case StateRunning:
		s.StartedAt = &now
	case StateSucceeded, StateFailed:
		s.FinishedAt = &now
		r.finished = append(r.finished, id)
		for len(r.finished) > r.opts.Retain {
			delete(r.statuses, r.finished[0])
			r.finished = r.finished[1:]
		}
	}
}
