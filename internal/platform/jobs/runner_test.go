package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newStartedRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	r := NewRunner(zerolog.Nop(), opts)
	r.Start(context.Background())
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func waitState(t *testing.T, r *Runner, id string, want State) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := r.Status(id); ok && s.State == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := r.Status(id)
	t.Fatalf("job %s: expected state %s, got %s", id, want, s.State)
	return s
}

func TestRunner_RunsJob(t *testing.T) {
	r := newStartedRunner(t, Options{Workers: 2, QueueSize: 4})

	var ran atomic.Bool
	err := r.Submit(Job{ID: "imp-1", Kind: "tiss_import", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := waitState(t, r, "imp-1", StateSucceeded)
	if !ran.Load() {
		t.Error("expected job to run")
	}
	if s.StartedAt == nil || s.FinishedAt == nil {
		t.Errorf("expected timestamps, got %+v", s)
	}
}

func TestRunner_FailureHook(t *testing.T) {
	r := newStartedRunner(t, Options{Workers: 1, QueueSize: 1})

	hookErr := make(chan error, 1)
	boom := errors.New("parse failed")
	_ = r.Submit(Job{
		ID:        "imp-2",
		Run:       func(ctx context.Context) error { return boom },
		OnFailure: func(ctx context.Context, err error) { hookErr <- err },
	})

	s := waitState(t, r, "imp-2", StateFailed)
	if s.Error != "parse failed" {
		t.Errorf("expected error message, got %q", s.Error)
	}
	select {
	case err := <-hookErr:
		if !errors.Is(err, boom) {
			t.Errorf("expected hook to receive job error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("failure hook not called")
	}
}

func TestRunner_RecoversPanic(t *testing.T) {
	r := newStartedRunner(t, Options{Workers: 1, QueueSize: 2})

	hookErr := make(chan error, 1)
	_ = r.Submit(Job{
		ID:        "panics",
		Run:       func(ctx context.Context) error { panic("nil guide") },
		OnFailure: func(ctx context.Context, err error) { hookErr <- err },
	})
	waitState(t, r, "panics", StateFailed)

	select {
	case err := <-hookErr:
		if err == nil || err.Error() != "job panicked: nil guide" {
			t.Errorf("unexpected hook error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("failure hook not called after panic")
	}

	// The worker survives the panic.
	_ = r.Submit(Job{ID: "after", Run: func(ctx context.Context) error { return nil }})
	waitState(t, r, "after", StateSucceeded)
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	const workers = 3
	r := newStartedRunner(t, Options{Workers: workers, QueueSize: 20})

	var (
		current, peak int32
		wg            sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		err := r.Submit(Job{ID: fmt.Sprintf("job-%d", i), Run: func(ctx context.Context) error {
			defer wg.Done()
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		}})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p > workers {
		t.Errorf("expected at most %d concurrent jobs, saw %d", workers, p)
	}
}

func TestRunner_JobOutlivesSubmitterContext(t *testing.T) {
	r := newStartedRunner(t, Options{Workers: 1, QueueSize: 1})

	reqCtx, cancelReq := context.WithCancel(context.Background())
	release := make(chan struct{})
	var sawCancel atomic.Bool
	_ = r.Submit(Job{ID: "long", Run: func(ctx context.Context) error {
		<-release
		sawCancel.Store(ctx.Err() != nil)
		return nil
	}})
	_ = reqCtx
	cancelReq()
	close(release)

	waitState(t, r, "long", StateSucceeded)
	if sawCancel.Load() {
		t.Error("expected job context to be independent of the request")
	}
}

func TestRunner_QueueFull(t *testing.T) {
	r := newStartedRunner(t, Options{Workers: 1, QueueSize: 1})

	block := make(chan struct{})
	defer close(block)
	blocking := func(ctx context.Context) error { <-block; return nil }

	// One job occupies the worker, one waits in the dispatcher, one fills the
	// buffer; eventually a submit must be rejected.
	var rejected bool
	for i := 0; i < 10; i++ {
		if err := r.Submit(Job{ID: fmt.Sprintf("b-%d", i), Run: blocking}); errors.Is(err, ErrQueueFull) {
			rejected = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !rejected {
		t.Error("expected ErrQueueFull once workers and queue are saturated")
	}
}

func TestRunner_SubmitAfterShutdown(t *testing.T) {
	r := NewRunner(zerolog.Nop(), Options{Workers: 1})
	if err := r.Submit(Job{ID: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped before Start, got %v", err)
	}

	r.Start(context.Background())
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Submit(Job{ID: "y", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after shutdown, got %v", err)
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Errorf("expected second shutdown to be a no-op, got %v", err)
	}
}

func TestRunner_ShutdownDrainsQueue(t *testing.T) {
	r := NewRunner(zerolog.Nop(), Options{Workers: 1, QueueSize: 5})
	r.Start(context.Background())

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		_ = r.Submit(Job{ID: fmt.Sprintf("d-%d", i), Run: func(context.Context) error {
			time.Sleep(2 * time.Millisecond)
			count.Add(1)
			return nil
		}})
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count.Load() != 5 {
		t.Errorf("expected all 5 queued jobs to run, got %d", count.Load())
	}
}

func TestRunner_ShutdownTimeoutCancelsJobs(t *testing.T) {
	r := NewRunner(zerolog.Nop(), Options{Workers: 1, QueueSize: 1})
	r.Start(context.Background())

	started := make(chan struct{})
	_ = r.Submit(Job{ID: "slow", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if s, _ := r.Status("slow"); s.State != StateFailed {
		t.Errorf("expected cancelled job to be failed, got %s", s.State)
	}
}

func TestRunner_RetainsBoundedHistory(t *testing.T) {
	r := newStartedRunner(t, Options{Workers: 1, QueueSize: 10, Retain: 2})
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("h-%d", i)
		_ = r.Submit(Job{ID: id, Run: func(context.Context) error { return nil }})
		waitState(t, r, id, StateSucceeded)
	}
	if _, ok := r.Status("h-0"); ok {
		t.Error("expected oldest status to be evicted")
	}
	if _, ok := r.Status("h-3"); !ok {
		t.Error("expected newest status to be retained")
	}
}

func TestRunner_RejectsJobWithoutRun(t *testing.T) {
	r := newStartedRunner(t, Options{})
	if err := r.Submit(Job{ID: "empty"}); err == nil {
		t.Error("expected error for job without Run")
	}
}
