package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/sift/internal/engine"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *recordingRunner) TriggerRun(context.Context, engine.RunOptions) (*engine.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &engine.RunResult{RunID: "r1", Success: true}, nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestStartRejectsInvalidExpression(t *testing.T) {
	t.Parallel()

	s := New(&recordingRunner{}, nil)
	if err := s.Start(context.Background(), "not a schedule"); err == nil {
		t.Error("Start should reject an invalid cron expression")
	}
}

func TestStartEmptyExpressionIsIdle(t *testing.T) {
	t.Parallel()

	s := New(&recordingRunner{}, nil)
	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Stop on an idle scheduler is a no-op
	s.Stop()
}

func TestSchedulerFiresRuns(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{}
	s := New(runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx, "@every 1s"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for runner.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no run fired within 3s")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestSchedulerToleratesSoftFailures(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{err: &engine.SoftFailure{Code: engine.FailNoItems}}
	s := New(runner, nil)
	s.fire(context.Background())

	runner.err = errors.New("hard failure")
	s.fire(context.Background())

	if runner.count() != 2 {
		t.Errorf("calls = %d, want 2", runner.count())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New(&recordingRunner{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx, "0 * * * *"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()
}
