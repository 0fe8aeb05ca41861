// Package sched triggers triage runs on the configured cron schedule. The
// engine itself performs no background looping; this is the in-process
// implementation of the external scheduler collaborator.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/engine"
)

// Runner is the subset of the triage service the scheduler drives.
type Runner interface {
	TriggerRun(ctx context.Context, opts engine.RunOptions) (*engine.RunResult, error)
}

// Scheduler fires non-forced triage runs on a cron schedule.
type Scheduler struct {
	runner  Runner
	cron    *cron.Cron
	logger  log.Logger
	mu      sync.Mutex
	running bool
}

// New creates a scheduler around the given runner.
func New(runner Runner, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Scheduler{
		runner: runner,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start validates the expression and begins firing runs on schedule. An
// empty expression leaves the scheduler idle. The scheduler stops when ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context, expression string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expression == "" {
		s.logger.Info(ctx, "no schedule configured, scheduler idle")
		return nil
	}

	if _, err := cron.ParseStandard(expression); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expression, err)
	}

	if _, err := s.cron.AddFunc(expression, func() { s.fire(ctx) }); err != nil {
		return fmt.Errorf("schedule run: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info(ctx, "scheduler started", "schedule", expression)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop halts the cron loop, waiting for an in-flight trigger to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

// fire triggers one scheduled run. Soft failures are an expected quiet
// outcome here: an empty backlog or a still-open run just means wait for
// the next tick.
func (s *Scheduler) fire(ctx context.Context) {
	result, err := s.runner.TriggerRun(ctx, engine.RunOptions{})
	if err != nil {
		var sf *engine.SoftFailure
		if errors.As(err, &sf) {
			s.logger.Info(ctx, "scheduled run skipped", "code", sf.Code)
			return
		}
		s.logger.Error(ctx, err, "scheduled run failed")
		return
	}

	s.logger.Info(ctx, "scheduled run complete",
		"run_id", result.RunID,
		"processed", result.ItemsProcessed,
		"routed", result.ItemsRouted,
		"flagged", result.ItemsFlagged,
		"success", result.Success,
	)
}
