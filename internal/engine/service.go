package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/item"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

// RunOptions controls a single triggered run.
type RunOptions struct {
	// Force bypasses the enabled flag, the exclusivity check, and the
	// empty-selection refusal.
	Force bool `json:"force"`

	// BatchSize overrides the configured batch size when positive.
	BatchSize int `json:"batch_size,omitempty"`
}

// RunResult is the structured outcome returned to the caller. It is
// populated even when the run itself failed; TriggerRun never leaks an
// unhandled fault past its boundary once a run has begun.
type RunResult struct {
	RunID          string  `json:"run_id"`
	ItemsProcessed int     `json:"items_processed"`
	ItemsRouted    int     `json:"items_routed"`
	ItemsFlagged   int     `json:"items_flagged"`
	Success        bool    `json:"success"`
	Error          string  `json:"error,omitempty"`
	Seconds        float64 `json:"seconds"`
}

// StatusReport is the read-only status projection.
type StatusReport struct {
	Config       *RunConfig `json:"config"`
	IsRunning    bool       `json:"is_running"`
	LastRun      *RunLog    `json:"last_run,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	PendingItems int        `json:"pending_items"`
}

// ConfigPatch is a partial configuration update. Nil fields are untouched.
type ConfigPatch struct {
	Enabled            *bool     `json:"enabled,omitempty"`
	ScheduleCron       *string   `json:"schedule_cron,omitempty"`
	BatchSize          *int      `json:"batch_size,omitempty"`
	NotifyAdmins       *bool     `json:"notify_admins,omitempty"`
	AdminEmails        *[]string `json:"admin_emails,omitempty"`
	ItemTimeoutSeconds *int      `json:"item_timeout_seconds,omitempty"`
	ApplyAllMatches    *bool     `json:"apply_all_matches,omitempty"`
}

// Service is the business boundary for triage runs. It owns the run
// lifecycle: exclusivity, batch selection, the sequential per-item pipeline,
// aggregation, and watermark advancement.
type Service struct {
	store      Store
	classifier *Classifier
	dispatcher *Dispatcher
	logger     log.Logger
	hooks      Hooks
	now        func() time.Time
}

// NewService creates a new triage service.
func NewService(store Store, classifier *Classifier, dispatcher *Dispatcher, logger log.Logger, hooks Hooks) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:      store,
		classifier: classifier,
		dispatcher: dispatcher,
		logger:     logger,
		hooks:      hooks,
		now:        time.Now,
	}
}

// watermarkEpoch is the cursor used before the first completed run.
var watermarkEpoch = time.Unix(0, 0).UTC()

// TriggerRun drives one triage run to completion. Precondition refusals come
// back as *SoftFailure with a stable code and no side effects. Once the run
// log exists, faults terminate into it and the returned RunResult instead of
// the error value.
func (s *Service) TriggerRun(ctx context.Context, opts RunOptions) (*RunResult, error) {
	cfg, ok, err := s.store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !ok {
		return nil, s.refuse(softFail(FailConfigNotFound, "run config not found"))
	}

	if !cfg.Enabled && !opts.Force {
		return nil, s.refuse(softFail(FailDisabled, "triage runs are disabled"))
	}

	batchSize, sf := effectiveBatchSize(opts, cfg)
	if sf != nil {
		return nil, s.refuse(sf)
	}

	if !opts.Force {
		if _, running, err := s.store.InProgressRun(ctx); err != nil {
			return nil, fmt.Errorf("check in-progress run: %w", err)
		} else if running {
			return nil, s.refuse(softFail(FailAlreadyRunning, "a run is already in progress"))
		}
	}

	since := watermarkEpoch
	if cfg.LastRunAt != nil {
		since = *cfg.LastRunAt
	}

	items, err := s.store.SelectPending(ctx, since, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select pending items: %w", err)
	}
	if len(items) == 0 && !opts.Force {
		return nil, s.refuse(softFail(FailNoItems, "no pending items since %s", since.Format(time.RFC3339)))
	}

	run := &RunLog{
		ID:        ulid.Make().String(),
		StartedAt: s.now(),
		Success:   true, // optimistic, downgraded on run-level fault
	}
	if err := s.store.BeginRun(ctx, run, opts.Force); err != nil {
		if err == ErrRunInProgress {
			return nil, s.refuse(softFail(FailAlreadyRunning, "a run is already in progress"))
		}
		return nil, fmt.Errorf("begin run: %w", err)
	}

	if s.hooks.OnTrigger != nil {
		s.hooks.OnTrigger("started")
	}

	L := s.logger.With("run_id", run.ID)
	L.Info(ctx, "run started",
		"batch_size", batchSize,
		"selected", len(items),
		"since", since,
		"force", opts.Force,
	)

	s.processBatch(ctx, L, run, cfg, items)

	// items are oldest-first; the newest processed item's creation time is
	// the new cursor. Advancing past it would strand unselected backlog.
	var cursor time.Time
	if len(items) > 0 {
		cursor = items[len(items)-1].CreatedAt
	}
	return s.finishRun(ctx, L, run, cfg, cursor)
}

// processBatch runs every selected item through the pipeline sequentially.
// Item-level faults flag the item and continue; a fault outside the per-item
// loop marks the whole run failed.
func (s *Service) processBatch(ctx context.Context, L log.Logger, run *RunLog, cfg *RunConfig, items []item.Item) {
	crules, err := s.store.ListActiveClassificationRules(ctx)
	if err != nil {
		run.Success = false
		run.Error = fmt.Sprintf("list classification rules: %v", err)
		return
	}
	rrules, err := s.store.ListActiveRoutingRules(ctx)
	if err != nil {
		run.Success = false
		run.Error = fmt.Sprintf("list routing rules: %v", err)
		return
	}

	run.Summary.ByCategory = make(map[string]int)
	run.Summary.ByPriority = make(map[string]int)

	var totalItemSeconds float64
	for i := range items {
		it := &items[i]
		start := s.now()

		itemCtx, cancel := context.WithTimeout(ctx, cfg.ItemTimeout())
		routed, prio, err := s.processItem(itemCtx, run, cfg, it, crules, rrules)
		cancel()

		run.ItemsProcessed++
		run.Summary.ByCategory[it.Category]++
		totalItemSeconds += s.now().Sub(start).Seconds()

		if err != nil {
			run.ItemsFlagged++
			L.Error(ctx, err, "item processing failed", "item_id", it.ID)
			continue
		}
		if !routed {
			run.ItemsFlagged++
			// flag for manual review; best effort, the item stays behind
			// the advancing watermark either way
			if serr := s.store.UpdateItemStatus(ctx, it.ID, item.StatusFlagged); serr != nil {
				L.Error(ctx, serr, "flag status update failed", "item_id", it.ID)
			}
			continue
		}
		run.ItemsRouted++
		run.Summary.ByPriority[string(prio)]++
	}

	run.Summary.TotalSeconds = totalItemSeconds
	if run.ItemsProcessed > 0 {
		run.Summary.AvgItemSeconds = totalItemSeconds / float64(run.ItemsProcessed)
	}
}

// processItem classifies, matches routing, and dispatches one item. It
// returns whether the item was routed and the highest dispatched priority.
func (s *Service) processItem(ctx context.Context, run *RunLog, cfg *RunConfig, it *item.Item, crules []ClassificationRule, rrules []RoutingRule) (bool, Priority, error) {
	matches, failures := s.classifier.Classify(ctx, it, crules)
	routes := MatchRouting(it, rrules)

	if len(matches) == 0 {
		if len(failures) > 0 {
			return false, "", fmt.Errorf("classification failed: %s", failures[0])
		}
		// routing rules are an always-on layer: an auto-route match can act
		// even without a classification match
		if route := firstAutoRoute(routes); route != nil {
			al, err := s.dispatcher.DispatchRouting(ctx, run.ID, it, route, routes, cfg)
			if err != nil {
				return false, "", err
			}
			return al.Success, al.Priority, nil
		}
		return false, "", nil
	}

	apply := matches[:1]
	if cfg.Settings.ApplyAllMatches {
		apply = matches
	}

	routedOK := false
	topPriority := Priority("")
	seen := make(map[string]struct{}, len(apply))
	for i := range apply {
		m := &apply[i]
		// one action log per (rule, item) per run cycle
		if _, dup := seen[m.Rule.ID]; dup {
			continue
		}
		seen[m.Rule.ID] = struct{}{}

		al, err := s.dispatcher.Dispatch(ctx, run.ID, it, m, routes, cfg)
		if err != nil {
			return routedOK, topPriority, err
		}
		if al.Success && !routedOK {
			routedOK = true
			topPriority = al.Priority
		}
	}

	if !routedOK {
		return false, "", fmt.Errorf("all %d dispatches failed", len(apply))
	}
	return true, topPriority, nil
}

// finishRun closes the run log and, for non-faulted runs, advances the
// watermark and accumulates totals. The watermark moves to cursor, the
// creation time of the newest item this run considered, never past it. The
// run is never left in progress past this point regardless of outcome.
func (s *Service) finishRun(ctx context.Context, L log.Logger, run *RunLog, cfg *RunConfig, cursor time.Time) (*RunResult, error) {
	completed := s.now()
	run.CompletedAt = &completed

	if err := s.store.FinishRun(ctx, run); err != nil {
		// the run log write itself failed; report the fault in the result
		// rather than leaving the caller without one
		run.Success = false
		if run.Error == "" {
			run.Error = fmt.Sprintf("finish run: %v", err)
		}
		L.Error(ctx, err, "finish run failed")
	} else if run.Success {
		if !cursor.IsZero() && (cfg.LastRunAt == nil || cursor.After(*cfg.LastRunAt)) {
			cfg.LastRunAt = &cursor
		}
		cfg.LastRunItems = run.ItemsProcessed
		cfg.TotalItemsProcessed += run.ItemsProcessed
		if err := s.store.PutConfig(ctx, cfg); err != nil {
			L.Error(ctx, err, "watermark advance failed")
		}
	}

	seconds := completed.Sub(run.StartedAt).Seconds()
	if s.hooks.OnRun != nil {
		s.hooks.OnRun(&RunEvent{
			Success:   run.Success,
			Seconds:   seconds,
			Processed: run.ItemsProcessed,
			Routed:    run.ItemsRouted,
			Flagged:   run.ItemsFlagged,
		})
	}

	L.Info(ctx, "run complete",
		"success", run.Success,
		"processed", run.ItemsProcessed,
		"routed", run.ItemsRouted,
		"flagged", run.ItemsFlagged,
		"seconds", seconds,
	)

	return &RunResult{
		RunID:          run.ID,
		ItemsProcessed: run.ItemsProcessed,
		ItemsRouted:    run.ItemsRouted,
		ItemsFlagged:   run.ItemsFlagged,
		Success:        run.Success,
		Error:          run.Error,
		Seconds:        seconds,
	}, nil
}

// Status builds the read-only status projection. Never mutates.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	cfg, ok, err := s.store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !ok {
		return nil, softFail(FailConfigNotFound, "run config not found")
	}

	_, running, err := s.store.InProgressRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("check in-progress run: %w", err)
	}

	last, _, err := s.store.LatestRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest run: %w", err)
	}

	since := watermarkEpoch
	if cfg.LastRunAt != nil {
		since = *cfg.LastRunAt
	}
	pending, err := s.store.CountPending(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}

	report := &StatusReport{
		Config:       cfg,
		IsRunning:    running,
		LastRun:      last,
		PendingItems: pending,
	}

	if cfg.Enabled && cfg.ScheduleCron != "" {
		if sched, err := cron.ParseStandard(cfg.ScheduleCron); err == nil {
			next := sched.Next(s.now())
			report.NextRunAt = &next
		}
	}

	return report, nil
}

// GetRun retrieves a run log by ID.
func (s *Service) GetRun(ctx context.Context, id string) (*RunLog, bool, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns returns the most recent run logs.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]RunLog, error) {
	return s.store.ListRuns(ctx, limit)
}

// Ingest stores a newly submitted item, assigning its ID and timestamps.
func (s *Service) Ingest(ctx context.Context, it *item.Item) error {
	if it.ID == "" {
		it.ID = ulid.Make().String()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = s.now()
	}
	if it.Status == "" {
		it.Status = item.StatusNew
	}
	return s.store.PutItem(ctx, it)
}

// UpdateConfig applies a partial configuration change, validating at this
// boundary. Takes effect on the next triggered run.
func (s *Service) UpdateConfig(ctx context.Context, patch *ConfigPatch) (*RunConfig, error) {
	cfg, ok, err := s.store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !ok {
		cfg = DefaultRunConfig()
	}

	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
	if patch.ScheduleCron != nil {
		cfg.ScheduleCron = *patch.ScheduleCron
	}
	if patch.BatchSize != nil {
		cfg.Settings.BatchSize = *patch.BatchSize
	}
	if patch.NotifyAdmins != nil {
		cfg.Settings.NotifyAdmins = *patch.NotifyAdmins
	}
	if patch.AdminEmails != nil {
		cfg.Settings.AdminEmails = *patch.AdminEmails
	}
	if patch.ItemTimeoutSeconds != nil {
		cfg.Settings.ItemTimeoutSeconds = *patch.ItemTimeoutSeconds
	}
	if patch.ApplyAllMatches != nil {
		cfg.Settings.ApplyAllMatches = *patch.ApplyAllMatches
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.PutConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("put config: %w", err)
	}
	return cfg, nil
}

func (s *Service) refuse(sf *SoftFailure) error {
	if s.hooks.OnTrigger != nil {
		s.hooks.OnTrigger(string(sf.Code))
	}
	return sf
}

func effectiveBatchSize(opts RunOptions, cfg *RunConfig) (int, *SoftFailure) {
	bs := opts.BatchSize
	if bs == 0 {
		bs = cfg.Settings.BatchSize
	}
	if bs == 0 {
		bs = DefaultBatchSize
	}
	if bs < 1 || bs > MaxBatchSize {
		return 0, softFail(FailInvalidBatchSize, "batch size %d out of range 1..%d", bs, MaxBatchSize)
	}
	return bs, nil
}

func firstAutoRoute(routes []RoutingRule) *RoutingRule {
	for i := range routes {
		if routes[i].AutoRoute {
			return &routes[i]
		}
	}
	return nil
}
