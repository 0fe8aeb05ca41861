package engine

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/sift/internal/item"
)

// ErrRunInProgress is returned by Store.BeginRun when another run holds the
// exclusive slot. The check-then-insert must be atomic in the store.
var ErrRunInProgress = errors.New("a run is already in progress")

// Store is the persistence interface for the triage engine. The engine is
// the only writer of run logs, action logs, and the watermark; rules and
// items are written by external subsystems except where noted.
type Store interface {
	// GetConfig returns the run configuration, ok=false when none exists.
	GetConfig(ctx context.Context) (*RunConfig, bool, error)
	PutConfig(ctx context.Context, cfg *RunConfig) error

	// InProgressRun returns the open run log, if any.
	InProgressRun(ctx context.Context) (*RunLog, bool, error)

	// BeginRun inserts the run log iff no run is in progress, atomically.
	// With force it inserts unconditionally. Returns ErrRunInProgress when
	// the slot is taken.
	BeginRun(ctx context.Context, run *RunLog, force bool) error

	// FinishRun persists the run's terminal state.
	FinishRun(ctx context.Context, run *RunLog) error

	GetRun(ctx context.Context, id string) (*RunLog, bool, error)
	LatestRun(ctx context.Context) (*RunLog, bool, error)
	ListRuns(ctx context.Context, limit int) ([]RunLog, error)

	ListActiveClassificationRules(ctx context.Context) ([]ClassificationRule, error)
	ListActiveRoutingRules(ctx context.Context) ([]RoutingRule, error)

	// BumpRuleTrigger increments the rule's trigger count and stamps
	// last-triggered. Increment-only, safe without run-level locking.
	BumpRuleTrigger(ctx context.Context, ruleID string, at time.Time) error

	PutItem(ctx context.Context, it *item.Item) error

	// SelectPending returns up to limit items created after since that have
	// no action log rows, oldest first.
	SelectPending(ctx context.Context, since time.Time, limit int) ([]item.Item, error)
	CountPending(ctx context.Context, since time.Time) (int, error)
	UpdateItemStatus(ctx context.Context, itemID string, status item.Status) error

	AppendActionLog(ctx context.Context, al *ActionLog) error
	ListActionLogs(ctx context.Context, itemID string) ([]ActionLog, error)

	// AddTag associates a tag with an item. Re-adding an existing tag is a
	// success, not an error.
	AddTag(ctx context.Context, itemID, tag string) error
}
