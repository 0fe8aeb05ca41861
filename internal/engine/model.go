package engine

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Priority orders rules and routed outcomes. Critical sorts first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns a sortable weight for the priority, higher is more urgent.
// Unknown priorities rank below low so malformed rules never jump the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ParsePriority validates a priority string.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// ActionKind is the closed set of actions a rule can take on an item.
// Adding a kind means extending the dispatcher's switch, which is checked
// exhaustively, not a string fallthrough.
type ActionKind string

const (
	ActionNotify   ActionKind = "notify"
	ActionTag      ActionKind = "tag"
	ActionEscalate ActionKind = "escalate"
	ActionFlag     ActionKind = "flag"
	ActionHold     ActionKind = "hold"
	ActionIgnore   ActionKind = "ignore"
)

// ParseActionKind maps an action string, including the aliases the rule
// administration UI historically produced, onto the closed kind set.
func ParseActionKind(s string) (ActionKind, error) {
	switch s {
	case "notify", "send_email", "route":
		return ActionNotify, nil
	case "tag", "add_tag":
		return ActionTag, nil
	case "escalate":
		return ActionEscalate, nil
	case "flag":
		return ActionFlag, nil
	case "hold":
		return ActionHold, nil
	case "ignore":
		return ActionIgnore, nil
	default:
		return "", fmt.Errorf("unknown action kind %q", s)
	}
}

// TriggerKind selects how a classification rule's trigger spec is evaluated.
// Keyword and length triggers are evaluated locally; the rest go through the
// external Evaluator.
type TriggerKind string

const (
	TriggerKeyword    TriggerKind = "keyword"
	TriggerLength     TriggerKind = "length"
	TriggerSimilarity TriggerKind = "similarity"
	TriggerSentiment  TriggerKind = "sentiment"
	TriggerCustom     TriggerKind = "custom"
)

// Trigger is a classification rule's predicate: a kind plus a kind-specific
// spec (comma-separated terms for keyword, a numeric threshold for length,
// natural language for the rest).
type Trigger struct {
	Kind TriggerKind `json:"kind"`
	Spec string      `json:"spec"`
}

// ClassificationRule decides whether an item should be acted on, and how.
type ClassificationRule struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Trigger         Trigger    `json:"trigger"`
	Action          ActionKind `json:"action"`
	Target          string     `json:"target,omitempty"` // tag name, email, or routing key
	Priority        Priority   `json:"priority"`
	Active          bool       `json:"active"`
	LastTriggeredAt time.Time  `json:"last_triggered_at,omitempty"`
	TriggerCount    int        `json:"trigger_count"`
}

// RoutingRule maps an item's category/department to stakeholders,
// independent of classification outcome. Department "All" is a wildcard.
type RoutingRule struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Category     string   `json:"category"`
	Department   string   `json:"department"`
	Stakeholders []string `json:"stakeholders"`
	Priority     Priority `json:"priority"`
	AutoRoute    bool     `json:"auto_route"`
	Active       bool     `json:"active"`
}

// DepartmentAll is the routing rule wildcard department.
const DepartmentAll = "All"

// Matches reports whether the rule applies to the given category/department.
func (r *RoutingRule) Matches(category, department string) bool {
	if !r.Active || r.Category != category {
		return false
	}
	return r.Department == department || r.Department == DepartmentAll
}

// Settings are the typed run configuration knobs, validated at the config
// update boundary rather than at each read site.
type Settings struct {
	BatchSize          int      `json:"batch_size"`
	NotifyAdmins       bool     `json:"notify_admins"`
	AdminEmails        []string `json:"admin_emails,omitempty"`
	ItemTimeoutSeconds int      `json:"item_timeout_seconds"`
	ApplyAllMatches    bool     `json:"apply_all_matches"`
}

const (
	// DefaultBatchSize bounds a run when neither the caller nor the config
	// supplies one.
	DefaultBatchSize = 50

	// MaxBatchSize is the upper bound on any requested batch size.
	MaxBatchSize = 500

	// DefaultItemTimeoutSeconds bounds the per-item pipeline, external calls
	// included.
	DefaultItemTimeoutSeconds = 120

	maxItemTimeoutSeconds = 600
)

// RunConfig is the singleton per-tenant run configuration, including the
// watermark cursor separating already-considered items from new backlog.
type RunConfig struct {
	Enabled             bool       `json:"enabled"`
	ScheduleCron        string     `json:"schedule_cron,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastRunItems        int        `json:"last_run_items"`
	TotalItemsProcessed int        `json:"total_items_processed"`
	Settings            Settings   `json:"settings"`
}

// DefaultRunConfig returns a disabled config with documented defaults.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		Enabled: false,
		Settings: Settings{
			BatchSize:          DefaultBatchSize,
			ItemTimeoutSeconds: DefaultItemTimeoutSeconds,
		},
	}
}

// Validate checks the config for correctness.
func (c *RunConfig) Validate() error {
	if c.Settings.BatchSize < 1 || c.Settings.BatchSize > MaxBatchSize {
		return fmt.Errorf("invalid batch size %d (must be 1..%d)", c.Settings.BatchSize, MaxBatchSize)
	}
	if c.Settings.ItemTimeoutSeconds < 1 || c.Settings.ItemTimeoutSeconds > maxItemTimeoutSeconds {
		return fmt.Errorf("invalid item timeout %ds (must be 1..%d)", c.Settings.ItemTimeoutSeconds, maxItemTimeoutSeconds)
	}
	if c.ScheduleCron != "" {
		if _, err := cron.ParseStandard(c.ScheduleCron); err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", c.ScheduleCron, err)
		}
	}
	return nil
}

// ItemTimeout returns the per-item processing deadline as a duration.
func (c *RunConfig) ItemTimeout() time.Duration {
	secs := c.Settings.ItemTimeoutSeconds
	if secs <= 0 {
		secs = DefaultItemTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// Summary aggregates per-run timing and breakdowns for the run log.
type Summary struct {
	TotalSeconds   float64        `json:"total_seconds"`
	AvgItemSeconds float64        `json:"avg_item_seconds"`
	ByCategory     map[string]int `json:"by_category,omitempty"`
	ByPriority     map[string]int `json:"by_priority,omitempty"`
}

// RunLog records one run attempt. A row with a set StartedAt and nil
// CompletedAt is in progress; that open/closed state is the sole concurrency
// signal and survives process restarts.
type RunLog struct {
	ID             string     `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsRouted    int        `json:"items_routed"`
	ItemsFlagged   int        `json:"items_flagged"`
	Success        bool       `json:"success"`
	Error          string     `json:"error,omitempty"`
	Summary        Summary    `json:"summary"`
}

// InProgress reports whether the run has not yet reached its terminal state.
func (r *RunLog) InProgress() bool {
	return !r.StartedAt.IsZero() && r.CompletedAt == nil
}

// ActionLog is the per-(rule, item) audit record written by the dispatcher.
// Its existence is the idempotency barrier: an item with a log row is never
// re-selected into a future batch.
type ActionLog struct {
	ID           int64      `json:"id,omitempty"`
	RunID        string     `json:"run_id"`
	RuleID       string     `json:"rule_id"`
	ItemID       string     `json:"item_id"`
	Action       ActionKind `json:"action"`
	Stakeholders []string   `json:"stakeholders,omitempty"`
	Priority     Priority   `json:"priority"`
	Success      bool       `json:"success"`
	Error        string     `json:"error,omitempty"`
	Seconds      float64    `json:"seconds"`
	CreatedAt    time.Time  `json:"created_at"`
}

// MatchResult is one classification rule match for an item.
type MatchResult struct {
	Rule       *ClassificationRule `json:"rule"`
	Confidence float64             `json:"confidence"`
	Severity   Priority            `json:"severity"`
}

// FailCode identifies a precondition soft failure. Soft failures are
// user-correctable refusals with no side effects, not system faults.
type FailCode string

const (
	FailDisabled         FailCode = "DISABLED"
	FailAlreadyRunning   FailCode = "ALREADY_RUNNING"
	FailInvalidBatchSize FailCode = "INVALID_BATCH_SIZE"
	FailNoItems          FailCode = "NO_ITEMS_TO_PROCESS"
	FailConfigNotFound   FailCode = "CONFIG_NOT_FOUND"
)

// SoftFailure is returned by TriggerRun when a precondition refuses the run.
type SoftFailure struct {
	Code   FailCode
	Detail string
}

func (e *SoftFailure) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Detail
}

func softFail(code FailCode, format string, args ...any) *SoftFailure {
	return &SoftFailure{Code: code, Detail: fmt.Sprintf(format, args...)}
}
