package engine

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/item"
)

// Notification is the payload handed to the external notifier when a notify
// action fires.
type Notification struct {
	ItemID       string     `json:"item_id"`
	ItemTitle    string     `json:"item_title"`
	ItemSummary  string     `json:"item_summary"`
	Category     string     `json:"category"`
	RuleID       string     `json:"rule_id"`
	RuleName     string     `json:"rule_name"`
	Action       ActionKind `json:"action"`
	Priority     Priority   `json:"priority"`
	Stakeholders []string   `json:"stakeholders"`
}

// Notifier delivers notifications to stakeholders. Failures surface as
// errors, never panics across the dispatcher boundary.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
}

// Dispatcher executes the action implied by a classification match and
// records the outcome. Every dispatch writes exactly one action log row,
// success or not; that row is the idempotency barrier against reprocessing.
type Dispatcher struct {
	store    Store
	notifier Notifier
	logger   log.Logger
	hooks    Hooks
}

// NewDispatcher creates a dispatcher. notifier may be nil, in which case
// notify actions fail softly into the action log.
func NewDispatcher(store Store, notifier Notifier, logger log.Logger, hooks Hooks) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{store: store, notifier: notifier, logger: logger, hooks: hooks}
}

// summaryLen bounds the item description copied into notifications.
const summaryLen = 280

// Dispatch performs the matched rule's action against the item, bumps the
// rule's trigger bookkeeping, and appends the audit row. The returned error
// reports only audit-append failures; action failures are captured inside
// the returned log.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, it *item.Item, m *MatchResult, routes []RoutingRule, cfg *RunConfig) (*ActionLog, error) {
	start := time.Now()
	rule := m.Rule

	al := &ActionLog{
		RunID:        runID,
		RuleID:       rule.ID,
		ItemID:       it.ID,
		Action:       rule.Action,
		Priority:     m.Severity,
		Success:      true,
		Stakeholders: d.recipients(rule, routes, cfg),
		CreatedAt:    start,
	}

	if err := d.apply(ctx, it, rule, al); err != nil {
		al.Success = false
		al.Error = err.Error()
		d.logger.Error(ctx, err, "action failed",
			"item_id", it.ID,
			"rule_id", rule.ID,
			"action", rule.Action,
		)
	}

	// Trigger bookkeeping is increment-only; a failure here must not fail
	// the dispatch itself.
	if err := d.store.BumpRuleTrigger(ctx, rule.ID, time.Now()); err != nil {
		d.logger.Error(ctx, err, "trigger bump failed", "rule_id", rule.ID)
	}

	al.Seconds = time.Since(start).Seconds()

	if d.hooks.OnDispatch != nil {
		status := "success"
		if !al.Success {
			status = "error"
		}
		d.hooks.OnDispatch(string(al.Action), status, al.Seconds)
	}

	if err := d.store.AppendActionLog(ctx, al); err != nil {
		return al, fmt.Errorf("append action log: %w", err)
	}
	return al, nil
}

// DispatchRouting notifies a routing rule's stakeholders when no
// classification rule matched but an auto-route rule applies. Routing rules
// carry no trigger bookkeeping; everything else mirrors Dispatch, including
// the single audit row.
func (d *Dispatcher) DispatchRouting(ctx context.Context, runID string, it *item.Item, route *RoutingRule, routes []RoutingRule, cfg *RunConfig) (*ActionLog, error) {
	start := time.Now()

	al := &ActionLog{
		RunID:        runID,
		RuleID:       route.ID,
		ItemID:       it.ID,
		Action:       ActionNotify,
		Priority:     route.Priority,
		Success:      true,
		Stakeholders: Stakeholders(routes),
		CreatedAt:    start,
	}

	if err := d.notifyRouting(ctx, it, route, al); err != nil {
		al.Success = false
		al.Error = err.Error()
		d.logger.Error(ctx, err, "auto-route failed",
			"item_id", it.ID,
			"routing_rule_id", route.ID,
		)
	}

	al.Seconds = time.Since(start).Seconds()

	if d.hooks.OnDispatch != nil {
		status := "success"
		if !al.Success {
			status = "error"
		}
		d.hooks.OnDispatch(string(al.Action), status, al.Seconds)
	}

	if err := d.store.AppendActionLog(ctx, al); err != nil {
		return al, fmt.Errorf("append action log: %w", err)
	}
	return al, nil
}

func (d *Dispatcher) notifyRouting(ctx context.Context, it *item.Item, route *RoutingRule, al *ActionLog) error {
	if d.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	n := &Notification{
		ItemID:       it.ID,
		ItemTitle:    it.Title,
		ItemSummary:  truncate(it.Description, summaryLen),
		Category:     it.Category,
		RuleID:       route.ID,
		RuleName:     route.Name,
		Action:       ActionNotify,
		Priority:     route.Priority,
		Stakeholders: al.Stakeholders,
	}
	if err := d.notifier.Send(ctx, n); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return d.store.UpdateItemStatus(ctx, it.ID, item.StatusUnderReview)
}

// apply runs the action's side effect. The switch is exhaustive over
// ActionKind; an unknown kind is a validation escape and fails the dispatch.
func (d *Dispatcher) apply(ctx context.Context, it *item.Item, rule *ClassificationRule, al *ActionLog) error {
	switch rule.Action {
	case ActionNotify:
		if d.notifier == nil {
			return fmt.Errorf("no notifier configured")
		}
		n := &Notification{
			ItemID:       it.ID,
			ItemTitle:    it.Title,
			ItemSummary:  truncate(it.Description, summaryLen),
			Category:     it.Category,
			RuleID:       rule.ID,
			RuleName:     rule.Name,
			Action:       rule.Action,
			Priority:     al.Priority,
			Stakeholders: al.Stakeholders,
		}
		if err := d.notifier.Send(ctx, n); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		return d.store.UpdateItemStatus(ctx, it.ID, item.StatusUnderReview)

	case ActionTag:
		tag := rule.Target
		if tag == "" {
			tag = rule.Name
		}
		if err := d.store.AddTag(ctx, it.ID, tag); err != nil {
			return fmt.Errorf("add tag %q: %w", tag, err)
		}
		return nil

	case ActionEscalate:
		return d.store.UpdateItemStatus(ctx, it.ID, item.StatusEscalated)

	case ActionFlag:
		return d.store.UpdateItemStatus(ctx, it.ID, item.StatusFlagged)

	case ActionHold:
		return d.store.UpdateItemStatus(ctx, it.ID, item.StatusOnHold)

	case ActionIgnore:
		// no side effect; the log row alone keeps the item out of future runs
		return nil

	default:
		return fmt.Errorf("unknown action kind %q", rule.Action)
	}
}

// recipients resolves who receives the action's effect: routing stakeholders
// first, then the rule's own email target, then admin fallback.
func (d *Dispatcher) recipients(rule *ClassificationRule, routes []RoutingRule, cfg *RunConfig) []string {
	out := Stakeholders(routes)
	if rule.Action == ActionNotify && rule.Target != "" {
		out = appendDistinct(out, rule.Target)
	}
	if len(out) == 0 && cfg != nil && cfg.Settings.NotifyAdmins {
		for _, a := range cfg.Settings.AdminEmails {
			out = appendDistinct(out, a)
		}
	}
	return out
}

func appendDistinct(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	// back up to a rune boundary so the cut never splits a multi-byte rune
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
