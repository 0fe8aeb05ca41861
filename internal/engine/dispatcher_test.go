package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/sift/internal/engine"
	"github.com/linnemanlabs/sift/internal/engine/memstore"
	"github.com/linnemanlabs/sift/internal/item"
)

type fakeNotifier struct {
	sent []*engine.Notification
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, n *engine.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

func seedItem(t *testing.T, s *memstore.Store, id string) *item.Item {
	t.Helper()
	it := &item.Item{
		ID:          id,
		Title:       "Payment page down",
		Description: "checkout fails for all EU customers",
		Category:    "billing",
		Department:  "Finance",
		Status:      item.StatusNew,
		CreatedAt:   time.Now(),
	}
	if err := s.PutItem(context.Background(), it); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	return it
}

func TestDispatchNotify(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	notifier := &fakeNotifier{}
	d := engine.NewDispatcher(store, notifier, nil, engine.Hooks{})

	it := seedItem(t, store, "i1")
	rule := &engine.ClassificationRule{
		ID:       "r1",
		Name:     "billing outage",
		Action:   engine.ActionNotify,
		Target:   "oncall@corp.test",
		Priority: engine.PriorityHigh,
		Active:   true,
	}
	store.PutClassificationRule(rule)

	routes := []engine.RoutingRule{
		{ID: "rt1", Stakeholders: []string{"finance@corp.test"}},
	}
	m := &engine.MatchResult{Rule: rule, Confidence: 1.0, Severity: engine.PriorityCritical}

	al, err := d.Dispatch(context.Background(), "run1", it, m, routes, engine.DefaultRunConfig())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !al.Success {
		t.Fatalf("al.Success = false, error %q", al.Error)
	}
	if al.Priority != engine.PriorityCritical {
		t.Errorf("al.Priority = %q, want critical", al.Priority)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("notifications sent = %d, want 1", len(notifier.sent))
	}
	n := notifier.sent[0]
	if len(n.Stakeholders) != 2 || n.Stakeholders[0] != "finance@corp.test" || n.Stakeholders[1] != "oncall@corp.test" {
		t.Errorf("stakeholders = %v", n.Stakeholders)
	}

	got, _ := store.GetItem("i1")
	if got.Status != item.StatusUnderReview {
		t.Errorf("item status = %q, want under_review", got.Status)
	}
	if store.RuleTriggerCount("r1") != 1 {
		t.Errorf("trigger count = %d, want 1", store.RuleTriggerCount("r1"))
	}

	logs, _ := store.ListActionLogs(context.Background(), "i1")
	if len(logs) != 1 {
		t.Fatalf("action logs = %d, want 1", len(logs))
	}
	if logs[0].RunID != "run1" || logs[0].RuleID != "r1" {
		t.Errorf("log row = %+v", logs[0])
	}
}

func TestDispatchNotifyFailureCapturedInLog(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	notifier := &fakeNotifier{err: errors.New("webhook 503")}
	d := engine.NewDispatcher(store, notifier, nil, engine.Hooks{})

	it := seedItem(t, store, "i1")
	rule := &engine.ClassificationRule{ID: "r1", Action: engine.ActionNotify, Active: true}
	m := &engine.MatchResult{Rule: rule, Severity: engine.PriorityLow}

	al, err := d.Dispatch(context.Background(), "run1", it, m, nil, engine.DefaultRunConfig())
	if err != nil {
		t.Fatalf("Dispatch should not raise action failures: %v", err)
	}
	if al.Success {
		t.Error("al.Success = true, want false")
	}
	if al.Error == "" {
		t.Error("al.Error should carry the notify failure")
	}

	// the audit row is written regardless of action outcome
	logs, _ := store.ListActionLogs(context.Background(), "i1")
	if len(logs) != 1 {
		t.Fatalf("action logs = %d, want 1", len(logs))
	}

	// item stays new: the failed notify must not advance its status
	got, _ := store.GetItem("i1")
	if got.Status != item.StatusNew {
		t.Errorf("item status = %q, want new", got.Status)
	}
}

func TestDispatchTag(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	d := engine.NewDispatcher(store, nil, nil, engine.Hooks{})

	it := seedItem(t, store, "i1")
	rule := &engine.ClassificationRule{ID: "r1", Name: "needs-legal", Action: engine.ActionTag, Target: "legal-review", Active: true}
	m := &engine.MatchResult{Rule: rule, Severity: engine.PriorityMedium}

	al, err := d.Dispatch(context.Background(), "run1", it, m, nil, engine.DefaultRunConfig())
	if err != nil || !al.Success {
		t.Fatalf("Dispatch: err=%v success=%v error=%q", err, al.Success, al.Error)
	}
	if !store.HasTag("i1", "legal-review") {
		t.Error("target tag not applied")
	}

	// falls back to the rule name when no target is set
	it2 := seedItem(t, store, "i2")
	rule2 := &engine.ClassificationRule{ID: "r2", Name: "needs-legal", Action: engine.ActionTag, Active: true}
	if _, err := d.Dispatch(context.Background(), "run1", it2, &engine.MatchResult{Rule: rule2}, nil, engine.DefaultRunConfig()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !store.HasTag("i2", "needs-legal") {
		t.Error("rule-name tag not applied")
	}
}

func TestDispatchStatusActions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		action engine.ActionKind
		want   item.Status
	}{
		{engine.ActionEscalate, item.StatusEscalated},
		{engine.ActionFlag, item.StatusFlagged},
		{engine.ActionHold, item.StatusOnHold},
	}

	for _, tc := range cases {
		store := memstore.New()
		d := engine.NewDispatcher(store, nil, nil, engine.Hooks{})
		it := seedItem(t, store, "i1")
		rule := &engine.ClassificationRule{ID: "r1", Action: tc.action, Active: true}

		al, err := d.Dispatch(context.Background(), "run1", it, &engine.MatchResult{Rule: rule}, nil, engine.DefaultRunConfig())
		if err != nil || !al.Success {
			t.Fatalf("%s: err=%v success=%v error=%q", tc.action, err, al.Success, al.Error)
		}
		got, _ := store.GetItem("i1")
		if got.Status != tc.want {
			t.Errorf("%s: item status = %q, want %q", tc.action, got.Status, tc.want)
		}
	}
}

func TestDispatchIgnore(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	d := engine.NewDispatcher(store, nil, nil, engine.Hooks{})
	it := seedItem(t, store, "i1")
	rule := &engine.ClassificationRule{ID: "r1", Action: engine.ActionIgnore, Active: true}

	al, err := d.Dispatch(context.Background(), "run1", it, &engine.MatchResult{Rule: rule}, nil, engine.DefaultRunConfig())
	if err != nil || !al.Success {
		t.Fatalf("err=%v success=%v error=%q", err, al.Success, al.Error)
	}

	// no status side effect, but the log row keeps it out of future batches
	got, _ := store.GetItem("i1")
	if got.Status != item.StatusNew {
		t.Errorf("item status = %q, want new", got.Status)
	}
	logs, _ := store.ListActionLogs(context.Background(), "i1")
	if len(logs) != 1 {
		t.Errorf("action logs = %d, want 1", len(logs))
	}
}

func TestDispatchUnknownActionFails(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	d := engine.NewDispatcher(store, nil, nil, engine.Hooks{})
	it := seedItem(t, store, "i1")
	rule := &engine.ClassificationRule{ID: "r1", Action: engine.ActionKind("shred"), Active: true}

	al, err := d.Dispatch(context.Background(), "run1", it, &engine.MatchResult{Rule: rule}, nil, engine.DefaultRunConfig())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if al.Success {
		t.Error("unknown action should fail the dispatch")
	}
}

func TestDispatchAdminFallbackRecipients(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	notifier := &fakeNotifier{}
	d := engine.NewDispatcher(store, notifier, nil, engine.Hooks{})
	it := seedItem(t, store, "i1")
	rule := &engine.ClassificationRule{ID: "r1", Action: engine.ActionNotify, Active: true}

	cfg := engine.DefaultRunConfig()
	cfg.Settings.NotifyAdmins = true
	cfg.Settings.AdminEmails = []string{"admin@corp.test"}

	al, err := d.Dispatch(context.Background(), "run1", it, &engine.MatchResult{Rule: rule}, nil, cfg)
	if err != nil || !al.Success {
		t.Fatalf("err=%v success=%v error=%q", err, al.Success, al.Error)
	}
	if len(al.Stakeholders) != 1 || al.Stakeholders[0] != "admin@corp.test" {
		t.Errorf("stakeholders = %v, want admin fallback", al.Stakeholders)
	}
}

func TestDispatchRouting(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	notifier := &fakeNotifier{}
	d := engine.NewDispatcher(store, notifier, nil, engine.Hooks{})
	it := seedItem(t, store, "i1")

	route := &engine.RoutingRule{
		ID:           "rt1",
		Name:         "billing to finance",
		Priority:     engine.PriorityHigh,
		Stakeholders: []string{"finance@corp.test"},
		AutoRoute:    true,
		Active:       true,
	}

	al, err := d.DispatchRouting(context.Background(), "run1", it, route, []engine.RoutingRule{*route}, engine.DefaultRunConfig())
	if err != nil || !al.Success {
		t.Fatalf("err=%v success=%v error=%q", err, al.Success, al.Error)
	}
	if al.Action != engine.ActionNotify {
		t.Errorf("al.Action = %q, want notify", al.Action)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("notifications sent = %d, want 1", len(notifier.sent))
	}
	got, _ := store.GetItem("i1")
	if got.Status != item.StatusUnderReview {
		t.Errorf("item status = %q, want under_review", got.Status)
	}
}
