package engine

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestPriorityRank(t *testing.T) {
	t.Parallel()

	cases := []struct {
		p    Priority
		want int
	}{
		{PriorityCritical, 4},
		{PriorityHigh, 3},
		{PriorityMedium, 2},
		{PriorityLow, 1},
		{Priority("bogus"), 0},
		{Priority(""), 0},
	}
	for _, tc := range cases {
		if got := tc.p.Rank(); got != tc.want {
			t.Errorf("Rank(%q) = %d, want %d", tc.p, got, tc.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	if p, err := ParsePriority("critical"); err != nil || p != PriorityCritical {
		t.Errorf("ParsePriority(critical) = %q, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("ParsePriority(urgent) should fail")
	}
}

func TestParseActionKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    ActionKind
		wantErr bool
	}{
		{"notify", ActionNotify, false},
		{"send_email", ActionNotify, false},
		{"route", ActionNotify, false},
		{"tag", ActionTag, false},
		{"add_tag", ActionTag, false},
		{"escalate", ActionEscalate, false},
		{"flag", ActionFlag, false},
		{"hold", ActionHold, false},
		{"ignore", ActionIgnore, false},
		{"delete", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseActionKind(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseActionKind(%q) should fail", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseActionKind(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseActionKind(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRoutingRuleMatches(t *testing.T) {
	t.Parallel()

	rule := RoutingRule{Category: "billing", Department: "Finance", Active: true}
	if !rule.Matches("billing", "Finance") {
		t.Error("exact category/department should match")
	}
	if rule.Matches("billing", "Legal") {
		t.Error("other department should not match")
	}
	if rule.Matches("support", "Finance") {
		t.Error("other category should not match")
	}

	wild := RoutingRule{Category: "billing", Department: DepartmentAll, Active: true}
	if !wild.Matches("billing", "Legal") {
		t.Error("wildcard department should match any department")
	}

	inactive := RoutingRule{Category: "billing", Department: "Finance", Active: false}
	if inactive.Matches("billing", "Finance") {
		t.Error("inactive rule should never match")
	}
}

func TestRunConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultRunConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	cfg = DefaultRunConfig()
	cfg.Settings.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("batch size 0 should fail")
	}

	cfg = DefaultRunConfig()
	cfg.Settings.BatchSize = MaxBatchSize + 1
	if err := cfg.Validate(); err == nil {
		t.Error("batch size over max should fail")
	}

	cfg = DefaultRunConfig()
	cfg.Settings.ItemTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Error("item timeout 0 should fail")
	}

	cfg = DefaultRunConfig()
	cfg.ScheduleCron = "*/5 * * * *"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid cron schedule should pass: %v", err)
	}

	cfg = DefaultRunConfig()
	cfg.ScheduleCron = "not a schedule"
	if err := cfg.Validate(); err == nil {
		t.Error("invalid cron schedule should fail")
	}
}

func TestRunLogInProgress(t *testing.T) {
	t.Parallel()

	var run RunLog
	if run.InProgress() {
		t.Error("zero run should not be in progress")
	}

	run.StartedAt = time.Now()
	if !run.InProgress() {
		t.Error("started run with nil CompletedAt should be in progress")
	}

	done := time.Now()
	run.CompletedAt = &done
	if run.InProgress() {
		t.Error("completed run should not be in progress")
	}
}

func TestSoftFailureError(t *testing.T) {
	t.Parallel()

	sf := softFail(FailDisabled, "triage runs are disabled")
	if got := sf.Error(); got != "DISABLED: triage runs are disabled" {
		t.Errorf("Error() = %q", got)
	}

	bare := &SoftFailure{Code: FailNoItems}
	if got := bare.Error(); got != "NO_ITEMS_TO_PROCESS" {
		t.Errorf("Error() = %q", got)
	}
}

func TestItemTimeout(t *testing.T) {
	t.Parallel()

	cfg := DefaultRunConfig()
	if got := cfg.ItemTimeout(); got != DefaultItemTimeoutSeconds*time.Second {
		t.Errorf("ItemTimeout() = %v", got)
	}

	cfg.Settings.ItemTimeoutSeconds = 0
	if got := cfg.ItemTimeout(); got != DefaultItemTimeoutSeconds*time.Second {
		t.Errorf("ItemTimeout() with zero setting = %v", got)
	}

	cfg.Settings.ItemTimeoutSeconds = 30
	if got := cfg.ItemTimeout(); got != 30*time.Second {
		t.Errorf("ItemTimeout() = %v, want 30s", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}

	got := truncate(strings.Repeat("a", 50), 20)
	if got != strings.Repeat("a", 17)+"..." {
		t.Errorf("truncate ascii = %q", got)
	}

	// a cut landing mid-rune must back up to the previous boundary
	multi := strings.Repeat("é", 20) // 2 bytes per rune
	got = truncate(multi, 10)        // cut at byte 7, inside the 4th rune
	if !utf8.ValidString(got) {
		t.Errorf("truncate produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("é", 3)+"..." {
		t.Errorf("truncate multibyte = %q", got)
	}
	if len(got) > 10 {
		t.Errorf("truncate exceeded limit: len=%d", len(got))
	}
}
