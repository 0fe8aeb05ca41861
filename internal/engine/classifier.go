package engine

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/item"
)

// Classifier decides whether an item matches active classification rules.
// Deterministic trigger kinds are evaluated locally; the rest are delegated
// to the external Evaluator with per-rule failure isolation.
type Classifier struct {
	eval   Evaluator
	logger log.Logger
	hooks  Hooks
}

// NewClassifier creates a classifier. eval may be nil, in which case
// non-deterministic trigger kinds never match.
func NewClassifier(eval Evaluator, logger log.Logger, hooks Hooks) *Classifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Classifier{eval: eval, logger: logger, hooks: hooks}
}

// localMatchConfidence is reported for deterministic trigger matches, which
// carry no model uncertainty.
const localMatchConfidence = 1.0

// Classify evaluates the item against every active rule and returns all
// matches sorted by priority (critical first), ties broken by lower rule ID.
// Evaluator failures are recorded against the item and counted via
// failures, never raised to the caller.
func (c *Classifier) Classify(ctx context.Context, it *item.Item, rules []ClassificationRule) (matches []MatchResult, failures []string) {
	for i := range rules {
		rule := &rules[i]
		if !rule.Active {
			continue
		}

		start := time.Now()
		ev, err := c.evaluateRule(ctx, it, rule)
		if c.hooks.OnEval != nil {
			outcome := "no_match"
			switch {
			case err != nil:
				outcome = "error"
			case ev.Matches:
				outcome = "match"
			}
			c.hooks.OnEval(string(rule.Trigger.Kind), outcome, time.Since(start).Seconds())
		}
		if err != nil {
			c.logger.Error(ctx, err, "rule evaluation failed",
				"item_id", it.ID,
				"rule_id", rule.ID,
				"trigger_kind", rule.Trigger.Kind,
			)
			failures = append(failures, rule.ID+": "+err.Error())
			continue
		}
		if !ev.Matches {
			continue
		}

		severity := ev.Severity
		if severity.Rank() == 0 {
			severity = rule.Priority
		}
		matches = append(matches, MatchResult{
			Rule:       rule,
			Confidence: ev.Confidence,
			Severity:   severity,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		ri, rj := matches[i].Rule, matches[j].Rule
		if ri.Priority.Rank() != rj.Priority.Rank() {
			return ri.Priority.Rank() > rj.Priority.Rank()
		}
		return ri.ID < rj.ID
	})

	return matches, failures
}

func (c *Classifier) evaluateRule(ctx context.Context, it *item.Item, rule *ClassificationRule) (*Evaluation, error) {
	switch rule.Trigger.Kind {
	case TriggerKeyword:
		return evalKeyword(it, rule.Trigger.Spec), nil
	case TriggerLength:
		return evalLength(it, rule.Trigger.Spec), nil
	default:
		if c.eval == nil {
			return &Evaluation{}, nil
		}
		return c.eval.Evaluate(ctx, it.Text(), rule)
	}
}

// evalKeyword matches when any comma-separated term from the trigger spec
// appears in the item's text, case-insensitively.
func evalKeyword(it *item.Item, spec string) *Evaluation {
	text := strings.ToLower(it.Text())
	for _, term := range strings.Split(spec, ",") {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.Contains(text, term) {
			return &Evaluation{Matches: true, Confidence: localMatchConfidence}
		}
	}
	return &Evaluation{}
}

// evalLength matches when the description length meets the numeric spec.
// A malformed spec never matches.
func evalLength(it *item.Item, spec string) *Evaluation {
	min, err := strconv.Atoi(strings.TrimSpace(spec))
	if err != nil || min < 0 {
		return &Evaluation{}
	}
	if len(it.Description) >= min {
		return &Evaluation{Matches: true, Confidence: localMatchConfidence}
	}
	return &Evaluation{}
}
