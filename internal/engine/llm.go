package engine

import "context"

// Evaluator is the external classification capability. Implementations must
// honor the context deadline and must not fail on content they cannot parse;
// they return a low-confidence non-match instead. A returned error means the
// capability itself was unreachable, which the classifier isolates per rule.
type Evaluator interface {
	Evaluate(ctx context.Context, itemText string, rule *ClassificationRule) (*Evaluation, error)
}

// Evaluation is the capability's verdict for one rule against one item.
type Evaluation struct {
	Matches    bool     `json:"match"`
	Confidence float64  `json:"confidence"`
	Severity   Priority `json:"severity"`
}
