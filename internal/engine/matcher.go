package engine

import (
	"sort"

	"github.com/linnemanlabs/sift/internal/item"
)

// MatchRouting selects the active routing rules applicable to the item's
// category and department ("All" matches any department), ordered by
// priority with critical first, ties broken by lower rule ID. An empty
// result is a valid outcome, not an error; the item is then flagged for
// manual review unless a classification rule acted on it.
func MatchRouting(it *item.Item, rules []RoutingRule) []RoutingRule {
	var out []RoutingRule
	for i := range rules {
		if rules[i].Matches(it.Category, it.Department) {
			out = append(out, rules[i])
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].ID < out[j].ID
	})

	return out
}

// Stakeholders flattens the distinct stakeholders of the matched rules,
// preserving priority order.
func Stakeholders(rules []RoutingRule) []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range rules {
		for _, s := range rules[i].Stakeholders {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
