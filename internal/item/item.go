// Package item defines the submission record the triage engine classifies
// and routes. Items are owned by the external submission subsystem; the
// engine reads them and advances Status as a terminal side effect.
package item

import "time"

// Status tracks where an item is in its review lifecycle.
type Status string

const (
	// StatusNew means submitted, not yet considered by any run
	StatusNew Status = "new"

	// StatusUnderReview means a matched action put it in front of a human
	StatusUnderReview Status = "under_review"

	// StatusEscalated means an escalate action was applied
	StatusEscalated Status = "escalated"

	// StatusFlagged means no rule matched and the item needs manual review
	StatusFlagged Status = "flagged"

	// StatusOnHold means a hold action was applied
	StatusOnHold Status = "on_hold"
)

// Item is a free-text submission awaiting classification and routing.
// Immutable once created except for Status.
type Item struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Department  string    `json:"department"`
	Submitter   string    `json:"submitter"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Text returns the free-text fields joined for rule evaluation.
func (it *Item) Text() string {
	if it.Title == "" {
		return it.Description
	}
	return it.Title + "\n\n" + it.Description
}
