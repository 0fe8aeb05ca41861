// Package memstore provides an in-memory implementation of engine.Store.
// Suitable for dev/testing; the begin-run test-and-set is serialized by the
// store mutex, mirroring the transactional guarantee of the SQL store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/sift/internal/engine"
	"github.com/linnemanlabs/sift/internal/item"
)

// Store holds engine state in memory.
type Store struct {
	mu         sync.RWMutex
	config     *engine.RunConfig
	runs       map[string]*engine.RunLog
	runOrder   []string // insertion order, newest last
	crules     map[string]*engine.ClassificationRule
	rrules     map[string]*engine.RoutingRule
	items      map[string]*item.Item
	actionLogs []engine.ActionLog
	logged     map[string]struct{} // item IDs with at least one action log
	tags       map[string]map[string]struct{}
	nextLogID  int64
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		runs:   make(map[string]*engine.RunLog),
		crules: make(map[string]*engine.ClassificationRule),
		rrules: make(map[string]*engine.RoutingRule),
		items:  make(map[string]*item.Item),
		logged: make(map[string]struct{}),
		tags:   make(map[string]map[string]struct{}),
	}
}

// GetConfig returns a copy of the run configuration.
func (s *Store) GetConfig(_ context.Context) (*engine.RunConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return nil, false, nil
	}
	cp := *s.config
	return &cp, true, nil
}

// PutConfig stores a copy of the run configuration.
func (s *Store) PutConfig(_ context.Context, cfg *engine.RunConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.config = &cp
	return nil
}

// InProgressRun returns the open run log, if any.
func (s *Store) InProgressRun(_ context.Context) (*engine.RunLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inProgressLocked()
}

func (s *Store) inProgressLocked() (*engine.RunLog, bool, error) {
	for _, id := range s.runOrder {
		if r := s.runs[id]; r.InProgress() {
			cp := *r
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

// BeginRun inserts the run log iff no run is open, unless force is set.
func (s *Store) BeginRun(_ context.Context, run *engine.RunLog, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !force {
		if _, open, _ := s.inProgressLocked(); open {
			return engine.ErrRunInProgress
		}
	}
	cp := *run
	s.runs[run.ID] = &cp
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

// FinishRun persists the run's terminal state.
func (s *Store) FinishRun(_ context.Context, run *engine.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	if _, ok := s.runs[run.ID]; !ok {
		s.runOrder = append(s.runOrder, run.ID)
	}
	s.runs[run.ID] = &cp
	return nil
}

// GetRun retrieves a run log by ID. Returns a copy.
func (s *Store) GetRun(_ context.Context, id string) (*engine.RunLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// LatestRun returns the most recently started run log.
func (s *Store) LatestRun(_ context.Context) (*engine.RunLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.runOrder) == 0 {
		return nil, false, nil
	}
	cp := *s.runs[s.runOrder[len(s.runOrder)-1]]
	return &cp, true, nil
}

// ListRuns returns up to limit run logs, newest first.
func (s *Store) ListRuns(_ context.Context, limit int) ([]engine.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.RunLog
	for i := len(s.runOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.runs[s.runOrder[i]])
	}
	return out, nil
}

// PutClassificationRule stores a copy of the rule.
func (s *Store) PutClassificationRule(rule *engine.ClassificationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.crules[rule.ID] = &cp
}

// PutRoutingRule stores a copy of the rule.
func (s *Store) PutRoutingRule(rule *engine.RoutingRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.rrules[rule.ID] = &cp
}

// ListActiveClassificationRules returns active rules ordered by ID.
func (s *Store) ListActiveClassificationRules(_ context.Context) ([]engine.ClassificationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.ClassificationRule
	for _, r := range s.crules {
		if r.Active {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListActiveRoutingRules returns active rules ordered by ID.
func (s *Store) ListActiveRoutingRules(_ context.Context) ([]engine.RoutingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.RoutingRule
	for _, r := range s.rrules {
		if r.Active {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// BumpRuleTrigger increments trigger bookkeeping on the classification rule.
func (s *Store) BumpRuleTrigger(_ context.Context, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.crules[ruleID]; ok {
		r.TriggerCount++
		r.LastTriggeredAt = at
	}
	return nil
}

// RuleTriggerCount reports a rule's trigger count, for tests.
func (s *Store) RuleTriggerCount(ruleID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.crules[ruleID]; ok {
		return r.TriggerCount
	}
	return 0
}

// PutItem stores a copy of the item.
func (s *Store) PutItem(_ context.Context, it *item.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *it
	s.items[it.ID] = &cp
	return nil
}

// GetItem retrieves an item by ID. Returns a copy.
func (s *Store) GetItem(id string) (*item.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, false
	}
	cp := *it
	return &cp, true
}

// SelectPending returns up to limit items created after since with no action
// log rows, oldest first.
func (s *Store) SelectPending(_ context.Context, since time.Time, limit int) ([]item.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []item.Item
	for _, it := range s.items {
		if !it.CreatedAt.After(since) {
			continue
		}
		if _, processed := s.logged[it.ID]; processed {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountPending counts items eligible for selection after since.
func (s *Store) CountPending(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if !it.CreatedAt.After(since) {
			continue
		}
		if _, processed := s.logged[it.ID]; processed {
			continue
		}
		n++
	}
	return n, nil
}

// UpdateItemStatus advances an item's status.
func (s *Store) UpdateItemStatus(_ context.Context, itemID string, status item.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[itemID]; ok {
		it.Status = status
	}
	return nil
}

// AppendActionLog appends the audit row and marks the item processed.
func (s *Store) AppendActionLog(_ context.Context, al *engine.ActionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	cp := *al
	cp.ID = s.nextLogID
	al.ID = s.nextLogID
	s.actionLogs = append(s.actionLogs, cp)
	s.logged[al.ItemID] = struct{}{}
	return nil
}

// ListActionLogs returns the audit rows for an item, oldest first.
func (s *Store) ListActionLogs(_ context.Context, itemID string) ([]engine.ActionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.ActionLog
	for _, al := range s.actionLogs {
		if al.ItemID == itemID {
			out = append(out, al)
		}
	}
	return out, nil
}

// AddTag associates a tag with an item. Idempotent.
func (s *Store) AddTag(_ context.Context, itemID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tags[itemID] == nil {
		s.tags[itemID] = make(map[string]struct{})
	}
	s.tags[itemID][tag] = struct{}{}
	return nil
}

// HasTag reports whether an item carries a tag, for tests.
func (s *Store) HasTag(itemID, tag string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tags[itemID][tag]
	return ok
}
