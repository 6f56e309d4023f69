// Package memory provides an in-memory editqueue.Repository for tests,
// examples and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/editqueue"
)

// Store keeps edits and usage rows in maps guarded by one mutex.
type Store struct {
	mu        sync.RWMutex
	edits     map[string]*editqueue.EditRequest
	usage     map[string]*editqueue.Usage
	freeLimit int64
	now       func() time.Time
}

var _ editqueue.Repository = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithFreeLimit sets the monthly free allowance (default 1000).
func WithFreeLimit(n int64) Option {
	return func(s *Store) { s.freeLimit = n }
}

// WithClock overrides the time source used for month rollover.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		edits:     make(map[string]*editqueue.EditRequest),
		usage:     make(map[string]*editqueue.Usage),
		freeLimit: editqueue.DefaultMonthlyFreeLimit,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateEdit stores a new queued edit.
func (s *Store) CreateEdit(_ context.Context, e editqueue.EditRequest) (editqueue.EditRequest, error) {
	e, err := editqueue.PrepareEdit(e, s.now())
	if err != nil {
		return editqueue.EditRequest{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.edits[e.ID]; ok {
		return editqueue.EditRequest{}, fmt.Errorf("%w: duplicate id %q", editqueue.ErrInvalidEditID, e.ID)
	}
	stored := e
	s.edits[e.ID] = &stored
	return e, nil
}

// Put inserts or replaces an edit as-is. Tests use it to seed arbitrary states.
func (s *Store) Put(e editqueue.EditRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := e
	s.edits[e.ID] = &stored
}

// GetEdit returns a copy of the edit.
func (s *Store) GetEdit(_ context.Context, id string) (editqueue.EditRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.edits[id]
	if !ok {
		return editqueue.EditRequest{}, fmt.Errorf("%w: %s", editqueue.ErrEditNotFound, id)
	}
	return *e, nil
}

// UpdateEdit applies a partial update.
func (s *Store) UpdateEdit(_ context.Context, id string, u editqueue.EditUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.edits[id]
	if !ok {
		return fmt.Errorf("%w: %s", editqueue.ErrEditNotFound, id)
	}
	u.Apply(e)
	return nil
}

// ListUserEdits returns the user's edits, newest first.
func (s *Store) ListUserEdits(_ context.Context, userID string, limit int) ([]editqueue.EditRequest, error) {
	if limit <= 0 {
		limit = editqueue.DefaultListLimit
	}

	s.mu.RLock()
	out := make([]editqueue.EditRequest, 0)
	for _, e := range s.edits {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Quota returns the user's free allowance. It never modifies the ledger.
func (s *Store) Quota(_ context.Context, userID string) (editqueue.Quota, error) {
	month := editqueue.MonthOf(s.now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	var used int64
	if u, ok := s.usage[userID]; ok && u.Month == month {
		used = u.FreeRequests
	}
	return editqueue.NewQuota(used, s.freeLimit), nil
}

// IncrementUsage adds one request to the current month, resetting a stale row first.
func (s *Store) IncrementUsage(_ context.Context, userID string, free bool, cost int64) error {
	now := s.now().UTC()
	month := editqueue.MonthOf(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[userID]
	if !ok {
		u = &editqueue.Usage{UserID: userID, Month: month, LastReset: now}
		s.usage[userID] = u
	}
	if u.Month != month {
		u.Month = month
		u.FreeRequests = 0
		u.PaidRequests = 0
		u.TotalCost = 0
		u.LastReset = now
	}
	if free {
		u.FreeRequests++
	} else {
		u.PaidRequests++
	}
	u.TotalCost += cost
	u.UpdatedAt = now
	return nil
}

// Usage returns the user's current-month row. A missing or stale row reads as zero.
func (s *Store) Usage(_ context.Context, userID string) (editqueue.Usage, error) {
	month := editqueue.MonthOf(s.now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.usage[userID]
	if !ok || u.Month != month {
		return editqueue.Usage{UserID: userID, Month: month}, nil
	}
	return *u, nil
}
