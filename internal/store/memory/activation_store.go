// Package memory implements domain.ActivationStore in process memory. It is
// used by tests and by dry runs with store.driver = "memory"; nothing survives
// a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// ActivationStore keeps activations in a map guarded by a single mutex, which
// serializes every mutation including the per-market uniqueness check.
type ActivationStore struct {
	mu          sync.Mutex
	activations map[uuid.UUID]*domain.ScheduledActivation
	pending     map[string]uuid.UUID // market id -> pending activation id
}

// NewActivationStore creates an empty store.
func NewActivationStore() *ActivationStore {
	return &ActivationStore{
		activations: make(map[uuid.UUID]*domain.ScheduledActivation),
		pending:     make(map[string]uuid.UUID),
	}
}

// Insert adds a Pending activation unless the market already has one.
func (s *ActivationStore) Insert(_ context.Context, a domain.ScheduledActivation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[a.MarketID]; ok {
		return domain.ErrDuplicateActive
	}

	a.State = domain.ActivationPending
	a.Payload = append([]byte(nil), a.Payload...)
	s.activations[a.ID] = &a
	s.pending[a.MarketID] = a.ID
	return nil
}

// HasPending reports whether marketID has a Pending activation.
func (s *ActivationStore) HasPending(_ context.Context, marketID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[marketID]
	return ok, nil
}

// CountPending returns the number of Pending activations.
func (s *ActivationStore) CountPending(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending)), nil
}

// PendingFor returns the Pending activation for marketID.
func (s *ActivationStore) PendingFor(_ context.Context, marketID string) (domain.ScheduledActivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pending[marketID]
	if !ok {
		return domain.ScheduledActivation{}, domain.ErrNotFound
	}
	return *s.activations[id], nil
}

// Cancel cancels a Pending activation; anything else is left untouched.
func (s *ActivationStore) Cancel(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activations[id]
	if !ok || a.State != domain.ActivationPending {
		return false, nil
	}
	a.State = domain.ActivationCancelled
	delete(s.pending, a.MarketID)
	return true, nil
}

// CancelMarket cancels the Pending activation for marketID, if any.
func (s *ActivationStore) CancelMarket(_ context.Context, marketID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pending[marketID]
	if !ok {
		return 0, nil
	}
	s.activations[id].State = domain.ActivationCancelled
	delete(s.pending, marketID)
	return 1, nil
}

// ClaimDue fires up to limit due activations in FireAt order.
func (s *ActivationStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.ScheduledActivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.ScheduledActivation
	for _, id := range s.pending {
		a := s.activations[id]
		if !a.FireAt.After(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].FireAt.Before(due[j].FireAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.ScheduledActivation, 0, len(due))
	for _, a := range due {
		firedAt := now
		a.State = domain.ActivationFired
		a.FiredAt = &firedAt
		a.CompletedAt = nil
		a.Attempts++
		delete(s.pending, a.MarketID)
		out = append(out, *a)
	}
	return out, nil
}

// Complete marks a Fired activation as handled.
func (s *ActivationStore) Complete(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if a.State == domain.ActivationFired && a.CompletedAt == nil {
		completed := at
		a.CompletedAt = &completed
	}
	return nil
}

// Release returns an interrupted Fired activation to Pending, or closes it
// when the market has been re-armed in the meantime.
func (s *ActivationStore) Release(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activations[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if a.State != domain.ActivationFired || a.CompletedAt != nil {
		return false, nil
	}
	if _, ok := s.pending[a.MarketID]; ok {
		closed := at
		a.CompletedAt = &closed
		return false, nil
	}
	a.State = domain.ActivationPending
	a.FiredAt = nil
	s.pending[a.MarketID] = a.ID
	return true, nil
}

// RequeueStale returns abandoned Fired activations to Pending. When the market
// already has a newer Pending activation the stale one is marked completed
// instead, keeping at most one Pending record per market.
func (s *ActivationStore) RequeueStale(_ context.Context, olderThan time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*domain.ScheduledActivation
	for _, a := range s.activations {
		if a.State == domain.ActivationFired && a.CompletedAt == nil && a.FiredAt != nil && a.FiredAt.Before(olderThan) {
			stale = append(stale, a)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].FiredAt.Before(*stale[j].FiredAt)
	})

	var requeued int64
	for _, a := range stale {
		if limit > 0 && requeued >= int64(limit) {
			break
		}
		if _, ok := s.pending[a.MarketID]; ok {
			superseded := olderThan
			a.CompletedAt = &superseded
			continue
		}
		a.State = domain.ActivationPending
		a.FiredAt = nil
		s.pending[a.MarketID] = a.ID
		requeued++
	}
	return requeued, nil
}

// NextFireAt returns the earliest pending FireAt.
func (s *ActivationStore) NextFireAt(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	for _, id := range s.pending {
		a := s.activations[id]
		if !found || a.FireAt.Before(next) {
			next = a.FireAt
			found = true
		}
	}
	return next, found, nil
}

// Get returns an activation by id regardless of state.
func (s *ActivationStore) Get(_ context.Context, id uuid.UUID) (domain.ScheduledActivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activations[id]
	if !ok {
		return domain.ScheduledActivation{}, domain.ErrNotFound
	}
	return *a, nil
}

// Compile-time interface check.
var _ domain.ActivationStore = (*ActivationStore)(nil)
