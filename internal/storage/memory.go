package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reminderd/internal/models"
)

// MemoryStore keeps reminders in a mutex-guarded map. It implements the
// same compare-and-set contract as the Postgres store and backs tests
// and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	reminders map[string]*models.Reminder
	// canceledChains holds the last CancelPending time per
	// client/project pair, guarding successor creation.
	canceledChains map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reminders:      make(map[string]*models.Reminder),
		canceledChains: make(map[string]time.Time),
	}
}

func chainKey(clientID, projectID string) string {
	return clientID + "\x00" + projectID
}

func (s *MemoryStore) Create(ctx context.Context, r *models.Reminder) error {
	if err := validateForCreate(r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(r)
}

func (s *MemoryStore) createLocked(r *models.Reminder) error {
	if _, exists := s.reminders[r.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", models.ErrConflict, r.ID)
	}
	s.reminders[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) CreateSuccessor(ctx context.Context, succ *models.Reminder, chainedFrom time.Time) error {
	if err := validateForCreate(succ); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if canceledAt, ok := s.canceledChains[chainKey(succ.ClientID, succ.ProjectID)]; ok && canceledAt.After(chainedFrom) {
		return fmt.Errorf("%w: chain canceled for client %s", models.ErrConflict, succ.ClientID)
	}
	return s.createLocked(succ)
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.reminders[id]
	if !exists {
		return nil, models.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*models.Reminder
	for _, r := range s.reminders {
		if r.Status == models.StatusPending && !r.ScheduledAt.After(now) {
			due = append(due, r.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) ListByProject(ctx context.Context, projectID string, filter Filter) ([]*models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Reminder
	for _, r := range s.reminders {
		if r.ProjectID != projectID {
			continue
		}
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.Channel != nil && r.Channel != *filter.Channel {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) RecordAttempt(ctx context.Context, id string, outcome models.AttemptOutcome, expected models.Status) (*models.Reminder, error) {
	return s.applyAttempt(id, outcome, expected, true)
}

func (s *MemoryStore) ResolveAttempt(ctx context.Context, id string, outcome models.AttemptOutcome, expected models.Status) (*models.Reminder, error) {
	return s.applyAttempt(id, outcome, expected, false)
}

func (s *MemoryStore) applyAttempt(id string, outcome models.AttemptOutcome, expected models.Status, countAttempt bool) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.reminders[id]
	if !exists {
		return nil, models.ErrNotFound
	}
	if r.Status != expected {
		return nil, fmt.Errorf("%w: expected %s, found %s", models.ErrConflict, expected, r.Status)
	}

	now := time.Now().UTC()
	r.Status = outcome.Status()
	if countAttempt {
		r.AttemptNumber++
		r.LastAttemptAt = &now
	}
	r.LastError = outcome.ErrorText()
	r.UpdatedAt = now
	return r.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, newStatus models.Status, allowedFrom []models.Status, scheduledAt *time.Time) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.reminders[id]
	if !exists {
		return nil, models.ErrNotFound
	}

	allowed := false
	for _, from := range allowedFrom {
		if r.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: cannot move %s reminder to %s", models.ErrConflict, r.Status, newStatus)
	}

	r.Status = newStatus
	if scheduledAt != nil {
		r.ScheduledAt = scheduledAt.UTC()
	}
	r.UpdatedAt = time.Now().UTC()
	return r.Clone(), nil
}

func (s *MemoryStore) Rearm(ctx context.Context, id string, scheduledAt time.Time, inFlightWindow time.Duration) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.reminders[id]
	if !exists {
		return nil, models.ErrNotFound
	}
	if r.Status != models.StatusFailed {
		return nil, fmt.Errorf("%w: cannot re-arm %s reminder", models.ErrConflict, r.Status)
	}

	now := time.Now().UTC()
	if r.InFlight(now, inFlightWindow) {
		return nil, fmt.Errorf("%w: delivery attempt still in flight", models.ErrConflict)
	}

	r.Status = models.StatusPending
	r.ScheduledAt = scheduledAt.UTC()
	r.UpdatedAt = now
	return r.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reminders[id]; !exists {
		return models.ErrNotFound
	}
	delete(s.reminders, id)
	return nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.Status]int)
	for _, r := range s.reminders {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) CancelPending(ctx context.Context, clientID, projectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	n := 0
	for _, r := range s.reminders {
		if r.ClientID == clientID && r.ProjectID == projectID && r.Status == models.StatusPending {
			r.Status = models.StatusCanceled
			r.UpdatedAt = now
			n++
		}
	}
	// recorded even when nothing was pending: a reminder claimed by an
	// in-flight attempt is not pending, but its successor must not
	// outlive the cancel
	s.canceledChains[chainKey(clientID, projectID)] = now
	return n, nil
}
