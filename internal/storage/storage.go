package storage

import (
	"context"
	"fmt"
	"time"

	"reminderd/internal/models"
)

// Filter narrows ListByProject results. Nil fields match everything.
// Searching over client name/email happens after the directory join,
// outside the store, because client data is externally owned.
type Filter struct {
	Status  *models.Status
	Channel *models.Channel
}

// Store is the durable record of every reminder. All conditional writes
// (RecordAttempt, ResolveAttempt, UpdateStatus, CancelPending) must be
// atomic compare-and-set operations at the storage layer: that is what
// makes claims safe across concurrently ticking engine instances.
type Store interface {
	Create(ctx context.Context, r *models.Reminder) error

	// CreateSuccessor inserts the next link of a recurrence chain.
	// chainedFrom is the creation time of the reminder that just sent;
	// if the chain was canceled after that moment the insert is refused
	// with ErrConflict, so a cancel racing an in-flight send still wins.
	CreateSuccessor(ctx context.Context, succ *models.Reminder, chainedFrom time.Time) error

	Get(ctx context.Context, id string) (*models.Reminder, error)

	// ListDue returns pending reminders with scheduledAt <= now,
	// ordered by scheduledAt then id, at most limit rows.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Reminder, error)
	ListByProject(ctx context.Context, projectID string, filter Filter) ([]*models.Reminder, error)

	// RecordAttempt is the claim: one conditional update that checks
	// status == expected, increments attemptNumber, stamps
	// lastAttemptAt and writes the outcome-derived status. Losers of
	// the race get ErrConflict.
	RecordAttempt(ctx context.Context, id string, outcome models.AttemptOutcome, expected models.Status) (*models.Reminder, error)

	// ResolveAttempt finalizes a claimed attempt with the real
	// provider outcome. Same conditional write as RecordAttempt but
	// without touching attemptNumber.
	ResolveAttempt(ctx context.Context, id string, outcome models.AttemptOutcome, expected models.Status) (*models.Reminder, error)

	// UpdateStatus serves cancel. Fails with ErrConflict unless the
	// current status is in allowedFrom. scheduledAt, when non-nil,
	// replaces the send time.
	UpdateStatus(ctx context.Context, id string, newStatus models.Status, allowedFrom []models.Status, scheduledAt *time.Time) (*models.Reminder, error)

	// Rearm moves a failed reminder back to pending with a new send
	// time, in one compare-and-set. A row still inside its in-flight
	// window (claim marker plus a lastAttemptAt younger than
	// inFlightWindow) is refused with ErrConflict: re-arming it would
	// let the unresolved attempt and the next tick both deliver.
	Rearm(ctx context.Context, id string, scheduledAt time.Time, inFlightWindow time.Duration) (*models.Reminder, error)

	Delete(ctx context.Context, id string) error

	// CancelPending cancels every pending reminder for a client/project
	// pair in one pass and reports how many rows changed. It also
	// records the cancellation itself, so CreateSuccessor can refuse
	// links chained from reminders that predate it.
	CancelPending(ctx context.Context, clientID, projectID string) (int, error)

	// CountByStatus backs the metrics endpoint.
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
}

func validateForCreate(r *models.Reminder) error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", models.ErrValidation)
	}
	if r.ScheduledAt.IsZero() {
		return fmt.Errorf("%w: scheduledAt is required", models.ErrValidation)
	}
	if _, err := models.ParseChannel(string(r.Channel)); err != nil {
		return err
	}
	if r.Metadata.Recurring {
		if _, err := models.ParseInterval(string(r.Metadata.RecurringInterval)); err != nil {
			return err
		}
	}
	return nil
}
