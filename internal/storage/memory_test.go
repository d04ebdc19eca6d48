package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reminderd/internal/models"
)

func newTestReminder(id string, scheduledAt time.Time) *models.Reminder {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return &models.Reminder{
		ID:          id,
		ClientID:    "client-1",
		ProjectID:   "project-1",
		Channel:     models.ChannelEmail,
		Status:      models.StatusPending,
		ScheduledAt: scheduledAt,
		TemplateKey: "nudge",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func mustCreate(t *testing.T, s Store, r *models.Reminder) {
	t.Helper()
	if err := s.Create(context.Background(), r); err != nil {
		t.Fatalf("Create(%s): %v", r.ID, err)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	r := newTestReminder("r1", time.Time{})
	if err := s.Create(ctx, r); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("zero scheduledAt: error = %v, want ErrValidation", err)
	}

	r = newTestReminder("r2", time.Now())
	r.Channel = "pigeon"
	if err := s.Create(ctx, r); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("bad channel: error = %v, want ErrValidation", err)
	}

	r = newTestReminder("r3", time.Now())
	r.Metadata = models.Metadata{Recurring: true, RecurringInterval: "hourly"}
	if err := s.Create(ctx, r); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("bad interval: error = %v, want ErrValidation", err)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestListDueOrderingAndLimit(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// same scheduledAt ties break on id
	mustCreate(t, s, newTestReminder("b", base))
	mustCreate(t, s, newTestReminder("a", base))
	mustCreate(t, s, newTestReminder("c", base.Add(-time.Hour)))
	mustCreate(t, s, newTestReminder("future", base.Add(time.Hour)))

	canceled := newTestReminder("canceled", base.Add(-2*time.Hour))
	mustCreate(t, s, canceled)
	if _, err := s.UpdateStatus(ctx, "canceled", models.StatusCanceled, []models.Status{models.StatusPending}, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	due, err := s.ListDue(ctx, base, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}

	var ids []string
	for _, r := range due {
		ids = append(ids, r.ID)
	}
	want := []string{"c", "a", "b"}
	if len(ids) != len(want) {
		t.Fatalf("due ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("due ids = %v, want %v", ids, want)
		}
	}

	limited, err := s.ListDue(ctx, base, 2)
	if err != nil {
		t.Fatalf("ListDue limited: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "c" || limited[1].ID != "a" {
		t.Fatalf("limited due = %v", limited)
	}
}

func TestListDueNeverReturnsFutureOrNonPending(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mustCreate(t, s, newTestReminder("future", now.Add(time.Second)))
	sent := newTestReminder("sent", now.Add(-time.Hour))
	mustCreate(t, s, sent)
	if _, err := s.RecordAttempt(ctx, "sent", models.AttemptOutcome{Success: true}, models.StatusPending); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	due, err := s.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due = %v, want empty", due)
	}
}

func TestRecordAttemptClaimRace(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestReminder("r1", time.Now().Add(-time.Minute)))

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordAttempt(ctx, "r1", models.AttemptOutcome{Success: true}, models.StatusPending)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, models.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != racers-1 {
		t.Fatalf("wins = %d, conflicts = %d; want exactly one winner", wins, conflicts)
	}

	r, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != models.StatusSent || r.AttemptNumber != 1 {
		t.Fatalf("reminder after race: status=%s attempts=%d", r.Status, r.AttemptNumber)
	}
}

func TestRecordAttemptSetsAttemptFields(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestReminder("r1", time.Now().Add(-time.Minute)))

	outcome := models.AttemptOutcome{ErrorCode: "HTTP_502", ErrorMessage: "bad gateway"}
	r, err := s.RecordAttempt(ctx, "r1", outcome, models.StatusPending)
	if err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if r.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if r.AttemptNumber != 1 || r.LastAttemptAt == nil {
		t.Fatalf("attempt fields not set: attempts=%d lastAttemptAt=%v", r.AttemptNumber, r.LastAttemptAt)
	}
	if r.LastError != "HTTP_502: bad gateway" {
		t.Fatalf("lastError = %q", r.LastError)
	}
}

func TestResolveAttemptDoesNotCountAttempt(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestReminder("r1", time.Now().Add(-time.Minute)))

	claimed, err := s.RecordAttempt(ctx, "r1", models.AttemptOutcome{ErrorCode: "ERR_IN_FLIGHT"}, models.StatusPending)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	resolved, err := s.ResolveAttempt(ctx, "r1", models.AttemptOutcome{Success: true}, claimed.Status)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != models.StatusSent {
		t.Fatalf("status = %s, want sent", resolved.Status)
	}
	if resolved.AttemptNumber != 1 {
		t.Fatalf("attemptNumber = %d, want 1 (resolve must not count a new attempt)", resolved.AttemptNumber)
	}
	if resolved.LastError != "" {
		t.Fatalf("lastError = %q, want cleared on success", resolved.LastError)
	}
}

func TestUpdateStatusPreconditions(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestReminder("r1", time.Now().Add(-time.Minute)))

	if _, err := s.UpdateStatus(ctx, "r1", models.StatusPending, []models.Status{models.StatusFailed}, nil); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("re-arming a pending reminder: error = %v, want ErrConflict", err)
	}

	if _, err := s.RecordAttempt(ctx, "r1", models.AttemptOutcome{ErrorCode: "E", ErrorMessage: "boom"}, models.StatusPending); err != nil {
		t.Fatalf("fail the reminder: %v", err)
	}

	at := time.Now().Add(time.Hour).UTC()
	r, err := s.UpdateStatus(ctx, "r1", models.StatusPending, []models.Status{models.StatusFailed}, &at)
	if err != nil {
		t.Fatalf("re-arm: %v", err)
	}
	if r.Status != models.StatusPending || !r.ScheduledAt.Equal(at) {
		t.Fatalf("re-armed reminder = status %s at %v, want pending at %v", r.Status, r.ScheduledAt, at)
	}

	if _, err := s.UpdateStatus(ctx, "missing", models.StatusCanceled, []models.Status{models.StatusPending}, nil); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown id: error = %v, want ErrNotFound", err)
	}
}

func TestDeleteTwice(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestReminder("r1", time.Now()))

	if err := s.Delete(ctx, "r1"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := s.Delete(ctx, "r1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("second delete: error = %v, want ErrNotFound", err)
	}
}

func TestCancelPendingOnePass(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		mustCreate(t, s, newTestReminder(fmt.Sprintf("chain-%d", i), now.Add(time.Duration(i)*time.Hour)))
	}
	other := newTestReminder("other-client", now)
	other.ClientID = "client-2"
	mustCreate(t, s, other)

	sent := newTestReminder("already-sent", now.Add(-time.Hour))
	mustCreate(t, s, sent)
	if _, err := s.RecordAttempt(ctx, "already-sent", models.AttemptOutcome{Success: true}, models.StatusPending); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	n, err := s.CancelPending(ctx, "client-1", "project-1")
	if err != nil {
		t.Fatalf("CancelPending: %v", err)
	}
	if n != 3 {
		t.Fatalf("canceled %d, want 3", n)
	}

	for i := 0; i < 3; i++ {
		r, err := s.Get(ctx, fmt.Sprintf("chain-%d", i))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if r.Status != models.StatusCanceled {
			t.Fatalf("chain-%d status = %s, want canceled", i, r.Status)
		}
	}

	untouched, err := s.Get(ctx, "other-client")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if untouched.Status != models.StatusPending {
		t.Fatalf("other client's reminder was canceled")
	}
	wasSent, err := s.Get(ctx, "already-sent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if wasSent.Status != models.StatusSent {
		t.Fatalf("sent reminder must stay sent, got %s", wasSent.Status)
	}
}

func TestListByProjectFilters(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	email := newTestReminder("email-1", now)
	mustCreate(t, s, email)

	sms := newTestReminder("sms-1", now.Add(time.Hour))
	sms.Channel = models.ChannelSMS
	mustCreate(t, s, sms)

	otherProject := newTestReminder("other", now)
	otherProject.ProjectID = "project-2"
	mustCreate(t, s, otherProject)

	all, err := s.ListByProject(ctx, "project-1", Filter{})
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d reminders, want 2", len(all))
	}

	ch := models.ChannelSMS
	smsOnly, err := s.ListByProject(ctx, "project-1", Filter{Channel: &ch})
	if err != nil {
		t.Fatalf("ListByProject sms: %v", err)
	}
	if len(smsOnly) != 1 || smsOnly[0].ID != "sms-1" {
		t.Fatalf("sms filter = %v", smsOnly)
	}

	st := models.StatusSent
	none, err := s.ListByProject(ctx, "project-1", Filter{Status: &st})
	if err != nil {
		t.Fatalf("ListByProject sent: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("sent filter = %v, want empty", none)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestReminder("r1", time.Now()))

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Status = models.StatusSent

	again, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Status != models.StatusPending {
		t.Fatal("mutating a returned reminder leaked into the store")
	}
}

func TestCreateSuccessorRespectsChainCancel(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	chainStart := time.Now().UTC().Add(-time.Minute)
	// nothing is pending, but the cancellation itself must be recorded
	if n, err := s.CancelPending(ctx, "client-1", "project-1"); err != nil || n != 0 {
		t.Fatalf("CancelPending: n=%d err=%v", n, err)
	}

	succ := newTestReminder("succ-1", time.Now().UTC().Add(24*time.Hour))
	if err := s.CreateSuccessor(ctx, succ, chainStart); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("successor chained from before the cancel: err = %v, want ErrConflict", err)
	}
	if _, err := s.Get(ctx, "succ-1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatal("suppressed successor was stored")
	}

	// a reminder created after the cancel starts a new chain
	succ2 := newTestReminder("succ-2", time.Now().UTC().Add(24*time.Hour))
	if err := s.CreateSuccessor(ctx, succ2, time.Now().UTC()); err != nil {
		t.Fatalf("CreateSuccessor for a new chain: %v", err)
	}

	// other client/project pairs are untouched
	other := newTestReminder("other-1", time.Now().UTC().Add(24*time.Hour))
	other.ClientID = "client-2"
	if err := s.CreateSuccessor(ctx, other, chainStart); err != nil {
		t.Fatalf("CreateSuccessor for another client: %v", err)
	}
}

func TestRearmRefusesInFlightClaim(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestReminder("r1", time.Now().UTC()))

	claim := models.AttemptOutcome{ErrorCode: models.ErrCodeInFlight, ErrorMessage: "delivery attempt did not complete"}
	if _, err := s.RecordAttempt(ctx, "r1", claim, models.StatusPending); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	at := time.Now().UTC().Add(time.Hour)
	if _, err := s.Rearm(ctx, "r1", at, time.Minute); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("re-arm inside the in-flight window: err = %v, want ErrConflict", err)
	}

	// a zero window means the claim is already stale (dead worker):
	// the row becomes re-armable again
	r, err := s.Rearm(ctx, "r1", at, 0)
	if err != nil {
		t.Fatalf("Rearm after the window: %v", err)
	}
	if r.Status != models.StatusPending || !r.ScheduledAt.Equal(at) {
		t.Fatalf("re-armed = %s at %v, want pending at %v", r.Status, r.ScheduledAt, at)
	}

	if _, err := s.Rearm(ctx, "r1", at, time.Minute); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("re-arming a pending reminder: err = %v, want ErrConflict", err)
	}
	if _, err := s.Rearm(ctx, "missing", at, time.Minute); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("re-arming an unknown id: err = %v, want ErrNotFound", err)
	}
}
