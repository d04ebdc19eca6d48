package models

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCanceled, true},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusSent, false},
		{StatusFailed, StatusCanceled, false},
		{StatusSent, StatusPending, false},
		{StatusSent, StatusFailed, false},
		{StatusCanceled, StatusPending, false},
		{StatusCanceled, StatusSent, false},
		{StatusPending, StatusPending, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIntervalDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		interval Interval
		want     time.Duration
	}{
		{IntervalDaily, 24 * time.Hour},
		{IntervalAlternateDays, 48 * time.Hour},
		{IntervalWeekly, 7 * 24 * time.Hour},
		{Interval("monthly"), 0},
	}

	for _, tt := range tests {
		if got := tt.interval.Duration(); got != tt.want {
			t.Errorf("Duration(%s) = %v, want %v", tt.interval, got, tt.want)
		}
	}
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()
	scheduled := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	r := &Reminder{
		ScheduledAt: scheduled,
		Metadata:    Metadata{Recurring: true, RecurringInterval: IntervalDaily},
	}
	next, ok := r.NextOccurrence()
	if !ok {
		t.Fatal("expected a next occurrence for a recurring reminder")
	}
	if want := scheduled.Add(24 * time.Hour); !next.Equal(want) {
		t.Fatalf("next occurrence = %v, want %v", next, want)
	}

	r.Metadata.Recurring = false
	if _, ok := r.NextOccurrence(); ok {
		t.Fatal("non-recurring reminder must not produce an occurrence")
	}
}

func TestSuccessorCarriesIdentity(t *testing.T) {
	t.Parallel()
	scheduled := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 1, 9, 0, 5, 0, time.UTC)

	orig := &Reminder{
		ID:            "orig",
		ClientID:      "client-1",
		ProjectID:     "project-1",
		Channel:       ChannelSMS,
		Status:        StatusSent,
		ScheduledAt:   scheduled,
		AttemptNumber: 3,
		TemplateKey:   "nudge",
		Metadata:      Metadata{Recurring: true, RecurringInterval: IntervalWeekly},
		LastError:     "stale",
	}

	succ := orig.Successor("succ", scheduled.Add(7*24*time.Hour), now)

	if succ.ID != "succ" || succ.ClientID != "client-1" || succ.ProjectID != "project-1" {
		t.Fatalf("identity not carried over: %+v", succ)
	}
	if succ.Channel != ChannelSMS || succ.TemplateKey != "nudge" {
		t.Fatalf("channel/template not carried over: %+v", succ)
	}
	if succ.Status != StatusPending {
		t.Fatalf("successor status = %s, want pending", succ.Status)
	}
	if succ.AttemptNumber != 0 || succ.LastError != "" || succ.LastAttemptAt != nil {
		t.Fatalf("attempt history must start fresh: %+v", succ)
	}
	if !succ.Metadata.Recurring || succ.Metadata.RecurringInterval != IntervalWeekly {
		t.Fatalf("recurrence metadata not carried over: %+v", succ.Metadata)
	}
}

func TestCreateRequestValidate(t *testing.T) {
	t.Parallel()
	scheduled := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	valid := CreateReminderRequest{
		ClientID:    "client-1",
		ProjectID:   "project-1",
		Channel:     "email",
		ScheduledAt: scheduled,
		TemplateKey: "nudge",
	}

	tests := []struct {
		name   string
		mutate func(*CreateReminderRequest)
		wantOK bool
	}{
		{"valid", func(r *CreateReminderRequest) {}, true},
		{"valid recurring", func(r *CreateReminderRequest) {
			r.Recurring = true
			r.RecurringInterval = "alternate_days"
		}, true},
		{"missing client", func(r *CreateReminderRequest) { r.ClientID = "" }, false},
		{"missing project", func(r *CreateReminderRequest) { r.ProjectID = "" }, false},
		{"missing scheduledAt", func(r *CreateReminderRequest) { r.ScheduledAt = time.Time{} }, false},
		{"bad channel", func(r *CreateReminderRequest) { r.Channel = "pigeon" }, false},
		{"recurring without interval", func(r *CreateReminderRequest) { r.Recurring = true }, false},
		{"recurring bad interval", func(r *CreateReminderRequest) {
			r.Recurring = true
			r.RecurringInterval = "hourly"
		}, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := valid
			tt.mutate(&req)
			r, err := req.Validate()
			if tt.wantOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if r.Status != StatusPending {
					t.Fatalf("new reminder status = %s, want pending", r.Status)
				}
				return
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestAttemptOutcome(t *testing.T) {
	t.Parallel()
	ok := AttemptOutcome{Success: true}
	if ok.Status() != StatusSent || ok.ErrorText() != "" {
		t.Fatalf("success outcome mapped wrong: %s %q", ok.Status(), ok.ErrorText())
	}

	fail := AttemptOutcome{ErrorCode: "HTTP_502", ErrorMessage: "bad gateway"}
	if fail.Status() != StatusFailed {
		t.Fatalf("failure outcome status = %s, want failed", fail.Status())
	}
	if fail.ErrorText() != "HTTP_502: bad gateway" {
		t.Fatalf("error text = %q", fail.ErrorText())
	}
}
