package models

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusSent, StatusFailed, StatusCanceled:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
}

// CanTransition reports whether a status change is permitted. Sent and
// canceled are terminal; failed can only be re-armed back to pending.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSent || to == StatusFailed || to == StatusCanceled
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelEmail, ChannelSMS:
		return Channel(s), nil
	}
	return "", fmt.Errorf("%w: unknown channel %q", ErrValidation, s)
}

type Interval string

const (
	IntervalDaily         Interval = "daily"
	IntervalAlternateDays Interval = "alternate_days"
	IntervalWeekly        Interval = "weekly"
)

func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case IntervalDaily, IntervalAlternateDays, IntervalWeekly:
		return Interval(s), nil
	}
	return "", fmt.Errorf("%w: unknown recurring interval %q", ErrValidation, s)
}

func (i Interval) Duration() time.Duration {
	switch i {
	case IntervalDaily:
		return 24 * time.Hour
	case IntervalAlternateDays:
		return 48 * time.Hour
	case IntervalWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

type Metadata struct {
	Recurring         bool     `json:"recurring"`
	RecurringInterval Interval `json:"recurringInterval,omitempty"`
}

// Client is the read-side join supplied by the external client directory.
// The engine never owns or mutates it.
type Client struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type Reminder struct {
	ID            string     `json:"id"`
	ClientID      string     `json:"clientId"`
	ProjectID     string     `json:"projectId"`
	Channel       Channel    `json:"channel"`
	Status        Status     `json:"status"`
	ScheduledAt   time.Time  `json:"scheduledAt"`
	AttemptNumber int        `json:"attemptNumber"`
	TemplateKey   string     `json:"templateKey"`
	Metadata      Metadata   `json:"metadata"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	Client *Client `json:"client,omitempty"`
}

func (r *Reminder) Clone() *Reminder {
	cp := *r
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if r.Client != nil {
		c := *r.Client
		cp.Client = &c
	}
	return &cp
}

// NextOccurrence computes the successor send time from the original
// scheduled time, not from the wall clock, so chains do not drift.
func (r *Reminder) NextOccurrence() (time.Time, bool) {
	if !r.Metadata.Recurring {
		return time.Time{}, false
	}
	d := r.Metadata.RecurringInterval.Duration()
	if d == 0 {
		return time.Time{}, false
	}
	return r.ScheduledAt.Add(d), true
}

// Successor builds the next reminder in a recurrence chain. Attempt
// history starts fresh; client, project, channel and template carry over.
func (r *Reminder) Successor(id string, scheduledAt, now time.Time) *Reminder {
	return &Reminder{
		ID:          id,
		ClientID:    r.ClientID,
		ProjectID:   r.ProjectID,
		Channel:     r.Channel,
		Status:      StatusPending,
		ScheduledAt: scheduledAt,
		TemplateKey: r.TemplateKey,
		Metadata:    r.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ErrCodeInFlight marks the provisional state a delivery claim writes
// while the gateway call is still running. A row carrying it with a
// recent lastAttemptAt belongs to an attempt that has not resolved yet.
const ErrCodeInFlight = "ERR_IN_FLIGHT"

// InFlight reports whether the reminder is inside an unresolved
// delivery attempt: claimed, marked, and attempted within window.
func (r *Reminder) InFlight(now time.Time, window time.Duration) bool {
	return r.Status == StatusFailed &&
		strings.HasPrefix(r.LastError, ErrCodeInFlight) &&
		r.LastAttemptAt != nil &&
		now.Sub(*r.LastAttemptAt) < window
}

// AttemptOutcome is the delivery gateway's report for one send attempt.
type AttemptOutcome struct {
	Success      bool   `json:"success"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func (o AttemptOutcome) Status() Status {
	if o.Success {
		return StatusSent
	}
	return StatusFailed
}

func (o AttemptOutcome) ErrorText() string {
	if o.Success {
		return ""
	}
	if o.ErrorCode != "" && o.ErrorMessage != "" {
		return o.ErrorCode + ": " + o.ErrorMessage
	}
	if o.ErrorCode != "" {
		return o.ErrorCode
	}
	return o.ErrorMessage
}

type CreateReminderRequest struct {
	ClientID          string    `json:"clientId"`
	ProjectID         string    `json:"projectId"`
	Channel           string    `json:"channel"`
	ScheduledAt       time.Time `json:"scheduledAt"`
	TemplateKey       string    `json:"templateKey"`
	Recurring         bool      `json:"recurring"`
	RecurringInterval string    `json:"recurringInterval,omitempty"`
}

// Validate checks the request and materializes a pending reminder.
// ID and timestamps are filled in by the caller.
func (req *CreateReminderRequest) Validate() (*Reminder, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: clientId is required", ErrValidation)
	}
	if req.ProjectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrValidation)
	}
	if req.ScheduledAt.IsZero() {
		return nil, fmt.Errorf("%w: scheduledAt is required", ErrValidation)
	}
	channel, err := ParseChannel(req.Channel)
	if err != nil {
		return nil, err
	}
	meta := Metadata{Recurring: req.Recurring}
	if req.Recurring {
		interval, err := ParseInterval(req.RecurringInterval)
		if err != nil {
			return nil, err
		}
		meta.RecurringInterval = interval
	}
	return &Reminder{
		ClientID:    req.ClientID,
		ProjectID:   req.ProjectID,
		Channel:     channel,
		Status:      StatusPending,
		ScheduledAt: req.ScheduledAt.UTC(),
		TemplateKey: req.TemplateKey,
		Metadata:    meta,
	}, nil
}

type PatchReminderRequest struct {
	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}
