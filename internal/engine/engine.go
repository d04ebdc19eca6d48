package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"reminderd/internal/clients"
	"reminderd/internal/gateway"
	"reminderd/internal/models"
	"reminderd/internal/storage"
)

// Publisher fans reminder lifecycle events out to external consumers.
// Publishing is best effort: the store stays the source of truth.
type Publisher interface {
	ReminderEvent(ctx context.Context, kind string, r *models.Reminder) error
}

type Config struct {
	TickInterval time.Duration
	BatchSize    int
	// ClockSkew is how far in the past a new reminder's scheduledAt
	// may lie before creation is rejected.
	ClockSkew time.Duration
	// InFlightWindow is how long a claimed reminder is treated as
	// still being delivered. Re-arms inside the window are refused.
	// Must exceed the gateway's per-attempt timeout.
	InFlightWindow time.Duration
}

func (c *Config) fillDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = time.Minute
	}
	if c.InFlightWindow <= 0 {
		c.InFlightWindow = 30 * time.Second
	}
}

// Engine implements the reminder state machine: claiming due reminders
// through the store's compare-and-set, delivering through the gateway,
// recording outcomes and chaining recurrences. It is stateless beyond
// its collaborators, so any number of engine instances may share a store.
type Engine struct {
	store     storage.Store
	gateway   gateway.Gateway
	directory clients.Directory
	publisher Publisher // optional
	cfg       Config

	now   func() time.Time
	newID func() string
}

func New(store storage.Store, gw gateway.Gateway, dir clients.Directory, pub Publisher, cfg Config) *Engine {
	cfg.fillDefaults()
	return &Engine{
		store:     store,
		gateway:   gw,
		directory: dir,
		publisher: pub,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// inFlightOutcome is the provisional state written by the claim. A
// worker dying mid-send leaves the row failed with this marker, so it
// is never re-claimable and a human can re-arm it.
var inFlightOutcome = models.AttemptOutcome{
	ErrorCode:    models.ErrCodeInFlight,
	ErrorMessage: "delivery attempt did not complete",
}

// Create validates and persists a new pending reminder on behalf of actor.
func (e *Engine) Create(ctx context.Context, actor string, req *models.CreateReminderRequest) (*models.Reminder, error) {
	r, err := req.Validate()
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	if r.ScheduledAt.Before(now.Add(-e.cfg.ClockSkew)) {
		return nil, fmt.Errorf("%w: scheduledAt is in the past", models.ErrValidation)
	}

	r.ID = e.newID()
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := e.store.Create(ctx, r); err != nil {
		return nil, err
	}

	zlog.Logger.Info().
		Str("actor", actor).
		Str("reminder_id", r.ID).
		Str("channel", string(r.Channel)).
		Time("scheduled_at", r.ScheduledAt).
		Bool("recurring", r.Metadata.Recurring).
		Msg("reminder created")
	return r, nil
}

// Get returns one reminder with the client join attached.
func (e *Engine) Get(ctx context.Context, id string) (*models.Reminder, error) {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.attachClient(ctx, r)
	return r, nil
}

// ListByProject returns a project's reminders with clients attached.
// The search term matches client name or email, case-insensitive; it is
// applied after the join because client data is externally owned.
func (e *Engine) ListByProject(ctx context.Context, projectID string, filter storage.Filter, search string) ([]*models.Reminder, error) {
	rs, err := e.store.ListByProject(ctx, projectID, filter)
	if err != nil {
		return nil, err
	}
	for _, r := range rs {
		e.attachClient(ctx, r)
	}
	if search == "" {
		return rs, nil
	}

	needle := strings.ToLower(search)
	matched := rs[:0]
	for _, r := range rs {
		if r.Client == nil {
			continue
		}
		if strings.Contains(strings.ToLower(r.Client.Name), needle) ||
			strings.Contains(strings.ToLower(r.Client.Email), needle) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func (e *Engine) attachClient(ctx context.Context, r *models.Reminder) {
	c, err := e.directory.Lookup(ctx, r.ClientID)
	if err != nil {
		zlog.Logger.Warn().Err(err).
			Str("reminder_id", r.ID).
			Str("client_id", r.ClientID).
			Msg("client join failed")
		return
	}
	r.Client = c
}

// SendNow triggers manual delivery, bypassing the due-time check but
// sharing the claim/attempt/recurrence path with the scheduler tick.
// ErrConflict means the reminder is not pending (already claimed,
// canceled, or done).
func (e *Engine) SendNow(ctx context.Context, actor, id string) (*models.Reminder, error) {
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	zlog.Logger.Info().Str("actor", actor).Str("reminder_id", id).Msg("manual send requested")
	return e.deliver(ctx, id)
}

// Cancel moves a pending reminder to canceled. Any other starting state
// is an invalid transition.
func (e *Engine) Cancel(ctx context.Context, actor, id string) (*models.Reminder, error) {
	r, err := e.store.UpdateStatus(ctx, id, models.StatusCanceled, []models.Status{models.StatusPending}, nil)
	if errors.Is(err, models.ErrConflict) {
		return nil, fmt.Errorf("%w: only pending reminders can be canceled", models.ErrInvalidTransition)
	}
	if err != nil {
		return nil, err
	}

	zlog.Logger.Info().Str("actor", actor).Str("reminder_id", id).Msg("reminder canceled")
	e.publish(ctx, "canceled", r)
	return r, nil
}

// Rearm moves a failed reminder back to pending with a fresh send time.
// A reminder whose last attempt is still inside the in-flight window is
// refused: the unresolved attempt may yet deliver, and re-arming it
// would hand the reminder to the next tick a second time.
func (e *Engine) Rearm(ctx context.Context, actor, id string, scheduledAt time.Time) (*models.Reminder, error) {
	if scheduledAt.IsZero() {
		return nil, fmt.Errorf("%w: scheduledAt is required to re-arm", models.ErrValidation)
	}
	if scheduledAt.Before(e.now().UTC().Add(-e.cfg.ClockSkew)) {
		return nil, fmt.Errorf("%w: scheduledAt is in the past", models.ErrValidation)
	}

	r, err := e.store.Rearm(ctx, id, scheduledAt, e.cfg.InFlightWindow)
	if errors.Is(err, models.ErrConflict) {
		return nil, fmt.Errorf("%w: only settled failed reminders can be re-armed", models.ErrInvalidTransition)
	}
	if err != nil {
		return nil, err
	}

	zlog.Logger.Info().
		Str("actor", actor).
		Str("reminder_id", id).
		Time("scheduled_at", scheduledAt).
		Msg("reminder re-armed")
	return r, nil
}

// Delete permanently removes a reminder. Returns ErrNotFound on repeat.
func (e *Engine) Delete(ctx context.Context, actor, id string) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	zlog.Logger.Info().Str("actor", actor).Str("reminder_id", id).Msg("reminder deleted")
	return nil
}

// CancelChain cancels every pending reminder for a client/project pair
// in one pass. Called by the external testimonial collaborator once a
// testimonial arrives; a concurrently running tick loses the
// compare-and-set on any reminder canceled here.
func (e *Engine) CancelChain(ctx context.Context, clientID, projectID string) (int, error) {
	n, err := e.store.CancelPending(ctx, clientID, projectID)
	if err != nil {
		return 0, err
	}
	zlog.Logger.Info().
		Str("client_id", clientID).
		Str("project_id", projectID).
		Int("canceled", n).
		Msg("recurrence chain canceled")
	return n, nil
}

// deliver runs one delivery round: claim, send, resolve, recur.
func (e *Engine) deliver(ctx context.Context, id string) (*models.Reminder, error) {
	claimed, err := e.store.RecordAttempt(ctx, id, inFlightOutcome, models.StatusPending)
	if err != nil {
		return nil, err
	}

	outcome := e.attempt(ctx, claimed)

	final, err := e.store.ResolveAttempt(ctx, id, outcome, claimed.Status)
	if err != nil {
		// The row moved under us (e.g. deleted mid-flight). The
		// outcome is dropped; the claim already guaranteed no one
		// else delivered this round.
		zlog.Logger.Error().Err(err).Str("reminder_id", id).Msg("failed to resolve attempt")
		return nil, err
	}

	if final.Status == models.StatusSent {
		e.chainSuccessor(ctx, final)
	}
	e.publish(ctx, string(final.Status), final)
	return final, nil
}

// attempt resolves the recipient and invokes the gateway. Every failure
// mode folds into an outcome; nothing here may abort a tick.
func (e *Engine) attempt(ctx context.Context, r *models.Reminder) models.AttemptOutcome {
	client, err := e.directory.Lookup(ctx, r.ClientID)
	if err != nil {
		return models.AttemptOutcome{ErrorCode: "ERR_CLIENT_LOOKUP", ErrorMessage: err.Error()}
	}
	address, err := clients.RecipientAddress(client, r.Channel)
	if err != nil {
		return models.AttemptOutcome{ErrorCode: "ERR_NO_ADDRESS", ErrorMessage: err.Error()}
	}

	outcome, err := e.gateway.Send(ctx, gateway.Message{
		Channel:     r.Channel,
		Recipient:   address,
		TemplateKey: r.TemplateKey,
		Payload: map[string]string{
			"clientName": client.Name,
			"projectId":  r.ProjectID,
		},
	})
	if err != nil {
		return models.AttemptOutcome{ErrorCode: "ERR_GATEWAY", ErrorMessage: err.Error()}
	}
	return outcome
}

// chainSuccessor creates the single follow-up reminder for a recurring
// send, advanced from the original scheduledAt so the chain never drifts.
// The store refuses the successor when the chain was canceled after the
// sent reminder came into existence, so a cancel landing while the send
// was in flight still terminates the chain.
func (e *Engine) chainSuccessor(ctx context.Context, sent *models.Reminder) {
	next, ok := sent.NextOccurrence()
	if !ok {
		return
	}

	succ := sent.Successor(e.newID(), next, e.now().UTC())
	if err := e.store.CreateSuccessor(ctx, succ, sent.CreatedAt); err != nil {
		if errors.Is(err, models.ErrConflict) {
			zlog.Logger.Info().
				Str("reminder_id", sent.ID).
				Msg("successor suppressed: chain canceled")
			return
		}
		zlog.Logger.Error().Err(err).
			Str("reminder_id", sent.ID).
			Str("successor_id", succ.ID).
			Msg("failed to create recurrence successor")
		return
	}

	zlog.Logger.Info().
		Str("reminder_id", sent.ID).
		Str("successor_id", succ.ID).
		Time("scheduled_at", next).
		Msg("recurrence successor created")
}

func (e *Engine) publish(ctx context.Context, kind string, r *models.Reminder) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.ReminderEvent(ctx, kind, r); err != nil {
		zlog.Logger.Warn().Err(err).
			Str("reminder_id", r.ID).
			Str("event", kind).
			Msg("failed to publish reminder event")
	}
}
