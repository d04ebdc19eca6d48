package gateway

import (
	"context"
	"fmt"
	"time"

	"reminderd/internal/models"
)

// Message is one rendered-message request: the engine hands over the
// template key and payload, the provider renders and sends.
type Message struct {
	Channel     models.Channel    `json:"channel"`
	Recipient   string            `json:"recipient"`
	TemplateKey string            `json:"templateKey"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// Gateway sends a message over a channel. Recoverable transport errors
// never come back as a Go error; they are folded into a failure
// AttemptOutcome. The error return fires only for programmer misuse
// (a channel no sender is registered for).
type Gateway interface {
	Send(ctx context.Context, msg Message) (models.AttemptOutcome, error)
}

// Sender is one concrete channel transport. Implementations must be
// safe for concurrent use; any pooling stays internal.
type Sender interface {
	Send(ctx context.Context, msg Message) models.AttemptOutcome
}

// Dispatcher routes messages to per-channel senders under a bounded
// per-attempt timeout. A timed-out attempt is a failure outcome, never
// an ambiguous state.
type Dispatcher struct {
	senders map[models.Channel]Sender
	timeout time.Duration
}

func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		senders: make(map[models.Channel]Sender),
		timeout: timeout,
	}
}

func (d *Dispatcher) Register(channel models.Channel, sender Sender) {
	d.senders[channel] = sender
}

func (d *Dispatcher) Send(ctx context.Context, msg Message) (models.AttemptOutcome, error) {
	sender, ok := d.senders[msg.Channel]
	if !ok {
		return models.AttemptOutcome{}, fmt.Errorf("gateway: no sender registered for channel %q", msg.Channel)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	return sender.Send(ctx, msg), nil
}
