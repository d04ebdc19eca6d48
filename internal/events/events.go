package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"reminderd/internal/models"
)

const (
	remindersExchange    = "reminders"
	testimonialsExchange = "testimonials"
	testimonialsQueue    = "testimonials.received"
)

// Manager owns the RabbitMQ wiring: it publishes reminder lifecycle
// events for external consumers (dashboard, analytics) and consumes
// testimonial-received signals that cancel recurrence chains. The
// store, not the broker, stays authoritative for reminder state.
type Manager struct {
	client    *rabbitmq.RabbitClient
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
}

func NewManager(url string) (*Manager, error) {
	config := rabbitmq.ClientConfig{
		URL:       url,
		Heartbeat: 10 * time.Second,
		ReconnectStrat: retry.Strategy{
			Attempts: 10,
			Delay:    2 * time.Second,
			Backoff:  2,
		},
		ProducingStrat: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
		ConsumingStrat: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
	}

	client, err := rabbitmq.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	if err := setupExchangesAndQueues(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup exchanges and queues: %w", err)
	}

	publisher := rabbitmq.NewPublisher(client, remindersExchange, "application/json")

	zlog.Logger.Info().Msg("RabbitMQ manager initialized")
	return &Manager{
		client:    client,
		publisher: publisher,
	}, nil
}

func setupExchangesAndQueues(client *rabbitmq.RabbitClient) error {
	if err := client.DeclareExchange(remindersExchange, "direct", true, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare reminders exchange: %w", err)
	}
	if err := client.DeclareExchange(testimonialsExchange, "direct", true, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare testimonials exchange: %w", err)
	}
	if err := client.DeclareQueue(
		testimonialsQueue,
		testimonialsExchange,
		"received",
		true,
		false,
		true,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare testimonials queue: %w", err)
	}
	return nil
}

// reminderEvent is the envelope published for every terminal transition.
type reminderEvent struct {
	Event    string           `json:"event"`
	At       time.Time        `json:"at"`
	Reminder *models.Reminder `json:"reminder"`
}

// ReminderEvent publishes a lifecycle event (sent/failed/canceled)
// routed by event kind on the reminders exchange.
func (m *Manager) ReminderEvent(ctx context.Context, kind string, r *models.Reminder) error {
	body, err := json.Marshal(reminderEvent{
		Event:    kind,
		At:       time.Now().UTC(),
		Reminder: r,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reminder event: %w", err)
	}

	if err := m.publisher.Publish(ctx, body, kind); err != nil {
		return fmt.Errorf("failed to publish reminder event: %w", err)
	}
	return nil
}

// TestimonialReceived is the external collaborator's signal that a
// client left a testimonial for a project.
type TestimonialReceived struct {
	ClientID  string `json:"clientId"`
	ProjectID string `json:"projectId"`
}

// ChainCanceler is the slice of the engine the consumer needs.
type ChainCanceler interface {
	CancelChain(ctx context.Context, clientID, projectID string) (int, error)
}

// StartTestimonialConsumer consumes testimonial-received signals and
// cancels the matching recurrence chains.
func (m *Manager) StartTestimonialConsumer(ctx context.Context, canceler ChainCanceler) error {
	config := rabbitmq.ConsumerConfig{
		Queue:         testimonialsQueue,
		ConsumerTag:   "reminderd-testimonials",
		AutoAck:       false,
		Workers:       3,
		PrefetchCount: 10,
		Ask: rabbitmq.AskConfig{
			Multiple: false,
		},
		Nack: rabbitmq.NackConfig{
			Multiple: false,
			Requeue:  true,
		},
		Args: nil,
	}

	handler := func(ctx context.Context, delivery amqp091.Delivery) error {
		var signal TestimonialReceived
		if err := json.Unmarshal(delivery.Body, &signal); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to unmarshal testimonial signal")
			return err
		}
		if signal.ClientID == "" || signal.ProjectID == "" {
			zlog.Logger.Warn().Msg("testimonial signal missing client or project id, dropping")
			return nil
		}

		n, err := canceler.CancelChain(ctx, signal.ClientID, signal.ProjectID)
		if err != nil {
			zlog.Logger.Error().Err(err).
				Str("client_id", signal.ClientID).
				Str("project_id", signal.ProjectID).
				Msg("failed to cancel chain for testimonial")
			return err
		}

		zlog.Logger.Info().
			Str("client_id", signal.ClientID).
			Str("project_id", signal.ProjectID).
			Int("canceled", n).
			Msg("testimonial received, chain canceled")
		return nil
	}

	m.consumer = rabbitmq.NewConsumer(m.client, config, handler)

	go func() {
		if err := m.consumer.Start(ctx); err != nil {
			zlog.Logger.Error().Err(err).Msg("testimonial consumer stopped")
		}
	}()

	zlog.Logger.Info().Msg("testimonial consumer started")
	return nil
}

func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
