package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Envelope is the wire shape mirrored events take on the broker. Data carries
// the same payload the Dispatcher pushed to sockets.
type Envelope struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Publisher mirrors dispatched chat events to the rest of the marketplace.
// Delivery is best-effort; a broker outage never affects chat traffic.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
	Close() error
}

type rmqClient struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

// New connects to RabbitMQ and declares the topic exchange.
func New(url, exchange string, logger *slog.Logger) (Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(
		exchange, "topic", true, false, false, false, nil,
	); err != nil {
		conn.Close()
		return nil, err
	}

	return &rmqClient{
		conn:     conn,
		exchange: exchange,
		log:      logger,
	}, nil
}

func (r *rmqClient) Publish(ctx context.Context, event string, payload any) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	env := Envelope{
		ID:        uuid.NewString(),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx, r.exchange, "chat."+event, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    env.ID,
			Timestamp:    env.Timestamp,
			Body:         body,
		},
	)
}

func (r *rmqClient) Close() error {
	return r.conn.Close()
}

// FallbackPublisher is used when no broker is configured.
type FallbackPublisher struct {
	log *slog.Logger
}

func (p *FallbackPublisher) Publish(ctx context.Context, event string, payload any) error {
	p.log.Debug("broker disabled, skipped publish", slog.String("event", event))
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}

// NewFallback returns a publisher that drops everything.
func NewFallback(logger *slog.Logger) Publisher {
	return &FallbackPublisher{log: logger}
}
