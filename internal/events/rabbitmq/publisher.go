// Package rabbitmq publishes trip events to a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tripsync/internal/events"
)

const (
	exchangeKind = "topic"
	dialTimeout  = 10 * time.Second
)

// ErrInvalidURL reports a non-AMQP connection string.
var ErrInvalidURL = errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")

type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends TripEvents with the event type as routing key.
type Publisher struct {
	mu       sync.Mutex
	exchange string
	conn     *amqp.Connection
	channel  channel
	logger   *zap.Logger
}

// Dial connects to amqpURL and declares a durable topic exchange.
func Dial(amqpURL string, exchange string, logger *zap.Logger) (*Publisher, error) {
	cleanURL, err := SanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	amqpChannel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	publisher, err := newPublisher(amqpChannel, exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	publisher.conn = conn
	return publisher, nil
}

func newPublisher(amqpChannel channel, exchange string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, errors.New("exchange is required")
	}
	if err := amqpChannel.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		_ = amqpChannel.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{exchange: exchange, channel: amqpChannel, logger: logger}, nil
}

// Publish marshals event to JSON and publishes it.
func (publisher *Publisher) Publish(ctx context.Context, event events.TripEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if err := publisher.channel.PublishWithContext(ctx, publisher.exchange, event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Body:         payload,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	publisher.logger.Debug("event published",
		zap.String("exchange", publisher.exchange),
		zap.String("routing_key", event.Type),
		zap.String("trip_id", event.TripID),
	)
	return nil
}

// Close releases channel and connection resources.
func (publisher *Publisher) Close() {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if publisher.channel != nil {
		_ = publisher.channel.Close()
	}
	if publisher.conn != nil {
		_ = publisher.conn.Close()
	}
}

// SanitizeURL strips quoting and leading noise often found in env files.
func SanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if index := strings.Index(strings.ToLower(clean), "amqp"); index > 0 {
		clean = clean[index:]
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", ErrInvalidURL
	}
	return clean, nil
}
