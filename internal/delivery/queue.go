package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultExchange = "courier.notifications"

var errMissingChannel = errors.New("amqp channel is required")

// Channel is the subset of an AMQP channel used for queue delivery.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type QueueConfig struct {
	Name     string
	Exchange string
	Channel  Channel
	Clock    func() time.Time
}

// QueueBackend publishes notifications to a topic exchange routed by domain name.
type QueueBackend struct {
	name     string
	exchange string
	channel  Channel
	clock    func() time.Time
}

// DialQueue connects to the broker and declares the durable topic exchange.
func DialQueue(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	connection, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchangeOrDefault(exchange), "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return connection, channel, nil
}

func NewQueueBackend(cfg QueueConfig) (*QueueBackend, error) {
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &QueueBackend{
		name:     cfg.Name,
		exchange: exchangeOrDefault(cfg.Exchange),
		channel:  cfg.Channel,
		clock:    clock,
	}, nil
}

func (b *QueueBackend) Name() string {
	return b.name
}

func (b *QueueBackend) CanDeliver(context.Context, notify.Notification) bool {
	return true
}

func (b *QueueBackend) Deliver(ctx context.Context, notification notify.Notification) error {
	body, err := json.Marshal(NewPayload(notification))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    notification.PostID,
		Timestamp:    b.clock().UTC(),
		Body:         body,
	}
	if err := b.channel.PublishWithContext(ctx, b.exchange, routingKey(notification), false, false, publishing); err != nil {
		return fmt.Errorf("publish to %s: %w", b.exchange, err)
	}
	return nil
}

// routingKey builds "<domain>.user.<id>". The domain becomes a single topic word so that
// names with spaces or dots cannot add words to the key.
func routingKey(notification notify.Notification) string {
	return fmt.Sprintf("%s.user.%d", topicWord(notification.Domain.Name), notification.UserID)
}

func topicWord(name string) string {
	var builder strings.Builder
	separator := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			if separator && builder.Len() > 0 {
				builder.WriteByte('_')
			}
			separator = false
			builder.WriteRune(r)
			continue
		}
		separator = true
	}
	if builder.Len() == 0 {
		return "_"
	}
	return builder.String()
}

func exchangeOrDefault(exchange string) string {
	if trimmed := strings.TrimSpace(exchange); trimmed != "" {
		return trimmed
	}
	return defaultExchange
}
