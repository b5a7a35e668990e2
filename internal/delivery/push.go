package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "courier"

var errMissingPublisher = errors.New("redis publisher is required")

// Publisher is the subset of the redis client used for push delivery.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type PushConfig struct {
	Name          string
	ChannelPrefix string
	Client        Publisher
}

// PushBackend publishes notifications as JSON to a per-user redis channel.
type PushBackend struct {
	name   string
	prefix string
	client Publisher
}

// NewRedisClient builds a redis client from a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(options), nil
}

func NewPushBackend(cfg PushConfig) (*PushBackend, error) {
	if cfg.Client == nil {
		return nil, errMissingPublisher
	}
	prefix := strings.TrimSpace(cfg.ChannelPrefix)
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return &PushBackend{name: cfg.Name, prefix: prefix, client: cfg.Client}, nil
}

func (b *PushBackend) Name() string {
	return b.name
}

func (b *PushBackend) CanDeliver(context.Context, notify.Notification) bool {
	return true
}

func (b *PushBackend) Deliver(ctx context.Context, notification notify.Notification) error {
	body, err := json.Marshal(NewPayload(notification))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(notification.UserID), body).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Channel names the redis channel a user's notifications are published to.
func (b *PushBackend) Channel(userID int64) string {
	return fmt.Sprintf("%s:user:%d", b.prefix, userID)
}
