package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"go.uber.org/zap"
)

var errMissingSink = errors.New("digest sink is required")

// Digest bundles the notifications of one user and domain released by a single sweep.
type Digest struct {
	UserID        int64
	Domain        notify.Domain
	Notifications []notify.Notification
}

// DigestSink receives flushed digests.
type DigestSink interface {
	SendDigest(ctx context.Context, digest Digest) error
}

type DigestConfig struct {
	Name   string
	Sink   DigestSink
	Clock  func() time.Time
	Logger *zap.Logger
}

// DigestBackend queues every notification until the user's daily digest time, which is the
// registration options value read as seconds after midnight. A sweep buffers the due entries
// and flushes one digest per user and domain when the batch ends.
type DigestBackend struct {
	name   string
	sink   DigestSink
	clock  func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	batching bool
	digests  map[digestKey]*Digest
	order    []digestKey
}

type digestKey struct {
	userID   int64
	domainID int64
}

func NewDigestBackend(cfg DigestConfig) (*DigestBackend, error) {
	if cfg.Sink == nil {
		return nil, errMissingSink
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DigestBackend{
		name:    cfg.Name,
		sink:    cfg.Sink,
		clock:   clock,
		logger:  logger,
		digests: make(map[digestKey]*Digest),
	}, nil
}

func (b *DigestBackend) Name() string {
	return b.name
}

func (b *DigestBackend) CanDeliver(context.Context, notify.Notification) bool {
	return true
}

// Deliver sends a single-item digest right away.
func (b *DigestBackend) Deliver(ctx context.Context, notification notify.Notification) error {
	return b.sink.SendDigest(ctx, Digest{
		UserID:        notification.UserID,
		Domain:        notification.Domain,
		Notifications: []notify.Notification{notification},
	})
}

func (b *DigestBackend) DeliveryDate(_ context.Context, notification notify.Notification) (time.Time, int64, bool) {
	return notify.NextDailyOccurrence(notification.UserOptions, b.clock()), 0, true
}

func (b *DigestBackend) DeliverScheduled(ctx context.Context, notification notify.Notification, _ int64) error {
	b.mu.Lock()
	if !b.batching {
		b.mu.Unlock()
		return b.Deliver(ctx, notification)
	}
	key := digestKey{userID: notification.UserID, domainID: notification.Domain.ID}
	digest, ok := b.digests[key]
	if !ok {
		digest = &Digest{UserID: notification.UserID, Domain: notification.Domain}
		b.digests[key] = digest
		b.order = append(b.order, key)
	}
	digest.Notifications = append(digest.Notifications, notification)
	b.mu.Unlock()
	return nil
}

func (b *DigestBackend) BeginBatch(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batching = true
	b.digests = make(map[digestKey]*Digest)
	b.order = nil
}

// EndBatch flushes the buffered digests in arrival order and stops at the first sink failure.
func (b *DigestBackend) EndBatch(ctx context.Context) error {
	b.mu.Lock()
	digests := make([]Digest, 0, len(b.order))
	for _, key := range b.order {
		digests = append(digests, *b.digests[key])
	}
	b.batching = false
	b.digests = make(map[digestKey]*Digest)
	b.order = nil
	b.mu.Unlock()

	for _, digest := range digests {
		if err := b.sink.SendDigest(ctx, digest); err != nil {
			b.logger.Warn("digest delivery failed",
				zap.Int64("user_id", digest.UserID),
				zap.String("domain", digest.Domain.Name),
				zap.Int("notifications", len(digest.Notifications)),
				zap.Error(err))
			return fmt.Errorf("send digest for user %d: %w", digest.UserID, err)
		}
	}
	return nil
}

// LogDigestSink writes digests to a zap logger.
type LogDigestSink struct {
	Logger *zap.Logger
}

func (s LogDigestSink) SendDigest(_ context.Context, digest Digest) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	messages := make([]string, 0, len(digest.Notifications))
	for _, notification := range digest.Notifications {
		messages = append(messages, notification.Message)
	}
	logger.Info("digest delivered",
		zap.Int64("user_id", digest.UserID),
		zap.String("domain", digest.Domain.Name),
		zap.Strings("messages", messages))
	return nil
}
