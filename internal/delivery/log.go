package delivery

import (
	"context"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"go.uber.org/zap"
)

// LogBackend writes notifications to a zap logger.
type LogBackend struct {
	name   string
	logger *zap.Logger
}

func NewLogBackend(name string, logger *zap.Logger) *LogBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogBackend{name: name, logger: logger}
}

func (b *LogBackend) Name() string {
	return b.name
}

func (b *LogBackend) CanDeliver(context.Context, notify.Notification) bool {
	return true
}

func (b *LogBackend) Deliver(_ context.Context, notification notify.Notification) error {
	b.logger.Info("notification delivered", notificationFields(notification)...)
	return nil
}

func notificationFields(notification notify.Notification) []zap.Field {
	fields := []zap.Field{
		zap.Int64("user_id", notification.UserID),
		zap.String("domain", notification.Domain.Name),
		zap.String("message", notification.Message),
	}
	if len(notification.Tags) > 0 {
		fields = append(fields, zap.Strings("tags", notification.Tags))
	}
	if notification.ID > 0 {
		fields = append(fields, zap.Int64("entry_id", notification.ID))
	}
	if notification.PostID != "" {
		fields = append(fields, zap.String("post_id", notification.PostID))
	}
	return fields
}
