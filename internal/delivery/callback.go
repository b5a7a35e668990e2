package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
)

var errMissingCallback = errors.New("delivery callback is required")

// DeliverFunc delivers a notification immediately.
type DeliverFunc func(ctx context.Context, notification notify.Notification) error

// ScheduleFunc computes when a notification should be delivered. ok=false means right away.
type ScheduleFunc func(ctx context.Context, notification notify.Notification) (at time.Time, options int64, ok bool)

// DeliverScheduledFunc delivers a notification taken from the pending queue.
type DeliverScheduledFunc func(ctx context.Context, notification notify.Notification, options int64) error

// CallbackBackend hands every notification to a function.
type CallbackBackend struct {
	name    string
	deliver DeliverFunc
}

func NewCallbackBackend(name string, deliver DeliverFunc) *CallbackBackend {
	return &CallbackBackend{name: name, deliver: deliver}
}

func (b *CallbackBackend) Name() string {
	return b.name
}

func (b *CallbackBackend) CanDeliver(context.Context, notify.Notification) bool {
	return true
}

func (b *CallbackBackend) Deliver(ctx context.Context, notification notify.Notification) error {
	if b.deliver == nil {
		return errMissingCallback
	}
	return b.deliver(ctx, notification)
}

// SchedulerBackend defers deliveries through a schedule function and completes them through a
// second callback.
type SchedulerBackend struct {
	*CallbackBackend
	schedule         ScheduleFunc
	deliverScheduled DeliverScheduledFunc
}

func NewSchedulerBackend(name string, schedule ScheduleFunc, deliverScheduled DeliverScheduledFunc, deliver DeliverFunc) *SchedulerBackend {
	return &SchedulerBackend{
		CallbackBackend:  NewCallbackBackend(name, deliver),
		schedule:         schedule,
		deliverScheduled: deliverScheduled,
	}
}

func (b *SchedulerBackend) DeliveryDate(ctx context.Context, notification notify.Notification) (time.Time, int64, bool) {
	if b.schedule == nil {
		return time.Time{}, 0, false
	}
	return b.schedule(ctx, notification)
}

func (b *SchedulerBackend) DeliverScheduled(ctx context.Context, notification notify.Notification, options int64) error {
	if b.deliverScheduled == nil {
		return errMissingCallback
	}
	return b.deliverScheduled(ctx, notification, options)
}
