package delivery

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
)

// WithResolver attaches a conflict resolver to backend. The returned backend keeps the
// scheduling and batching capabilities of the wrapped one.
func WithResolver(backend notify.Backend, resolver notify.Resolver) notify.Backend {
	base := resolvedBackend{Backend: backend, resolver: resolver}
	scheduled, isScheduled := backend.(notify.ScheduledBackend)
	grouped, isGrouped := backend.(notify.GroupedBackend)
	switch {
	case isScheduled && isGrouped:
		return resolvedScheduledGrouped{
			resolvedScheduled: resolvedScheduled{resolvedBackend: base, scheduled: scheduled},
			grouped:           grouped,
		}
	case isScheduled:
		return resolvedScheduled{resolvedBackend: base, scheduled: scheduled}
	case isGrouped:
		return resolvedGrouped{resolvedBackend: base, grouped: grouped}
	default:
		return base
	}
}

type resolvedBackend struct {
	notify.Backend
	resolver notify.Resolver
}

func (b resolvedBackend) Resolver() notify.Resolver {
	return b.resolver
}

type resolvedScheduled struct {
	resolvedBackend
	scheduled notify.ScheduledBackend
}

func (b resolvedScheduled) DeliveryDate(ctx context.Context, notification notify.Notification) (time.Time, int64, bool) {
	return b.scheduled.DeliveryDate(ctx, notification)
}

func (b resolvedScheduled) DeliverScheduled(ctx context.Context, notification notify.Notification, options int64) error {
	return b.scheduled.DeliverScheduled(ctx, notification, options)
}

type resolvedGrouped struct {
	resolvedBackend
	grouped notify.GroupedBackend
}

func (b resolvedGrouped) BeginBatch(ctx context.Context) {
	b.grouped.BeginBatch(ctx)
}

func (b resolvedGrouped) EndBatch(ctx context.Context) error {
	return b.grouped.EndBatch(ctx)
}

type resolvedScheduledGrouped struct {
	resolvedScheduled
	grouped notify.GroupedBackend
}

func (b resolvedScheduledGrouped) BeginBatch(ctx context.Context) {
	b.grouped.BeginBatch(ctx)
}

func (b resolvedScheduledGrouped) EndBatch(ctx context.Context) error {
	return b.grouped.EndBatch(ctx)
}
