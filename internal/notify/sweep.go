package notify

import (
	"context"

	"go.uber.org/zap"
)

// DeliverPending hands every due pending entry to its owner's scheduled backend and marks the
// successful ones completed. Entries whose backend cannot be resolved, whose delivery fails or
// whose grouped backend fails to flush stay pending for the next sweep.
func (s *Service) DeliverPending(ctx context.Context) (SweepResult, error) {
	result := SweepResult{}
	txErr := s.store.Transaction(ctx, func(tx Store) error {
		now := s.now()
		entries, err := tx.ListDuePending(ctx, now)
		if err != nil {
			s.logError(opDeliverPending, reasonPendingLookupFailed, err)
			return newServiceError(opDeliverPending, reasonPendingLookupFailed, err)
		}
		if len(entries) == 0 {
			return nil
		}
		result.Due = len(entries)

		owners := newOwnerLookup(tx)
		batch := s.registry.openBatch(ctx)
		for _, entry := range entries {
			notification := entry.Notification
			registration, found, err := owners.find(ctx, notification.Domain.ID, notification.UserID)
			if err != nil {
				s.logError(opDeliverPending, reasonRegistrationLookupFailed, err, zap.Int64("domain_id", notification.Domain.ID))
				return newServiceError(opDeliverPending, reasonRegistrationLookupFailed, err)
			}
			if !found {
				result.Unresolved++
				s.logWarning("pending entry has no subscriber", notification, "", nil)
				continue
			}
			notification.UserOptions = registration.Options

			backend, ok := s.registry.Lookup(registration.Backend)
			if !ok {
				result.Unresolved++
				s.logWarning("delivery backend not registered", notification, registration.Backend, ErrBackendNotFound)
				continue
			}
			scheduled, ok := backend.(ScheduledBackend)
			if !ok {
				result.Unresolved++
				s.logWarning("delivery backend does not support scheduling", notification, backend.Name(), nil)
				continue
			}

			if err := scheduled.DeliverScheduled(ctx, notification, entry.DeliveryOptions); err != nil {
				result.Failed++
				s.logWarning("scheduled delivery failed", notification, backend.Name(), err)
				continue
			}
			if batch.hold(backend, notification.PendingID) {
				continue
			}
			if err := s.completePending(ctx, tx, opDeliverPending, notification.PendingID); err != nil {
				return err
			}
			result.Delivered++
		}

		flushed, failures := batch.close(ctx)
		for _, failure := range failures {
			result.Failed += len(failure.pendingIDs)
			s.logError(opDeliverPending, reasonBatchFlushFailed, failure.err,
				zap.String("backend", failure.backend), zap.Int("pending", len(failure.pendingIDs)))
		}
		for _, pendingID := range flushed {
			if err := s.completePending(ctx, tx, opDeliverPending, pendingID); err != nil {
				return err
			}
			result.Delivered++
		}
		return nil
	})
	if txErr != nil {
		return SweepResult{}, wrapTransactionError(opDeliverPending, txErr)
	}
	return result, nil
}

// ownerLookup memoizes domain registrations for the duration of one sweep.
type ownerLookup struct {
	store    Store
	byDomain map[int64]map[int64]Registration
}

func newOwnerLookup(store Store) *ownerLookup {
	return &ownerLookup{store: store, byDomain: make(map[int64]map[int64]Registration)}
}

func (l *ownerLookup) find(ctx context.Context, domainID, userID int64) (Registration, bool, error) {
	users, ok := l.byDomain[domainID]
	if !ok {
		registrations, err := l.store.ListRegistrations(ctx, domainID)
		if err != nil {
			return Registration{}, false, err
		}
		users = make(map[int64]Registration, len(registrations))
		for _, registration := range registrations {
			users[registration.UserID] = registration
		}
		l.byDomain[domainID] = users
	}
	registration, found := users[userID]
	return registration, found, nil
}

func (s *Service) completePending(ctx context.Context, tx Store, operation string, pendingID int64) error {
	if err := tx.CompletePending(ctx, pendingID, s.now()); err != nil {
		s.logError(operation, reasonCompleteFailed, err, zap.Int64("pending_id", pendingID))
		return newServiceError(operation, reasonCompleteFailed, err)
	}
	return nil
}
