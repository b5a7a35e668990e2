package notify

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Post delivers message to every subscriber of the domain and returns how many subscribers
// accepted it. All writes happen in a single store transaction; a grouped backend that fails to
// flush is logged and leaves its rows pending without undoing the rest of the post.
func (s *Service) Post(ctx context.Context, message string, ref DomainRef, tags []string) (int, error) {
	if strings.TrimSpace(message) == "" {
		return 0, newServiceError(opPost, reasonEmptyMessage, ErrEmptyMessage)
	}
	domain, err := s.resolveDomain(ctx, s.store, opPost, ref)
	if err != nil {
		return 0, err
	}

	postID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPost, reasonIDGenerationFailed, err, zap.String("domain", domain.Name))
		return 0, newServiceError(opPost, reasonIDGenerationFailed, err)
	}

	delivered := 0
	txErr := s.store.Transaction(ctx, func(tx Store) error {
		registrations, err := tx.ListRegistrations(ctx, domain.ID)
		if err != nil {
			s.logError(opPost, reasonRegistrationLookupFailed, err, zap.String("domain", domain.Name))
			return newServiceError(opPost, reasonRegistrationLookupFailed, err)
		}
		if len(registrations) == 0 {
			return nil
		}

		run := &postRun{
			service: s,
			tx:      tx,
			domain:  domain,
			message: message,
			tags:    normalizeTags(tags),
			postID:  postID,
			updated: s.now(),
			batch:   s.registry.openBatch(ctx),
		}

		for _, registration := range registrations {
			accepted, err := run.dispatch(ctx, registration)
			if err != nil {
				return err
			}
			if accepted {
				delivered++
			}
		}

		flushed, failures := run.batch.close(ctx)
		for _, failure := range failures {
			s.logError(opPost, reasonBatchFlushFailed, failure.err,
				zap.String("domain", domain.Name), zap.String("backend", failure.backend))
		}
		for _, pendingID := range flushed {
			if err := s.completePending(ctx, tx, opPost, pendingID); err != nil {
				return err
			}
		}

		if run.needsPrune {
			if err := tx.PruneEntries(ctx); err != nil {
				s.logError(opPost, reasonPruneFailed, err, zap.String("domain", domain.Name))
				return newServiceError(opPost, reasonPruneFailed, err)
			}
		}
		return nil
	})
	if txErr != nil {
		return 0, wrapTransactionError(opPost, txErr)
	}
	return delivered, nil
}

// postRun holds the state shared by every subscriber of one post.
type postRun struct {
	service *Service
	tx      Store
	domain  Domain
	message string
	tags    []string
	postID  string
	updated time.Time
	batch   *batch

	entryID    int64
	needsPrune bool
}

func (run *postRun) dispatch(ctx context.Context, registration Registration) (bool, error) {
	candidate := &Notification{
		PostID:      run.postID,
		Domain:      run.domain,
		Message:     run.message,
		Tags:        append([]string(nil), run.tags...),
		UserID:      registration.UserID,
		UserOptions: registration.Options,
		Updated:     run.updated,
	}

	backend, ok := run.service.registry.Lookup(registration.Backend)
	if !ok {
		run.service.logWarning("delivery backend not registered", *candidate, registration.Backend, ErrBackendNotFound)
		return false, nil
	}

	if len(run.tags) > 0 {
		if resolver := run.service.resolverFor(backend); resolver != nil {
			winner, err := run.resolveConflicts(ctx, resolver, registration, candidate)
			if err != nil {
				return false, err
			}
			if winner == nil {
				return false, nil
			}
			candidate = winner
		}
	}

	if !backend.CanDeliver(ctx, *candidate) {
		run.service.logWarning("delivery rejected by backend", *candidate, backend.Name(), nil)
		return false, nil
	}

	if scheduled, ok := backend.(ScheduledBackend); ok {
		if at, options, ok := scheduled.DeliveryDate(ctx, *candidate); ok {
			if candidate.PendingID > 0 {
				return true, nil
			}
			queued, err := run.schedule(ctx, candidate, at.UTC(), options)
			if err != nil {
				return false, err
			}
			if queued {
				return true, nil
			}
		}
	}

	if err := run.deliverNow(ctx, backend, candidate); err != nil {
		return false, err
	}
	return true, nil
}

// resolveConflicts returns the surviving candidate, or nil when the resolver dropped them all.
func (run *postRun) resolveConflicts(ctx context.Context, resolver Resolver, registration Registration, candidate *Notification) (*Notification, error) {
	service := run.service
	existing, err := run.tx.FindConflicts(ctx, registration.UserID, run.tags)
	if err != nil {
		service.logError(opPost, reasonConflictLookupFailed, err, zap.Int64("user_id", registration.UserID))
		return nil, newServiceError(opPost, reasonConflictLookupFailed, err)
	}
	if len(existing) == 0 {
		return candidate, nil
	}

	candidates := make([]*Notification, 0, len(existing)+1)
	for index := range existing {
		notification := existing[index].Notification
		notification.UserOptions = registration.Options
		candidates = append(candidates, &notification)
	}
	candidates = append(candidates, candidate)

	chosen, err := resolver.Resolve(candidates)
	if err != nil {
		service.logError(opPost, reasonResolveFailed, err, zap.Int64("user_id", registration.UserID))
		return nil, newServiceError(opPost, reasonResolveFailed, err)
	}

	var winner *Notification
	if chosen != nil {
		member, ok := memberOf(candidates, chosen)
		if !ok {
			service.logError(opPost, reasonInvalidResolution, ErrInvalidResolution, zap.Int64("user_id", registration.UserID))
			return nil, newServiceError(opPost, reasonInvalidResolution, ErrInvalidResolution)
		}
		winner = member
	}

	losers := make([]int64, 0, len(candidates))
	for _, entry := range candidates {
		if entry == winner || entry.PendingID <= 0 {
			continue
		}
		losers = append(losers, entry.PendingID)
	}
	if len(losers) > 0 {
		if err := run.tx.DiscardPending(ctx, losers); err != nil {
			service.logError(opPost, reasonDiscardFailed, err, zap.Int64("user_id", registration.UserID))
			return nil, newServiceError(opPost, reasonDiscardFailed, err)
		}
		run.needsPrune = true
	}
	return winner, nil
}

// schedule queues the candidate and reports false when the pending row could not be written.
func (run *postRun) schedule(ctx context.Context, candidate *Notification, at time.Time, options int64) (bool, error) {
	entryID, err := run.persistEntry(ctx)
	if err != nil {
		return false, err
	}
	candidate.ID = entryID

	pendingID, err := run.tx.InsertPending(ctx, PendingDraft{
		EntryID:     entryID,
		UserID:      candidate.UserID,
		ScheduledAt: at,
		Options:     options,
	})
	if err != nil {
		run.service.logWarning("could not queue notification, delivering immediately", *candidate, "", err)
		run.needsPrune = true
		return false, nil
	}
	candidate.PendingID = pendingID
	return true, nil
}

// persistEntry writes the entry once per post and reuses its id for later subscribers.
func (run *postRun) persistEntry(ctx context.Context) (int64, error) {
	if run.entryID > 0 {
		return run.entryID, nil
	}
	entryID, err := run.tx.InsertEntry(ctx, EntryDraft{
		PostID:   run.postID,
		DomainID: run.domain.ID,
		Message:  run.message,
		Updated:  run.updated,
		Tags:     run.tags,
	})
	if err != nil {
		run.service.logError(opPost, reasonEntryInsertFailed, err, zap.String("domain", run.domain.Name))
		return 0, newServiceError(opPost, reasonEntryInsertFailed, err)
	}
	run.entryID = entryID
	return entryID, nil
}

func (run *postRun) deliverNow(ctx context.Context, backend Backend, candidate *Notification) error {
	if err := backend.Deliver(ctx, *candidate); err != nil {
		run.service.logWarning("delivery failed", *candidate, backend.Name(), err)
		return nil
	}
	if candidate.PendingID <= 0 || run.batch.hold(backend, candidate.PendingID) {
		return nil
	}
	return run.service.completePending(ctx, run.tx, opPost, candidate.PendingID)
}
