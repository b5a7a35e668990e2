package notify

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// Register subscribes userID to the domains through the named backend. Nothing is written when
// any domain is unknown.
func (s *Service) Register(ctx context.Context, userID int64, domains []DomainRef, backendName string, options int64) error {
	backendName = strings.TrimSpace(backendName)
	if _, ok := s.registry.Lookup(backendName); !ok {
		return newServiceError(opRegister, reasonBackendNotFound, ErrBackendNotFound)
	}

	txErr := s.store.Transaction(ctx, func(tx Store) error {
		_, err := tx.FindRegistration(ctx, userID)
		switch {
		case err == nil:
			return newServiceError(opRegister, reasonDuplicateRegistration, ErrDuplicateRegistration)
		case !errors.Is(err, ErrRegistrationNotFound):
			s.logError(opRegister, reasonRegistrationLookupFailed, err, zap.Int64("user_id", userID))
			return newServiceError(opRegister, reasonRegistrationLookupFailed, err)
		}

		domainIDs, err := s.resolveDomainIDs(ctx, tx, opRegister, domains)
		if err != nil {
			return err
		}

		if err := tx.CreateRegistration(ctx, Registration{
			UserID:    userID,
			Backend:   backendName,
			Options:   options,
			DomainIDs: domainIDs,
		}); err != nil {
			if errors.Is(err, ErrDuplicateRegistration) {
				return newServiceError(opRegister, reasonDuplicateRegistration, err)
			}
			s.logError(opRegister, reasonRegistrationWriteFailed, err, zap.Int64("user_id", userID))
			return newServiceError(opRegister, reasonRegistrationWriteFailed, err)
		}
		return nil
	})
	return wrapTransactionError(opRegister, txErr)
}

// Unregister removes the listed subscriptions of userID. Without domains the whole registration
// goes away together with the user's pending deliveries.
func (s *Service) Unregister(ctx context.Context, userID int64, domains ...DomainRef) error {
	txErr := s.store.Transaction(ctx, func(tx Store) error {
		if len(domains) == 0 {
			if err := tx.DeleteRegistration(ctx, userID); err != nil {
				s.logError(opUnregister, reasonRegistrationWriteFailed, err, zap.Int64("user_id", userID))
				return newServiceError(opUnregister, reasonRegistrationWriteFailed, err)
			}
			return nil
		}

		domainIDs, err := s.resolveDomainIDs(ctx, tx, opUnregister, domains)
		if err != nil {
			return err
		}
		if err := tx.RemoveSubscriptions(ctx, userID, domainIDs); err != nil {
			s.logError(opUnregister, reasonRegistrationWriteFailed, err, zap.Int64("user_id", userID))
			return newServiceError(opUnregister, reasonRegistrationWriteFailed, err)
		}
		return nil
	})
	return wrapTransactionError(opUnregister, txErr)
}

// Modify updates the registration of userID. A nil Domains slice keeps the current
// subscriptions.
func (s *Service) Modify(ctx context.Context, userID int64, request ModifyRequest) error {
	var backend *string
	if request.Backend != nil {
		name := strings.TrimSpace(*request.Backend)
		if _, ok := s.registry.Lookup(name); !ok {
			return newServiceError(opModify, reasonBackendNotFound, ErrBackendNotFound)
		}
		backend = &name
	}

	txErr := s.store.Transaction(ctx, func(tx Store) error {
		if _, err := tx.FindRegistration(ctx, userID); err != nil {
			if errors.Is(err, ErrRegistrationNotFound) {
				return newServiceError(opModify, reasonRegistrationNotFound, err)
			}
			s.logError(opModify, reasonRegistrationLookupFailed, err, zap.Int64("user_id", userID))
			return newServiceError(opModify, reasonRegistrationLookupFailed, err)
		}

		if backend != nil || request.Options != nil {
			if err := tx.UpdateRegistration(ctx, userID, backend, request.Options); err != nil {
				s.logError(opModify, reasonRegistrationWriteFailed, err, zap.Int64("user_id", userID))
				return newServiceError(opModify, reasonRegistrationWriteFailed, err)
			}
		}

		if request.Domains != nil {
			domainIDs, err := s.resolveDomainIDs(ctx, tx, opModify, request.Domains)
			if err != nil {
				return err
			}
			if err := tx.ReplaceSubscriptions(ctx, userID, domainIDs); err != nil {
				s.logError(opModify, reasonRegistrationWriteFailed, err, zap.Int64("user_id", userID))
				return newServiceError(opModify, reasonRegistrationWriteFailed, err)
			}
		}
		return nil
	})
	return wrapTransactionError(opModify, txErr)
}

// Registration returns the registration of userID.
func (s *Service) Registration(ctx context.Context, userID int64) (Registration, error) {
	registration, err := s.store.FindRegistration(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrRegistrationNotFound) {
			return Registration{}, newServiceError(opRegistration, reasonRegistrationNotFound, err)
		}
		s.logError(opRegistration, reasonRegistrationLookupFailed, err, zap.Int64("user_id", userID))
		return Registration{}, newServiceError(opRegistration, reasonRegistrationLookupFailed, err)
	}
	return registration, nil
}

// CreateDomain stores a new domain and primes the lookup cache with it.
func (s *Service) CreateDomain(ctx context.Context, name string, description *string, options int64) (Domain, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Domain{}, newServiceError(opCreateDomain, reasonInvalidDomain, errMissingDomainName)
	}
	domain, err := s.store.CreateDomain(ctx, Domain{Name: name, Description: description, Options: options})
	if err != nil {
		if errors.Is(err, ErrDuplicateDomain) {
			return Domain{}, newServiceError(opCreateDomain, reasonDuplicateDomain, err)
		}
		s.logError(opCreateDomain, reasonDomainInsertFailed, err, zap.String("domain", name))
		return Domain{}, newServiceError(opCreateDomain, reasonDomainInsertFailed, err)
	}
	s.domains.put(domain)
	return domain, nil
}

// Domain resolves a domain reference through the cache.
func (s *Service) Domain(ctx context.Context, ref DomainRef) (Domain, error) {
	return s.resolveDomain(ctx, s.store, opDomain, ref)
}

// PurgeEntries deletes pending rows, optionally limited to one user and to completed rows, and
// then removes entries nothing references anymore.
func (s *Service) PurgeEntries(ctx context.Context, userID *int64, completedOnly bool) error {
	if err := s.store.PurgeEntries(ctx, userID, completedOnly); err != nil {
		s.logError(opPurgeEntries, reasonPurgeFailed, err)
		return newServiceError(opPurgeEntries, reasonPurgeFailed, err)
	}
	return nil
}

func (s *Service) resolveDomainIDs(ctx context.Context, store Store, operation string, refs []DomainRef) ([]int64, error) {
	ids := make([]int64, 0, len(refs))
	seen := make(map[int64]struct{}, len(refs))
	for _, ref := range refs {
		domain, err := s.resolveDomain(ctx, store, operation, ref)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[domain.ID]; ok {
			continue
		}
		seen[domain.ID] = struct{}{}
		ids = append(ids, domain.ID)
	}
	return ids, nil
}
