package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

type ServiceConfig struct {
	Store    Store
	Registry *Registry
	// Resolver is the default conflict resolver. Nil disables conflict handling for backends
	// that do not carry their own.
	Resolver   Resolver
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service dispatches notifications to subscribers, resolves conflicts against queued entries and
// sweeps the pending queue.
type Service struct {
	store      Store
	registry   *Registry
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	domains    *domainCache

	resolverMu sync.RWMutex
	resolver   Resolver
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, ErrMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:      cfg.Store,
		registry:   registry,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		domains:    newDomainCache(),
		resolver:   cfg.Resolver,
	}, nil
}

// Registry exposes the backend registry so callers can add or remove backends at runtime.
func (s *Service) Registry() *Registry {
	return s.registry
}

// SetResolver replaces the default conflict resolver. Nil disables it.
func (s *Service) SetResolver(resolver Resolver) {
	s.resolverMu.Lock()
	defer s.resolverMu.Unlock()
	s.resolver = resolver
}

// InvalidateCache drops every cached domain lookup.
func (s *Service) InvalidateCache() {
	s.domains.invalidate()
}

func (s *Service) resolverFor(backend Backend) Resolver {
	if resolved, ok := backend.(ResolvedBackend); ok {
		if resolver := resolved.Resolver(); resolver != nil {
			return resolver
		}
	}
	s.resolverMu.RLock()
	defer s.resolverMu.RUnlock()
	return s.resolver
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Second)
}

func (s *Service) lookupDomain(ctx context.Context, store Store, ref DomainRef) (Domain, error) {
	if ref.IsZero() {
		return Domain{}, ErrDomainNotFound
	}
	if domain, ok := s.domains.get(ref); ok {
		return domain, nil
	}
	domain, err := store.FindDomain(ctx, ref)
	if err != nil {
		return Domain{}, err
	}
	s.domains.put(domain)
	return domain, nil
}

// resolveDomain wraps lookupDomain failures in operation specific ServiceErrors.
func (s *Service) resolveDomain(ctx context.Context, store Store, operation string, ref DomainRef) (Domain, error) {
	domain, err := s.lookupDomain(ctx, store, ref)
	if err == nil {
		return domain, nil
	}
	if errors.Is(err, ErrDomainNotFound) {
		return Domain{}, newServiceError(operation, reasonDomainNotFound, err)
	}
	s.logError(operation, reasonDomainLookupFailed, err, zap.String("domain", ref.String()))
	return Domain{}, newServiceError(operation, reasonDomainLookupFailed, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notify service error", attrs...)
}

func (s *Service) logWarning(message string, notification Notification, backend string, err error) {
	attrs := []zap.Field{
		zap.Int64("user_id", notification.UserID),
		zap.String("domain", notification.Domain.Name),
		zap.String("backend", backend),
	}
	if notification.ID > 0 {
		attrs = append(attrs, zap.Int64("entry_id", notification.ID))
	}
	if notification.PendingID > 0 {
		attrs = append(attrs, zap.Int64("pending_id", notification.PendingID))
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	s.loggerOrDefault().Warn(message, attrs...)
}
