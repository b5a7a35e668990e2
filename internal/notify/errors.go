package notify

import (
	"errors"
	"fmt"
)

var (
	// ErrDomainNotFound indicates that a domain reference could not be resolved.
	ErrDomainNotFound = errors.New("notify: domain not found")
	// ErrDuplicateDomain indicates that a domain with the same name already exists.
	ErrDuplicateDomain = errors.New("notify: duplicate domain")
	// ErrBackendNotFound indicates that no delivery backend is registered under the requested name.
	ErrBackendNotFound = errors.New("notify: delivery backend not found")
	// ErrDuplicateRegistration indicates that the user is already registered.
	ErrDuplicateRegistration = errors.New("notify: user already registered")
	// ErrRegistrationNotFound indicates that the user has no registration.
	ErrRegistrationNotFound = errors.New("notify: registration not found")
	// ErrEmptyMessage indicates that a notification was posted without a message.
	ErrEmptyMessage = errors.New("notify: message is required")
	// ErrInvalidResolution indicates that a resolver returned a notification outside its candidate set.
	ErrInvalidResolution = errors.New("notify: resolver returned unknown candidate")

	// ErrMissingStore indicates that the service was constructed without a store.
	ErrMissingStore = errors.New("notify: store is required")

	errMissingIDProvider = errors.New("id provider is required")
	errMissingDomainName = errors.New("domain name is required")
)

// ServiceError carries a stable code of the form notify.<operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "notify.service.new"
	opPost           = "notify.post"
	opDeliverPending = "notify.deliver_pending"
	opRegister       = "notify.register"
	opUnregister     = "notify.unregister"
	opModify         = "notify.modify"
	opRegistration   = "notify.registration"
	opCreateDomain   = "notify.create_domain"
	opDomain         = "notify.domain"
	opPurgeEntries   = "notify.purge_entries"
)

const (
	reasonMissingStore             = "missing_store"
	reasonMissingIDProvider        = "missing_id_provider"
	reasonEmptyMessage             = "empty_message"
	reasonDomainNotFound           = "domain_not_found"
	reasonDomainLookupFailed       = "domain_lookup_failed"
	reasonDuplicateDomain          = "duplicate_domain"
	reasonInvalidDomain            = "invalid_domain"
	reasonDomainInsertFailed       = "domain_insert_failed"
	reasonIDGenerationFailed       = "id_generation_failed"
	reasonRegistrationLookupFailed = "registration_lookup_failed"
	reasonRegistrationNotFound     = "registration_not_found"
	reasonDuplicateRegistration    = "duplicate_registration"
	reasonRegistrationWriteFailed  = "registration_write_failed"
	reasonBackendNotFound          = "backend_not_found"
	reasonConflictLookupFailed     = "conflict_lookup_failed"
	reasonResolveFailed            = "resolve_failed"
	reasonInvalidResolution        = "invalid_resolution"
	reasonDiscardFailed            = "discard_failed"
	reasonEntryInsertFailed        = "entry_insert_failed"
	reasonCompleteFailed           = "complete_failed"
	reasonPendingLookupFailed      = "pending_lookup_failed"
	reasonPruneFailed              = "prune_failed"
	reasonBatchFlushFailed         = "batch_flush_failed"
	reasonPurgeFailed              = "purge_failed"
	reasonTransactionFailed        = "transaction_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// wrapTransactionError keeps ServiceErrors raised inside a transaction and codes anything else.
func wrapTransactionError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	return newServiceError(operation, reasonTransactionFailed, err)
}
