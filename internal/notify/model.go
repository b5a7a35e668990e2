package notify

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// DomainRef addresses a domain either by numeric id or by unique name.
type DomainRef struct {
	id   int64
	name string
}

// DomainID references a domain by its identifier.
func DomainID(id int64) DomainRef {
	return DomainRef{id: id}
}

// DomainName references a domain by its unique name.
func DomainName(name string) DomainRef {
	return DomainRef{name: strings.TrimSpace(name)}
}

// ParseDomainRef treats all-digit input as an id and anything else as a name.
func ParseDomainRef(value string) DomainRef {
	trimmed := strings.TrimSpace(value)
	if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil && id > 0 {
		return DomainID(id)
	}
	return DomainName(trimmed)
}

func (r DomainRef) ID() int64 {
	return r.id
}

func (r DomainRef) Name() string {
	return r.name
}

func (r DomainRef) IsZero() bool {
	return r.id <= 0 && r.name == ""
}

func (r DomainRef) String() string {
	if r.id > 0 {
		return strconv.FormatInt(r.id, 10)
	}
	return r.name
}

// Domain is a named notification channel users subscribe to.
type Domain struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Options     int64   `json:"options"`
}

// Notification is the unit handed to delivery backends.
//
// ID is zero for a notification that has not been persisted yet. PendingID is set only when the
// notification was loaded from the pending queue.
type Notification struct {
	ID          int64
	PendingID   int64
	PostID      string
	Domain      Domain
	Message     string
	Tags        []string
	UserID      int64
	UserOptions int64
	Updated     time.Time
}

// Persisted reports whether the notification is backed by a stored entry.
func (n Notification) Persisted() bool {
	return n.ID > 0
}

// PendingEntry is a queued delivery. It stays pending while CompletedAt is nil.
type PendingEntry struct {
	Notification
	ScheduledAt     time.Time
	DeliveryOptions int64
	CompletedAt     *time.Time
}

// Registration binds a user to exactly one delivery backend and a set of domains.
type Registration struct {
	UserID    int64   `json:"user_id"`
	Backend   string  `json:"backend"`
	Options   int64   `json:"options"`
	DomainIDs []int64 `json:"domain_ids"`
}

// ModifyRequest carries the fields to change on a registration. Nil fields are left unchanged.
type ModifyRequest struct {
	Domains []DomainRef
	Backend *string
	Options *int64
}

// SweepResult summarizes one pass over the pending queue.
type SweepResult struct {
	Due        int `json:"due"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	Unresolved int `json:"unresolved"`
}

// EntryDraft describes a notification entry to persist.
type EntryDraft struct {
	PostID   string
	DomainID int64
	Message  string
	Updated  time.Time
	Tags     []string
}

// PendingDraft describes a pending delivery row to persist.
type PendingDraft struct {
	EntryID     int64
	UserID      int64
	ScheduledAt time.Time
	Options     int64
}

// Store is the persistence contract of the service.
//
// Every method participates in the transaction of the Store it is called on. Rows returned by
// FindConflicts and ListDuePending carry the full Domain and the owning user's options.
type Store interface {
	Transaction(ctx context.Context, fn func(tx Store) error) error

	FindDomain(ctx context.Context, ref DomainRef) (Domain, error)
	CreateDomain(ctx context.Context, domain Domain) (Domain, error)

	FindRegistration(ctx context.Context, userID int64) (Registration, error)
	ListRegistrations(ctx context.Context, domainID int64) ([]Registration, error)
	CreateRegistration(ctx context.Context, registration Registration) error
	UpdateRegistration(ctx context.Context, userID int64, backend *string, options *int64) error
	ReplaceSubscriptions(ctx context.Context, userID int64, domainIDs []int64) error
	RemoveSubscriptions(ctx context.Context, userID int64, domainIDs []int64) error
	DeleteRegistration(ctx context.Context, userID int64) error

	// FindConflicts returns the still-pending entries of userID that share at least one tag,
	// ordered by pending id, with tags restricted to the requested ones.
	FindConflicts(ctx context.Context, userID int64, tags []string) ([]PendingEntry, error)
	InsertEntry(ctx context.Context, draft EntryDraft) (int64, error)
	// InsertPending must leave the surrounding transaction usable when it fails.
	InsertPending(ctx context.Context, draft PendingDraft) (int64, error)
	DiscardPending(ctx context.Context, pendingIDs []int64) error
	ListDuePending(ctx context.Context, now time.Time) ([]PendingEntry, error)
	// CompletePending is a no-op for rows that are already completed.
	CompletePending(ctx context.Context, pendingID int64, completedAt time.Time) error
	PruneEntries(ctx context.Context) error
	PurgeEntries(ctx context.Context, userID *int64, completedOnly bool) error
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	if len(normalized) == 0 {
		return nil
	}
	return normalized
}
