package store

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("store: database handle is required")

// Store implements notify.Store on top of gorm.
type Store struct {
	db *gorm.DB
}

var _ notify.Store = (*Store)(nil)

func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// Transaction runs fn against a Store bound to one database transaction. Calling Transaction on
// a Store that is already inside a transaction opens a savepoint.
func (s *Store) Transaction(ctx context.Context, fn func(tx notify.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *Store) FindDomain(ctx context.Context, ref notify.DomainRef) (notify.Domain, error) {
	query := s.conn(ctx)
	if ref.ID() > 0 {
		query = query.Where("id = ?", ref.ID())
	} else {
		query = query.Where("name = ?", ref.Name())
	}
	var record DomainRecord
	err := query.Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notify.Domain{}, notify.ErrDomainNotFound
	}
	if err != nil {
		return notify.Domain{}, err
	}
	return record.domain(), nil
}

func (s *Store) CreateDomain(ctx context.Context, domain notify.Domain) (notify.Domain, error) {
	var existing int64
	if err := s.conn(ctx).Model(&DomainRecord{}).Where("name = ?", domain.Name).Count(&existing).Error; err != nil {
		return notify.Domain{}, err
	}
	if existing > 0 {
		return notify.Domain{}, notify.ErrDuplicateDomain
	}
	record := DomainRecord{
		Name:        domain.Name,
		Description: domain.Description,
		Options:     domain.Options,
	}
	if err := s.conn(ctx).Create(&record).Error; err != nil {
		return notify.Domain{}, err
	}
	return record.domain(), nil
}

func (s *Store) FindRegistration(ctx context.Context, userID int64) (notify.Registration, error) {
	var user UserRecord
	err := s.conn(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notify.Registration{}, notify.ErrRegistrationNotFound
	}
	if err != nil {
		return notify.Registration{}, err
	}

	var domainIDs []int64
	if err := s.conn(ctx).Model(&SubscriptionRecord{}).
		Where("user_id = ?", userID).
		Order("domain_id ASC").
		Pluck("domain_id", &domainIDs).Error; err != nil {
		return notify.Registration{}, err
	}

	registration := user.registration()
	registration.DomainIDs = domainIDs
	return registration, nil
}

// ListRegistrations returns the subscribers of a domain ordered by user id.
func (s *Store) ListRegistrations(ctx context.Context, domainID int64) ([]notify.Registration, error) {
	var users []UserRecord
	if err := s.conn(ctx).Table("ns_users AS u").
		Select("u.id, u.delivery, u.options").
		Joins("JOIN ns_user_domains AS ud ON ud.user_id = u.id").
		Where("ud.domain_id = ?", domainID).
		Order("u.id ASC").
		Scan(&users).Error; err != nil {
		return nil, err
	}
	registrations := make([]notify.Registration, 0, len(users))
	for _, user := range users {
		registrations = append(registrations, user.registration())
	}
	return registrations, nil
}

func (s *Store) CreateRegistration(ctx context.Context, registration notify.Registration) error {
	var existing int64
	if err := s.conn(ctx).Model(&UserRecord{}).Where("id = ?", registration.UserID).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return notify.ErrDuplicateRegistration
	}
	user := UserRecord{
		ID:       registration.UserID,
		Delivery: registration.Backend,
		Options:  registration.Options,
	}
	if err := s.conn(ctx).Create(&user).Error; err != nil {
		return err
	}
	return s.insertSubscriptions(ctx, registration.UserID, registration.DomainIDs)
}

func (s *Store) UpdateRegistration(ctx context.Context, userID int64, backend *string, options *int64) error {
	updates := map[string]any{}
	if backend != nil {
		updates["delivery"] = *backend
	}
	if options != nil {
		updates["options"] = *options
	}
	if len(updates) == 0 {
		return nil
	}
	return s.conn(ctx).Model(&UserRecord{}).Where("id = ?", userID).Updates(updates).Error
}

func (s *Store) ReplaceSubscriptions(ctx context.Context, userID int64, domainIDs []int64) error {
	if err := s.conn(ctx).Where("user_id = ?", userID).Delete(&SubscriptionRecord{}).Error; err != nil {
		return err
	}
	return s.insertSubscriptions(ctx, userID, domainIDs)
}

func (s *Store) RemoveSubscriptions(ctx context.Context, userID int64, domainIDs []int64) error {
	if len(domainIDs) == 0 {
		return nil
	}
	return s.conn(ctx).
		Where("user_id = ? AND domain_id IN ?", userID, domainIDs).
		Delete(&SubscriptionRecord{}).Error
}

// DeleteRegistration removes the user, its subscriptions and pending rows, then prunes orphaned
// entries.
func (s *Store) DeleteRegistration(ctx context.Context, userID int64) error {
	if err := s.conn(ctx).Where("user_id = ?", userID).Delete(&PendingRecord{}).Error; err != nil {
		return err
	}
	if err := s.conn(ctx).Where("user_id = ?", userID).Delete(&SubscriptionRecord{}).Error; err != nil {
		return err
	}
	if err := s.conn(ctx).Where("id = ?", userID).Delete(&UserRecord{}).Error; err != nil {
		return err
	}
	return s.PruneEntries(ctx)
}

func (s *Store) insertSubscriptions(ctx context.Context, userID int64, domainIDs []int64) error {
	if len(domainIDs) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(domainIDs))
	records := make([]SubscriptionRecord, 0, len(domainIDs))
	for _, domainID := range domainIDs {
		if _, ok := seen[domainID]; ok {
			continue
		}
		seen[domainID] = struct{}{}
		records = append(records, SubscriptionRecord{UserID: userID, DomainID: domainID})
	}
	return s.conn(ctx).Create(&records).Error
}

func (s *Store) InsertEntry(ctx context.Context, draft notify.EntryDraft) (int64, error) {
	entry := EntryRecord{
		PostID:           draft.PostID,
		DomainID:         draft.DomainID,
		Message:          draft.Message,
		UpdatedAtSeconds: toSeconds(draft.Updated),
	}
	if err := s.conn(ctx).Create(&entry).Error; err != nil {
		return 0, err
	}
	if len(draft.Tags) == 0 {
		return entry.ID, nil
	}
	tags := make([]EntryTagRecord, 0, len(draft.Tags))
	for _, tag := range draft.Tags {
		tags = append(tags, EntryTagRecord{EntryID: entry.ID, Name: tag})
	}
	if err := s.conn(ctx).Create(&tags).Error; err != nil {
		return 0, err
	}
	return entry.ID, nil
}

// InsertPending writes the pending row inside a savepoint so a failed insert leaves the caller's
// transaction intact.
func (s *Store) InsertPending(ctx context.Context, draft notify.PendingDraft) (int64, error) {
	record := PendingRecord{
		EntryID:            draft.EntryID,
		UserID:             draft.UserID,
		ScheduledAtSeconds: toSeconds(draft.ScheduledAt),
		Options:            draft.Options,
	}
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&record).Error
	})
	if err != nil {
		return 0, err
	}
	return record.ID, nil
}

// DiscardPending deletes still-pending rows. Completed rows are history and stay untouched.
func (s *Store) DiscardPending(ctx context.Context, pendingIDs []int64) error {
	if len(pendingIDs) == 0 {
		return nil
	}
	return s.conn(ctx).
		Where("id IN ? AND completed_at_s IS NULL", pendingIDs).
		Delete(&PendingRecord{}).Error
}

func (s *Store) CompletePending(ctx context.Context, pendingID int64, completedAt time.Time) error {
	return s.conn(ctx).Model(&PendingRecord{}).
		Where("id = ? AND completed_at_s IS NULL", pendingID).
		Update("completed_at_s", toSeconds(completedAt)).Error
}

// PruneEntries removes entries and tags that no pending row references anymore.
func (s *Store) PruneEntries(ctx context.Context) error {
	if err := s.conn(ctx).Exec("DELETE FROM ns_entry_tags WHERE entry_id NOT IN (SELECT entry_id FROM ns_entry_pending)").Error; err != nil {
		return err
	}
	return s.conn(ctx).Exec("DELETE FROM ns_entries WHERE id NOT IN (SELECT entry_id FROM ns_entry_pending)").Error
}

// PurgeEntries deletes pending rows matching the filters and prunes what they leave behind.
func (s *Store) PurgeEntries(ctx context.Context, userID *int64, completedOnly bool) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if userID != nil {
			query = query.Where("user_id = ?", *userID)
		}
		if completedOnly {
			query = query.Where("completed_at_s IS NOT NULL")
		}
		if err := query.Delete(&PendingRecord{}).Error; err != nil {
			return err
		}
		return (&Store{db: tx}).PruneEntries(ctx)
	})
}

func (r DomainRecord) domain() notify.Domain {
	return notify.Domain{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Options:     r.Options,
	}
}

func (r UserRecord) registration() notify.Registration {
	return notify.Registration{
		UserID:  r.ID,
		Backend: r.Delivery,
		Options: r.Options,
	}
}

func toSeconds(value time.Time) int64 {
	return value.UTC().Unix()
}

func fromSeconds(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}
