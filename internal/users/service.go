package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrInvalidContact indicates a contact without a usable user id or e-mail address.
	ErrInvalidContact = errors.New("users: invalid contact")
	// ErrContactNotFound indicates that no contact is stored for the user.
	ErrContactNotFound = errors.New("users: contact not found")
)

// ServiceConfig describes the dependencies required for the contact directory. Reader serves
// Address lookups and defaults to Database; give it a separate pool when Address is called while
// a transaction holds Database's connections.
type ServiceConfig struct {
	Database *gorm.DB
	Reader   *gorm.DB
	Clock    func() time.Time
}

// Service is the contact directory. Address lookups are cached and satisfy the e-mail backend's
// address book.
type Service struct {
	db     *gorm.DB
	reader *gorm.DB
	now    func() time.Time
	cache  sync.Map
}

// NewService constructs the contact directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	reader := cfg.Reader
	if reader == nil {
		reader = cfg.Database
	}
	return &Service{
		db:     cfg.Database,
		reader: reader,
		now:    clock,
		cache:  sync.Map{},
	}, nil
}

// SetContact creates the contact of userID or updates the fields that changed.
func (s *Service) SetContact(ctx context.Context, userID int64, email, displayName string) (Contact, error) {
	email = strings.ToLower(normalize(email))
	displayName = normalize(displayName)
	if userID <= 0 || email == "" || !strings.Contains(email, "@") {
		return Contact{}, ErrInvalidContact
	}

	var contact Contact
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&contact).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		contact = Contact{
			UserID:      userID,
			Email:       email,
			DisplayName: displayName,
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&contact).Error; err != nil {
			return Contact{}, err
		}
	} else if err != nil {
		return Contact{}, err
	} else {
		updates := map[string]interface{}{}
		if email != contact.Email {
			updates["email"] = email
			contact.Email = email
		}
		if displayName != "" && displayName != contact.DisplayName {
			updates["display_name"] = displayName
			contact.DisplayName = displayName
		}
		contact.LastSeenAt = s.now().UTC()
		updates["last_seen_at"] = contact.LastSeenAt
		if err := s.db.WithContext(ctx).Model(&Contact{}).
			Where("user_id = ?", userID).
			Updates(updates).
			Error; err != nil {
			return Contact{}, err
		}
	}

	s.cache.Store(userID, contact.Email)
	return contact, nil
}

// Contact loads the stored contact of userID.
func (s *Service) Contact(ctx context.Context, userID int64) (Contact, error) {
	return findContact(ctx, s.db, userID)
}

func findContact(ctx context.Context, db *gorm.DB, userID int64) (Contact, error) {
	var contact Contact
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Contact{}, ErrContactNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	return contact, nil
}

// RemoveContact deletes the contact of userID. Removing an unknown contact is not an error.
func (s *Service) RemoveContact(ctx context.Context, userID int64) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Contact{}).Error; err != nil {
		return err
	}
	s.cache.Delete(userID)
	return nil
}

// Address returns the e-mail address of userID. Lookup failures are reported as unknown.
func (s *Service) Address(ctx context.Context, userID int64) (string, bool) {
	if cached, ok := s.cache.Load(userID); ok {
		if address, ok := cached.(string); ok {
			return address, true
		}
	}
	contact, err := findContact(ctx, s.reader, userID)
	if err != nil {
		return "", false
	}
	s.cache.Store(userID, contact.Email)
	return contact.Email, true
}
