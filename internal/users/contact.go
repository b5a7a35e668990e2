package users

import (
	"strings"
	"time"
)

// Contact stores how a courier user can be reached outside the service.
type Contact struct {
	UserID      int64     `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	Email       string    `gorm:"column:email;size:320;not null" json:"email"`
	DisplayName string    `gorm:"column:display_name;size:320" json:"display_name,omitempty"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at" json:"last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"-"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName exposes the table backing user contacts.
func (Contact) TableName() string {
	return "ns_user_contacts"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
