// Package delivery provides the concrete notification backends.
package delivery

import (
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
)

// Payload is the wire representation of a notification published to external systems.
type Payload struct {
	EntryID  int64     `json:"entry_id,omitempty"`
	PostID   string    `json:"post_id,omitempty"`
	DomainID int64     `json:"domain_id"`
	Domain   string    `json:"domain"`
	Message  string    `json:"message"`
	Tags     []string  `json:"tags,omitempty"`
	UserID   int64     `json:"user_id"`
	Updated  time.Time `json:"updated"`
}

func NewPayload(notification notify.Notification) Payload {
	return Payload{
		EntryID:  notification.ID,
		PostID:   notification.PostID,
		DomainID: notification.Domain.ID,
		Domain:   notification.Domain.Name,
		Message:  notification.Message,
		Tags:     notification.Tags,
		UserID:   notification.UserID,
		Updated:  notification.Updated.UTC(),
	}
}
