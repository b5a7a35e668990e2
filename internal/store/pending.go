package store

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
)

const pendingSelect = "p.id AS pending_id, p.entry_id AS entry_id, e.post_id AS post_id, " +
	"p.user_id AS user_id, COALESCE(u.options, 0) AS user_options, " +
	"d.id AS domain_id, d.name AS domain_name, d.description AS domain_description, d.options AS domain_options, " +
	"e.message AS message, e.updated_at_s AS updated_at_s, " +
	"p.scheduled_at_s AS scheduled_at_s, p.options AS pending_options, p.completed_at_s AS completed_at_s, " +
	"t.name AS tag_name"

// pendingRow is one pending row joined with its entry, domain, owner and a single tag.
type pendingRow struct {
	PendingID          int64   `gorm:"column:pending_id"`
	EntryID            int64   `gorm:"column:entry_id"`
	PostID             string  `gorm:"column:post_id"`
	UserID             int64   `gorm:"column:user_id"`
	UserOptions        int64   `gorm:"column:user_options"`
	DomainID           int64   `gorm:"column:domain_id"`
	DomainName         string  `gorm:"column:domain_name"`
	DomainDescription  *string `gorm:"column:domain_description"`
	DomainOptions      int64   `gorm:"column:domain_options"`
	Message            string  `gorm:"column:message"`
	UpdatedAtSeconds   int64   `gorm:"column:updated_at_s"`
	ScheduledAtSeconds int64   `gorm:"column:scheduled_at_s"`
	PendingOptions     int64   `gorm:"column:pending_options"`
	CompletedAtSeconds *int64  `gorm:"column:completed_at_s"`
	TagName            *string `gorm:"column:tag_name"`
}

// FindConflicts returns the still-pending entries of userID sharing at least one of tags. Only
// the matching tags are loaded, so each entry carries the intersection.
func (s *Store) FindConflicts(ctx context.Context, userID int64, tags []string) ([]notify.PendingEntry, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	var rows []pendingRow
	if err := s.conn(ctx).Table("ns_entry_pending AS p").
		Select(pendingSelect).
		Joins("JOIN ns_entries AS e ON e.id = p.entry_id").
		Joins("JOIN ns_domains AS d ON d.id = e.domain_id").
		Joins("JOIN ns_entry_tags AS t ON t.entry_id = e.id").
		Joins("LEFT JOIN ns_users AS u ON u.id = p.user_id").
		Where("p.user_id = ? AND p.completed_at_s IS NULL AND t.name IN ?", userID, tags).
		Order("p.id ASC, t.id ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return collectPending(rows), nil
}

// ListDuePending returns every still-pending row scheduled at or before now with its full tags.
func (s *Store) ListDuePending(ctx context.Context, now time.Time) ([]notify.PendingEntry, error) {
	var rows []pendingRow
	if err := s.conn(ctx).Table("ns_entry_pending AS p").
		Select(pendingSelect).
		Joins("JOIN ns_entries AS e ON e.id = p.entry_id").
		Joins("JOIN ns_domains AS d ON d.id = e.domain_id").
		Joins("LEFT JOIN ns_entry_tags AS t ON t.entry_id = e.id").
		Joins("LEFT JOIN ns_users AS u ON u.id = p.user_id").
		Where("p.completed_at_s IS NULL AND p.scheduled_at_s <= ?", toSeconds(now)).
		Order("p.id ASC, t.id ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return collectPending(rows), nil
}

// ListPending returns the pending rows of one user, completed ones included, with full tags.
func (s *Store) ListPending(ctx context.Context, userID int64) ([]notify.PendingEntry, error) {
	var rows []pendingRow
	if err := s.conn(ctx).Table("ns_entry_pending AS p").
		Select(pendingSelect).
		Joins("JOIN ns_entries AS e ON e.id = p.entry_id").
		Joins("JOIN ns_domains AS d ON d.id = e.domain_id").
		Joins("LEFT JOIN ns_entry_tags AS t ON t.entry_id = e.id").
		Joins("LEFT JOIN ns_users AS u ON u.id = p.user_id").
		Where("p.user_id = ?", userID).
		Order("p.id ASC, t.id ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return collectPending(rows), nil
}

func collectPending(rows []pendingRow) []notify.PendingEntry {
	entries := make([]notify.PendingEntry, 0, len(rows))
	positions := make(map[int64]int, len(rows))
	for _, row := range rows {
		position, ok := positions[row.PendingID]
		if !ok {
			entries = append(entries, row.entry())
			position = len(entries) - 1
			positions[row.PendingID] = position
		}
		if row.TagName != nil {
			entries[position].Tags = append(entries[position].Tags, *row.TagName)
		}
	}
	return entries
}

func (r pendingRow) entry() notify.PendingEntry {
	entry := notify.PendingEntry{
		Notification: notify.Notification{
			ID:        r.EntryID,
			PendingID: r.PendingID,
			PostID:    r.PostID,
			Domain: notify.Domain{
				ID:          r.DomainID,
				Name:        r.DomainName,
				Description: r.DomainDescription,
				Options:     r.DomainOptions,
			},
			Message:     r.Message,
			UserID:      r.UserID,
			UserOptions: r.UserOptions,
			Updated:     fromSeconds(r.UpdatedAtSeconds),
		},
		ScheduledAt:     fromSeconds(r.ScheduledAtSeconds),
		DeliveryOptions: r.PendingOptions,
	}
	if r.CompletedAtSeconds != nil {
		completedAt := fromSeconds(*r.CompletedAtSeconds)
		entry.CompletedAt = &completedAt
	}
	return entry
}
