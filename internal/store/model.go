package store

// DomainRecord persists a notification domain.
type DomainRecord struct {
	ID          int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Name        string  `gorm:"column:name;size:190;not null;uniqueIndex:idx_ns_domains_name"`
	Description *string `gorm:"column:description;type:text"`
	Options     int64   `gorm:"column:options;not null;default:0"`
}

func (DomainRecord) TableName() string {
	return "ns_domains"
}

// UserRecord persists a registration: one row per user with exactly one backend.
type UserRecord struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Delivery string `gorm:"column:delivery;size:190;not null"`
	Options  int64  `gorm:"column:options;not null;default:0"`
}

func (UserRecord) TableName() string {
	return "ns_users"
}

// SubscriptionRecord links a user to a domain.
type SubscriptionRecord struct {
	UserID   int64 `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	DomainID int64 `gorm:"column:domain_id;primaryKey;autoIncrement:false;index:idx_ns_user_domains_domain"`
}

func (SubscriptionRecord) TableName() string {
	return "ns_user_domains"
}

// EntryRecord persists one posted notification. A post writes at most one entry shared by every
// pending row it creates.
type EntryRecord struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	PostID           string `gorm:"column:post_id;size:64;not null;index:idx_ns_entries_post"`
	DomainID         int64  `gorm:"column:domain_id;not null;index:idx_ns_entries_domain"`
	Message          string `gorm:"column:message;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (EntryRecord) TableName() string {
	return "ns_entries"
}

// EntryTagRecord stores one tag of an entry. Row ids preserve tag order.
type EntryTagRecord struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	EntryID int64  `gorm:"column:entry_id;not null;index:idx_ns_entry_tags_entry"`
	Name    string `gorm:"column:name;size:190;not null;index:idx_ns_entry_tags_name"`
}

func (EntryTagRecord) TableName() string {
	return "ns_entry_tags"
}

// PendingRecord queues an entry for a user. CompletedAtSeconds stays NULL while pending.
type PendingRecord struct {
	ID                 int64  `gorm:"column:id;primaryKey;autoIncrement"`
	EntryID            int64  `gorm:"column:entry_id;not null;index:idx_ns_entry_pending_entry"`
	UserID             int64  `gorm:"column:user_id;not null;index:idx_ns_entry_pending_user"`
	ScheduledAtSeconds int64  `gorm:"column:scheduled_at_s;not null;index:idx_ns_entry_pending_due"`
	Options            int64  `gorm:"column:options;not null;default:0"`
	CompletedAtSeconds *int64 `gorm:"column:completed_at_s"`
}

func (PendingRecord) TableName() string {
	return "ns_entry_pending"
}

// Models lists every table managed by the store, in creation order.
func Models() []any {
	return []any{
		&DomainRecord{},
		&UserRecord{},
		&SubscriptionRecord{},
		&EntryRecord{},
		&EntryTagRecord{},
		&PendingRecord{},
	}
}
