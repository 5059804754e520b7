package models

import "time"

// Event statuses (provider-visible lifecycle).
const (
	EventStatusConfirmed = "confirmed"
	EventStatusTentative = "tentative"
	EventStatusCancelled = "cancelled"
)

// Event sync statuses (reconciliation lifecycle).
const (
	EventSyncLocal       = "local"        // never pushed
	EventSyncSynced      = "synced"       // matches remote as of SyncedAt
	EventSyncPendingSync = "pending_sync" // local edit awaiting push
	EventSyncConflict    = "conflict"
)

// Event types carried over from the CRM surface.
const (
	EventTypeMeeting  = "meeting"
	EventTypeCall     = "call"
	EventTypeTask     = "task"
	EventTypeReminder = "reminder"
	EventTypeFollowUp = "follow_up"
	EventTypeOther    = "other"
)

// Event is one calendar occurrence owned by an account and organizing user,
// optionally bound to an Integration. The (external_id, integration_id) pair
// is unique at the storage layer so a pull phase and a racing push can never
// materialize the same remote event twice.
type Event struct {
	ID        string `gorm:"primaryKey"` // UUID
	AccountID uint   `gorm:"not null;index:idx_events_account_starts"`
	UserID    uint   `gorm:"not null;index"`

	IntegrationID *string `gorm:"column:calendar_integration_id;index;uniqueIndex:idx_events_external_unique"`
	ExternalID    *string `gorm:"uniqueIndex:idx_events_external_unique"`

	Title       string `gorm:"not null"`
	Description string
	StartsAt    time.Time `gorm:"not null;index:idx_events_account_starts"`
	EndsAt      time.Time `gorm:"not null"`
	AllDay      bool      `gorm:"default:false"`
	Location    string
	MeetingURL  string

	EventType  string `gorm:"default:meeting"`
	Status     string `gorm:"default:confirmed"`
	Visibility string `gorm:"default:default"`

	SyncStatus string `gorm:"default:local"`
	SyncedAt   *time.Time

	Metadata  string // JSON blob of provider extras (html link, organizer, ...)
	Reminders string // JSON array of reminder specs

	Attendees []Attendee  `gorm:"foreignKey:CalendarEventID;constraint:OnDelete:CASCADE"`
	Links     []EventLink `gorm:"foreignKey:CalendarEventID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Event) TableName() string {
	return "calendar_events"
}

func (e *Event) Cancelled() bool {
	return e.Status == EventStatusCancelled
}

// Synced reports whether the event mirrors a remote counterpart.
func (e *Event) Synced() bool {
	return e.SyncStatus == EventSyncSynced && e.ExternalID != nil && *e.ExternalID != ""
}

func (e *Event) DurationMinutes() int {
	return int(e.EndsAt.Sub(e.StartsAt) / time.Minute)
}
