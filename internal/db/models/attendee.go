package models

import "time"

// Attendee response statuses.
const (
	ResponsePending   = "pending"
	ResponseAccepted  = "accepted"
	ResponseDeclined  = "declined"
	ResponseTentative = "tentative"
)

// Attendee belongs to exactly one Event, identified by email within it. The
// contact/user references are weak lookups by matching email, never owning
// relations.
type Attendee struct {
	ID              string `gorm:"primaryKey"` // UUID
	CalendarEventID string `gorm:"not null;index;uniqueIndex:idx_attendees_event_email"`
	Email           string `gorm:"not null;uniqueIndex:idx_attendees_event_email"`

	Name           string
	ResponseStatus string `gorm:"default:pending"`
	IsOrganizer    bool   `gorm:"default:false"`
	IsOptional     bool   `gorm:"default:false"`

	ContactID *uint `gorm:"index"`
	UserID    *uint

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Attendee) TableName() string {
	return "calendar_event_attendees"
}

func (a *Attendee) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Email
}
