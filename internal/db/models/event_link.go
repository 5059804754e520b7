package models

import "time"

// Linkable entity kinds an event may be attached to.
const (
	LinkableOpportunity  = "Opportunity"
	LinkableContact      = "Contact"
	LinkableCompany      = "Company"
	LinkableConversation = "Conversation"
)

// EventLink joins an Event to one other domain entity. Pure join row, unique
// per (event, kind, id).
type EventLink struct {
	ID              string `gorm:"primaryKey"` // UUID
	CalendarEventID string `gorm:"not null;index;uniqueIndex:idx_event_links_unique"`
	LinkableType    string `gorm:"not null;uniqueIndex:idx_event_links_unique;index:idx_event_links_linkable"`
	LinkableID      uint   `gorm:"not null;uniqueIndex:idx_event_links_unique;index:idx_event_links_linkable"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (EventLink) TableName() string {
	return "calendar_event_links"
}

// ValidLinkableType reports whether kind is one of the supported entity kinds.
func ValidLinkableType(kind string) bool {
	switch kind {
	case LinkableOpportunity, LinkableContact, LinkableCompany, LinkableConversation:
		return true
	}
	return false
}
