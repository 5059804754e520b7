package models

import "time"

// Contact is the minimal CRM contact surface the sync engine needs: the
// target of attendee weak references, matched by email within an account.
type Contact struct {
	ID        uint   `gorm:"primaryKey"`
	AccountID uint   `gorm:"not null;index:idx_contacts_account_email"`
	Email     string `gorm:"index:idx_contacts_account_email"`
	Name      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Contact) TableName() string {
	return "contacts"
}
