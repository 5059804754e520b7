package models

import "time"

// Calendar providers supported by the sync engine.
const (
	ProviderGoogle   = "google"
	ProviderOutlook  = "outlook"
	ProviderCalendly = "calendly"
)

// Integration sync statuses.
const (
	SyncStatusPending = "pending"
	SyncStatusSyncing = "syncing"
	SyncStatusSynced  = "synced"
	SyncStatusError   = "error"
)

// Integration is one OAuth connection between an (account, user) pair and an
// external calendar provider. Tokens are stored encrypted; decryption goes
// through the injected secrets.Cipher, never directly off the row.
type Integration struct {
	ID        string `gorm:"primaryKey"` // UUID
	AccountID uint   `gorm:"not null;index;uniqueIndex:idx_integrations_owner_provider"`
	UserID    uint   `gorm:"not null;index;uniqueIndex:idx_integrations_owner_provider"`
	Provider  string `gorm:"not null;uniqueIndex:idx_integrations_owner_provider"`

	ProviderUserID string
	ProviderEmail  string
	CalendarID     string // remote calendar identifier, e.g. "primary"

	AccessToken    string // encrypted
	RefreshToken   string // encrypted
	TokenExpiresAt time.Time

	WebhookChannelID  string `gorm:"index"`
	WebhookResourceID string
	WebhookExpiresAt  *time.Time

	SyncStatus   string `gorm:"default:pending"`
	SyncError    string
	SyncSettings string // JSON blob of per-integration options
	LastSyncedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Integration) TableName() string {
	return "calendar_integrations"
}

// Connected reports whether the integration holds both credentials and is
// therefore eligible for sync passes.
func (i *Integration) Connected() bool {
	return i.AccessToken != "" && i.RefreshToken != ""
}

// TokenExpiringSoon reports whether the access token is past or within the
// 5-minute refresh margin.
func (i *Integration) TokenExpiringSoon(margin time.Duration) bool {
	return !i.TokenExpiresAt.IsZero() && i.TokenExpiresAt.Before(time.Now().Add(margin))
}

// HasWebhook reports whether a provider push channel is registered.
func (i *Integration) HasWebhook() bool {
	return i.WebhookChannelID != ""
}
