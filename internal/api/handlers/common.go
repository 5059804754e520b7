package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// accountID parses the {accountID} route param. Zero means invalid.
func accountID(r *http.Request) uint {
	id, err := strconv.ParseUint(chi.URLParam(r, "accountID"), 10, 32)
	if err != nil {
		return 0
	}
	return uint(id)
}

// integrationJSON is the API shape of an Integration. Credentials never leave
// the server, encrypted or not.
type integrationJSON struct {
	ID               string     `json:"id"`
	Provider         string     `json:"provider"`
	ProviderEmail    string     `json:"provider_email"`
	CalendarID       string     `json:"calendar_id"`
	UserID           uint       `json:"user_id"`
	Connected        bool       `json:"connected"`
	SyncStatus       string     `json:"sync_status"`
	SyncError        string     `json:"sync_error,omitempty"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	WebhookActive    bool       `json:"webhook_active"`
	WebhookExpiresAt *time.Time `json:"webhook_expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func integrationToJSON(i *models.Integration) integrationJSON {
	return integrationJSON{
		ID:               i.ID,
		Provider:         i.Provider,
		ProviderEmail:    i.ProviderEmail,
		CalendarID:       i.CalendarID,
		UserID:           i.UserID,
		Connected:        i.Connected(),
		SyncStatus:       i.SyncStatus,
		SyncError:        i.SyncError,
		LastSyncedAt:     i.LastSyncedAt,
		WebhookActive:    i.HasWebhook(),
		WebhookExpiresAt: i.WebhookExpiresAt,
		CreatedAt:        i.CreatedAt,
	}
}
