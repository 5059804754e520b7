package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/crmdesk/calsync/internal/auth/token"
	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/crmdesk/calsync/internal/jobs"
	"github.com/crmdesk/calsync/internal/provider"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// ListIntegrationsHandler returns the account's integrations, optionally
// narrowed to one user with ?user_id=.
// GET /api/v1/accounts/{accountID}/integrations
func ListIntegrationsHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := accountID(r)
		if account == 0 {
			writeError(w, http.StatusBadRequest, "invalid account id")
			return
		}

		query := database.Where("account_id = ?", account)
		if userID := r.URL.Query().Get("user_id"); userID != "" {
			query = query.Where("user_id = ?", userID)
		}

		var integrations []models.Integration
		if err := query.Order("created_at").Find(&integrations).Error; err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load integrations")
			return
		}

		out := make([]integrationJSON, 0, len(integrations))
		for i := range integrations {
			out = append(out, integrationToJSON(&integrations[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"integrations": out,
			"count":        len(out),
		})
	}
}

// GetIntegrationHandler returns one integration.
// GET /api/v1/accounts/{accountID}/integrations/{id}
func GetIntegrationHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		integration, ok := loadIntegration(database, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, integrationToJSON(integration))
	}
}

// UpdateIntegrationHandler changes the selected calendar or sync settings.
// PUT /api/v1/accounts/{accountID}/integrations/{id}
func UpdateIntegrationHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		integration, ok := loadIntegration(database, w, r)
		if !ok {
			return
		}

		var body struct {
			CalendarID   *string `json:"calendar_id"`
			SyncSettings *string `json:"sync_settings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		updates := map[string]any{}
		if body.CalendarID != nil {
			updates["calendar_id"] = *body.CalendarID
		}
		if body.SyncSettings != nil {
			updates["sync_settings"] = *body.SyncSettings
		}
		if len(updates) > 0 {
			if err := database.Model(integration).Updates(updates).Error; err != nil {
				writeError(w, http.StatusInternalServerError, "failed to update integration")
				return
			}
		}
		writeJSON(w, http.StatusOK, integrationToJSON(integration))
	}
}

// DeleteIntegrationHandler disconnects a provider. The webhook is stopped
// best-effort first so the provider quits notifying a dead endpoint; synced
// events are detached back to local-only rather than destroyed.
// DELETE /api/v1/accounts/{accountID}/integrations/{id}
func DeleteIntegrationHandler(database *gorm.DB, registry *provider.Registry, tokens *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		integration, ok := loadIntegration(database, w, r)
		if !ok {
			return
		}

		if integration.HasWebhook() {
			stopWebhook(r, registry, tokens, integration)
		}

		err := database.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&models.Event{}).
				Where("calendar_integration_id = ?", integration.ID).
				Updates(map[string]any{
					"calendar_integration_id": nil,
					"external_id":             nil,
					"sync_status":             models.EventSyncLocal,
					"synced_at":               nil,
				}).Error; err != nil {
				return err
			}
			return tx.Delete(integration).Error
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete integration")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// SyncNowHandler queues an immediate full pass for one integration.
// POST /api/v1/accounts/{accountID}/integrations/{id}/sync
func SyncNowHandler(database *gorm.DB, queue *jobs.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		integration, ok := loadIntegration(database, w, r)
		if !ok {
			return
		}
		if !integration.Connected() {
			writeError(w, http.StatusConflict, "integration is not connected")
			return
		}
		queue.EnqueueFullSyncNow(integration.ID)
		writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
	}
}

// ListRemoteCalendarsHandler enumerates the provider-side calendars the user
// may select for sync.
// GET /api/v1/accounts/{accountID}/integrations/{id}/calendars
func ListRemoteCalendarsHandler(database *gorm.DB, registry *provider.Registry, tokens *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		integration, ok := loadIntegration(database, w, r)
		if !ok {
			return
		}

		adapter, err := registry.Get(integration.Provider)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "unknown provider")
			return
		}
		accessToken, err := tokens.EnsureFresh(r.Context(), integration)
		if err != nil {
			writeError(w, http.StatusBadGateway, "could not refresh provider credentials")
			return
		}
		calendars, err := adapter.ListCalendars(r.Context(), accessToken)
		if err != nil {
			writeError(w, http.StatusBadGateway, "provider calendar listing failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calendars": calendars})
	}
}

func loadIntegration(database *gorm.DB, w http.ResponseWriter, r *http.Request) (*models.Integration, bool) {
	account := accountID(r)
	if account == 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return nil, false
	}

	var integration models.Integration
	err := database.Where("id = ? AND account_id = ?", chi.URLParam(r, "id"), account).
		First(&integration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "integration not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load integration")
		}
		return nil, false
	}
	return &integration, true
}

func stopWebhook(r *http.Request, registry *provider.Registry, tokens *token.Manager, integration *models.Integration) {
	adapter, err := registry.Get(integration.Provider)
	if err != nil {
		return
	}
	accessToken, err := tokens.EnsureFresh(r.Context(), integration)
	if err != nil {
		log.Printf("[integrations] cannot refresh token to stop webhook for %s: %v", integration.ID, err)
		return
	}
	if err := adapter.StopWebhook(r.Context(), accessToken, integration.WebhookChannelID, integration.WebhookResourceID); err != nil {
		log.Printf("[integrations] failed to stop webhook for %s: %v", integration.ID, err)
	}
}
