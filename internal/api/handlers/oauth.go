package handlers

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crmdesk/calsync/internal/auth/state"
	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/crmdesk/calsync/internal/jobs"
	"github.com/crmdesk/calsync/internal/provider"
	"github.com/crmdesk/calsync/internal/secrets"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RedirectURI builds the OAuth callback URL registered with each provider.
func RedirectURI(baseURL, providerName string) string {
	return baseURL + "/calendar/oauth/" + providerName + "/callback"
}

// AuthURLHandler returns the provider consent URL for a (account, user) pair.
// GET /api/v1/accounts/{accountID}/integrations/auth_url?provider=google&user_id=1
func AuthURLHandler(registry *provider.Registry, baseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := accountID(r)
		if account == 0 {
			writeError(w, http.StatusBadRequest, "invalid account id")
			return
		}
		userID, err := strconv.ParseUint(r.URL.Query().Get("user_id"), 10, 32)
		if err != nil || userID == 0 {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		providerName := r.URL.Query().Get("provider")
		adapter, err := registry.Get(providerName)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown provider")
			return
		}

		authURL, err := adapter.AuthorizationURL(RedirectURI(baseURL, providerName), state.Encode(account, uint(userID)))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to build authorization URL")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"provider": providerName,
			"auth_url": authURL,
		})
	}
}

// CallbackHandler completes the OAuth flow: decode state, exchange the code,
// fetch provider identity, upsert the integration, best-effort register a
// webhook and queue the first full sync. Every failure path redirects back to
// the frontend with an error message rather than rendering a 5xx.
// GET /calendar/oauth/{provider}/callback
func CallbackHandler(database *gorm.DB, cipher secrets.Cipher, registry *provider.Registry, queue *jobs.Queue, baseURL, frontendURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName := chi.URLParam(r, "provider")

		redirectError := func(message string) {
			http.Redirect(w, r, frontendURL+"/settings/calendar?error="+url.QueryEscape(message), http.StatusFound)
		}

		adapter, err := registry.Get(providerName)
		if err != nil {
			redirectError("unknown provider")
			return
		}

		if providerErr := r.URL.Query().Get("error"); providerErr != "" {
			log.Printf("[oauth] %s consent denied: %s", providerName, providerErr)
			redirectError("authorization was denied")
			return
		}

		payload, err := state.Decode(r.URL.Query().Get("state"))
		if err != nil {
			log.Printf("[oauth] invalid state on %s callback: %v", providerName, err)
			redirectError("invalid state")
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			redirectError("missing authorization code")
			return
		}

		ctx := r.Context()
		cred, err := adapter.ExchangeCode(ctx, code, RedirectURI(baseURL, providerName))
		if err != nil {
			log.Printf("[oauth] %s code exchange failed: %v", providerName, err)
			redirectError("token exchange failed")
			return
		}
		info, err := adapter.UserInfo(ctx, cred.AccessToken)
		if err != nil {
			log.Printf("[oauth] %s userinfo failed: %v", providerName, err)
			redirectError("could not load provider account")
			return
		}

		integration, err := upsertIntegration(database, cipher, payload.AccountID, payload.UserID, providerName, cred, info)
		if err != nil {
			log.Printf("[oauth] failed to persist %s integration: %v", providerName, err)
			redirectError("could not save integration")
			return
		}

		// Webhook setup is best-effort: without it the integration still
		// syncs on the scheduler, just less fresh.
		if channel, err := adapter.SetupWebhook(ctx, cred.AccessToken, integration.CalendarID, jobs.CallbackURL(baseURL, providerName)); err != nil {
			log.Printf("[oauth] webhook setup failed for integration %s: %v", integration.ID, err)
		} else {
			database.Model(integration).Updates(map[string]any{
				"webhook_channel_id":  channel.ChannelID,
				"webhook_resource_id": channel.ResourceID,
				"webhook_expires_at":  channel.ExpiresAt,
			})
		}

		queue.EnqueueFullSyncNow(integration.ID)

		http.Redirect(w, r, frontendURL+"/settings/calendar?connected="+url.QueryEscape(providerName), http.StatusFound)
	}
}

// upsertIntegration creates or refreshes the (account, user, provider) row.
// A re-connect keeps the stored refresh token when the provider omits one,
// which Google does on repeat consent.
func upsertIntegration(database *gorm.DB, cipher secrets.Cipher, account, user uint, providerName string, cred *provider.Credential, info *provider.UserInfo) (*models.Integration, error) {
	encAccess, err := cipher.Encrypt(cred.AccessToken)
	if err != nil {
		return nil, err
	}
	encRefresh := ""
	if cred.RefreshToken != "" {
		encRefresh, err = cipher.Encrypt(cred.RefreshToken)
		if err != nil {
			return nil, err
		}
	}

	// Calendly has no calendar list; its pseudo-calendar id is the user URI.
	calendarID := "primary"
	if providerName == models.ProviderCalendly {
		calendarID = info.ID
	}

	var integration models.Integration
	err = database.Where("account_id = ? AND user_id = ? AND provider = ?", account, user, providerName).
		First(&integration).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		integration = models.Integration{
			ID:             uuid.New().String(),
			AccountID:      account,
			UserID:         user,
			Provider:       providerName,
			ProviderUserID: info.ID,
			ProviderEmail:  info.Email,
			CalendarID:     calendarID,
			AccessToken:    encAccess,
			RefreshToken:   encRefresh,
			TokenExpiresAt: cred.ExpiresAt,
			SyncStatus:     models.SyncStatusPending,
		}
		if err := database.Create(&integration).Error; err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		updates := map[string]any{
			"provider_user_id": info.ID,
			"provider_email":   info.Email,
			"access_token":     encAccess,
			"token_expires_at": cred.ExpiresAt,
			"sync_status":      models.SyncStatusPending,
			"sync_error":       "",
			"updated_at":       time.Now(),
		}
		if encRefresh != "" {
			updates["refresh_token"] = encRefresh
		}
		if err := database.Model(&integration).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return &integration, nil
}
