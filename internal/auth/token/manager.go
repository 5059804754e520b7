// Package token owns the credential lifecycle for calendar integrations:
// cheap freshness checks before every adapter call, refresh exchanges when
// the expiry margin is hit, and persistence of rotated credentials.
package token

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/crmdesk/calsync/internal/provider"
	"github.com/crmdesk/calsync/internal/secrets"
	"gorm.io/gorm"
)

// RefreshMargin is the safety window before expiry at which a refresh is
// performed.
const RefreshMargin = 5 * time.Minute

// Manager hands out fresh access tokens for integrations. Refresh is
// serialized per integration so two concurrent callers cannot run two
// simultaneous exchanges and invalidate each other's result.
type Manager struct {
	db       *gorm.DB
	cipher   secrets.Cipher
	registry *provider.Registry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(db *gorm.DB, cipher secrets.Cipher, registry *provider.Registry) *Manager {
	return &Manager{
		db:       db,
		cipher:   cipher,
		registry: registry,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(integrationID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[integrationID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[integrationID] = lock
	}
	return lock
}

// EnsureFresh returns a usable access token for the integration, refreshing
// it first when expiry is past or inside the margin. A failed refresh is
// fatal for the caller's sync pass: permanent failures also flip the
// integration to error immediately. On success the passed integration is
// updated in place with the persisted credential state.
func (m *Manager) EnsureFresh(ctx context.Context, integration *models.Integration) (string, error) {
	if !integration.Connected() {
		return "", fmt.Errorf("integration %s is not connected", integration.ID)
	}

	if !integration.TokenExpiringSoon(RefreshMargin) {
		return m.cipher.Decrypt(integration.AccessToken)
	}

	lock := m.lockFor(integration.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	var current models.Integration
	if err := m.db.First(&current, "id = ?", integration.ID).Error; err != nil {
		return "", fmt.Errorf("load integration %s: %w", integration.ID, err)
	}
	if !current.TokenExpiringSoon(RefreshMargin) {
		*integration = current
		return m.cipher.Decrypt(current.AccessToken)
	}

	token, err := m.refresh(ctx, &current)
	if err != nil {
		return "", err
	}
	*integration = current
	return token, nil
}

func (m *Manager) refresh(ctx context.Context, integration *models.Integration) (string, error) {
	adapter, err := m.registry.Get(integration.Provider)
	if err != nil {
		return "", err
	}

	refreshToken, err := m.cipher.Decrypt(integration.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token for %s: %w", integration.ID, err)
	}

	cred, err := adapter.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		log.Printf("[token] refresh failed for integration %s (%s): %v", integration.ID, integration.Provider, err)
		if IsPermanentRefreshError(err) {
			// Revoked grant: the user must re-authorize, surface via status.
			m.db.Model(integration).Updates(map[string]any{
				"sync_status": models.SyncStatusError,
				"sync_error":  "authorization revoked, please reconnect",
			})
		}
		return "", fmt.Errorf("token refresh for integration %s: %w", integration.ID, err)
	}

	encryptedAccess, err := m.cipher.Encrypt(cred.AccessToken)
	if err != nil {
		return "", err
	}
	updates := map[string]any{
		"access_token":     encryptedAccess,
		"token_expires_at": cred.ExpiresAt,
	}
	if cred.RefreshToken != "" {
		encryptedRefresh, err := m.cipher.Encrypt(cred.RefreshToken)
		if err != nil {
			return "", err
		}
		updates["refresh_token"] = encryptedRefresh
		log.Printf("[token] rotating refresh token for integration %s", integration.ID)
	}
	if err := m.db.Model(integration).Updates(updates).Error; err != nil {
		return "", fmt.Errorf("persist refreshed token for %s: %w", integration.ID, err)
	}

	integration.AccessToken = encryptedAccess
	integration.TokenExpiresAt = cred.ExpiresAt
	if v, ok := updates["refresh_token"].(string); ok {
		integration.RefreshToken = v
	}

	log.Printf("[token] refreshed integration %s (expires %s)", integration.ID, cred.ExpiresAt.Format(time.RFC3339))
	return cred.AccessToken, nil
}

// IsPermanentRefreshError reports whether a refresh failure means the grant
// is gone for good (vs. a transient provider hiccup worth retrying).
func IsPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
