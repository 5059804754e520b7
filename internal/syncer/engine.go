// Package syncer drives full and incremental synchronization passes: pull
// the provider window, reconcile into the local store, push local edits back,
// and keep the integration's sync status honest throughout.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/crmdesk/calsync/internal/auth/token"
	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/crmdesk/calsync/internal/provider"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// Engine reconciles local events against a provider calendar. Passes for the
// same integration are single-flighted: a concurrent trigger joins the
// running pass instead of racing it on event status fields. All sync work
// for one integration, passes and single-event pushes alike, serializes on a
// per-integration lock so two writers can never double-push the same event.
type Engine struct {
	db       *gorm.DB
	registry *provider.Registry
	tokens   *token.Manager
	group    singleflight.Group

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *gorm.DB, registry *provider.Registry, tokens *token.Manager) *Engine {
	return &Engine{db: db, registry: registry, tokens: tokens, locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) lockFor(integrationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[integrationID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[integrationID] = lock
	}
	return lock
}

// FullSync runs one pull+push pass over the fixed window.
func (e *Engine) FullSync(ctx context.Context, integrationID string) error {
	_, err, _ := e.group.Do(integrationID, func() (any, error) {
		return nil, e.runPass(ctx, integrationID)
	})
	return err
}

// IncrementalSync is the same pass, triggered by a provider push
// notification instead of a timer. The providers here expose no delta
// tokens, so "incremental" means immediate, not diff-based.
func (e *Engine) IncrementalSync(ctx context.Context, integrationID string) error {
	return e.FullSync(ctx, integrationID)
}

func (e *Engine) runPass(ctx context.Context, integrationID string) error {
	lock := e.lockFor(integrationID)
	lock.Lock()
	defer lock.Unlock()

	var integration models.Integration
	if err := e.db.First(&integration, "id = ?", integrationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[sync] integration %s no longer exists, skipping", integrationID)
			return nil
		}
		return fmt.Errorf("load integration %s: %w", integrationID, err)
	}
	if !integration.Connected() {
		return nil
	}

	e.setStatus(&integration, models.SyncStatusSyncing, "")

	if err := e.pullAndPush(ctx, &integration); err != nil {
		e.setStatus(&integration, models.SyncStatusError, err.Error())
		log.Printf("[sync] pass failed for integration %s: %v", integration.ID, err)
		return err
	}

	now := time.Now()
	e.db.Model(&integration).Updates(map[string]any{
		"sync_status":    models.SyncStatusSynced,
		"sync_error":     "",
		"last_synced_at": now,
	})
	log.Printf("[sync] integration %s synced", integration.ID)
	return nil
}

func (e *Engine) pullAndPush(ctx context.Context, integration *models.Integration) error {
	adapter, err := e.registry.Get(integration.Provider)
	if err != nil {
		return err
	}
	accessToken, err := e.tokens.EnsureFresh(ctx, integration)
	if err != nil {
		return err
	}

	remote, err := adapter.FetchEvents(ctx, accessToken, integration.CalendarID, provider.SyncWindow(time.Now()))
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}

	// Pull phase. Each remote event reconciles in its own transaction so
	// partial progress survives a mid-pass failure.
	seen := make([]string, 0, len(remote))
	for i := range remote {
		remoteEvent := &remote[i]
		seen = append(seen, remoteEvent.ExternalID)
		if err := e.db.Transaction(func(tx *gorm.DB) error {
			return e.reconcileRemote(tx, integration, remoteEvent)
		}); err != nil {
			return fmt.Errorf("reconcile remote event %s: %w", remoteEvent.ExternalID, err)
		}
	}

	if err := e.tombstoneMissing(integration, seen); err != nil {
		return fmt.Errorf("tombstone deleted events: %w", err)
	}

	// Push phase: per-event failures are isolated so one bad event cannot
	// starve the rest of the batch.
	var pending []models.Event
	if err := e.db.
		Where("account_id = ? AND user_id = ?", integration.AccountID, integration.UserID).
		Where("sync_status IN ?", []string{models.EventSyncLocal, models.EventSyncPendingSync}).
		Where("calendar_integration_id IS NULL OR calendar_integration_id = ?", integration.ID).
		Find(&pending).Error; err != nil {
		return fmt.Errorf("load pending events: %w", err)
	}

	for i := range pending {
		event := &pending[i]
		if err := e.pushEvent(ctx, adapter, accessToken, integration, event); err != nil {
			if errors.Is(err, provider.ErrUnsupported) {
				log.Printf("[sync] provider %s cannot push event %s, skipping", integration.Provider, event.ID)
				continue
			}
			// Event keeps its status and retries on the next pass.
			log.Printf("[sync] failed to push event %s: %v", event.ID, err)
		}
	}

	return nil
}

// reconcileRemote applies one canonical remote event to the local store.
func (e *Engine) reconcileRemote(tx *gorm.DB, integration *models.Integration, remote *provider.CanonicalEvent) error {
	var local models.Event
	err := tx.Where("external_id = ? AND calendar_integration_id = ?", remote.ExternalID, integration.ID).
		First(&local).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		now := time.Now()
		externalID := remote.ExternalID
		local = models.Event{
			ID:            uuid.New().String(),
			AccountID:     integration.AccountID,
			UserID:        integration.UserID,
			IntegrationID: &integration.ID,
			ExternalID:    &externalID,
			SyncStatus:    models.EventSyncSynced,
			SyncedAt:      &now,
		}
		applyRemote(&local, remote)
		if err := tx.Create(&local).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		// Local edit takes priority over a stale remote read; the push
		// phase sends it out this same pass.
		if local.SyncStatus == models.EventSyncPendingSync {
			return nil
		}
		now := time.Now()
		applyRemote(&local, remote)
		local.SyncStatus = models.EventSyncSynced
		local.SyncedAt = &now
		if err := tx.Save(&local).Error; err != nil {
			return err
		}
	}

	return e.reconcileAttendees(tx, integration.AccountID, local.ID, remote.Attendees)
}

// tombstoneMissing marks previously synced events absent from the pull as
// cancelled. Never touches local or pending_sync events: those are local
// intent, not remote deletions.
func (e *Engine) tombstoneMissing(integration *models.Integration, seen []string) error {
	query := e.db.Model(&models.Event{}).
		Where("calendar_integration_id = ?", integration.ID).
		Where("sync_status = ?", models.EventSyncSynced)
	if len(seen) > 0 {
		query = query.Where("external_id NOT IN ?", seen)
	}
	return query.Update("status", models.EventStatusCancelled).Error
}

func (e *Engine) pushEvent(ctx context.Context, adapter provider.Adapter, accessToken string, integration *models.Integration, event *models.Event) error {
	canonical, err := e.canonicalFromEvent(event)
	if err != nil {
		return err
	}

	now := time.Now()
	if event.ExternalID == nil || *event.ExternalID == "" {
		externalID, err := adapter.CreateEvent(ctx, accessToken, integration.CalendarID, canonical)
		if err != nil {
			return err
		}
		return e.db.Model(event).Updates(map[string]any{
			"external_id":             externalID,
			"calendar_integration_id": integration.ID,
			"sync_status":             models.EventSyncSynced,
			"synced_at":               now,
		}).Error
	}

	canonical.ExternalID = *event.ExternalID
	if err := adapter.UpdateEvent(ctx, accessToken, integration.CalendarID, canonical); err != nil {
		return err
	}
	return e.db.Model(event).Updates(map[string]any{
		"sync_status": models.EventSyncSynced,
		"synced_at":   now,
	}).Error
}

// PushEvent pushes a single event immediately, outside a full pass. Used by
// the immediate-priority job the API enqueues on local mutation. It waits on
// the same per-integration lock as runPass: a pass in flight could otherwise
// race it into creating the remote event twice.
func (e *Engine) PushEvent(ctx context.Context, eventID string) error {
	var event models.Event
	if err := e.db.First(&event, "id = ?", eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if event.IntegrationID == nil {
		return nil
	}

	lock := e.lockFor(*event.IntegrationID)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the lock; the pass that held it may have pushed this
	// event already.
	if err := e.db.First(&event, "id = ?", eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if event.IntegrationID == nil {
		return nil
	}
	if event.SyncStatus != models.EventSyncLocal && event.SyncStatus != models.EventSyncPendingSync {
		return nil
	}

	var integration models.Integration
	if err := e.db.First(&integration, "id = ?", *event.IntegrationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	adapter, err := e.registry.Get(integration.Provider)
	if err != nil {
		return err
	}
	accessToken, err := e.tokens.EnsureFresh(ctx, &integration)
	if err != nil {
		return err
	}
	if err := e.pushEvent(ctx, adapter, accessToken, &integration, &event); err != nil {
		if errors.Is(err, provider.ErrUnsupported) {
			return nil
		}
		return err
	}
	return nil
}

// DeleteRemote best-effort deletes the provider copy of an event before its
// local removal. A missing remote counterpart is success.
func (e *Engine) DeleteRemote(ctx context.Context, event *models.Event) error {
	if event.IntegrationID == nil || event.ExternalID == nil || *event.ExternalID == "" {
		return nil
	}

	var integration models.Integration
	if err := e.db.First(&integration, "id = ?", *event.IntegrationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	adapter, err := e.registry.Get(integration.Provider)
	if err != nil {
		return err
	}
	accessToken, err := e.tokens.EnsureFresh(ctx, &integration)
	if err != nil {
		return err
	}
	if err := adapter.DeleteEvent(ctx, accessToken, integration.CalendarID, *event.ExternalID); err != nil {
		if errors.Is(err, provider.ErrNotFound) || errors.Is(err, provider.ErrUnsupported) {
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) setStatus(integration *models.Integration, status, syncError string) {
	if err := e.db.Model(integration).Updates(map[string]any{
		"sync_status": status,
		"sync_error":  syncError,
	}).Error; err != nil {
		log.Printf("[sync] failed to update status for integration %s: %v", integration.ID, err)
	}
}

func applyRemote(local *models.Event, remote *provider.CanonicalEvent) {
	local.Title = remote.Title
	local.Description = remote.Description
	local.StartsAt = remote.StartsAt
	local.EndsAt = remote.EndsAt
	local.AllDay = remote.AllDay
	local.Location = remote.Location
	local.Status = remote.Status
	local.MeetingURL = remote.MeetingURL
	if remote.Metadata != nil {
		if raw, err := json.Marshal(remote.Metadata); err == nil {
			local.Metadata = string(raw)
		}
	}
}

func (e *Engine) canonicalFromEvent(event *models.Event) (*provider.CanonicalEvent, error) {
	var attendees []models.Attendee
	if err := e.db.Where("calendar_event_id = ?", event.ID).Find(&attendees).Error; err != nil {
		return nil, err
	}

	canonical := &provider.CanonicalEvent{
		Title:       event.Title,
		Description: event.Description,
		StartsAt:    event.StartsAt,
		EndsAt:      event.EndsAt,
		AllDay:      event.AllDay,
		Location:    event.Location,
		Status:      event.Status,
		MeetingURL:  event.MeetingURL,
	}
	for _, att := range attendees {
		canonical.Attendees = append(canonical.Attendees, provider.CanonicalAttendee{
			Email:          att.Email,
			Name:           att.Name,
			ResponseStatus: att.ResponseStatus,
			IsOrganizer:    att.IsOrganizer,
			IsOptional:     att.IsOptional,
		})
	}
	return canonical, nil
}
