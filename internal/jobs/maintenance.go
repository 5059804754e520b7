package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/crmdesk/calsync/internal/auth/token"
	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/crmdesk/calsync/internal/provider"
	"gorm.io/gorm"
)

// webhookRenewalWindow: channels expiring inside this window get
// re-registered ahead of time.
const webhookRenewalWindow = 24 * time.Hour

// Maintainer owns the recurring background work: re-registering provider
// webhooks before they lapse and scheduling periodic full syncs. A lapsed
// webhook degrades an integration to polling freshness, never to breakage.
type Maintainer struct {
	db          *gorm.DB
	registry    *provider.Registry
	tokens      *token.Manager
	queue       *Queue
	callbackURL string // base URL webhook endpoints hang off

	done chan struct{}
}

func NewMaintainer(db *gorm.DB, registry *provider.Registry, tokens *token.Manager, queue *Queue, callbackURL string) *Maintainer {
	return &Maintainer{
		db:          db,
		registry:    registry,
		tokens:      tokens,
		queue:       queue,
		callbackURL: callbackURL,
		done:        make(chan struct{}),
	}
}

// Start launches the webhook-refresh and scheduled-sync tickers.
func (m *Maintainer) Start(webhookInterval, syncInterval time.Duration) {
	go m.loop(webhookInterval, func() {
		m.RefreshExpiringWebhooks(context.Background())
	})
	go m.loop(syncInterval, m.ScheduleFullSyncs)
	log.Printf("[maintenance] started (webhook refresh every %s, full sync every %s)", webhookInterval, syncInterval)
}

func (m *Maintainer) Stop() {
	close(m.done)
}

func (m *Maintainer) loop(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// RefreshExpiringWebhooks re-registers every webhook expiring within the
// renewal window. One integration's failure never blocks the others.
func (m *Maintainer) RefreshExpiringWebhooks(ctx context.Context) {
	var integrations []models.Integration
	threshold := time.Now().Add(webhookRenewalWindow)
	if err := m.db.
		Where("webhook_channel_id <> ''").
		Where("webhook_expires_at IS NOT NULL AND webhook_expires_at < ?", threshold).
		Find(&integrations).Error; err != nil {
		log.Printf("[maintenance] scan webhooks: %v", err)
		return
	}

	for i := range integrations {
		integration := &integrations[i]
		if err := m.refreshWebhook(ctx, integration); err != nil {
			log.Printf("[maintenance] webhook refresh failed for integration %s: %v", integration.ID, err)
			continue
		}
		log.Printf("[maintenance] webhook refreshed for integration %s", integration.ID)
	}
}

func (m *Maintainer) refreshWebhook(ctx context.Context, integration *models.Integration) error {
	adapter, err := m.registry.Get(integration.Provider)
	if err != nil {
		return err
	}
	accessToken, err := m.tokens.EnsureFresh(ctx, integration)
	if err != nil {
		return err
	}

	channel, err := adapter.SetupWebhook(ctx, accessToken, integration.CalendarID, CallbackURL(m.callbackURL, integration.Provider))
	if err != nil {
		return err
	}
	return m.db.Model(integration).Updates(map[string]any{
		"webhook_channel_id":  channel.ChannelID,
		"webhook_resource_id": channel.ResourceID,
		"webhook_expires_at":  channel.ExpiresAt,
	}).Error
}

// ScheduleFullSyncs enqueues a batch full pass for every connected
// integration. Integrations without a live webhook depend on this for any
// remote freshness at all.
func (m *Maintainer) ScheduleFullSyncs() {
	var integrations []models.Integration
	if err := m.db.
		Where("access_token <> '' AND refresh_token <> ''").
		Find(&integrations).Error; err != nil {
		log.Printf("[maintenance] scan integrations: %v", err)
		return
	}
	for _, integration := range integrations {
		m.queue.EnqueueFullSync(integration.ID)
	}
	if len(integrations) > 0 {
		log.Printf("[maintenance] scheduled full sync for %d integrations", len(integrations))
	}
}

// CallbackURL builds the provider-specific webhook endpoint.
func CallbackURL(base, providerName string) string {
	return fmt.Sprintf("%s/webhooks/calendar/%s", base, providerName)
}
