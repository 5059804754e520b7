package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/crmdesk/calsync/internal/jobs"
	"gorm.io/gorm"
)

// The webhook endpoints are unauthenticated at the transport level; the
// opaque channel/subscription identifier is the credential. Unknown ids are
// acknowledged with success so providers do not retry-storm notifications for
// channels we already dropped. The handlers never sync inline: they enqueue
// and return within the provider's latency budget.

// GoogleWebhookHandler handles Calendar push notifications.
// POST /webhooks/calendar/google
func GoogleWebhookHandler(database *gorm.DB, queue *jobs.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Google sends a state=sync ping right after channel creation.
		if r.Header.Get("X-Goog-Resource-State") == "sync" {
			w.WriteHeader(http.StatusOK)
			return
		}

		channelID := r.Header.Get("X-Goog-Channel-ID")
		if channelID == "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		enqueueForChannel(database, queue, models.ProviderGoogle, channelID)
		w.WriteHeader(http.StatusOK)
	}
}

// OutlookWebhookHandler handles Microsoft Graph subscription notifications,
// including the validation handshake Graph performs on subscription creation.
// POST /webhooks/calendar/outlook
func OutlookWebhookHandler(database *gorm.DB, queue *jobs.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Graph validates new subscriptions by POSTing ?validationToken=...
		// and expecting the raw token echoed back as text/plain.
		if token := r.URL.Query().Get("validationToken"); token != "" {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(token))
			return
		}

		var body struct {
			Value []struct {
				SubscriptionID string `json:"subscriptionId"`
				ChangeType     string `json:"changeType"`
			} `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			log.Printf("[webhook] malformed outlook payload: %v", err)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		for _, notification := range body.Value {
			enqueueForChannel(database, queue, models.ProviderOutlook, notification.SubscriptionID)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// CalendlyWebhookHandler handles Calendly webhook subscription events. The
// payload carries no subscription id, so notifications map to an integration
// through the created_by user URI.
// POST /webhooks/calendar/calendly
func CalendlyWebhookHandler(database *gorm.DB, queue *jobs.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Event   string `json:"event"`
			Payload struct {
				CreatedBy string `json:"created_by"`
			} `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			log.Printf("[webhook] malformed calendly payload: %v", err)
			w.WriteHeader(http.StatusOK)
			return
		}

		userID := uriTail(body.Payload.CreatedBy)
		if userID == "" {
			w.WriteHeader(http.StatusOK)
			return
		}

		// The integration stores the full user URI the adapter reports;
		// match on the trailing id so either form routes.
		var integration models.Integration
		err := database.Where("provider = ?", models.ProviderCalendly).
			Where("provider_user_id = ? OR provider_user_id LIKE ?", userID, "%/"+userID).
			First(&integration).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				log.Printf("[webhook] calendly lookup failed: %v", err)
			} else {
				log.Printf("[webhook] calendly notification for unknown user %s", userID)
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		queue.EnqueueIncrementalSync(integration.ID)
		w.WriteHeader(http.StatusOK)
	}
}

// enqueueForChannel maps a channel/subscription id to its integration and
// queues one incremental pass. Unknown channels are logged, never errors.
func enqueueForChannel(database *gorm.DB, queue *jobs.Queue, providerName, channelID string) {
	var integration models.Integration
	err := database.Where("provider = ? AND webhook_channel_id = ?", providerName, channelID).
		First(&integration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[webhook] %s notification for unknown channel %s", providerName, channelID)
		} else {
			log.Printf("[webhook] %s channel lookup failed: %v", providerName, err)
		}
		return
	}
	queue.EnqueueIncrementalSync(integration.ID)
}

func uriTail(uri string) string {
	if uri == "" {
		return ""
	}
	parts := strings.Split(strings.TrimRight(uri, "/"), "/")
	return parts[len(parts)-1]
}
