// Package api assembles the HTTP surface: OAuth callback, provider webhook
// endpoints, and the account-scoped REST API.
package api

import (
	"net/http"

	"github.com/crmdesk/calsync/internal/api/handlers"
	"github.com/crmdesk/calsync/internal/auth/token"
	"github.com/crmdesk/calsync/internal/jobs"
	"github.com/crmdesk/calsync/internal/provider"
	"github.com/crmdesk/calsync/internal/secrets"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

// Deps carries everything the routes close over.
type Deps struct {
	DB       *gorm.DB
	Cipher   secrets.Cipher
	Registry *provider.Registry
	Tokens   *token.Manager
	Queue    *jobs.Queue
	Deleter  handlers.RemoteDeleter

	BaseURL     string
	FrontendURL string
}

func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// OAuth flow
	r.Get("/calendar/oauth/{provider}/callback",
		handlers.CallbackHandler(deps.DB, deps.Cipher, deps.Registry, deps.Queue, deps.BaseURL, deps.FrontendURL))

	// Provider push notifications
	r.Route("/webhooks/calendar", func(r chi.Router) {
		r.Post("/google", handlers.GoogleWebhookHandler(deps.DB, deps.Queue))
		r.Post("/outlook", handlers.OutlookWebhookHandler(deps.DB, deps.Queue))
		r.Post("/calendly", handlers.CalendlyWebhookHandler(deps.DB, deps.Queue))
	})

	r.Route("/api/v1/accounts/{accountID}", func(r chi.Router) {
		r.Route("/integrations", func(r chi.Router) {
			r.Get("/", handlers.ListIntegrationsHandler(deps.DB))
			r.Get("/auth_url", handlers.AuthURLHandler(deps.Registry, deps.BaseURL))
			r.Get("/{id}", handlers.GetIntegrationHandler(deps.DB))
			r.Put("/{id}", handlers.UpdateIntegrationHandler(deps.DB))
			r.Delete("/{id}", handlers.DeleteIntegrationHandler(deps.DB, deps.Registry, deps.Tokens))
			r.Post("/{id}/sync", handlers.SyncNowHandler(deps.DB, deps.Queue))
			r.Get("/{id}/calendars", handlers.ListRemoteCalendarsHandler(deps.DB, deps.Registry, deps.Tokens))
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", handlers.ListEventsHandler(deps.DB))
			r.Get("/upcoming", handlers.UpcomingEventsHandler(deps.DB))
			r.Get("/by_link", handlers.EventsByLinkHandler(deps.DB))
			r.Post("/", handlers.CreateEventHandler(deps.DB, deps.Queue))
			r.Put("/{id}", handlers.UpdateEventHandler(deps.DB, deps.Queue))
			r.Delete("/{id}", handlers.DeleteEventHandler(deps.DB, deps.Deleter))
		})

		r.Get("/calendar.ics", handlers.ICSFeedHandler(deps.DB))
	})

	return r
}
