// Package provider defines the capability set every calendar provider adapter
// implements, plus the canonical event shape adapters translate provider
// payloads into. The sync engine only ever speaks these types; all wire-format
// knowledge stays inside the adapter packages.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnsupported is returned by adapters for operations the provider does not
// offer (e.g. Calendly event creation). The push phase logs and skips these.
var ErrUnsupported = errors.New("operation not supported by provider")

// ErrNotFound is returned when the provider reports the referenced remote
// entity no longer exists.
var ErrNotFound = errors.New("remote entity not found")

// StatusError carries a non-2xx provider response.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Provider, e.Code, e.Body)
}

// Credential is the result of a code exchange or refresh exchange.
type Credential struct {
	AccessToken  string
	RefreshToken string // may be empty on refresh; callers keep the old one
	ExpiresAt    time.Time
}

// UserInfo identifies the provider-side user an integration belongs to.
type UserInfo struct {
	ID    string
	Email string
	Name  string
}

// CanonicalAttendee is the provider-agnostic attendee shape.
type CanonicalAttendee struct {
	Email          string
	Name           string
	ResponseStatus string // pending|accepted|declined|tentative
	IsOrganizer    bool
	IsOptional     bool
}

// CanonicalEvent is the provider-agnostic event shape an adapter must produce
// from a provider's native payload, and consume when pushing.
type CanonicalEvent struct {
	ExternalID  string
	Title       string
	Description string
	StartsAt    time.Time
	EndsAt      time.Time
	AllDay      bool
	Location    string
	Status      string // confirmed|tentative|cancelled
	MeetingURL  string
	Attendees   []CanonicalAttendee
	Metadata    map[string]any
}

// CalendarInfo describes one remote calendar the user may select.
type CalendarInfo struct {
	ID      string
	Summary string
	Primary bool
}

// WebhookChannel is the result of registering a push notification channel.
type WebhookChannel struct {
	ChannelID  string
	ResourceID string
	ExpiresAt  time.Time
}

// Window is the time span a pull covers.
type Window struct {
	Min time.Time
	Max time.Time
}

// SyncWindow is the fixed rolling pull range: one month back, three months
// ahead. Large calendars beyond a single provider page are truncated.
func SyncWindow(now time.Time) Window {
	return Window{Min: now.AddDate(0, -1, 0), Max: now.AddDate(0, 3, 0)}
}

// Adapter is the capability set one provider implements. All remote calls
// take a context and observe a bounded per-call timeout with no in-call
// retry; retry belongs to the enclosing job.
type Adapter interface {
	// Name returns the provider tag stored on integrations.
	Name() string

	// AuthorizationURL builds the OAuth consent redirect. No side effects.
	AuthorizationURL(redirectURI, state string) (string, error)
	// ExchangeCode performs the one-time authorization code exchange.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*Credential, error)
	// RefreshAccessToken exchanges a refresh credential for a fresh access
	// credential.
	RefreshAccessToken(ctx context.Context, refreshToken string) (*Credential, error)
	// UserInfo fetches the provider-side identity for an access token.
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)

	// ListCalendars enumerates calendars selectable for sync.
	ListCalendars(ctx context.Context, accessToken string) ([]CalendarInfo, error)
	// FetchEvents pulls events whose span intersects the window.
	FetchEvents(ctx context.Context, accessToken, calendarID string, window Window) ([]CanonicalEvent, error)
	// CreateEvent pushes a new event and returns its provider-assigned id.
	CreateEvent(ctx context.Context, accessToken, calendarID string, event *CanonicalEvent) (string, error)
	// UpdateEvent overwrites the remote event identified by event.ExternalID.
	UpdateEvent(ctx context.Context, accessToken, calendarID string, event *CanonicalEvent) error
	// DeleteEvent removes the remote event.
	DeleteEvent(ctx context.Context, accessToken, calendarID, externalID string) error

	// SetupWebhook registers a push notification channel. Best-effort at the
	// call sites: failure degrades to polling and must not abort the flow.
	SetupWebhook(ctx context.Context, accessToken, calendarID, callbackURL string) (*WebhookChannel, error)
	// StopWebhook deregisters a channel.
	StopWebhook(ctx context.Context, accessToken, channelID, resourceID string) error
}

// HTTPTimeout bounds every adapter call. No retry inside the call.
const HTTPTimeout = 30 * time.Second

// NewHTTPClient returns the http client adapters share.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: HTTPTimeout}
}
