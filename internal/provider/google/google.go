// Package google implements the calendar provider adapter for Google
// Calendar (REST v3 plus watch channels for push notifications).
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/crmdesk/calsync/internal/provider"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

const (
	calendarAPIBase = "https://www.googleapis.com/calendar/v3"
	userInfoURL     = "https://www.googleapis.com/oauth2/v2/userinfo"

	// watch channels expire; we register for 7 days and let the webhook
	// maintainer re-register before expiry
	watchTTL = 7 * 24 * time.Hour

	// single page cap, no pagination beyond it
	maxResults = 250
)

// Scopes required for calendar access plus identifying the user.
var Scopes = []string{
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/calendar.events",
	"https://www.googleapis.com/auth/userinfo.email",
}

// Adapter implements provider.Adapter against the Google Calendar API.
type Adapter struct {
	clientID     string
	clientSecret string
	baseURL      string
	httpClient   *http.Client
}

// Option customizes an Adapter, used by tests to point at a fake server.
type Option func(*Adapter)

func WithBaseURL(base string) Option {
	return func(a *Adapter) { a.baseURL = base }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New builds a Google adapter. Empty credentials fall back to the
// GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET environment variables.
func New(clientID, clientSecret string, opts ...Option) *Adapter {
	if clientID == "" {
		clientID = os.Getenv("GOOGLE_CLIENT_ID")
	}
	if clientSecret == "" {
		clientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	}
	a := &Adapter{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      calendarAPIBase,
		httpClient:   provider.NewHTTPClient(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "google" }

// Configured reports whether OAuth client credentials are present.
func (a *Adapter) Configured() bool {
	return a.clientID != "" && a.clientSecret != ""
}

func (a *Adapter) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       Scopes,
		Endpoint:     googleoauth.Endpoint,
	}
}

func (a *Adapter) AuthorizationURL(redirectURI, state string) (string, error) {
	if !a.Configured() {
		return "", fmt.Errorf("google calendar credentials not configured")
	}
	config := a.oauthConfig(redirectURI)
	return config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*provider.Credential, error) {
	token, err := a.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google code exchange: %w", err)
	}
	return &provider.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}, nil
}

func (a *Adapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.Credential, error) {
	source := a.oauthConfig("").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("google token refresh: %w", err)
	}
	cred := &provider.Credential{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
	}
	// Google rotates refresh tokens occasionally (RFC 6749 allows it)
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		cred.RefreshToken = token.RefreshToken
	}
	return cred, nil
}

func (a *Adapter) UserInfo(ctx context.Context, accessToken string) (*provider.UserInfo, error) {
	var info struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := a.doJSON(ctx, http.MethodGet, userInfoURL, accessToken, nil, &info); err != nil {
		return nil, err
	}
	return &provider.UserInfo{ID: info.ID, Email: info.Email, Name: info.Name}, nil
}

func (a *Adapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.CalendarInfo, error) {
	var data struct {
		Items []struct {
			ID      string `json:"id"`
			Summary string `json:"summary"`
			Primary bool   `json:"primary"`
		} `json:"items"`
	}
	if err := a.doJSON(ctx, http.MethodGet, a.baseURL+"/users/me/calendarList", accessToken, nil, &data); err != nil {
		return nil, err
	}
	calendars := make([]provider.CalendarInfo, 0, len(data.Items))
	for _, item := range data.Items {
		calendars = append(calendars, provider.CalendarInfo{ID: item.ID, Summary: item.Summary, Primary: item.Primary})
	}
	return calendars, nil
}

func (a *Adapter) FetchEvents(ctx context.Context, accessToken, calendarID string, window provider.Window) ([]provider.CanonicalEvent, error) {
	query := url.Values{}
	query.Set("timeMin", window.Min.UTC().Format(time.RFC3339))
	query.Set("timeMax", window.Max.UTC().Format(time.RFC3339))
	query.Set("singleEvents", "true")
	query.Set("orderBy", "startTime")
	query.Set("maxResults", strconv.Itoa(maxResults))

	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s", a.baseURL, url.PathEscape(defaultCalendar(calendarID)), query.Encode())

	var data struct {
		Items []googleEvent `json:"items"`
	}
	if err := a.doJSON(ctx, http.MethodGet, endpoint, accessToken, nil, &data); err != nil {
		return nil, err
	}

	events := make([]provider.CanonicalEvent, 0, len(data.Items))
	for _, item := range data.Items {
		events = append(events, item.canonical())
	}
	return events, nil
}

func (a *Adapter) CreateEvent(ctx context.Context, accessToken, calendarID string, event *provider.CanonicalEvent) (string, error) {
	endpoint := fmt.Sprintf("%s/calendars/%s/events", a.baseURL, url.PathEscape(defaultCalendar(calendarID)))
	var created struct {
		ID string `json:"id"`
	}
	if err := a.doJSON(ctx, http.MethodPost, endpoint, accessToken, buildEventPayload(event), &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("google create event: response missing id")
	}
	return created.ID, nil
}

func (a *Adapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, event *provider.CanonicalEvent) error {
	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s",
		a.baseURL, url.PathEscape(defaultCalendar(calendarID)), url.PathEscape(event.ExternalID))
	return a.doJSON(ctx, http.MethodPatch, endpoint, accessToken, buildEventPayload(event), nil)
}

func (a *Adapter) DeleteEvent(ctx context.Context, accessToken, calendarID, externalID string) error {
	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s",
		a.baseURL, url.PathEscape(defaultCalendar(calendarID)), url.PathEscape(externalID))
	return a.doJSON(ctx, http.MethodDelete, endpoint, accessToken, nil, nil)
}

func (a *Adapter) SetupWebhook(ctx context.Context, accessToken, calendarID, callbackURL string) (*provider.WebhookChannel, error) {
	channelID := uuid.New().String()
	endpoint := fmt.Sprintf("%s/calendars/%s/events/watch", a.baseURL, url.PathEscape(defaultCalendar(calendarID)))

	body := map[string]any{
		"id":         channelID,
		"type":       "web_hook",
		"address":    callbackURL,
		"expiration": strconv.FormatInt(time.Now().Add(watchTTL).UnixMilli(), 10),
	}
	var data struct {
		ResourceID string `json:"resourceId"`
		Expiration string `json:"expiration"`
	}
	if err := a.doJSON(ctx, http.MethodPost, endpoint, accessToken, body, &data); err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(watchTTL)
	if ms, err := strconv.ParseInt(data.Expiration, 10, 64); err == nil && ms > 0 {
		expiresAt = time.UnixMilli(ms)
	}
	return &provider.WebhookChannel{
		ChannelID:  channelID,
		ResourceID: data.ResourceID,
		ExpiresAt:  expiresAt,
	}, nil
}

func (a *Adapter) StopWebhook(ctx context.Context, accessToken, channelID, resourceID string) error {
	body := map[string]any{
		"id":         channelID,
		"resourceId": resourceID,
	}
	return a.doJSON(ctx, http.MethodPost, a.baseURL+"/channels/stop", accessToken, body, nil)
}

func defaultCalendar(calendarID string) string {
	if calendarID == "" {
		return "primary"
	}
	return calendarID
}

// doJSON performs one authenticated API call. Non-2xx responses become
// StatusError (404/410 map to ErrNotFound so deletes stay idempotent).
func (a *Adapter) doJSON(ctx context.Context, method, endpoint, accessToken string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("google API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return provider.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &provider.StatusError{Provider: "google", Code: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("google API decode: %w", err)
	}
	return nil
}
