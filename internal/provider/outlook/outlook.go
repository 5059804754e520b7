// Package outlook implements the calendar provider adapter for Outlook via
// the Microsoft Graph API, including Graph change-notification subscriptions.
package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/crmdesk/calsync/internal/provider"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	graphAPIBase = "https://graph.microsoft.com/v1.0"

	// Graph caps event subscriptions at roughly three days
	subscriptionTTL = 71 * time.Hour
)

// Scopes for calendar read/write plus identity and offline refresh.
var Scopes = []string{
	"offline_access",
	"User.Read",
	"Calendars.ReadWrite",
}

// Adapter implements provider.Adapter against Microsoft Graph.
type Adapter struct {
	clientID     string
	clientSecret string
	baseURL      string
	httpClient   *http.Client
}

type Option func(*Adapter)

func WithBaseURL(base string) Option {
	return func(a *Adapter) { a.baseURL = base }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New builds an Outlook adapter. Empty credentials fall back to the
// OUTLOOK_CLIENT_ID / OUTLOOK_CLIENT_SECRET environment variables.
func New(clientID, clientSecret string, opts ...Option) *Adapter {
	if clientID == "" {
		clientID = os.Getenv("OUTLOOK_CLIENT_ID")
	}
	if clientSecret == "" {
		clientSecret = os.Getenv("OUTLOOK_CLIENT_SECRET")
	}
	a := &Adapter{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      graphAPIBase,
		httpClient:   provider.NewHTTPClient(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "outlook" }

func (a *Adapter) Configured() bool {
	return a.clientID != "" && a.clientSecret != ""
}

func (a *Adapter) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       Scopes,
		Endpoint:     microsoft.AzureADEndpoint("common"),
	}
}

func (a *Adapter) AuthorizationURL(redirectURI, state string) (string, error) {
	if !a.Configured() {
		return "", fmt.Errorf("outlook calendar credentials not configured")
	}
	return a.oauthConfig(redirectURI).AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*provider.Credential, error) {
	token, err := a.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("outlook code exchange: %w", err)
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
		return nil, fmt.Errorf("outlook token refresh: %w", err)
	}
	cred := &provider.Credential{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
	}
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		cred.RefreshToken = token.RefreshToken
	}
	return cred, nil
}

func (a *Adapter) UserInfo(ctx context.Context, accessToken string) (*provider.UserInfo, error) {
	var me struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
	}
	if err := a.doJSON(ctx, http.MethodGet, a.baseURL+"/me", accessToken, nil, &me); err != nil {
		return nil, err
	}
	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	return &provider.UserInfo{ID: me.ID, Email: email, Name: me.DisplayName}, nil
}

func (a *Adapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.CalendarInfo, error) {
	var data struct {
		Value []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			IsDefault bool   `json:"isDefaultCalendar"`
		} `json:"value"`
	}
	if err := a.doJSON(ctx, http.MethodGet, a.baseURL+"/me/calendars", accessToken, nil, &data); err != nil {
		return nil, err
	}
	calendars := make([]provider.CalendarInfo, 0, len(data.Value))
	for _, item := range data.Value {
		calendars = append(calendars, provider.CalendarInfo{ID: item.ID, Summary: item.Name, Primary: item.IsDefault})
	}
	return calendars, nil
}

func (a *Adapter) FetchEvents(ctx context.Context, accessToken, calendarID string, window provider.Window) ([]provider.CanonicalEvent, error) {
	query := url.Values{}
	query.Set("startDateTime", window.Min.UTC().Format(time.RFC3339))
	query.Set("endDateTime", window.Max.UTC().Format(time.RFC3339))
	query.Set("$top", "250")

	endpoint := a.baseURL + "/me/calendarView?" + query.Encode()
	if calendarID != "" {
		endpoint = fmt.Sprintf("%s/me/calendars/%s/calendarView?%s", a.baseURL, url.PathEscape(calendarID), query.Encode())
	}

	var data struct {
		Value []graphEvent `json:"value"`
	}
	if err := a.doJSON(ctx, http.MethodGet, endpoint, accessToken, nil, &data); err != nil {
		return nil, err
	}

	events := make([]provider.CanonicalEvent, 0, len(data.Value))
	for _, item := range data.Value {
		events = append(events, item.canonical())
	}
	return events, nil
}

func (a *Adapter) CreateEvent(ctx context.Context, accessToken, calendarID string, event *provider.CanonicalEvent) (string, error) {
	endpoint := a.baseURL + "/me/events"
	if calendarID != "" {
		endpoint = fmt.Sprintf("%s/me/calendars/%s/events", a.baseURL, url.PathEscape(calendarID))
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := a.doJSON(ctx, http.MethodPost, endpoint, accessToken, buildEventPayload(event), &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("outlook create event: response missing id")
	}
	return created.ID, nil
}

func (a *Adapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, event *provider.CanonicalEvent) error {
	endpoint := fmt.Sprintf("%s/me/events/%s", a.baseURL, url.PathEscape(event.ExternalID))
	return a.doJSON(ctx, http.MethodPatch, endpoint, accessToken, buildEventPayload(event), nil)
}

func (a *Adapter) DeleteEvent(ctx context.Context, accessToken, calendarID, externalID string) error {
	endpoint := fmt.Sprintf("%s/me/events/%s", a.baseURL, url.PathEscape(externalID))
	return a.doJSON(ctx, http.MethodDelete, endpoint, accessToken, nil, nil)
}

func (a *Adapter) SetupWebhook(ctx context.Context, accessToken, calendarID, callbackURL string) (*provider.WebhookChannel, error) {
	resource := "/me/events"
	if calendarID != "" {
		resource = fmt.Sprintf("/me/calendars/%s/events", calendarID)
	}
	body := map[string]any{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    callbackURL,
		"resource":           resource,
		"expirationDateTime": time.Now().Add(subscriptionTTL).UTC().Format(time.RFC3339),
	}
	var data struct {
		ID                 string `json:"id"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	if err := a.doJSON(ctx, http.MethodPost, a.baseURL+"/subscriptions", accessToken, body, &data); err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(subscriptionTTL)
	if parsed, err := time.Parse(time.RFC3339, data.ExpirationDateTime); err == nil {
		expiresAt = parsed
	}
	return &provider.WebhookChannel{
		ChannelID:  data.ID,
		ResourceID: resource,
		ExpiresAt:  expiresAt,
	}, nil
}

func (a *Adapter) StopWebhook(ctx context.Context, accessToken, channelID, resourceID string) error {
	endpoint := fmt.Sprintf("%s/subscriptions/%s", a.baseURL, url.PathEscape(channelID))
	return a.doJSON(ctx, http.MethodDelete, endpoint, accessToken, nil, nil)
}

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
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return provider.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &provider.StatusError{Provider: "outlook", Code: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("graph API decode: %w", err)
	}
	return nil
}
