// Package calendly implements the calendar provider adapter for Calendly's
// v2 API. Calendly events are scheduled by invitees, not by us, so the
// adapter is read-mostly: create and update return provider.ErrUnsupported
// and the push phase skips them.
package calendly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/crmdesk/calsync/internal/provider"
	"golang.org/x/oauth2"
)

const (
	apiBase   = "https://api.calendly.com"
	authURL   = "https://auth.calendly.com/oauth/authorize"
	tokenURL  = "https://auth.calendly.com/oauth/token"
	pageCount = 100 // Calendly's per-page maximum, single page only
)

// Adapter implements provider.Adapter against the Calendly v2 API.
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

func New(clientID, clientSecret string, opts ...Option) *Adapter {
	if clientID == "" {
		clientID = os.Getenv("CALENDLY_CLIENT_ID")
	}
	if clientSecret == "" {
		clientSecret = os.Getenv("CALENDLY_CLIENT_SECRET")
	}
	a := &Adapter{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      apiBase,
		httpClient:   provider.NewHTTPClient(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "calendly" }

func (a *Adapter) Configured() bool {
	return a.clientID != "" && a.clientSecret != ""
}

func (a *Adapter) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: tokenURL,
		},
	}
}

func (a *Adapter) AuthorizationURL(redirectURI, state string) (string, error) {
	if !a.Configured() {
		return "", fmt.Errorf("calendly credentials not configured")
	}
	return a.oauthConfig(redirectURI).AuthCodeURL(state), nil
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*provider.Credential, error) {
	token, err := a.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("calendly code exchange: %w", err)
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
		return nil, fmt.Errorf("calendly token refresh: %w", err)
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

type calendlyUser struct {
	URI                 string `json:"uri"`
	Name                string `json:"name"`
	Email               string `json:"email"`
	CurrentOrganization string `json:"current_organization"`
}

func (a *Adapter) me(ctx context.Context, accessToken string) (*calendlyUser, error) {
	var data struct {
		Resource calendlyUser `json:"resource"`
	}
	if err := a.doJSON(ctx, http.MethodGet, a.baseURL+"/users/me", accessToken, nil, &data); err != nil {
		return nil, err
	}
	return &data.Resource, nil
}

func (a *Adapter) UserInfo(ctx context.Context, accessToken string) (*provider.UserInfo, error) {
	user, err := a.me(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return &provider.UserInfo{ID: user.URI, Email: user.Email, Name: user.Name}, nil
}

// ListCalendars returns the single pseudo-calendar Calendly exposes: the
// user's scheduled-event stream.
func (a *Adapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.CalendarInfo, error) {
	user, err := a.me(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return []provider.CalendarInfo{{ID: user.URI, Summary: "Calendly", Primary: true}}, nil
}

type scheduledEvent struct {
	URI       string `json:"uri"`
	Name      string `json:"name"`
	Status    string `json:"status"` // active | canceled
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Location  *struct {
		Type     string `json:"type"`
		Location string `json:"location"`
		JoinURL  string `json:"join_url"`
	} `json:"location"`
}

func (a *Adapter) FetchEvents(ctx context.Context, accessToken, calendarID string, window provider.Window) ([]provider.CanonicalEvent, error) {
	// Calendly's pseudo-calendar id is the user URI; the cross-provider
	// "primary" sentinel means resolve it from the token.
	userURI := calendarID
	if userURI == "" || userURI == "primary" {
		user, err := a.me(ctx, accessToken)
		if err != nil {
			return nil, err
		}
		userURI = user.URI
	}

	query := url.Values{}
	query.Set("user", userURI)
	query.Set("min_start_time", window.Min.UTC().Format(time.RFC3339))
	query.Set("max_start_time", window.Max.UTC().Format(time.RFC3339))
	query.Set("count", fmt.Sprint(pageCount))

	var data struct {
		Collection []scheduledEvent `json:"collection"`
	}
	if err := a.doJSON(ctx, http.MethodGet, a.baseURL+"/scheduled_events?"+query.Encode(), accessToken, nil, &data); err != nil {
		return nil, err
	}

	events := make([]provider.CanonicalEvent, 0, len(data.Collection))
	for _, item := range data.Collection {
		event := item.canonical()
		attendees, err := a.fetchInvitees(ctx, accessToken, event.ExternalID)
		if err != nil {
			return nil, err
		}
		event.Attendees = attendees
		events = append(events, event)
	}
	return events, nil
}

func (a *Adapter) fetchInvitees(ctx context.Context, accessToken, eventUUID string) ([]provider.CanonicalAttendee, error) {
	endpoint := fmt.Sprintf("%s/scheduled_events/%s/invitees?count=%d", a.baseURL, url.PathEscape(eventUUID), pageCount)
	var data struct {
		Collection []struct {
			Email  string `json:"email"`
			Name   string `json:"name"`
			Status string `json:"status"` // active | canceled
		} `json:"collection"`
	}
	if err := a.doJSON(ctx, http.MethodGet, endpoint, accessToken, nil, &data); err != nil {
		return nil, err
	}

	attendees := make([]provider.CanonicalAttendee, 0, len(data.Collection))
	for _, invitee := range data.Collection {
		response := "accepted"
		if invitee.Status == "canceled" {
			response = "declined"
		}
		attendees = append(attendees, provider.CanonicalAttendee{
			Email:          invitee.Email,
			Name:           invitee.Name,
			ResponseStatus: response,
		})
	}
	return attendees, nil
}

func (e scheduledEvent) canonical() provider.CanonicalEvent {
	status := "confirmed"
	if e.Status == "canceled" {
		status = "cancelled"
	}

	location, meetingURL := "", ""
	if e.Location != nil {
		location = e.Location.Location
		meetingURL = e.Location.JoinURL
	}

	starts, _ := time.Parse(time.RFC3339, e.StartTime)
	ends, _ := time.Parse(time.RFC3339, e.EndTime)

	return provider.CanonicalEvent{
		ExternalID: eventUUID(e.URI),
		Title:      e.Name,
		StartsAt:   starts,
		EndsAt:     ends,
		Location:   location,
		Status:     status,
		MeetingURL: meetingURL,
		Metadata:   map[string]any{"uri": e.URI},
	}
}

// eventUUID extracts the trailing UUID from a scheduled_events resource URI.
func eventUUID(uri string) string {
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}

// CreateEvent is unsupported: Calendly events originate from invitee
// bookings, never from API writes.
func (a *Adapter) CreateEvent(ctx context.Context, accessToken, calendarID string, event *provider.CanonicalEvent) (string, error) {
	return "", provider.ErrUnsupported
}

func (a *Adapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, event *provider.CanonicalEvent) error {
	return provider.ErrUnsupported
}

// DeleteEvent cancels the scheduled event, the closest Calendly has to a
// delete.
func (a *Adapter) DeleteEvent(ctx context.Context, accessToken, calendarID, externalID string) error {
	endpoint := fmt.Sprintf("%s/scheduled_events/%s/cancellation", a.baseURL, url.PathEscape(externalID))
	body := map[string]any{"reason": "Cancelled from CRM"}
	return a.doJSON(ctx, http.MethodPost, endpoint, accessToken, body, nil)
}

func (a *Adapter) SetupWebhook(ctx context.Context, accessToken, calendarID, callbackURL string) (*provider.WebhookChannel, error) {
	user, err := a.me(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"url":          callbackURL,
		"events":       []string{"invitee.created", "invitee.canceled"},
		"organization": user.CurrentOrganization,
		"user":         user.URI,
		"scope":        "user",
	}
	var data struct {
		Resource struct {
			URI string `json:"uri"`
		} `json:"resource"`
	}
	if err := a.doJSON(ctx, http.MethodPost, a.baseURL+"/webhook_subscriptions", accessToken, body, &data); err != nil {
		return nil, err
	}
	// Calendly subscriptions do not expire; far-future expiry keeps the
	// webhook maintainer from re-registering them.
	return &provider.WebhookChannel{
		ChannelID:  data.Resource.URI,
		ResourceID: user.URI,
		ExpiresAt:  time.Now().AddDate(1, 0, 0),
	}, nil
}

func (a *Adapter) StopWebhook(ctx context.Context, accessToken, channelID, resourceID string) error {
	// channelID is the full subscription URI
	endpoint := channelID
	if !strings.HasPrefix(endpoint, "http") {
		endpoint = a.baseURL + "/webhook_subscriptions/" + url.PathEscape(channelID)
	}
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calendly API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return provider.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &provider.StatusError{Provider: "calendly", Code: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("calendly API decode: %w", err)
	}
	return nil
}
