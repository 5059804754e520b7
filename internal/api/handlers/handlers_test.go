package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/crmdesk/calsync/internal/jobs"
	"github.com/crmdesk/calsync/internal/provider"
	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

var handlerDBCounter int

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	handlerDBCounter++
	dsn := fmt.Sprintf("file:handlertest%d?mode=memory&cache=shared", handlerDBCounter)
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := database.AutoMigrate(
		&models.Integration{}, &models.Event{}, &models.Attendee{},
		&models.EventLink{}, &models.Contact{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return database
}

// recordingRunner captures queue dispatches so tests can assert which jobs a
// handler produced.
type recordingRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRunner) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingRunner) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingRunner) FullSync(ctx context.Context, integrationID string) error {
	r.record("full:" + integrationID)
	return nil
}

func (r *recordingRunner) IncrementalSync(ctx context.Context, integrationID string) error {
	r.record("incremental:" + integrationID)
	return nil
}

func (r *recordingRunner) PushEvent(ctx context.Context, eventID string) error {
	r.record("push:" + eventID)
	return nil
}

func newTestQueue(t *testing.T) (*jobs.Queue, *recordingRunner) {
	t.Helper()
	runner := &recordingRunner{}
	queue := jobs.NewQueue(runner)
	queue.Start(1, 1)
	t.Cleanup(queue.Stop)
	return queue, runner
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// settle gives queue workers a beat to drain, for asserting nothing ran.
func settle() {
	time.Sleep(50 * time.Millisecond)
}

// fakeAdapter covers the handler-facing slice of provider.Adapter.
type fakeAdapter struct {
	name        string
	stopCalls   []string
	webhookErr  error
	calendars   []provider.CalendarInfo
	consentURL  string
	userInfo    provider.UserInfo
	credential  provider.Credential
	exchangeErr error
}

func (f *fakeAdapter) Name() string {
	if f.name != "" {
		return f.name
	}
	return "google"
}
func (f *fakeAdapter) AuthorizationURL(redirectURI, state string) (string, error) {
	if f.consentURL != "" {
		return f.consentURL + "?state=" + state, nil
	}
	return "https://accounts.example.com/consent?state=" + state, nil
}
func (f *fakeAdapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*provider.Credential, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	cred := f.credential
	if cred.AccessToken == "" {
		cred = provider.Credential{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresAt: time.Now().Add(time.Hour)}
	}
	return &cred, nil
}
func (f *fakeAdapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.Credential, error) {
	return &provider.Credential{AccessToken: "access-2", ExpiresAt: time.Now().Add(time.Hour)}, nil
}
func (f *fakeAdapter) UserInfo(ctx context.Context, accessToken string) (*provider.UserInfo, error) {
	info := f.userInfo
	if info.ID == "" {
		info = provider.UserInfo{ID: "prov-user-1", Email: "owner@example.com", Name: "Owner"}
	}
	return &info, nil
}
func (f *fakeAdapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.CalendarInfo, error) {
	return f.calendars, nil
}
func (f *fakeAdapter) FetchEvents(ctx context.Context, accessToken, calendarID string, window provider.Window) ([]provider.CanonicalEvent, error) {
	return nil, nil
}
func (f *fakeAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, event *provider.CanonicalEvent) (string, error) {
	return "evt_1", nil
}
func (f *fakeAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, event *provider.CanonicalEvent) error {
	return nil
}
func (f *fakeAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, externalID string) error {
	return nil
}
func (f *fakeAdapter) SetupWebhook(ctx context.Context, accessToken, calendarID, callbackURL string) (*provider.WebhookChannel, error) {
	if f.webhookErr != nil {
		return nil, f.webhookErr
	}
	return &provider.WebhookChannel{ChannelID: "chan-new", ResourceID: "res-new", ExpiresAt: time.Now().Add(7 * 24 * time.Hour)}, nil
}
func (f *fakeAdapter) StopWebhook(ctx context.Context, accessToken, channelID, resourceID string) error {
	f.stopCalls = append(f.stopCalls, channelID)
	return nil
}

func seedIntegration(t *testing.T, database *gorm.DB, id, providerName, channelID string) *models.Integration {
	t.Helper()
	integration := &models.Integration{
		ID:               id,
		AccountID:        1,
		UserID:           1,
		Provider:         providerName,
		ProviderUserID:   "prov-user-1",
		CalendarID:       "primary",
		AccessToken:      "access-1",
		RefreshToken:     "refresh-1",
		TokenExpiresAt:   time.Now().Add(time.Hour),
		WebhookChannelID: channelID,
		SyncStatus:       models.SyncStatusSynced,
	}
	if err := database.Create(integration).Error; err != nil {
		t.Fatalf("seed integration: %v", err)
	}
	return integration
}

// accountRouter mounts a handler under the account-scoped route pattern so
// chi URL params resolve the way they do in the real router.
func accountRouter(method, pattern string, handler http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.MethodFunc(method, "/api/v1/accounts/{accountID}"+pattern, handler)
	return r
}
