package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/crmdesk/calsync/internal/auth/token"
	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/crmdesk/calsync/internal/provider"
	"github.com/crmdesk/calsync/internal/secrets"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// fakeAdapter is a scriptable provider.Adapter recording all write calls.
type fakeAdapter struct {
	remote   []provider.CanonicalEvent
	fetchErr error

	// When set, FetchEvents closes fetchStarted and blocks on fetchRelease,
	// holding a pass mid-flight so tests can race other work against it.
	fetchStarted chan struct{}
	fetchRelease chan struct{}

	nextID       int
	failCreate   map[string]error // keyed by event title
	unsupported  bool

	creates []provider.CanonicalEvent
	updates []provider.CanonicalEvent
	deletes []string
}

func (f *fakeAdapter) Name() string { return "google" }
func (f *fakeAdapter) AuthorizationURL(redirectURI, state string) (string, error) {
	return "https://example.com/consent", nil
}
func (f *fakeAdapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*provider.Credential, error) {
	return &provider.Credential{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}, nil
}
func (f *fakeAdapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.Credential, error) {
	return &provider.Credential{AccessToken: "at2", ExpiresAt: time.Now().Add(time.Hour)}, nil
}
func (f *fakeAdapter) UserInfo(ctx context.Context, accessToken string) (*provider.UserInfo, error) {
	return &provider.UserInfo{ID: "u1", Email: "owner@example.com"}, nil
}
func (f *fakeAdapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.CalendarInfo, error) {
	return []provider.CalendarInfo{{ID: "primary", Primary: true}}, nil
}
func (f *fakeAdapter) FetchEvents(ctx context.Context, accessToken, calendarID string, window provider.Window) ([]provider.CanonicalEvent, error) {
	if f.fetchStarted != nil {
		close(f.fetchStarted)
		f.fetchStarted = nil
		<-f.fetchRelease
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.remote, nil
}
func (f *fakeAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, event *provider.CanonicalEvent) (string, error) {
	if f.unsupported {
		return "", provider.ErrUnsupported
	}
	if err, ok := f.failCreate[event.Title]; ok {
		return "", err
	}
	f.creates = append(f.creates, *event)
	f.nextID++
	return fmt.Sprintf("evt_%d", f.nextID+122), nil // evt_123, evt_124, ...
}
func (f *fakeAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, event *provider.CanonicalEvent) error {
	if f.unsupported {
		return provider.ErrUnsupported
	}
	f.updates = append(f.updates, *event)
	return nil
}
func (f *fakeAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, externalID string) error {
	f.deletes = append(f.deletes, externalID)
	return nil
}
func (f *fakeAdapter) SetupWebhook(ctx context.Context, accessToken, calendarID, callbackURL string) (*provider.WebhookChannel, error) {
	return &provider.WebhookChannel{ChannelID: "chan-1", ResourceID: "res-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
}
func (f *fakeAdapter) StopWebhook(ctx context.Context, accessToken, channelID, resourceID string) error {
	return nil
}

var engineDBCounter int

func newEngineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	engineDBCounter++
	dsn := fmt.Sprintf("file:enginetest%d?mode=memory&cache=shared", engineDBCounter)
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

func newTestEngine(t *testing.T, adapter *fakeAdapter) (*Engine, *gorm.DB, *models.Integration) {
	t.Helper()
	database := newEngineTestDB(t)
	registry := provider.NewRegistry(adapter)
	tokens := token.NewManager(database, secrets.Plaintext{}, registry)
	engine := New(database, registry, tokens)

	integration := &models.Integration{
		ID:             uuid.New().String(),
		AccountID:      1,
		UserID:         1,
		Provider:       "google",
		CalendarID:     "primary",
		AccessToken:    "access",
		RefreshToken:   "refresh",
		TokenExpiresAt: time.Now().Add(time.Hour),
		SyncStatus:     models.SyncStatusPending,
	}
	if err := database.Create(integration).Error; err != nil {
		t.Fatalf("seed integration: %v", err)
	}
	return engine, database, integration
}

func remoteEvent(id, title string, attendees ...provider.CanonicalAttendee) provider.CanonicalEvent {
	return provider.CanonicalEvent{
		ExternalID: id,
		Title:      title,
		StartsAt:   time.Date(2026, 9, 10, 9, 0, 0, 0, time.UTC),
		EndsAt:     time.Date(2026, 9, 10, 10, 0, 0, 0, time.UTC),
		Status:     models.EventStatusConfirmed,
		Attendees:  attendees,
	}
}

func countEvents(t *testing.T, database *gorm.DB) int64 {
	t.Helper()
	var n int64
	database.Model(&models.Event{}).Count(&n)
	return n
}

func TestFullSync_PullsRemoteEventsIntoStore(t *testing.T) {
	adapter := &fakeAdapter{remote: []provider.CanonicalEvent{
		remoteEvent("r1", "Kickoff"),
		remoteEvent("r2", "Review"),
		remoteEvent("r3", "Retro"),
	}}
	engine, database, integration := newTestEngine(t, adapter)

	if err := engine.FullSync(context.Background(), integration.ID); err != nil {
		t.Fatalf("full sync: %v", err)
	}

	if n := countEvents(t, database); n != 3 {
		t.Fatalf("expected 3 events, got %d", n)
	}
	var events []models.Event
	database.Order("title").Find(&events)
	for _, event := range events {
		if event.SyncStatus != models.EventSyncSynced {
			t.Fatalf("event %s has status %q, want synced", event.Title, event.SyncStatus)
		}
		if event.ExternalID == nil || *event.ExternalID == "" {
			t.Fatalf("event %s missing external id", event.Title)
		}
	}

	var persisted models.Integration
	database.First(&persisted, "id = ?", integration.ID)
	if persisted.SyncStatus != models.SyncStatusSynced {
		t.Fatalf("integration status %q, want synced", persisted.SyncStatus)
	}
	if persisted.LastSyncedAt == nil {
		t.Fatal("expected last_synced_at to be set")
	}
}

func TestFullSync_Idempotent(t *testing.T) {
	adapter := &fakeAdapter{remote: []provider.CanonicalEvent{
		remoteEvent("r1", "Kickoff", provider.CanonicalAttendee{Email: "a@x.com"}),
	}}
	engine, database, integration := newTestEngine(t, adapter)

	if err := engine.FullSync(context.Background(), integration.ID); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := engine.FullSync(context.Background(), integration.ID); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if n := countEvents(t, database); n != 1 {
		t.Fatalf("expected 1 event after two passes, got %d", n)
	}
	var attendeeCount int64
	database.Model(&models.Attendee{}).Count(&attendeeCount)
	if attendeeCount != 1 {
		t.Fatalf("expected 1 attendee after two passes, got %d", attendeeCount)
	}
	var event models.Event
	database.First(&event)
	if event.SyncStatus != models.EventSyncSynced {
		t.Fatalf("expected synced, got %q", event.SyncStatus)
	}
}

func TestFullSync_PushesLocalEvent(t *testing.T) {
	adapter := &fakeAdapter{}
	engine, database, integration := newTestEngine(t, adapter)

	event := models.Event{
		ID:         uuid.New().String(),
		AccountID:  1,
		UserID:     1,
		Title:      "Local demo",
		StartsAt:   time.Date(2026, 9, 15, 14, 0, 0, 0, time.UTC),
		EndsAt:     time.Date(2026, 9, 15, 15, 0, 0, 0, time.UTC),
		Status:     models.EventStatusConfirmed,
		SyncStatus: models.EventSyncLocal,
	}
	if err := database.Create(&event).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}

	if err := engine.FullSync(context.Background(), integration.ID); err != nil {
		t.Fatalf("full sync: %v", err)
	}

	var pushed models.Event
	database.First(&pushed, "id = ?", event.ID)
	if pushed.ExternalID == nil || *pushed.ExternalID != "evt_123" {
		t.Fatalf("expected external id evt_123, got %v", pushed.ExternalID)
	}
	if pushed.SyncStatus != models.EventSyncSynced {
		t.Fatalf("expected synced, got %q", pushed.SyncStatus)
	}
	if pushed.IntegrationID == nil || *pushed.IntegrationID != integration.ID {
		t.Fatalf("expected event bound to integration, got %v", pushed.IntegrationID)
	}
}

func TestFullSync_PendingSyncWinsOverRemote(t *testing.T) {
	adapter := &fakeAdapter{remote: []provider.CanonicalEvent{
		remoteEvent("r1", "Stale remote title"),
	}}
	engine, database, integration := newTestEngine(t, adapter)

	externalID := "r1"
	event := models.Event{
		ID:            uuid.New().String(),
		AccountID:     1,
		UserID:        1,
		IntegrationID: &integration.ID,
		ExternalID:    &externalID,
		Title:         "Edited locally",
		StartsAt:      time.Date(2026, 9, 10, 9, 0, 0, 0, time.UTC),
		EndsAt:        time.Date(2026, 9, 10, 10, 0, 0, 0, time.UTC),
		Status:        models.EventStatusConfirmed,
		SyncStatus:    models.EventSyncPendingSync,
	}
	if err := database.Create(&event).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}

	if err := engine.FullSync(context.Background(), integration.ID); err != nil {
		t.Fatalf("full sync: %v", err)
	}

	if len(adapter.updates) != 1 {
		t.Fatalf("expected 1 remote update, got %d", len(adapter.updates))
	}
	if adapter.updates[0].Title != "Edited locally" {
		t.Fatalf("remote update carried %q, want local content", adapter.updates[0].Title)
	}
	var persisted models.Event
	database.First(&persisted, "id = ?", event.ID)
	if persisted.Title != "Edited locally" {
		t.Fatalf("local edit was overwritten by pull: %q", persisted.Title)
	}
	if persisted.SyncStatus != models.EventSyncSynced {
		t.Fatalf("expected synced after push, got %q", persisted.SyncStatus)
	}
}

func TestFullSync_TombstonesOnlySyncedEvents(t *testing.T) {
	adapter := &fakeAdapter{} // remote is now empty
	engine, database, integration := newTestEngine(t, adapter)

	goneID := "gone"
	now := time.Now()
	syncedEvent := models.Event{
		ID: uuid.New().String(), AccountID: 1, UserID: 1,
		IntegrationID: &integration.ID, ExternalID: &goneID,
		Title: "Deleted remotely", StartsAt: now, EndsAt: now.Add(time.Hour),
		Status: models.EventStatusConfirmed, SyncStatus: models.EventSyncSynced,
	}
	localEvent := models.Event{
		ID: uuid.New().String(), AccountID: 1, UserID: 1,
		Title: "Draft", StartsAt: now, EndsAt: now.Add(time.Hour),
		Status: models.EventStatusConfirmed, SyncStatus: models.EventSyncLocal,
	}
	if err := database.Create(&syncedEvent).Error; err != nil {
		t.Fatalf("seed synced event: %v", err)
	}
	if err := database.Create(&localEvent).Error; err != nil {
		t.Fatalf("seed local event: %v", err)
	}

	if err := engine.FullSync(context.Background(), integration.ID); err != nil {
		t.Fatalf("full sync: %v", err)
	}

	var tombstoned models.Event
	database.First(&tombstoned, "id = ?", syncedEvent.ID)
	if tombstoned.Status != models.EventStatusCancelled {
		t.Fatalf("expected cancelled tombstone, got %q", tombstoned.Status)
	}
	// soft tombstone, never a hard delete
	if n := countEvents(t, database); n != 2 {
		t.Fatalf("expected both rows to survive, got %d", n)
	}

	var draft models.Event
	database.First(&draft, "id = ?", localEvent.ID)
	if draft.Status != models.EventStatusConfirmed {
		t.Fatalf("local-only event was touched by tombstoning: %q", draft.Status)
	}
}

func TestFullSync_AttendeeSetConverges(t *testing.T) {
	adapter := &fakeAdapter{remote: []provider.CanonicalEvent{
		remoteEvent("r1", "Meeting",
			provider.CanonicalAttendee{Email: "a@x.com", Name: "A"},
			provider.CanonicalAttendee{Email: "b@x.com", Name: "B"},
		),
	}}
	engine, database, integration := newTestEngine(t, adapter)

	if err := engine.FullSync(context.Background(), integration.ID); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	adapter.remote = []provider.CanonicalEvent{
		remoteEvent("r1", "Meeting",
			provider.CanonicalAttendee{Email: "b@x.com", Name: "B", ResponseStatus: models.ResponseAccepted},
			provider.CanonicalAttendee{Email: "c@x.com", Name: "C"},
		),
	}
	if err := engine.FullSync(context.Background(), integration.ID); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	var attendees []models.Attendee
	database.Order("email").Find(&attendees)
	if len(attendees) != 2 {
		t.Fatalf("expected attendees {b, c}, got %d rows", len(attendees))
	}
	if attendees[0].Email != "b@x.com" || attendees[1].Email != "c@x.com" {
		t.Fatalf("unexpected attendee set: %s, %s", attendees[0].Email, attendees[1].Email)
	}
	if attendees[0].ResponseStatus != models.ResponseAccepted {
		t.Fatalf("expected b's response to be overwritten, got %q", attendees[0].ResponseStatus)
	}
}

func TestFullSync_BindsAttendeeToContactByEmail(t *testing.T) {
	adapter := &fakeAdapter{remote: []provider.CanonicalEvent{
		remoteEvent("r1", "Intro call", provider.CanonicalAttendee{Email: "lead@corp.com"}),
	}}
	engine, database, integration := newTestEngine(t, adapter)

	contact := models.Contact{AccountID: 1, Email: "lead@corp.com", Name: "Lead"}
	if err := database.Create(&contact).Error; err != nil {
		t.Fatalf("seed contact: %v", err)
	}

	if err := engine.FullSync(context.Background(), integration.ID); err != nil {
		t.Fatalf("full sync: %v", err)
	}

	var attendee models.Attendee
	database.First(&attendee, "email = ?", "lead@corp.com")
	if attendee.ContactID == nil || *attendee.ContactID != contact.ID {
		t.Fatalf("expected weak contact reference, got %v", attendee.ContactID)
	}
}

func TestFullSync_PushFailureIsolatedPerEvent(t *testing.T) {
	adapter := &fakeAdapter{failCreate: map[string]error{"Broken": errors.New("provider 500")}}
	engine, database, integration := newTestEngine(t, adapter)

	now := time.Now()
	broken := models.Event{
		ID: uuid.New().String(), AccountID: 1, UserID: 1, Title: "Broken",
		StartsAt: now, EndsAt: now.Add(time.Hour),
		Status: models.EventStatusConfirmed, SyncStatus: models.EventSyncLocal,
	}
	fine := models.Event{
		ID: uuid.New().String(), AccountID: 1, UserID: 1, Title: "Fine",
		StartsAt: now, EndsAt: now.Add(time.Hour),
		Status: models.EventStatusConfirmed, SyncStatus: models.EventSyncLocal,
	}
	database.Create(&broken)
	database.Create(&fine)

	if err := engine.FullSync(context.Background(), integration.ID); err != nil {
		t.Fatalf("full sync should survive per-event push failures: %v", err)
	}

	var after models.Event
	database.First(&after, "id = ?", broken.ID)
	if after.SyncStatus != models.EventSyncLocal {
		t.Fatalf("failed event should retain its status for retry, got %q", after.SyncStatus)
	}
	var fineAfter models.Event
	database.First(&fineAfter, "id = ?", fine.ID)
	if fineAfter.SyncStatus != models.EventSyncSynced {
		t.Fatalf("other events should still push, got %q", fineAfter.SyncStatus)
	}

	var persisted models.Integration
	database.First(&persisted, "id = ?", integration.ID)
	if persisted.SyncStatus != models.SyncStatusSynced {
		t.Fatalf("per-event failure must not fail the pass, got %q", persisted.SyncStatus)
	}
}

func TestFullSync_PullFailureMarksIntegrationError(t *testing.T) {
	adapter := &fakeAdapter{fetchErr: errors.New("upstream 503")}
	engine, database, integration := newTestEngine(t, adapter)

	err := engine.FullSync(context.Background(), integration.ID)
	if err == nil {
		t.Fatal("expected pull failure to surface")
	}

	var persisted models.Integration
	database.First(&persisted, "id = ?", integration.ID)
	if persisted.SyncStatus != models.SyncStatusError {
		t.Fatalf("expected error status, got %q", persisted.SyncStatus)
	}
	if persisted.SyncError == "" {
		t.Fatal("expected sync_error to be recorded")
	}
}

func TestFullSync_SkipsDisconnectedIntegration(t *testing.T) {
	adapter := &fakeAdapter{remote: []provider.CanonicalEvent{remoteEvent("r1", "x")}}
	engine, database, integration := newTestEngine(t, adapter)
	database.Model(&models.Integration{}).Where("id = ?", integration.ID).Update("refresh_token", "")

	if err := engine.FullSync(context.Background(), integration.ID); err != nil {
		t.Fatalf("disconnected integration should be a no-op: %v", err)
	}
	if n := countEvents(t, database); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestFullSync_UnsupportedPushSkipsWithoutFailing(t *testing.T) {
	adapter := &fakeAdapter{unsupported: true}
	engine, database, integration := newTestEngine(t, adapter)

	now := time.Now()
	event := models.Event{
		ID: uuid.New().String(), AccountID: 1, UserID: 1, Title: "Booked elsewhere",
		StartsAt: now, EndsAt: now.Add(time.Hour),
		Status: models.EventStatusConfirmed, SyncStatus: models.EventSyncLocal,
	}
	database.Create(&event)

	if err := engine.FullSync(context.Background(), integration.ID); err != nil {
		t.Fatalf("unsupported pushes must not fail the pass: %v", err)
	}

	var persisted models.Integration
	database.First(&persisted, "id = ?", integration.ID)
	if persisted.SyncStatus != models.SyncStatusSynced {
		t.Fatalf("expected synced, got %q", persisted.SyncStatus)
	}
}

func TestDeleteRemote_IgnoresMissingRemote(t *testing.T) {
	adapter := &fakeAdapter{}
	engine, database, integration := newTestEngine(t, adapter)

	externalID := "evt_9"
	now := time.Now()
	event := models.Event{
		ID: uuid.New().String(), AccountID: 1, UserID: 1,
		IntegrationID: &integration.ID, ExternalID: &externalID,
		Title: "To remove", StartsAt: now, EndsAt: now.Add(time.Hour),
		Status: models.EventStatusConfirmed, SyncStatus: models.EventSyncSynced,
	}
	database.Create(&event)

	if err := engine.DeleteRemote(context.Background(), &event); err != nil {
		t.Fatalf("delete remote: %v", err)
	}
	if len(adapter.deletes) != 1 || adapter.deletes[0] != "evt_9" {
		t.Fatalf("expected provider delete for evt_9, got %v", adapter.deletes)
	}

	// unbound events are a no-op
	unbound := models.Event{ID: uuid.New().String(), AccountID: 1, UserID: 1}
	if err := engine.DeleteRemote(context.Background(), &unbound); err != nil {
		t.Fatalf("unbound delete: %v", err)
	}
}

func TestPushEvent_SerializesAgainstRunningPass(t *testing.T) {
	adapter := &fakeAdapter{
		fetchStarted: make(chan struct{}),
		fetchRelease: make(chan struct{}),
	}
	started := adapter.fetchStarted
	engine, database, integration := newTestEngine(t, adapter)

	event := models.Event{
		ID:            uuid.New().String(),
		AccountID:     1,
		UserID:        1,
		IntegrationID: &integration.ID,
		Title:         "Pending push",
		StartsAt:      time.Date(2026, 9, 15, 14, 0, 0, 0, time.UTC),
		EndsAt:        time.Date(2026, 9, 15, 15, 0, 0, 0, time.UTC),
		Status:        models.EventStatusConfirmed,
		SyncStatus:    models.EventSyncLocal,
	}
	if err := database.Create(&event).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}

	passDone := make(chan error, 1)
	go func() { passDone <- engine.FullSync(context.Background(), integration.ID) }()
	<-started

	pushDone := make(chan error, 1)
	go func() { pushDone <- engine.PushEvent(context.Background(), event.ID) }()

	select {
	case <-pushDone:
		t.Fatal("push completed while a pass held the integration")
	case <-time.After(100 * time.Millisecond):
	}

	close(adapter.fetchRelease)
	if err := <-passDone; err != nil {
		t.Fatalf("full sync: %v", err)
	}
	if err := <-pushDone; err != nil {
		t.Fatalf("push: %v", err)
	}

	// The pass pushed the event; the serialized push must see that and not
	// create a second remote copy.
	if len(adapter.creates) != 1 {
		t.Fatalf("expected exactly one remote create, got %d", len(adapter.creates))
	}
	var pushed models.Event
	database.First(&pushed, "id = ?", event.ID)
	if pushed.ExternalID == nil || *pushed.ExternalID != "evt_123" {
		t.Fatalf("expected external id evt_123, got %v", pushed.ExternalID)
	}
	if pushed.SyncStatus != models.EventSyncSynced {
		t.Fatalf("expected synced, got %q", pushed.SyncStatus)
	}
}
