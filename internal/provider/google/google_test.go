package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crmdesk/calsync/internal/provider"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New("client-id", "client-secret", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
}

func TestFetchEvents_ParsesTimedAndAllDayEvents(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/calendars/primary/events") {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		query := r.URL.Query()
		if query.Get("singleEvents") != "true" || query.Get("maxResults") != "250" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[
			{"id":"evt_1","summary":"Standup","status":"confirmed",
			 "start":{"dateTime":"2026-09-01T09:00:00Z"},"end":{"dateTime":"2026-09-01T09:15:00Z"},
			 "hangoutLink":"https://meet.google.com/abc",
			 "attendees":[{"email":"a@x.com","displayName":"A","responseStatus":"needsAction","organizer":true}]},
			{"id":"evt_2","start":{"date":"2026-09-02"},"end":{"date":"2026-09-03"}}
		]}`))
	})

	events, err := adapter.FetchEvents(context.Background(), "tok", "", provider.SyncWindow(time.Now()))
	if err != nil {
		t.Fatalf("fetch events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	first := events[0]
	if first.ExternalID != "evt_1" || first.Title != "Standup" || first.AllDay {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if first.MeetingURL != "https://meet.google.com/abc" {
		t.Fatalf("expected hangout link as meeting url, got %q", first.MeetingURL)
	}
	if len(first.Attendees) != 1 {
		t.Fatalf("expected 1 attendee, got %d", len(first.Attendees))
	}
	att := first.Attendees[0]
	if att.ResponseStatus != "pending" || !att.IsOrganizer {
		t.Fatalf("unexpected attendee mapping: %+v", att)
	}

	second := events[1]
	if !second.AllDay || second.Title != "(no title)" || second.Status != "confirmed" {
		t.Fatalf("unexpected all-day event: %+v", second)
	}
}

func TestCreateEvent_ReturnsExternalID(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["summary"] != "Demo" {
			t.Fatalf("unexpected summary: %v", payload["summary"])
		}
		start, ok := payload["start"].(map[string]any)
		if !ok || start["dateTime"] == nil {
			t.Fatalf("expected timed start, got %v", payload["start"])
		}
		w.Write([]byte(`{"id":"evt_123"}`))
	})

	id, err := adapter.CreateEvent(context.Background(), "tok", "primary", &provider.CanonicalEvent{
		Title:    "Demo",
		StartsAt: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC),
		Status:   "confirmed",
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if id != "evt_123" {
		t.Fatalf("expected evt_123, got %q", id)
	}
}

func TestDeleteEvent_MapsGoneToNotFound(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	err := adapter.DeleteEvent(context.Background(), "tok", "primary", "evt_zz")
	if !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetupWebhook_ParsesChannel(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/events/watch") {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["type"] != "web_hook" || body["address"] != "https://app.example.com/webhooks/calendar/google" {
			t.Fatalf("unexpected watch body: %v", body)
		}
		w.Write([]byte(`{"resourceId":"res-1","expiration":"1790000000000"}`))
	})

	channel, err := adapter.SetupWebhook(context.Background(), "tok", "primary", "https://app.example.com/webhooks/calendar/google")
	if err != nil {
		t.Fatalf("setup webhook: %v", err)
	}
	if channel.ChannelID == "" || channel.ResourceID != "res-1" {
		t.Fatalf("unexpected channel: %+v", channel)
	}
	if channel.ExpiresAt.UnixMilli() != 1790000000000 {
		t.Fatalf("expected expiry from response, got %v", channel.ExpiresAt)
	}
}

func TestErrorResponse_BecomesStatusError(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"backend"}}`))
	})

	_, err := adapter.FetchEvents(context.Background(), "tok", "primary", provider.SyncWindow(time.Now()))
	var statusErr *provider.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", statusErr.Code)
	}
}
