package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/crmdesk/calsync/internal/jobs"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RemoteDeleter is the slice of the sync engine event deletion needs.
type RemoteDeleter interface {
	DeleteRemote(ctx context.Context, event *models.Event) error
}

type attendeePayload struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Optional bool   `json:"optional"`
}

type linkPayload struct {
	LinkableType string `json:"linkable_type"`
	LinkableID   uint   `json:"linkable_id"`
}

type eventPayload struct {
	Title         *string            `json:"title"`
	Description   *string            `json:"description"`
	StartsAt      *time.Time         `json:"starts_at"`
	EndsAt        *time.Time         `json:"ends_at"`
	AllDay        *bool              `json:"all_day"`
	Location      *string            `json:"location"`
	MeetingURL    *string            `json:"meeting_url"`
	EventType     *string            `json:"event_type"`
	Status        *string            `json:"status"`
	UserID        *uint              `json:"user_id"`
	IntegrationID *string            `json:"integration_id"`
	Attendees     *[]attendeePayload `json:"attendees"`
	Links         *[]linkPayload     `json:"links"`
}

type eventJSON struct {
	ID            string     `json:"id"`
	UserID        uint       `json:"user_id"`
	IntegrationID *string    `json:"integration_id,omitempty"`
	ExternalID    *string    `json:"external_id,omitempty"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	StartsAt      time.Time  `json:"starts_at"`
	EndsAt        time.Time  `json:"ends_at"`
	AllDay        bool       `json:"all_day"`
	Location      string     `json:"location,omitempty"`
	MeetingURL    string     `json:"meeting_url,omitempty"`
	EventType     string     `json:"event_type"`
	Status        string     `json:"status"`
	SyncStatus    string     `json:"sync_status"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`

	Attendees []attendeeJSON `json:"attendees"`
	Links     []linkJSON     `json:"links"`
}

type attendeeJSON struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	ResponseStatus string `json:"response_status"`
	IsOrganizer    bool   `json:"is_organizer"`
	IsOptional     bool   `json:"is_optional"`
	ContactID      *uint  `json:"contact_id,omitempty"`
}

type linkJSON struct {
	LinkableType string `json:"linkable_type"`
	LinkableID   uint   `json:"linkable_id"`
}

func eventToJSON(e *models.Event) eventJSON {
	out := eventJSON{
		ID:            e.ID,
		UserID:        e.UserID,
		IntegrationID: e.IntegrationID,
		ExternalID:    e.ExternalID,
		Title:         e.Title,
		Description:   e.Description,
		StartsAt:      e.StartsAt,
		EndsAt:        e.EndsAt,
		AllDay:        e.AllDay,
		Location:      e.Location,
		MeetingURL:    e.MeetingURL,
		EventType:     e.EventType,
		Status:        e.Status,
		SyncStatus:    e.SyncStatus,
		SyncedAt:      e.SyncedAt,
		Attendees:     []attendeeJSON{},
		Links:         []linkJSON{},
	}
	for _, att := range e.Attendees {
		out.Attendees = append(out.Attendees, attendeeJSON{
			Email:          att.Email,
			Name:           att.Name,
			ResponseStatus: att.ResponseStatus,
			IsOrganizer:    att.IsOrganizer,
			IsOptional:     att.IsOptional,
			ContactID:      att.ContactID,
		})
	}
	for _, link := range e.Links {
		out.Links = append(out.Links, linkJSON{LinkableType: link.LinkableType, LinkableID: link.LinkableID})
	}
	return out
}

// ListEventsHandler returns events in a time range with optional filters.
// GET /api/v1/accounts/{accountID}/events?from=&to=&user_id=&event_type=&status=&integration_id=
func ListEventsHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := accountID(r)
		if account == 0 {
			writeError(w, http.StatusBadRequest, "invalid account id")
			return
		}

		query := database.Where("account_id = ?", account).
			Preload("Attendees").Preload("Links").
			Order("starts_at")

		q := r.URL.Query()
		if from := q.Get("from"); from != "" {
			t, err := time.Parse(time.RFC3339, from)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid from timestamp")
				return
			}
			query = query.Where("ends_at >= ?", t)
		}
		if to := q.Get("to"); to != "" {
			t, err := time.Parse(time.RFC3339, to)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid to timestamp")
				return
			}
			query = query.Where("starts_at <= ?", t)
		}
		if userID := q.Get("user_id"); userID != "" {
			query = query.Where("user_id = ?", userID)
		}
		if eventType := q.Get("event_type"); eventType != "" {
			query = query.Where("event_type = ?", eventType)
		}
		if status := q.Get("status"); status != "" {
			query = query.Where("status = ?", status)
		}
		if integrationID := q.Get("integration_id"); integrationID != "" {
			query = query.Where("calendar_integration_id = ?", integrationID)
		}

		var events []models.Event
		if err := query.Find(&events).Error; err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load events")
			return
		}
		writeEventList(w, events)
	}
}

// UpcomingEventsHandler returns the next non-cancelled events.
// GET /api/v1/accounts/{accountID}/events/upcoming?limit=&user_id=
func UpcomingEventsHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := accountID(r)
		if account == 0 {
			writeError(w, http.StatusBadRequest, "invalid account id")
			return
		}

		limit := 10
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		query := database.Where("account_id = ?", account).
			Where("starts_at >= ?", time.Now()).
			Where("status <> ?", models.EventStatusCancelled).
			Preload("Attendees").Preload("Links").
			Order("starts_at").Limit(limit)
		if userID := r.URL.Query().Get("user_id"); userID != "" {
			query = query.Where("user_id = ?", userID)
		}

		var events []models.Event
		if err := query.Find(&events).Error; err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load events")
			return
		}
		writeEventList(w, events)
	}
}

// EventsByLinkHandler returns events attached to one CRM entity.
// GET /api/v1/accounts/{accountID}/events/by_link?linkable_type=Contact&linkable_id=42
func EventsByLinkHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := accountID(r)
		if account == 0 {
			writeError(w, http.StatusBadRequest, "invalid account id")
			return
		}

		linkableType := r.URL.Query().Get("linkable_type")
		if !models.ValidLinkableType(linkableType) {
			writeError(w, http.StatusBadRequest, "invalid linkable_type")
			return
		}
		linkableID, err := strconv.ParseUint(r.URL.Query().Get("linkable_id"), 10, 32)
		if err != nil || linkableID == 0 {
			writeError(w, http.StatusBadRequest, "linkable_id is required")
			return
		}

		var events []models.Event
		err = database.
			Joins("JOIN calendar_event_links ON calendar_event_links.calendar_event_id = calendar_events.id").
			Where("calendar_events.account_id = ?", account).
			Where("calendar_event_links.linkable_type = ? AND calendar_event_links.linkable_id = ?", linkableType, linkableID).
			Preload("Attendees").Preload("Links").
			Order("calendar_events.starts_at").
			Find(&events).Error
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load events")
			return
		}
		writeEventList(w, events)
	}
}

// CreateEventHandler creates a local event. When bound to an integration the
// push to the provider happens asynchronously on the immediate queue.
// POST /api/v1/accounts/{accountID}/events
func CreateEventHandler(database *gorm.DB, queue *jobs.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := accountID(r)
		if account == 0 {
			writeError(w, http.StatusBadRequest, "invalid account id")
			return
		}

		var payload eventPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if payload.Title == nil || *payload.Title == "" {
			writeError(w, http.StatusBadRequest, "title is required")
			return
		}
		if payload.StartsAt == nil || payload.EndsAt == nil {
			writeError(w, http.StatusBadRequest, "starts_at and ends_at are required")
			return
		}
		if !payload.EndsAt.After(*payload.StartsAt) {
			writeError(w, http.StatusBadRequest, "ends_at must be after starts_at")
			return
		}
		if payload.UserID == nil || *payload.UserID == 0 {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		if payload.Links != nil {
			for _, link := range *payload.Links {
				if !models.ValidLinkableType(link.LinkableType) {
					writeError(w, http.StatusBadRequest, "invalid linkable_type "+link.LinkableType)
					return
				}
			}
		}
		if payload.IntegrationID != nil {
			var count int64
			database.Model(&models.Integration{}).
				Where("id = ? AND account_id = ?", *payload.IntegrationID, account).
				Count(&count)
			if count == 0 {
				writeError(w, http.StatusBadRequest, "unknown integration")
				return
			}
		}

		event := models.Event{
			ID:            uuid.New().String(),
			AccountID:     account,
			UserID:        *payload.UserID,
			IntegrationID: payload.IntegrationID,
			Title:         *payload.Title,
			StartsAt:      *payload.StartsAt,
			EndsAt:        *payload.EndsAt,
			EventType:     models.EventTypeMeeting,
			Status:        models.EventStatusConfirmed,
			SyncStatus:    models.EventSyncLocal,
		}
		applyPayload(&event, &payload)

		err := database.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&event).Error; err != nil {
				return err
			}
			if payload.Attendees != nil {
				if err := replaceAttendees(tx, account, event.ID, *payload.Attendees); err != nil {
					return err
				}
			}
			if payload.Links != nil {
				return replaceLinks(tx, event.ID, *payload.Links)
			}
			return nil
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create event")
			return
		}

		if event.IntegrationID != nil {
			queue.EnqueueEventPush(event.ID)
		}

		reloadAssociations(database, &event)
		writeJSON(w, http.StatusCreated, eventToJSON(&event))
	}
}

// UpdateEventHandler applies a local edit. Edits to an already synced event
// flip it to pending_sync so the pull phase cannot clobber the change before
// it reaches the provider.
// PUT /api/v1/accounts/{accountID}/events/{id}
func UpdateEventHandler(database *gorm.DB, queue *jobs.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event, ok := loadEvent(database, w, r)
		if !ok {
			return
		}

		var payload eventPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if payload.Links != nil {
			for _, link := range *payload.Links {
				if !models.ValidLinkableType(link.LinkableType) {
					writeError(w, http.StatusBadRequest, "invalid linkable_type "+link.LinkableType)
					return
				}
			}
		}

		applyPayload(event, &payload)
		if !event.EndsAt.After(event.StartsAt) {
			writeError(w, http.StatusBadRequest, "ends_at must be after starts_at")
			return
		}
		if event.Synced() {
			event.SyncStatus = models.EventSyncPendingSync
		}

		err := database.Transaction(func(tx *gorm.DB) error {
			if err := tx.Save(event).Error; err != nil {
				return err
			}
			if payload.Attendees != nil {
				if err := replaceAttendees(tx, event.AccountID, event.ID, *payload.Attendees); err != nil {
					return err
				}
			}
			if payload.Links != nil {
				return replaceLinks(tx, event.ID, *payload.Links)
			}
			return nil
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update event")
			return
		}

		if event.IntegrationID != nil {
			queue.EnqueueEventPush(event.ID)
		}

		reloadAssociations(database, event)
		writeJSON(w, http.StatusOK, eventToJSON(event))
	}
}

// DeleteEventHandler removes an event locally after a best-effort delete of
// its provider copy. A failed remote delete still removes the local row; the
// remote copy resurfaces on the next pull at worst.
// DELETE /api/v1/accounts/{accountID}/events/{id}
func DeleteEventHandler(database *gorm.DB, deleter RemoteDeleter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event, ok := loadEvent(database, w, r)
		if !ok {
			return
		}

		if err := deleter.DeleteRemote(r.Context(), event); err != nil {
			log.Printf("[events] remote delete failed for event %s: %v", event.ID, err)
		}

		err := database.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("calendar_event_id = ?", event.ID).Delete(&models.Attendee{}).Error; err != nil {
				return err
			}
			if err := tx.Where("calendar_event_id = ?", event.ID).Delete(&models.EventLink{}).Error; err != nil {
				return err
			}
			return tx.Delete(event).Error
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete event")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func loadEvent(database *gorm.DB, w http.ResponseWriter, r *http.Request) (*models.Event, bool) {
	account := accountID(r)
	if account == 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return nil, false
	}

	var event models.Event
	err := database.Where("id = ? AND account_id = ?", chi.URLParam(r, "id"), account).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load event")
		}
		return nil, false
	}
	return &event, true
}

func applyPayload(event *models.Event, payload *eventPayload) {
	if payload.Title != nil {
		event.Title = *payload.Title
	}
	if payload.Description != nil {
		event.Description = *payload.Description
	}
	if payload.StartsAt != nil {
		event.StartsAt = *payload.StartsAt
	}
	if payload.EndsAt != nil {
		event.EndsAt = *payload.EndsAt
	}
	if payload.AllDay != nil {
		event.AllDay = *payload.AllDay
	}
	if payload.Location != nil {
		event.Location = *payload.Location
	}
	if payload.MeetingURL != nil {
		event.MeetingURL = *payload.MeetingURL
	}
	if payload.EventType != nil {
		event.EventType = *payload.EventType
	}
	if payload.Status != nil {
		event.Status = *payload.Status
	}
}

// replaceAttendees swaps the full attendee set, re-binding weak contact
// references by account-scoped email match.
func replaceAttendees(tx *gorm.DB, account uint, eventID string, attendees []attendeePayload) error {
	if err := tx.Where("calendar_event_id = ?", eventID).Delete(&models.Attendee{}).Error; err != nil {
		return err
	}
	for _, att := range attendees {
		if att.Email == "" {
			continue
		}
		row := models.Attendee{
			ID:              uuid.New().String(),
			CalendarEventID: eventID,
			Email:           att.Email,
			Name:            att.Name,
			ResponseStatus:  models.ResponsePending,
			IsOptional:      att.Optional,
		}
		var contact models.Contact
		if err := tx.Where("account_id = ? AND email = ?", account, att.Email).First(&contact).Error; err == nil {
			row.ContactID = &contact.ID
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

func replaceLinks(tx *gorm.DB, eventID string, links []linkPayload) error {
	if err := tx.Where("calendar_event_id = ?", eventID).Delete(&models.EventLink{}).Error; err != nil {
		return err
	}
	for _, link := range links {
		row := models.EventLink{
			ID:              uuid.New().String(),
			CalendarEventID: eventID,
			LinkableType:    link.LinkableType,
			LinkableID:      link.LinkableID,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

func reloadAssociations(database *gorm.DB, event *models.Event) {
	database.Preload("Attendees").Preload("Links").First(event, "id = ?", event.ID)
}

func writeEventList(w http.ResponseWriter, events []models.Event) {
	out := make([]eventJSON, 0, len(events))
	for i := range events {
		out = append(out, eventToJSON(&events[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": out,
		"count":  len(out),
	})
}
