package handlers

import (
	"net/http"
	"time"

	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/emersion/go-ical"
	"gorm.io/gorm"
)

// ICSFeedHandler serves the account's non-cancelled events as an iCalendar
// feed, for subscription from apps we have no adapter for.
// GET /api/v1/accounts/{accountID}/calendar.ics
func ICSFeedHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := accountID(r)
		if account == 0 {
			writeError(w, http.StatusBadRequest, "invalid account id")
			return
		}

		query := database.Where("account_id = ?", account).
			Where("status <> ?", models.EventStatusCancelled).
			Order("starts_at")
		if userID := r.URL.Query().Get("user_id"); userID != "" {
			query = query.Where("user_id = ?", userID)
		}

		var events []models.Event
		if err := query.Find(&events).Error; err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load events")
			return
		}

		cal := ical.NewCalendar()
		cal.Props.SetText(ical.PropVersion, "2.0")
		cal.Props.SetText(ical.PropProductID, "-//crmdesk//calsync//EN")

		now := time.Now().UTC()
		for i := range events {
			event := &events[i]
			entry := ical.NewEvent()
			entry.Props.SetText(ical.PropUID, event.ID+"@calsync")
			entry.Props.SetDateTime(ical.PropDateTimeStamp, now)
			if event.AllDay {
				entry.Props.SetDate(ical.PropDateTimeStart, event.StartsAt.UTC())
				entry.Props.SetDate(ical.PropDateTimeEnd, event.EndsAt.UTC())
			} else {
				entry.Props.SetDateTime(ical.PropDateTimeStart, event.StartsAt.UTC())
				entry.Props.SetDateTime(ical.PropDateTimeEnd, event.EndsAt.UTC())
			}
			entry.Props.SetText(ical.PropSummary, event.Title)
			if event.Description != "" {
				entry.Props.SetText(ical.PropDescription, event.Description)
			}
			if event.Location != "" {
				entry.Props.SetText(ical.PropLocation, event.Location)
			}
			if event.Status == models.EventStatusTentative {
				entry.Props.SetText(ical.PropStatus, "TENTATIVE")
			} else {
				entry.Props.SetText(ical.PropStatus, "CONFIRMED")
			}
			cal.Children = append(cal.Children, entry.Component)
		}

		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		ical.NewEncoder(w).Encode(cal)
	}
}
