package google

import (
	"time"

	"github.com/crmdesk/calsync/internal/provider"
)

// googleEvent is the wire shape of one Calendar API event.
type googleEvent struct {
	ID          string           `json:"id"`
	Summary     string           `json:"summary"`
	Description string           `json:"description"`
	Location    string           `json:"location"`
	Status      string           `json:"status"`
	HTMLLink    string           `json:"htmlLink"`
	HangoutLink string           `json:"hangoutLink"`
	Start       googleEventTime  `json:"start"`
	End         googleEventTime  `json:"end"`
	Attendees   []googleAttendee `json:"attendees"`
	Creator     map[string]any   `json:"creator"`
	Organizer   map[string]any   `json:"organizer"`
	Conference  *conferenceData  `json:"conferenceData"`
}

type googleEventTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
	TimeZone string `json:"timeZone"`
}

type googleAttendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName"`
	ResponseStatus string `json:"responseStatus"`
	Organizer      bool   `json:"organizer"`
	Optional       bool   `json:"optional"`
}

type conferenceData struct {
	EntryPoints []entryPoint `json:"entryPoints"`
}

type entryPoint struct {
	EntryPointType string `json:"entryPointType"`
	URI            string `json:"uri"`
}

func (e googleEvent) canonical() provider.CanonicalEvent {
	title := e.Summary
	if title == "" {
		title = "(no title)"
	}
	status := e.Status
	if status == "" {
		status = "confirmed"
	}

	attendees := make([]provider.CanonicalAttendee, 0, len(e.Attendees))
	for _, att := range e.Attendees {
		attendees = append(attendees, provider.CanonicalAttendee{
			Email:          att.Email,
			Name:           att.DisplayName,
			ResponseStatus: mapResponseStatus(att.ResponseStatus),
			IsOrganizer:    att.Organizer,
			IsOptional:     att.Optional,
		})
	}

	return provider.CanonicalEvent{
		ExternalID:  e.ID,
		Title:       title,
		Description: e.Description,
		StartsAt:    e.Start.parse(),
		EndsAt:      e.End.parse(),
		AllDay:      e.Start.Date != "",
		Location:    e.Location,
		Status:      status,
		MeetingURL:  e.meetingURL(),
		Attendees:   attendees,
		Metadata: map[string]any{
			"html_link":    e.HTMLLink,
			"hangout_link": e.HangoutLink,
			"creator":      e.Creator,
			"organizer":    e.Organizer,
		},
	}
}

func (t googleEventTime) parse() time.Time {
	if t.DateTime != "" {
		if parsed, err := time.Parse(time.RFC3339, t.DateTime); err == nil {
			return parsed
		}
	}
	if t.Date != "" {
		if parsed, err := time.Parse("2006-01-02", t.Date); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func (e googleEvent) meetingURL() string {
	if e.HangoutLink != "" {
		return e.HangoutLink
	}
	if e.Conference != nil {
		for _, entry := range e.Conference.EntryPoints {
			if entry.EntryPointType == "video" {
				return entry.URI
			}
		}
	}
	return ""
}

func mapResponseStatus(status string) string {
	switch status {
	case "accepted", "declined", "tentative":
		return status
	default: // needsAction or absent
		return "pending"
	}
}

// buildEventPayload maps a canonical event into the Calendar API insert/patch
// body. All-day events use exclusive end dates, so the span gains one day on
// the wire.
func buildEventPayload(event *provider.CanonicalEvent) map[string]any {
	payload := map[string]any{
		"summary":     event.Title,
		"description": event.Description,
		"location":    event.Location,
		"status":      event.Status,
	}

	if event.AllDay {
		payload["start"] = map[string]any{"date": event.StartsAt.UTC().Format("2006-01-02")}
		payload["end"] = map[string]any{"date": event.EndsAt.UTC().AddDate(0, 0, 1).Format("2006-01-02")}
	} else {
		payload["start"] = map[string]any{"dateTime": event.StartsAt.UTC().Format(time.RFC3339), "timeZone": "UTC"}
		payload["end"] = map[string]any{"dateTime": event.EndsAt.UTC().Format(time.RFC3339), "timeZone": "UTC"}
	}

	if len(event.Attendees) > 0 {
		attendees := make([]map[string]any, 0, len(event.Attendees))
		for _, att := range event.Attendees {
			attendees = append(attendees, map[string]any{
				"email":       att.Email,
				"displayName": att.Name,
			})
		}
		payload["attendees"] = attendees
	}

	if event.MeetingURL != "" {
		payload["conferenceData"] = map[string]any{
			"entryPoints": []map[string]any{
				{"entryPointType": "video", "uri": event.MeetingURL},
			},
		}
	}

	return payload
}
