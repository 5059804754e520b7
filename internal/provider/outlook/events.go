package outlook

import (
	"strings"
	"time"

	"github.com/crmdesk/calsync/internal/provider"
)

// graphEvent is the wire shape of one Microsoft Graph event.
type graphEvent struct {
	ID            string          `json:"id"`
	Subject       string          `json:"subject"`
	BodyPreview   string          `json:"bodyPreview"`
	Body          *graphBody      `json:"body"`
	Location      *graphLocation  `json:"location"`
	Start         graphDateTime   `json:"start"`
	End           graphDateTime   `json:"end"`
	IsAllDay      bool            `json:"isAllDay"`
	IsCancelled   bool            `json:"isCancelled"`
	ShowAs        string          `json:"showAs"`
	WebLink       string          `json:"webLink"`
	OnlineMeeting *onlineMeeting  `json:"onlineMeeting"`
	Attendees     []graphAttendee `json:"attendees"`
	Organizer     *graphAttendee  `json:"organizer"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type onlineMeeting struct {
	JoinURL string `json:"joinUrl"`
}

type graphAttendee struct {
	Type         string        `json:"type"` // required | optional | resource
	Status       *graphStatus  `json:"status"`
	EmailAddress *graphAddress `json:"emailAddress"`
}

type graphStatus struct {
	Response string `json:"response"`
}

type graphAddress struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func (e graphEvent) canonical() provider.CanonicalEvent {
	title := e.Subject
	if title == "" {
		title = "(no title)"
	}

	organizerEmail := ""
	if e.Organizer != nil && e.Organizer.EmailAddress != nil {
		organizerEmail = e.Organizer.EmailAddress.Address
	}

	attendees := make([]provider.CanonicalAttendee, 0, len(e.Attendees))
	for _, att := range e.Attendees {
		if att.EmailAddress == nil || att.EmailAddress.Address == "" {
			continue
		}
		response := "pending"
		if att.Status != nil {
			response = mapResponse(att.Status.Response)
		}
		attendees = append(attendees, provider.CanonicalAttendee{
			Email:          att.EmailAddress.Address,
			Name:           att.EmailAddress.Name,
			ResponseStatus: response,
			IsOrganizer:    strings.EqualFold(att.EmailAddress.Address, organizerEmail),
			IsOptional:     att.Type == "optional",
		})
	}

	description := e.BodyPreview
	if e.Body != nil && e.Body.ContentType == "text" {
		description = e.Body.Content
	}

	location := ""
	if e.Location != nil {
		location = e.Location.DisplayName
	}

	meetingURL := ""
	if e.OnlineMeeting != nil {
		meetingURL = e.OnlineMeeting.JoinURL
	}

	return provider.CanonicalEvent{
		ExternalID:  e.ID,
		Title:       title,
		Description: description,
		StartsAt:    e.Start.parse(),
		EndsAt:      e.End.parse(),
		AllDay:      e.IsAllDay,
		Location:    location,
		Status:      e.status(),
		MeetingURL:  meetingURL,
		Attendees:   attendees,
		Metadata: map[string]any{
			"web_link": e.WebLink,
			"show_as":  e.ShowAs,
		},
	}
}

func (e graphEvent) status() string {
	if e.IsCancelled {
		return "cancelled"
	}
	if e.ShowAs == "tentative" {
		return "tentative"
	}
	return "confirmed"
}

// parse handles Graph's fractional-second local format; the Prefer header
// pins responses to UTC.
func (t graphDateTime) parse() time.Time {
	value := t.DateTime
	if value == "" {
		return time.Time{}
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed
	}
	if parsed, err := time.Parse("2006-01-02T15:04:05.9999999", value); err == nil {
		return parsed.UTC()
	}
	if parsed, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
		return parsed.UTC()
	}
	return time.Time{}
}

func mapResponse(response string) string {
	switch response {
	case "accepted", "organizer":
		return "accepted"
	case "declined":
		return "declined"
	case "tentativelyAccepted":
		return "tentative"
	default: // none, notResponded
		return "pending"
	}
}

func buildEventPayload(event *provider.CanonicalEvent) map[string]any {
	payload := map[string]any{
		"subject": event.Title,
		"body": map[string]any{
			"contentType": "text",
			"content":     event.Description,
		},
		"isAllDay": event.AllDay,
		"location": map[string]any{"displayName": event.Location},
	}

	start, end := event.StartsAt.UTC(), event.EndsAt.UTC()
	if event.AllDay {
		// Graph wants midnight boundaries with an exclusive end date
		start = start.Truncate(24 * time.Hour)
		end = end.Truncate(24 * time.Hour).AddDate(0, 0, 1)
	}
	payload["start"] = map[string]any{"dateTime": start.Format("2006-01-02T15:04:05"), "timeZone": "UTC"}
	payload["end"] = map[string]any{"dateTime": end.Format("2006-01-02T15:04:05"), "timeZone": "UTC"}

	if len(event.Attendees) > 0 {
		attendees := make([]map[string]any, 0, len(event.Attendees))
		for _, att := range event.Attendees {
			attendeeType := "required"
			if att.IsOptional {
				attendeeType = "optional"
			}
			attendees = append(attendees, map[string]any{
				"emailAddress": map[string]any{"address": att.Email, "name": att.Name},
				"type":         attendeeType,
			})
		}
		payload["attendees"] = attendees
	}

	return payload
}
