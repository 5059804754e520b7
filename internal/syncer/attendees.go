package syncer

import (
	"errors"
	"time"

	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/crmdesk/calsync/internal/provider"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// reconcileAttendees converges an event's attendee set onto the canonical
// list: absent emails are removed, present ones are created or overwritten,
// and each attendee gets a best-effort weak contact reference by exact email
// match within the account.
func (e *Engine) reconcileAttendees(tx *gorm.DB, accountID uint, eventID string, remote []provider.CanonicalAttendee) error {
	emails := make([]string, 0, len(remote))
	for _, att := range remote {
		emails = append(emails, att.Email)
	}

	removal := tx.Where("calendar_event_id = ?", eventID)
	if len(emails) > 0 {
		removal = removal.Where("email NOT IN ?", emails)
	}
	if err := removal.Delete(&models.Attendee{}).Error; err != nil {
		return err
	}

	for _, att := range remote {
		if att.Email == "" {
			continue
		}

		var attendee models.Attendee
		err := tx.Where("calendar_event_id = ? AND email = ?", eventID, att.Email).First(&attendee).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			attendee = models.Attendee{
				ID:              uuid.New().String(),
				CalendarEventID: eventID,
				Email:           att.Email,
				CreatedAt:       time.Now(),
			}
		} else if err != nil {
			return err
		}

		attendee.Name = att.Name
		attendee.ResponseStatus = responseOrDefault(att.ResponseStatus)
		attendee.IsOrganizer = att.IsOrganizer
		attendee.IsOptional = att.IsOptional

		if attendee.ContactID == nil {
			var contact models.Contact
			if err := tx.Where("account_id = ? AND email = ?", accountID, att.Email).First(&contact).Error; err == nil {
				attendee.ContactID = &contact.ID
			}
			// no match is fine; the reference stays empty
		}

		if err := tx.Save(&attendee).Error; err != nil {
			return err
		}
	}

	return nil
}

func responseOrDefault(status string) string {
	switch status {
	case models.ResponseAccepted, models.ResponseDeclined, models.ResponseTentative:
		return status
	default:
		return models.ResponsePending
	}
}
