package types

import (
	"encoding/json"
	"time"
)

// ArchivedDeadLetter is a dead letter persisted by the archiver. Identity and
// routing fields are lifted out of the message for filtering; the message is
// kept verbatim.
type ArchivedDeadLetter struct {
	ID             string           `json:"id"`
	NotificationID string           `json:"notification_id,omitempty"`
	CorrelationID  string           `json:"correlation_id,omitempty"`
	Type           NotificationType `json:"notification_type,omitempty"`
	RetryCount     int              `json:"retry_count"`
	Reason         string           `json:"reason,omitempty"`
	Error          string           `json:"error"`
	Message        json.RawMessage  `json:"message"`
	FailedAt       time.Time        `json:"failed_at"`
	ArchivedAt     time.Time        `json:"archived_at"`
}

// DeadLetterFilter narrows an archive listing. Cursor is the archived_at of
// the last item of the previous page.
type DeadLetterFilter struct {
	Type   NotificationType
	Reason string
	Limit  int
	Cursor string
}

// NewArchivedDeadLetter builds the archive record for dl. Fields the message
// does not carry (undecodable bodies) are left empty.
func NewArchivedDeadLetter(id string, dl DeadLetter, archivedAt time.Time) ArchivedDeadLetter {
	rec := ArchivedDeadLetter{
		ID:         id,
		Reason:     dl.Reason,
		Error:      dl.Error,
		Message:    dl.Message,
		FailedAt:   dl.FailedAt,
		ArchivedAt: archivedAt,
	}

	var head struct {
		NotificationID string           `json:"notification_id"`
		CorrelationID  string           `json:"correlation_id"`
		Type           NotificationType `json:"notification_type"`
		RetryCount     int              `json:"retry_count"`
	}
	if len(dl.Message) > 0 && json.Unmarshal(dl.Message, &head) == nil {
		rec.NotificationID = head.NotificationID
		rec.CorrelationID = head.CorrelationID
		rec.Type = head.Type
		rec.RetryCount = head.RetryCount
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = archivedAt
	}
	return rec
}
