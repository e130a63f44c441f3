package ingest

import (
	"strings"
	"time"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/models"
)

// EmailWebhook is a delivery event posted by the email provider. Type
// accepts both plain names (open) and dotted provider names (email.opened).
type EmailWebhook struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

var emailTypes = map[string]string{
	"open":              models.EventOpen,
	"opened":            models.EventOpen,
	"email.opened":      models.EventOpen,
	"click":             models.EventClick,
	"clicked":           models.EventClick,
	"email.clicked":     models.EventClick,
	"reply":             models.EventReply,
	"replied":           models.EventReply,
	"email.replied":     models.EventReply,
	"bounce":            models.EventBounce,
	"bounced":           models.EventBounce,
	"email.bounced":     models.EventBounce,
	"unsubscribe":       models.EventUnsubscribe,
	"unsubscribed":      models.EventUnsubscribe,
	"email.complained":  models.EventUnsubscribe,
	"email.unsubscribe": models.EventUnsubscribe,
}

// Event converts the webhook. ok is false for provider events that carry no
// signal, such as delivered.
func (w *EmailWebhook) Event() (ev *models.Event, ok bool, err error) {
	eventType, known := emailTypes[strings.ToLower(strings.TrimSpace(w.Type))]
	if !known {
		return nil, false, nil
	}
	if w.MessageID == "" {
		return nil, false, apperr.Invalid("messageId", "is required")
	}

	id := w.ID
	if id == "" {
		id = "email:" + eventType + ":" + w.MessageID
	}
	return &models.Event{
		ID:         id,
		Type:       eventType,
		ExternalID: w.MessageID,
		OccurredAt: w.Timestamp,
	}, true, nil
}

// VapiWebhook is the server message envelope posted by Vapi
type VapiWebhook struct {
	Message struct {
		Type        string `json:"type"`
		Status      string `json:"status"`
		EndedReason string `json:"endedReason"`
		Timestamp   int64  `json:"timestamp"` // unix millis
		Call        struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"call"`
	} `json:"message"`
}

// Calls that ended for these reasons never reached the lead
var unansweredReasons = map[string]bool{
	"customer-did-not-answer":       true,
	"customer-busy":                 true,
	"voicemail":                     true,
	"twilio-failed-to-connect-call": true,
}

// Events converts the webhook. A status update to in-progress means the lead
// picked up; an end-of-call report for an answered call yields call_ended.
func (w *VapiWebhook) Events() ([]*models.Event, error) {
	msg := w.Message
	if msg.Call.ID == "" {
		return nil, apperr.Invalid("message.call.id", "is required")
	}

	var occurred time.Time
	if msg.Timestamp > 0 {
		occurred = time.UnixMilli(msg.Timestamp).UTC()
	}
	event := func(eventType string) *models.Event {
		return &models.Event{
			ID:           "vapi:" + eventType + ":" + msg.Call.ID,
			Type:         eventType,
			EnrollmentID: msg.Call.Metadata["enrollmentId"],
			ExternalID:   msg.Call.ID,
			OccurredAt:   occurred,
		}
	}

	switch msg.Type {
	case "status-update":
		if msg.Status == "in-progress" {
			return []*models.Event{event(models.EventCallAnswered)}, nil
		}
	case "end-of-call-report":
		if unansweredReasons[msg.EndedReason] {
			return nil, nil
		}
		return []*models.Event{event(models.EventCallEnded)}, nil
	}
	return nil, nil
}
