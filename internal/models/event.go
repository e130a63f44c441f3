package models

import "time"

// Event types
const (
	EventOpen         = "open"
	EventClick        = "click"
	EventReply        = "reply"
	EventBounce       = "bounce"
	EventUnsubscribe  = "unsubscribe"
	EventCallAnswered = "call_answered"
	EventCallEnded    = "call_ended"
)

// IsValidEventType reports whether t is a known event type
func IsValidEventType(t string) bool {
	switch t {
	case EventOpen, EventClick, EventReply, EventBounce, EventUnsubscribe, EventCallAnswered, EventCallEnded:
		return true
	}
	return false
}

// Event is an external signal about one enrollment. ID is the provider's
// event id and is used for deduplication.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	EnrollmentID  string    `json:"enrollmentId,omitempty"`
	SequenceID    string    `json:"sequenceId,omitempty"`
	LeadID        string    `json:"leadId,omitempty"`
	ExternalID    string    `json:"externalId,omitempty"` // message id or call id
	OccurredAt    time.Time `json:"occurredAt"`
	ReceivedAt    time.Time `json:"receivedAt"`
	AppliedStatus string    `json:"appliedStatus,omitempty"` // status after the event was applied
}

// Lead is a contact that can be enrolled
type Lead struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"userId"`
	CampaignID   string            `json:"campaignId,omitempty"`
	Email        string            `json:"email"`
	Phone        string            `json:"phone,omitempty"`
	FirstName    string            `json:"firstName,omitempty"`
	LastName     string            `json:"lastName,omitempty"`
	Company      string            `json:"company,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Name returns the display name of the lead
func (l *Lead) Name() string {
	switch {
	case l.FirstName != "" && l.LastName != "":
		return l.FirstName + " " + l.LastName
	case l.FirstName != "":
		return l.FirstName
	default:
		return l.LastName
	}
}

// LeadFilter for listing leads
type LeadFilter struct {
	OwnerID    string
	CampaignID string
	Limit      int
	Offset     int
}

// StepFunnel counts how many enrollments passed a step
type StepFunnel struct {
	StepNumber int    `json:"stepNumber"`
	StepType   string `json:"stepType"`
	Sent       int    `json:"sent"`
	Skipped    int    `json:"skipped"`
}

// Analytics is the per-sequence report
type Analytics struct {
	SequenceID      string         `json:"sequenceId"`
	Funnel          []StepFunnel   `json:"funnel"`
	StatusBreakdown map[string]int `json:"statusBreakdown"`
	Totals          Counters       `json:"totals"`
	Failed          int            `json:"failed"`
	RecentEvents    []Event        `json:"recentEvents"`
}
