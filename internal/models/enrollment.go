package models

import (
	"strings"
	"time"
)

// Enrollment statuses
const (
	EnrollmentActive             = "active"
	EnrollmentPaused             = "paused"
	EnrollmentCompleted          = "completed"
	EnrollmentStoppedReply       = "stopped_reply"
	EnrollmentStoppedClick       = "stopped_click"
	EnrollmentStoppedBounce      = "stopped_bounce"
	EnrollmentStoppedUnsubscribe = "stopped_unsubscribe"
	EnrollmentStoppedCall        = "stopped_call"
)

// EnrollmentStatuses lists every valid enrollment status
var EnrollmentStatuses = []string{
	EnrollmentActive,
	EnrollmentPaused,
	EnrollmentCompleted,
	EnrollmentStoppedReply,
	EnrollmentStoppedClick,
	EnrollmentStoppedBounce,
	EnrollmentStoppedUnsubscribe,
	EnrollmentStoppedCall,
}

// IsTerminalStatus reports whether no transition leaves status
func IsTerminalStatus(status string) bool {
	return status == EnrollmentCompleted || strings.HasPrefix(status, "stopped_")
}

// IsValidEnrollmentStatus reports whether status is known
func IsValidEnrollmentStatus(status string) bool {
	for _, s := range EnrollmentStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Enrollment is one lead's execution cursor through a sequence
type Enrollment struct {
	ID            string     `json:"id"`
	SequenceID    string     `json:"sequenceId"`
	LeadID        string     `json:"leadId"`
	OwnerID       string     `json:"-"`
	Revision      int        `json:"revision"`
	Status        string     `json:"status"`
	CurrentStep   int        `json:"currentStep"` // 0-based index of the next step to run
	NextActionAt  *time.Time `json:"nextActionAt,omitempty"`
	EmailsSent    int        `json:"emailsSent"`
	Opens         int        `json:"opens"`
	Clicks        int        `json:"clicks"`
	Replies       int        `json:"replies"`
	CallsMade     int        `json:"callsMade"`
	CallsAnswered int        `json:"callsAnswered"`
	SMSSent       int        `json:"smsSent"`
	StopReason    string     `json:"stopReason,omitempty"`
	Failed        bool       `json:"failed"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	LeaseToken    string     `json:"-"`
	LeaseUntil    *time.Time `json:"-"`
	Version       int64      `json:"version"`
	EnrolledAt    time.Time  `json:"enrolledAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`

	LeadEmail string `json:"leadEmail,omitempty"` // joined field
	LeadName  string `json:"leadName,omitempty"`  // joined field
}

// Counters is the delta applied to enrollment counters by one step or event
type Counters struct {
	EmailsSent    int `json:"emailsSent"`
	Opens         int `json:"opens"`
	Clicks        int `json:"clicks"`
	Replies       int `json:"replies"`
	CallsMade     int `json:"callsMade"`
	CallsAnswered int `json:"callsAnswered"`
	SMSSent       int `json:"smsSent"`
}

// Counters returns the accumulated counters of the enrollment
func (e *Enrollment) Counters() Counters {
	return Counters{
		EmailsSent:    e.EmailsSent,
		Opens:         e.Opens,
		Clicks:        e.Clicks,
		Replies:       e.Replies,
		CallsMade:     e.CallsMade,
		CallsAnswered: e.CallsAnswered,
		SMSSent:       e.SMSSent,
	}
}

// Add applies a counter delta
func (e *Enrollment) Add(d Counters) {
	e.EmailsSent += d.EmailsSent
	e.Opens += d.Opens
	e.Clicks += d.Clicks
	e.Replies += d.Replies
	e.CallsMade += d.CallsMade
	e.CallsAnswered += d.CallsAnswered
	e.SMSSent += d.SMSSent
}

// EnrollmentFilter for listing enrollments
type EnrollmentFilter struct {
	SequenceID string
	Status     string
	Limit      int
	Offset     int
}

// Step execution outcomes
const (
	OutcomeSent    = "sent"
	OutcomeSkipped = "skipped"
)

// StepExecution records that an enrollment passed a step
type StepExecution struct {
	ID           string    `json:"id"`
	EnrollmentID string    `json:"enrollmentId"`
	SequenceID   string    `json:"sequenceId"`
	StepNumber   int       `json:"stepNumber"`
	StepType     string    `json:"stepType"`
	Outcome      string    `json:"outcome"`
	ExternalID   string    `json:"externalId,omitempty"` // provider message or call id
	ExecutedAt   time.Time `json:"executedAt"`
}
