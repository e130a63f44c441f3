// Package dispatch delivers rendered steps to external providers: email over
// SMTP submission, SMS through Twilio and voice calls through Vapi.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/models"
)

// Message is one rendered step ready to be delivered to a lead
type Message struct {
	ID           string // idempotency key: enrollment id + step number
	EnrollmentID string
	SequenceID   string
	OwnerID      string
	StepNumber   int
	Channel      string // models.StepEmail, StepSMS or StepCall

	To       string // email address or E.164 phone number
	LeadName string

	// email
	Subject string
	Body    string
	CTAText string
	CTAURL  string

	// call
	Script             string
	AssistantID        string
	MaxDurationSeconds int
}

// Result is the provider's confirmation
type Result struct {
	ExternalID string // message id or call id echoed back by webhooks
}

// Sender delivers messages of one channel
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, msg *Message) (*Result, error)

func (f SenderFunc) Send(ctx context.Context, msg *Message) (*Result, error) {
	return f(ctx, msg)
}

// Router picks the sender registered for a message's channel
type Router struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Register sets the sender of a channel
func (r *Router) Register(channel string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = s
}

// Has reports whether a channel has a sender
func (r *Router) Has(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.senders[channel]
	return ok
}

// Send delivers msg through its channel's sender
func (r *Router) Send(ctx context.Context, msg *Message) (*Result, error) {
	r.mu.RLock()
	s, ok := r.senders[msg.Channel]
	r.mu.RUnlock()

	if !ok {
		return nil, apperr.Dispatch(msg.Channel, false, fmt.Errorf("no sender configured for channel %s", msg.Channel))
	}
	return s.Send(ctx, msg)
}

// Recipient returns the address a step of the given type is sent to
func Recipient(stepType string, lead *models.Lead) string {
	if stepType == models.StepEmail {
		return lead.Email
	}
	return lead.Phone
}
