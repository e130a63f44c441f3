// Package sandbox captures outbound steps instead of delivering them, so a
// sequence can be rehearsed end to end without reaching real leads.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/models"
)

var simulatedErrors = map[string][]string{
	models.StepEmail: {"550 User not found", "451 Temporary failure", "452 Insufficient storage", "421 Service not available"},
	models.StepSMS:   {"400 Invalid 'To' phone number", "429 Too many requests", "503 Service unavailable"},
	models.StepCall:  {"400 Customer number invalid", "429 Concurrency limit reached", "502 Bad gateway"},
}

// Sender implements dispatch.Sender by storing every message
type Sender struct {
	channel          string
	storage          *Storage
	logger           *slog.Logger
	simulateErrors   bool
	errorProbability float64
	now              func() time.Time
}

// NewSender creates a capturing sender for one channel
func NewSender(channel string, storage *Storage, logger *slog.Logger) *Sender {
	return &Sender{
		channel:          channel,
		storage:          storage,
		logger:           logger.With("component", "sandbox", "channel", channel),
		errorProbability: 0.1,
		now:              time.Now,
	}
}

// Install registers a capturing sender for every channel of router
func Install(router *dispatch.Router, storage *Storage, logger *slog.Logger) {
	for _, ch := range []string{models.StepEmail, models.StepSMS, models.StepCall} {
		router.Register(ch, NewSender(ch, storage, logger))
	}
}

// SetErrorSimulation makes a share of sends fail with a provider-like error
func (s *Sender) SetErrorSimulation(enabled bool, probability float64) {
	s.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		s.errorProbability = probability
	}
}

// Send stores msg and returns a synthetic external id
func (s *Sender) Send(ctx context.Context, msg *dispatch.Message) (*dispatch.Result, error) {
	captured := &Message{
		ID:           "sandbox-" + uuid.New().String(),
		Channel:      msg.Channel,
		OwnerID:      msg.OwnerID,
		SequenceID:   msg.SequenceID,
		EnrollmentID: msg.EnrollmentID,
		StepNumber:   msg.StepNumber,
		To:           msg.To,
		Subject:      msg.Subject,
		Body:         msg.Body,
		CTAURL:       msg.CTAURL,
		Script:       msg.Script,
		AssistantID:  msg.AssistantID,
		CapturedAt:   s.now().UTC(),
	}

	if s.simulateErrors && rand.Float64() < s.errorProbability {
		options := simulatedErrors[s.channel]
		if len(options) > 0 {
			errMsg := options[rand.Intn(len(options))]
			captured.SimulatedErr = errMsg
			if err := s.storage.Save(ctx, captured); err != nil {
				s.logger.Error("failed to save message", "error", err)
			}
			return nil, apperr.Dispatch(s.channel, isTemporaryCode(s.channel, errMsg), fmt.Errorf("simulated: %s", errMsg))
		}
	}

	if err := s.storage.Save(ctx, captured); err != nil {
		return nil, apperr.Dispatch(s.channel, true, fmt.Errorf("sandbox: failed to save message: %w", err))
	}

	s.logger.Info("message captured",
		"id", captured.ID,
		"enrollment_id", msg.EnrollmentID,
		"step", msg.StepNumber,
		"to", msg.To,
	)
	return &dispatch.Result{ExternalID: captured.ID}, nil
}

// isTemporaryCode applies SMTP reply semantics to email and HTTP status
// semantics to the other channels
func isTemporaryCode(channel, errMsg string) bool {
	code, err := strconv.Atoi(strings.SplitN(errMsg, " ", 2)[0])
	if err != nil {
		return true
	}
	if channel == models.StepEmail {
		return code < 500
	}
	return code == 429 || code >= 500
}
