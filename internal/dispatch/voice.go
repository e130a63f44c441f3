package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/models"
)

// MaxCallDuration caps maxDurationSeconds of a call step
const MaxCallDuration = 1800

// VoiceOptions configures the Vapi client
type VoiceOptions struct {
	BaseURL       string
	APIKey        string
	PhoneNumberID string
	Timeout       time.Duration
}

// VoiceSender places outbound calls through Vapi
type VoiceSender struct {
	client        *resty.Client
	phoneNumberID string
	logger        *slog.Logger
}

type callCustomer struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type assistantOverrides struct {
	MaxDurationSeconds int               `json:"maxDurationSeconds,omitempty"`
	VariableValues     map[string]string `json:"variableValues,omitempty"`
}

type createCallRequest struct {
	AssistantID        string              `json:"assistantId"`
	PhoneNumberID      string              `json:"phoneNumberId,omitempty"`
	Customer           callCustomer        `json:"customer"`
	AssistantOverrides *assistantOverrides `json:"assistantOverrides,omitempty"`
	Metadata           map[string]string   `json:"metadata,omitempty"`
}

type createCallResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type vapiError struct {
	Message any    `json:"message"`
	Error   string `json:"error"`
}

// NewVoiceSender creates a Vapi-backed sender
func NewVoiceSender(opts VoiceOptions, logger *slog.Logger) (*VoiceSender, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("vapi api key must be provided")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetAuthToken(opts.APIKey).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")

	return &VoiceSender{
		client:        client,
		phoneNumberID: opts.PhoneNumberID,
		logger:        logger.With("component", "voice"),
	}, nil
}

// Send places one call and returns the Vapi call id
func (s *VoiceSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if msg.To == "" {
		return nil, apperr.Dispatch(models.StepCall, false, fmt.Errorf("lead has no phone number"))
	}
	if msg.AssistantID == "" {
		return nil, apperr.Dispatch(models.StepCall, false, fmt.Errorf("no assistant configured"))
	}

	req := createCallRequest{
		AssistantID:   msg.AssistantID,
		PhoneNumberID: s.phoneNumberID,
		Customer:      callCustomer{Number: msg.To, Name: msg.LeadName},
		Metadata: map[string]string{
			"enrollmentId": msg.EnrollmentID,
			"sequenceId":   msg.SequenceID,
			"messageId":    msg.ID,
		},
	}
	overrides := &assistantOverrides{MaxDurationSeconds: msg.MaxDurationSeconds}
	if msg.Script != "" {
		overrides.VariableValues = map[string]string{"script": msg.Script}
	}
	req.AssistantOverrides = overrides

	var out createCallResponse
	var apiErr vapiError
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/call")
	if err != nil {
		return nil, apperr.Dispatch(models.StepCall, true, fmt.Errorf("vapi request failed: %w", err))
	}

	if resp.IsError() {
		status := resp.StatusCode()
		temporary := status == http.StatusTooManyRequests || status >= 500
		return nil, apperr.Dispatch(models.StepCall, temporary, fmt.Errorf("vapi returned %d: %v", status, apiErr.Message))
	}
	// The call may already be ringing, so a retry could place it twice
	if out.ID == "" {
		return nil, apperr.Dispatch(models.StepCall, false, fmt.Errorf("vapi accepted the call but returned no call id"))
	}

	s.logger.Debug("call placed", "enrollment_id", msg.EnrollmentID, "step", msg.StepNumber, "call_id", out.ID)
	return &Result{ExternalID: out.ID}, nil
}
