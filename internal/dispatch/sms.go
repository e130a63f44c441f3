package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/models"
)

// MaxSMSLength is the longest body Twilio accepts
const MaxSMSLength = 1600

// messageCreator is the part of the Twilio API the sender uses
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMSSender sends text messages through Twilio
type SMSSender struct {
	api    messageCreator
	from   string
	logger *slog.Logger
}

// NewSMSSender creates a Twilio-backed sender
func NewSMSSender(accountSID, authToken, from string, logger *slog.Logger) (*SMSSender, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if from == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})

	return &SMSSender{
		api:    client.Api,
		from:   from,
		logger: logger.With("component", "sms"),
	}, nil
}

// Send submits one SMS and returns the Twilio message SID
func (s *SMSSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if msg.To == "" {
		return nil, apperr.Dispatch(models.StepSMS, false, fmt.Errorf("lead has no phone number"))
	}
	if len([]rune(msg.Body)) > MaxSMSLength {
		return nil, apperr.Dispatch(models.StepSMS, false, fmt.Errorf("message exceeds %d characters", MaxSMSLength))
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Dispatch(models.StepSMS, true, err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(s.from)
	params.SetBody(msg.Body)

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return nil, categorizeTwilioError(err)
	}

	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	s.logger.Debug("sms sent", "enrollment_id", msg.EnrollmentID, "step", msg.StepNumber, "sid", sid)
	return &Result{ExternalID: sid}, nil
}

// categorizeTwilioError treats rate limiting and server errors as temporary
func categorizeTwilioError(err error) *apperr.ExternalDispatchError {
	var te *twilioclient.TwilioRestError
	if errors.As(err, &te) {
		temporary := te.Status == http.StatusTooManyRequests || te.Status >= 500
		return apperr.Dispatch(models.StepSMS, temporary, fmt.Errorf("twilio error %d: %s", te.Code, te.Message))
	}
	return apperr.Dispatch(models.StepSMS, true, err)
}
