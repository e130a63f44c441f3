// Package alert raises operator alerts for enrollments the scheduler gave up
// on.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// Failure describes an enrollment flagged as failed
type Failure struct {
	EnrollmentID string
	SequenceID   string
	OwnerID      string
	StepNumber   int
	Channel      string
	Attempts     int
	Err          error
}

// Alerter reports failures to operators
type Alerter interface {
	EnrollmentFailed(ctx context.Context, f Failure)
	Flush(timeout time.Duration)
}

// LogAlerter only logs failures
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a log-only alerter
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With("component", "alert")}
}

func (a *LogAlerter) EnrollmentFailed(ctx context.Context, f Failure) {
	a.logger.Error("enrollment failed",
		"enrollment_id", f.EnrollmentID,
		"sequence_id", f.SequenceID,
		"owner_id", f.OwnerID,
		"step", f.StepNumber,
		"channel", f.Channel,
		"attempts", f.Attempts,
		"error", f.Err,
	)
}

func (a *LogAlerter) Flush(time.Duration) {}

// SentryAlerter logs failures and captures them in Sentry
type SentryAlerter struct {
	log *LogAlerter
	hub *sentry.Hub
}

// NewSentryAlerter initialises a Sentry client for dsn
func NewSentryAlerter(dsn, environment, release string, logger *slog.Logger) (*SentryAlerter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init sentry: %w", err)
	}

	return &SentryAlerter{
		log: NewLogAlerter(logger),
		hub: sentry.NewHub(client, sentry.NewScope()),
	}, nil
}

func (a *SentryAlerter) EnrollmentFailed(ctx context.Context, f Failure) {
	a.log.EnrollmentFailed(ctx, f)

	a.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_type", "enrollment_failed")
		scope.SetTag("channel", f.Channel)
		scope.SetExtra("enrollment_id", f.EnrollmentID)
		scope.SetExtra("sequence_id", f.SequenceID)
		scope.SetExtra("owner_id", f.OwnerID)
		scope.SetExtra("step", f.StepNumber)
		scope.SetExtra("attempts", f.Attempts)

		err := f.Err
		if err == nil {
			err = fmt.Errorf("enrollment %s failed", f.EnrollmentID)
		}
		a.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent
func (a *SentryAlerter) Flush(timeout time.Duration) {
	a.hub.Flush(timeout)
}

// New returns a Sentry alerter when dsn is set, otherwise a log-only one
func New(dsn, environment, release string, logger *slog.Logger) (Alerter, error) {
	if dsn == "" {
		return NewLogAlerter(logger), nil
	}
	a, err := NewSentryAlerter(dsn, environment, release, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}
