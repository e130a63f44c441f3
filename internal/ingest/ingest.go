// Package ingest applies external signals (opens, clicks, replies, bounces,
// unsubscribes and call outcomes) to enrollments exactly once per event id.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/cache"
	"github.com/foxzi/cadence/internal/enrollment"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/repository"
)

const maxConflictRetry = 3

// Result reports what happened to one event
type Result struct {
	EventID      string `json:"eventId"`
	EnrollmentID string `json:"enrollmentId"`
	Applied      bool   `json:"applied"`
	Duplicate    bool   `json:"duplicate"`
	Status       string `json:"status,omitempty"`
}

// Ingestor is the single entry point for inbound events
type Ingestor struct {
	store  *repository.Store
	defs   *cache.Definitions
	logger *slog.Logger
	now    func() time.Time
}

// New creates an ingestor
func New(store *repository.Store, defs *cache.Definitions, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		defs:   defs,
		logger: logger.With("component", "ingest"),
		now:    time.Now,
	}
}

// Ingest resolves the enrollment an event belongs to, updates its counters
// and applies the sequence's stop rules. A repeated event id changes
// nothing and reports Duplicate.
func (in *Ingestor) Ingest(ctx context.Context, ev *models.Event) (*Result, error) {
	if err := validate(ev); err != nil {
		metrics.IncEvents(ev.Type, "invalid")
		return nil, err
	}

	exists, err := in.store.Events.Exists(ctx, ev.ID)
	if err != nil {
		metrics.IncEvents(ev.Type, "error")
		return nil, err
	}
	if exists {
		metrics.IncEvents(ev.Type, "duplicate")
		return &Result{EventID: ev.ID, EnrollmentID: ev.EnrollmentID, Duplicate: true}, nil
	}

	e, err := in.resolve(ctx, ev)
	if err != nil {
		result := "error"
		if apperr.IsNotFound(err) {
			result = "unmatched"
		}
		metrics.IncEvents(ev.Type, result)
		return nil, err
	}
	ev.EnrollmentID = e.ID

	seq, err := in.defs.Sequence(ctx, e.SequenceID)
	if err != nil {
		metrics.IncEvents(ev.Type, "error")
		return nil, err
	}
	if seq == nil {
		metrics.IncEvents(ev.Type, "unmatched")
		return nil, apperr.NotFound("sequence", e.SequenceID)
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = in.now().UTC()
	}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetry; attempt++ {
		var from string
		applied, updated, err := in.store.Events.Apply(ctx, ev, func(e *models.Enrollment) (bool, error) {
			from = e.Status
			return enrollment.ApplyEvent(e, seq, ev.Type, ev.ReceivedAt), nil
		})
		if apperr.IsConflict(err) {
			lastErr = err
			continue
		}
		if err != nil {
			metrics.IncEvents(ev.Type, "error")
			return nil, err
		}

		if !applied {
			metrics.IncEvents(ev.Type, "duplicate")
			return &Result{EventID: ev.ID, EnrollmentID: ev.EnrollmentID, Duplicate: true}, nil
		}

		metrics.IncEvents(ev.Type, "applied")
		if updated.Status != from {
			metrics.IncTransition(updated.Status)
			in.logger.Info("enrollment stopped by event",
				"enrollment_id", updated.ID,
				"event_id", ev.ID,
				"type", ev.Type,
				"from", from,
				"to", updated.Status,
			)
		} else {
			in.logger.Debug("event applied", "enrollment_id", updated.ID, "event_id", ev.ID, "type", ev.Type)
		}
		return &Result{EventID: ev.ID, EnrollmentID: updated.ID, Applied: true, Status: updated.Status}, nil
	}

	metrics.IncEvents(ev.Type, "error")
	return nil, lastErr
}

func validate(ev *models.Event) error {
	verr := &apperr.ValidationError{}
	ev.ID = strings.TrimSpace(ev.ID)
	if ev.ID == "" {
		verr.Add("id", "is required")
	}
	if !models.IsValidEventType(ev.Type) {
		verr.Add("type", "unknown event type %q", ev.Type)
	}
	if ev.EnrollmentID == "" && ev.ExternalID == "" && (ev.LeadID == "" || ev.SequenceID == "") {
		verr.Add("enrollmentId", "one of enrollmentId, leadId with sequenceId, or externalId is required")
	}
	return verr.OrNil()
}

// resolve finds the enrollment by id, by lead and sequence, or by the
// provider id recorded when the step was dispatched
func (in *Ingestor) resolve(ctx context.Context, ev *models.Event) (*models.Enrollment, error) {
	switch {
	case ev.EnrollmentID != "":
		e, err := in.store.Enrollments.GetByID(ctx, ev.EnrollmentID)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, apperr.NotFound("enrollment", ev.EnrollmentID)
		}
		return e, nil

	case ev.LeadID != "" && ev.SequenceID != "":
		e, err := in.store.Enrollments.FindLatest(ctx, ev.SequenceID, ev.LeadID)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, apperr.NotFound("enrollment", ev.LeadID+"/"+ev.SequenceID)
		}
		return e, nil

	default:
		ex, err := in.store.Enrollments.FindExecutionByExternalID(ctx, ev.ExternalID)
		if err != nil {
			return nil, err
		}
		if ex == nil {
			return nil, apperr.NotFound("message", ev.ExternalID)
		}
		e, err := in.store.Enrollments.GetByID(ctx, ex.EnrollmentID)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, apperr.NotFound("enrollment", ex.EnrollmentID)
		}
		return e, nil
	}
}

// Cleanup deletes events received before the retention cutoff
func (in *Ingestor) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := in.now().Add(-retention)
	n, err := in.store.Events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		in.logger.Info("old events deleted", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
