// Package sequence manages sequence and workflow definitions: validation,
// CRUD, activation with bulk enrollment, and operator control over single
// enrollments.
package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/cache"
	"github.com/foxzi/cadence/internal/enrollment"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/repository"
	"github.com/foxzi/cadence/internal/window"
)

const (
	enrollBatchSize   = 500
	maxConflictRetry  = 3
	recentEventsLimit = 20
)

// ChannelChecker reports which channels have a sender configured
type ChannelChecker interface {
	Has(channel string) bool
}

// Service implements the sequence and workflow operations
type Service struct {
	store    *repository.Store
	defs     *cache.Definitions
	channels ChannelChecker
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a sequence service
func NewService(store *repository.Store, defs *cache.Definitions, channels ChannelChecker, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		defs:     defs,
		channels: channels,
		logger:   logger.With("component", "sequence"),
		now:      time.Now,
	}
}

// load returns a sequence owned by ownerID. Other tenants' sequences and
// the other kind are reported as not found.
func (s *Service) load(ctx context.Context, ownerID, kind, id string) (*models.Sequence, error) {
	seq, err := s.store.Sequences.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if seq == nil || seq.OwnerID != ownerID || (kind != "" && seq.Kind != kind) {
		return nil, apperr.NotFound(kindName(kind), id)
	}
	return seq, nil
}

func kindName(kind string) string {
	if kind == "" {
		return models.KindSequence
	}
	return kind
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if err := s.defs.Invalidate(ctx, id); err != nil {
		s.logger.Warn("failed to invalidate definition cache", "sequence_id", id, "error", err)
	}
}

// List returns the owner's sequences of one kind with summary counters
func (s *Service) List(ctx context.Context, ownerID, kind, status string) ([]models.SequenceSummary, error) {
	return s.store.Sequences.List(ctx, models.SequenceFilter{OwnerID: ownerID, Kind: kind, Status: status})
}

// Get returns one sequence with its current steps
func (s *Service) Get(ctx context.Context, ownerID, kind, id string) (*models.Sequence, error) {
	return s.load(ctx, ownerID, kind, id)
}

// Create validates and stores a new definition in draft status
func (s *Service) Create(ctx context.Context, ownerID, kind string, in *Input) (*models.Sequence, error) {
	steps, err := Validate(kind, in)
	if err != nil {
		return nil, err
	}

	seq := ToModel(ownerID, kind, in, steps)
	if err := s.store.Sequences.Create(ctx, seq); err != nil {
		return nil, err
	}

	s.logger.Info("sequence created", "sequence_id", seq.ID, "kind", kind, "owner_id", ownerID, "steps", len(steps))
	return seq, nil
}

// Update replaces the settings and steps of a definition. Changed steps are
// stored as a new revision so running enrollments keep their snapshot.
func (s *Service) Update(ctx context.Context, ownerID, kind, id string, in *Input) (*models.Sequence, error) {
	seq, err := s.load(ctx, ownerID, kind, id)
	if err != nil {
		return nil, err
	}
	if seq.Status == models.SequenceCompleted {
		return nil, apperr.Conflict(kindName(kind), id, "completed definitions cannot be edited")
	}

	steps, err := Validate(kind, in)
	if err != nil {
		return nil, err
	}

	newRevision := !reflect.DeepEqual(seq.Steps, steps)
	apply(seq, in, steps)
	if err := s.store.Sequences.Update(ctx, seq, newRevision); err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)

	s.logger.Info("sequence updated", "sequence_id", id, "revision", seq.Revision, "new_revision", newRevision)
	return seq, nil
}

// Delete removes a definition with its enrollments and events
func (s *Service) Delete(ctx context.Context, ownerID, kind, id string) error {
	if _, err := s.load(ctx, ownerID, kind, id); err != nil {
		return err
	}
	if err := s.store.Sequences.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)

	s.logger.Info("sequence deleted", "sequence_id", id)
	return nil
}

// CheckConfiguration reports steps that cannot run with the configured
// senders or without an assistant
func (s *Service) CheckConfiguration(seq *models.Sequence) error {
	for i, step := range seq.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if step.IsDispatching() && !s.channels.Has(step.StepType) {
			return apperr.Misconfigured(field+".stepType", "step %d needs a %s sender but none is configured", step.StepNumber, step.StepType)
		}
		if step.StepType == models.StepCall && step.AssistantID == "" && seq.VapiAssistantID == "" {
			return apperr.Misconfigured(field+".assistantId", "call step %d has no assistant selected", step.StepNumber)
		}
	}
	return nil
}

// Activate moves a draft to active and enrolls every targeted lead. It
// returns the number of enrollments created.
func (s *Service) Activate(ctx context.Context, ownerID, kind, id string) (int, error) {
	seq, err := s.load(ctx, ownerID, kind, id)
	if err != nil {
		return 0, err
	}
	if seq.Status != models.SequenceDraft {
		return 0, apperr.Conflict(kindName(kind), id, fmt.Sprintf("cannot activate from status %s", seq.Status))
	}
	if err := s.CheckConfiguration(seq); err != nil {
		return 0, err
	}

	ok, err := s.store.Sequences.UpdateStatus(ctx, id, []string{models.SequenceDraft}, models.SequenceActive)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, apperr.Conflict(kindName(kind), id, "status changed concurrently")
	}
	seq.Status = models.SequenceActive
	s.invalidate(ctx, id)

	enrolled, err := s.enrollUnenrolled(ctx, seq, 0)
	if err != nil {
		return enrolled, err
	}

	s.logger.Info("sequence activated", "sequence_id", id, "enrolled", enrolled)
	return enrolled, nil
}

// Pause stops the sweep from dispatching any step of the sequence
func (s *Service) Pause(ctx context.Context, ownerID, kind, id string) error {
	return s.setStatus(ctx, ownerID, kind, id, models.SequenceActive, models.SequencePaused)
}

// Resume lets the sweep pick the sequence up again
func (s *Service) Resume(ctx context.Context, ownerID, kind, id string) error {
	return s.setStatus(ctx, ownerID, kind, id, models.SequencePaused, models.SequenceActive)
}

func (s *Service) setStatus(ctx context.Context, ownerID, kind, id, from, to string) error {
	seq, err := s.load(ctx, ownerID, kind, id)
	if err != nil {
		return err
	}
	if seq.Status == to {
		return nil
	}

	ok, err := s.store.Sequences.UpdateStatus(ctx, id, []string{from}, to)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict(kindName(kind), id, fmt.Sprintf("cannot move from %s to %s", seq.Status, to))
	}
	s.invalidate(ctx, id)

	s.logger.Info("sequence status changed", "sequence_id", id, "from", from, "to", to)
	return nil
}

// EnrollLeads enrolls specific leads into an active or paused sequence.
// Leads that already have an open enrollment are skipped.
func (s *Service) EnrollLeads(ctx context.Context, ownerID, kind, id string, leadIDs []string) (int, error) {
	if len(leadIDs) == 0 {
		return 0, apperr.Invalid("leadIds", "at least one lead is required")
	}

	seq, err := s.load(ctx, ownerID, kind, id)
	if err != nil {
		return 0, err
	}
	if seq.Status != models.SequenceActive && seq.Status != models.SequencePaused {
		return 0, apperr.Conflict(kindName(kind), id, "leads can only be enrolled into active or paused definitions")
	}

	leads, err := s.store.Leads.GetByIDs(ctx, ownerID, leadIDs)
	if err != nil {
		return 0, err
	}
	if len(leads) != len(uniq(leadIDs)) {
		return 0, apperr.Invalid("leadIds", "unknown lead ids")
	}

	return s.enroll(ctx, seq, leads)
}

func uniq(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Trickle enrolls leads added since activation into every active sequence
func (s *Service) Trickle(ctx context.Context, limit int) (int, error) {
	seqs, err := s.store.Sequences.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for i := range seqs {
		n, err := s.enrollUnenrolled(ctx, &seqs[i], limit)
		if err != nil {
			s.logger.Error("trickle enrollment failed", "sequence_id", seqs[i].ID, "error", err)
			continue
		}
		if n > 0 {
			s.logger.Info("leads enrolled", "sequence_id", seqs[i].ID, "enrolled", n)
		}
		total += n
	}
	return total, nil
}

// enrollUnenrolled enrolls targeted leads never enrolled in seq. limit 0
// means all of them.
func (s *Service) enrollUnenrolled(ctx context.Context, seq *models.Sequence, limit int) (int, error) {
	total := 0
	for limit == 0 || total < limit {
		batch := enrollBatchSize
		if limit > 0 && limit-total < batch {
			batch = limit - total
		}

		leads, err := s.store.Leads.ListUnenrolled(ctx, seq, batch)
		if err != nil {
			return total, err
		}
		if len(leads) == 0 {
			break
		}

		n, err := s.enroll(ctx, seq, leads)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 || len(leads) < batch {
			break
		}
	}
	return total, nil
}

func (s *Service) enroll(ctx context.Context, seq *models.Sequence, leads []models.Lead) (int, error) {
	w, err := window.ForSequence(seq)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	first := enrollment.FirstAction(now, w)

	enrolled := 0
	for _, lead := range leads {
		next := first
		e := &models.Enrollment{
			SequenceID:   seq.ID,
			LeadID:       lead.ID,
			OwnerID:      seq.OwnerID,
			Revision:     seq.Revision,
			CurrentStep:  0,
			NextActionAt: &next,
			EnrolledAt:   now,
		}
		ok, err := s.store.Enrollments.Enroll(ctx, e)
		if err != nil {
			return enrolled, err
		}
		if ok {
			enrolled++
			metrics.IncTransition(models.EnrollmentActive)
		}
	}
	return enrolled, nil
}

// CompleteFinished marks active sequences whose enrollments all reached a
// terminal status as completed
func (s *Service) CompleteFinished(ctx context.Context) (int, error) {
	ids, err := s.store.Sequences.ListFinished(ctx)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, id := range ids {
		ok, err := s.store.Sequences.UpdateStatus(ctx, id, []string{models.SequenceActive}, models.SequenceCompleted)
		if err != nil {
			return completed, err
		}
		if ok {
			completed++
			s.invalidate(ctx, id)
			s.logger.Info("sequence completed", "sequence_id", id)
		}
	}
	return completed, nil
}

// EnrollmentPage is one page of a sequence's enrollments
type EnrollmentPage struct {
	Enrollments []models.Enrollment `json:"enrollments"`
	Page        int                 `json:"page"`
	Limit       int                 `json:"limit"`
	Total       int                 `json:"total"`
}

// ListEnrollments returns a page of enrollments, optionally by status
func (s *Service) ListEnrollments(ctx context.Context, ownerID, kind, id, status string, page, limit int) (*EnrollmentPage, error) {
	if status != "" && !models.IsValidEnrollmentStatus(status) {
		return nil, apperr.Invalid("status", "unknown status %q", status)
	}
	if _, err := s.load(ctx, ownerID, kind, id); err != nil {
		return nil, err
	}

	rows, total, err := s.store.Enrollments.List(ctx, models.EnrollmentFilter{
		SequenceID: id,
		Status:     status,
		Limit:      limit,
		Offset:     (page - 1) * limit,
	})
	if err != nil {
		return nil, err
	}
	return &EnrollmentPage{Enrollments: rows, Page: page, Limit: limit, Total: total}, nil
}

// loadEnrollment returns an enrollment of a sequence owned by ownerID
func (s *Service) loadEnrollment(ctx context.Context, ownerID, kind, seqID, enrollmentID string) (*models.Sequence, *models.Enrollment, error) {
	seq, err := s.load(ctx, ownerID, kind, seqID)
	if err != nil {
		return nil, nil, err
	}
	e, err := s.store.Enrollments.GetByID(ctx, enrollmentID)
	if err != nil {
		return nil, nil, err
	}
	if e == nil || e.SequenceID != seqID {
		return nil, nil, apperr.NotFound("enrollment", enrollmentID)
	}
	return seq, e, nil
}

// StopEnrollment pauses one enrollment and records the operator's reason
func (s *Service) StopEnrollment(ctx context.Context, ownerID, kind, seqID, enrollmentID, reason string) (*models.Enrollment, error) {
	if reason == "" {
		reason = "stopped by operator"
	}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetry; attempt++ {
		_, e, err := s.loadEnrollment(ctx, ownerID, kind, seqID, enrollmentID)
		if err != nil {
			return nil, err
		}

		wasPaused := e.Status == models.EnrollmentPaused
		if err := enrollment.Pause(e, reason, s.now().UTC()); err != nil {
			return nil, err
		}

		err = s.store.Enrollments.Save(ctx, e)
		if err == nil {
			if !wasPaused {
				metrics.IncTransition(models.EnrollmentPaused)
			}
			s.logger.Info("enrollment stopped", "enrollment_id", e.ID, "reason", reason)
			return e, nil
		}
		if !apperr.IsConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// ResumeEnrollment continues a paused or failed enrollment from its cursor
func (s *Service) ResumeEnrollment(ctx context.Context, ownerID, kind, seqID, enrollmentID string) (*models.Enrollment, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetry; attempt++ {
		seq, e, err := s.loadEnrollment(ctx, ownerID, kind, seqID, enrollmentID)
		if err != nil {
			return nil, err
		}

		steps, err := s.defs.Steps(ctx, seq.ID, e.Revision)
		if err != nil {
			return nil, err
		}
		w, err := window.ForSequence(seq)
		if err != nil {
			return nil, err
		}

		if err := enrollment.Resume(e, steps, s.now().UTC(), w); err != nil {
			return nil, err
		}

		err = s.store.Enrollments.Save(ctx, e)
		if err == nil {
			metrics.IncTransition(e.Status)
			s.logger.Info("enrollment resumed", "enrollment_id", e.ID, "status", e.Status)
			return e, nil
		}
		if !apperr.IsConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Analytics reports the funnel, status breakdown, totals and recent events
func (s *Service) Analytics(ctx context.Context, ownerID, kind, id string) (*models.Analytics, error) {
	seq, err := s.load(ctx, ownerID, kind, id)
	if err != nil {
		return nil, err
	}

	funnel, err := s.store.Analytics.Funnel(ctx, id, seq.Steps)
	if err != nil {
		return nil, err
	}
	breakdown, err := s.store.Analytics.StatusBreakdown(ctx, id)
	if err != nil {
		return nil, err
	}
	totals, failed, err := s.store.Analytics.Totals(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.store.Events.ListRecent(ctx, id, recentEventsLimit)
	if err != nil {
		return nil, err
	}

	return &models.Analytics{
		SequenceID:      id,
		Funnel:          funnel,
		StatusBreakdown: breakdown,
		Totals:          totals,
		Failed:          failed,
		RecentEvents:    events,
	}, nil
}
