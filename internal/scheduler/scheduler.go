// Package scheduler runs the periodic sweep that executes due enrollment
// steps. Each due enrollment is claimed under a lease so concurrent sweepers
// never dispatch the same step twice.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/cadence/internal/alert"
	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/cache"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/enrollment"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/ratelimit"
	"github.com/foxzi/cadence/internal/repository"
	"github.com/foxzi/cadence/internal/window"
)

// RateLimiter consumes one dispatch from an owner's channel quota
type RateLimiter interface {
	Allow(ctx context.Context, req ratelimit.Request) (*ratelimit.Result, error)
}

// Enroller runs the enrollment housekeeping that follows every sweep
type Enroller interface {
	Trickle(ctx context.Context, limit int) (int, error)
	CompleteFinished(ctx context.Context) (int, error)
}

// Config contains scheduler configuration
type Config struct {
	SweepInterval      time.Duration
	BatchSize          int
	Workers            int
	LeaseTTL           time.Duration
	MaxAttempts        int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	DispatchTimeout    time.Duration
	DefaultMaxDuration int
	Trickle            bool
}

// SweepResult counts what one sweep did
type SweepResult struct {
	Due       int
	Sent      int
	Skipped   int
	Deferred  int
	Retrying  int
	Failed    int
	Contended int
	Enrolled  int
	Completed int
}

// Scheduler executes due steps
type Scheduler struct {
	store    *repository.Store
	defs     *cache.Definitions
	sender   dispatch.Sender
	limiter  RateLimiter
	alerter  alert.Alerter
	enroller Enroller
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options bundles the collaborators of a Scheduler. Limiter and Enroller
// may be nil.
type Options struct {
	Store    *repository.Store
	Defs     *cache.Definitions
	Sender   dispatch.Sender
	Limiter  RateLimiter
	Alerter  alert.Alerter
	Enroller Enroller
}

// New creates a scheduler
func New(opts Options, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Minute
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}

	logger = logger.With("component", "scheduler")
	alerter := opts.Alerter
	if alerter == nil {
		alerter = alert.NewLogAlerter(logger)
	}

	return &Scheduler{
		store:    opts.Store,
		defs:     opts.Defs,
		sender:   opts.Sender,
		limiter:  opts.Limiter,
		alerter:  alerter,
		enroller: opts.Enroller,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop in the background
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler", "interval", s.cfg.SweepInterval, "workers", s.cfg.Workers)

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the sweep loop and waits for the running sweep to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep executes every enrollment due now, up to the batch size, then runs
// trickle enrollment and sequence completion
func (s *Scheduler) Sweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	defer func() { metrics.ObserveSweep(time.Since(start)) }()

	due, err := s.store.Enrollments.ListDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list due enrollments: %w", err)
	}

	result := &SweepResult{Due: len(due)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.Workers)

	for i := range due {
		e := due[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			out := s.process(ctx, &e)

			mu.Lock()
			result.add(out)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if s.enroller != nil {
		if s.cfg.Trickle {
			n, err := s.enroller.Trickle(ctx, s.cfg.BatchSize)
			if err != nil {
				s.logger.Error("trickle enrollment failed", "error", err)
			}
			result.Enrolled = n
		}
		n, err := s.enroller.CompleteFinished(ctx)
		if err != nil {
			s.logger.Error("failed to complete finished sequences", "error", err)
		}
		result.Completed = n
	}

	if result.Due > 0 || result.Enrolled > 0 {
		s.logger.Info("sweep finished",
			"due", result.Due,
			"sent", result.Sent,
			"skipped", result.Skipped,
			"deferred", result.Deferred,
			"retrying", result.Retrying,
			"failed", result.Failed,
			"contended", result.Contended,
			"enrolled", result.Enrolled,
			"duration", time.Since(start),
		)
	}
	return result, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSent
	outcomeSkipped
	outcomeDeferred
	outcomeRetrying
	outcomeFailed
	outcomeContended
)

func (r *SweepResult) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeSkipped:
		r.Skipped++
	case outcomeDeferred:
		r.Deferred++
	case outcomeRetrying:
		r.Retrying++
	case outcomeFailed:
		r.Failed++
	case outcomeContended:
		r.Contended++
	}
}

// process runs the step at the cursor of one due enrollment. Errors are
// recorded against the enrollment and never abort the sweep.
func (s *Scheduler) process(ctx context.Context, e *models.Enrollment) outcome {
	logger := s.logger.With("enrollment_id", e.ID, "sequence_id", e.SequenceID, "step", e.CurrentStep+1)

	seq, err := s.defs.Sequence(ctx, e.SequenceID)
	if err != nil || seq == nil {
		logger.Error("failed to load sequence", "error", err)
		return outcomeNone
	}
	steps, err := s.defs.Steps(ctx, e.SequenceID, e.Revision)
	if err != nil || steps == nil {
		logger.Error("failed to load steps", "revision", e.Revision, "error", err)
		return outcomeNone
	}
	if seq.Status != models.SequenceActive {
		logger.Debug("sequence not active", "status", seq.Status)
		return outcomeContended
	}
	w, err := window.ForSequence(seq)
	if err != nil {
		logger.Error("invalid send window", "error", err)
		return outcomeNone
	}

	now := s.now().UTC()
	token := uuid.New().String()
	if err := s.store.Enrollments.Claim(ctx, e, token, now.Add(s.cfg.LeaseTTL), now); err != nil {
		if apperr.IsConflict(err) {
			logger.Debug("enrollment claimed elsewhere")
			return outcomeContended
		}
		logger.Error("failed to claim enrollment", "error", err)
		return outcomeNone
	}

	if e.CurrentStep >= len(steps) {
		s.giveUp(ctx, logger, e, token, models.Step{StepNumber: e.CurrentStep + 1}, e.Attempts+1, now,
			fmt.Errorf("cursor %d is past the last step of revision %d", e.CurrentStep, e.Revision))
		return outcomeFailed
	}
	step := steps[e.CurrentStep]

	if !w.IsSendable(now) {
		return s.reschedule(ctx, logger, e, token, w.NextSendable(now), now)
	}

	if !enrollment.EvaluateCondition(step.Condition, e.Counters()) {
		logger.Info("step skipped", "condition", step.Condition)
		metrics.IncStepsSkipped()
		return s.advance(ctx, logger, e, token, steps, step, w, now, models.OutcomeSkipped, "")
	}

	if !step.IsDispatching() {
		return s.advance(ctx, logger, e, token, steps, step, w, now, models.OutcomeSent, "")
	}

	if s.limiter != nil {
		res, err := s.limiter.Allow(ctx, ratelimit.Request{OwnerID: e.OwnerID, Channel: step.StepType})
		if err != nil {
			logger.Warn("rate limit check failed", "error", err)
		} else if !res.Allowed {
			logger.Info("dispatch deferred by rate limit", "key", res.DeniedKey, "retry_after", res.RetryAfter)
			metrics.IncRateLimited(step.StepType)
			return s.reschedule(ctx, logger, e, token, w.NextSendable(now.Add(res.RetryAfter)), now)
		}
	}

	lead, err := s.store.Leads.GetByID(ctx, e.LeadID)
	if err != nil {
		return s.fail(ctx, logger, e, token, step, w, now, err)
	}
	if lead == nil {
		return s.fail(ctx, logger, e, token, step, w, now, apperr.NotFound("lead", e.LeadID))
	}

	msg := dispatch.Build(seq, step, e, lead, s.cfg.DefaultMaxDuration)

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	started := time.Now()
	res, err := s.sender.Send(sendCtx, msg)
	cancel()

	if err != nil {
		result := "permanent"
		if apperr.IsTemporary(err) {
			result = "temporary"
		}
		metrics.ObserveDispatch(step.StepType, result, time.Since(started))
		return s.fail(ctx, logger, e, token, step, w, now, err)
	}
	metrics.ObserveDispatch(step.StepType, "sent", time.Since(started))

	externalID := ""
	if res != nil {
		externalID = res.ExternalID
	}
	logger.Info("step dispatched", "channel", step.StepType, "external_id", externalID)
	return s.advance(ctx, logger, e, token, steps, step, w, now, models.OutcomeSent, externalID)
}

func (s *Scheduler) reschedule(ctx context.Context, logger *slog.Logger, e *models.Enrollment, token string, next, now time.Time) outcome {
	if err := s.store.Enrollments.Reschedule(ctx, e.ID, token, next, now); err != nil {
		logger.Warn("failed to reschedule enrollment", "error", err)
		return outcomeNone
	}
	logger.Debug("enrollment rescheduled", "next_action_at", next)
	return outcomeDeferred
}

func (s *Scheduler) advance(ctx context.Context, logger *slog.Logger, e *models.Enrollment, token string,
	steps []models.Step, step models.Step, w *window.Window, now time.Time, result, externalID string) outcome {
	plan := enrollment.PlanAdvance(steps, e.CurrentStep, now, w)

	var delta models.Counters
	if result == models.OutcomeSent {
		delta = dispatchDelta(step.StepType)
	}

	err := s.store.Enrollments.Advance(ctx, repository.Advance{
		EnrollmentID: e.ID,
		LeaseToken:   token,
		NextStep:     plan.NextStep,
		NextActionAt: plan.NextActionAt,
		Complete:     plan.Complete,
		Delta:        delta,
		Execution: models.StepExecution{
			SequenceID: e.SequenceID,
			StepNumber: step.StepNumber,
			StepType:   step.StepType,
			Outcome:    result,
			ExternalID: externalID,
		},
		Now: now,
	})
	if err != nil {
		// A stop signal that committed while the step was in flight wins.
		// The repository still records a confirmed dispatch.
		if apperr.IsConflict(err) {
			logger.Info("advance rejected", "reason", err, "external_id", externalID)
		} else {
			logger.Error("failed to advance enrollment", "error", err)
		}
		return outcomeContended
	}

	if plan.Complete {
		metrics.IncTransition(models.EnrollmentCompleted)
		logger.Info("enrollment completed")
	}
	if result == models.OutcomeSkipped {
		return outcomeSkipped
	}
	return outcomeSent
}

// fail records a failed attempt. The cursor stays put; after MaxAttempts or a
// permanent error the enrollment is flagged failed and an alert is raised.
func (s *Scheduler) fail(ctx context.Context, logger *slog.Logger, e *models.Enrollment, token string,
	step models.Step, w *window.Window, now time.Time, cause error) outcome {
	attempts := e.Attempts + 1
	if !apperr.IsTemporary(cause) || attempts >= s.cfg.MaxAttempts {
		s.giveUp(ctx, logger, e, token, step, attempts, now, cause)
		return outcomeFailed
	}

	backoff := s.calculateBackoff(attempts)
	retryAt := w.NextSendable(now.Add(backoff)).UTC()
	err := s.store.Enrollments.RecordFailure(ctx, repository.Failure{
		EnrollmentID: e.ID,
		LeaseToken:   token,
		Attempts:     attempts,
		LastError:    cause.Error(),
		RetryAt:      &retryAt,
		Now:          now,
	})
	if err != nil {
		logger.Error("failed to record dispatch failure", "error", err)
		return outcomeNone
	}

	logger.Warn("dispatch failed, will retry",
		"channel", step.StepType,
		"attempts", attempts,
		"retry_at", retryAt,
		"backoff", backoff,
		"error", cause,
	)
	return outcomeRetrying
}

func (s *Scheduler) giveUp(ctx context.Context, logger *slog.Logger, e *models.Enrollment, token string,
	step models.Step, attempts int, now time.Time, cause error) {
	err := s.store.Enrollments.RecordFailure(ctx, repository.Failure{
		EnrollmentID: e.ID,
		LeaseToken:   token,
		Attempts:     attempts,
		LastError:    cause.Error(),
		GiveUp:       true,
		Now:          now,
	})
	if err != nil {
		logger.Error("failed to flag enrollment as failed", "error", err)
		return
	}

	logger.Error("enrollment failed", "channel", step.StepType, "attempts", attempts, "error", cause)
	s.alerter.EnrollmentFailed(ctx, alert.Failure{
		EnrollmentID: e.ID,
		SequenceID:   e.SequenceID,
		OwnerID:      e.OwnerID,
		StepNumber:   step.StepNumber,
		Channel:      step.StepType,
		Attempts:     attempts,
		Err:          cause,
	})
}

// calculateBackoff doubles the base backoff per attempt up to MaxBackoff
func (s *Scheduler) calculateBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	if backoff > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	return backoff
}

// dispatchDelta is the counter increment for a confirmed dispatch
func dispatchDelta(stepType string) models.Counters {
	switch stepType {
	case models.StepEmail:
		return models.Counters{EmailsSent: 1}
	case models.StepCall:
		return models.Counters{CallsMade: 1}
	case models.StepSMS:
		return models.Counters{SMSSent: 1}
	}
	return models.Counters{}
}
