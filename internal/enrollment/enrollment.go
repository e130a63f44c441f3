// Package enrollment holds the enrollment state machine: which status
// transitions are legal, how events and conditions act on an enrollment and
// where its cursor goes next.
package enrollment

import (
	"fmt"
	"time"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/window"
)

var transitions = map[string][]string{
	models.EnrollmentActive: {
		models.EnrollmentPaused,
		models.EnrollmentCompleted,
		models.EnrollmentStoppedReply,
		models.EnrollmentStoppedClick,
		models.EnrollmentStoppedBounce,
		models.EnrollmentStoppedUnsubscribe,
		models.EnrollmentStoppedCall,
	},
	models.EnrollmentPaused: {
		models.EnrollmentActive,
		models.EnrollmentCompleted,
		models.EnrollmentStoppedReply,
		models.EnrollmentStoppedClick,
		models.EnrollmentStoppedBounce,
		models.EnrollmentStoppedUnsubscribe,
		models.EnrollmentStoppedCall,
	},
}

// CanTransition reports whether an enrollment may move from one status to
// another. Terminal statuses have no outgoing transitions.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves e to status to, or returns ConflictError
func Transition(e *models.Enrollment, to string, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return apperr.Conflict("enrollment", e.ID, fmt.Sprintf("cannot move from %s to %s", e.Status, to))
	}
	e.Status = to
	if models.IsTerminalStatus(to) {
		e.NextActionAt = nil
		t := now.UTC()
		e.CompletedAt = &t
	}
	return nil
}

// EvaluateCondition reports whether a step guarded by cond should run given
// the counters accumulated so far
func EvaluateCondition(cond string, c models.Counters) bool {
	switch cond {
	case models.ConditionNoReply:
		return c.Replies == 0
	case models.ConditionNoOpen:
		return c.Opens == 0
	case models.ConditionNoAnswer:
		return c.CallsAnswered == 0
	default:
		return true
	}
}

// StopStatus returns the terminal status an event moves an enrollment of seq
// to, if any. Unsubscribe always stops.
func StopStatus(seq *models.Sequence, eventType string) (string, bool) {
	switch eventType {
	case models.EventUnsubscribe:
		return models.EnrollmentStoppedUnsubscribe, true
	case models.EventReply:
		return models.EnrollmentStoppedReply, seq.StopOnReply
	case models.EventClick:
		return models.EnrollmentStoppedClick, seq.StopOnClick
	case models.EventBounce:
		return models.EnrollmentStoppedBounce, seq.StopOnBounce
	case models.EventCallAnswered:
		return models.EnrollmentStoppedCall, seq.StopOnCallAnswered
	}
	return "", false
}

// CounterDelta returns the counter increment caused by an event
func CounterDelta(eventType string) models.Counters {
	switch eventType {
	case models.EventOpen:
		return models.Counters{Opens: 1}
	case models.EventClick:
		return models.Counters{Clicks: 1}
	case models.EventReply:
		return models.Counters{Replies: 1}
	case models.EventCallAnswered:
		return models.Counters{CallsAnswered: 1}
	}
	return models.Counters{}
}

// ApplyEvent updates counters and, when a stop rule matches, the status of
// e. Counters keep counting after a stop; the status of a terminal
// enrollment never changes. It reports whether e changed.
func ApplyEvent(e *models.Enrollment, seq *models.Sequence, eventType string, now time.Time) bool {
	changed := false
	if d := CounterDelta(eventType); d != (models.Counters{}) {
		e.Add(d)
		changed = true
	}

	if models.IsTerminalStatus(e.Status) {
		return changed
	}
	if to, stop := StopStatus(seq, eventType); stop {
		if err := Transition(e, to, now); err == nil {
			e.StopReason = eventType
			changed = true
		}
	}
	return changed
}

// Plan is where the cursor goes after the step at the current index runs
type Plan struct {
	NextStep     int
	NextActionAt *time.Time
	Complete     bool
}

// PlanAdvance computes the cursor after executing steps[current] at now.
// The next action is delayed by the next step's delay and snapped forward to
// the send window.
func PlanAdvance(steps []models.Step, current int, now time.Time, w *window.Window) Plan {
	next := current + 1
	if next >= len(steps) {
		return Plan{NextStep: next, Complete: true}
	}
	at := w.NextSendable(After(now, steps[next], w.Location())).UTC()
	return Plan{NextStep: next, NextActionAt: &at}
}

// After adds a step's delay to t. Days are calendar days in loc so a lead
// contacted at 10:00 is contacted again at 10:00 across DST changes.
func After(t time.Time, step models.Step, loc *time.Location) time.Time {
	return t.In(loc).AddDate(0, 0, step.DelayDays).Add(time.Duration(step.DelayHours) * time.Hour)
}

// FirstAction returns when a freshly enrolled lead runs its first step
func FirstAction(enrolledAt time.Time, w *window.Window) time.Time {
	return w.NextSendable(enrolledAt).UTC()
}

// Predict returns the expected next_action_at of every step for a lead
// enrolled at t0, assuming each step runs exactly when it becomes due
func Predict(steps []models.Step, t0 time.Time, w *window.Window) []time.Time {
	if len(steps) == 0 {
		return nil
	}
	times := []time.Time{FirstAction(t0, w)}
	for i := range steps {
		p := PlanAdvance(steps, i, times[i], w)
		if p.Complete {
			break
		}
		times = append(times, *p.NextActionAt)
	}
	return times
}

// Pause holds an enrollment at its cursor. Pausing an already paused
// enrollment only updates the reason.
func Pause(e *models.Enrollment, reason string, now time.Time) error {
	if e.Status != models.EnrollmentPaused {
		if err := Transition(e, models.EnrollmentPaused, now); err != nil {
			return err
		}
	}
	e.StopReason = reason
	return nil
}

// Resume reactivates a paused enrollment, or clears the failure flag of an
// active one. The persisted next_action_at is kept; an enrollment without
// one (failed, or paused past its last step) is rescheduled or completed.
func Resume(e *models.Enrollment, steps []models.Step, now time.Time, w *window.Window) error {
	switch {
	case e.Status == models.EnrollmentPaused:
	case e.Status == models.EnrollmentActive && e.Failed:
	default:
		return apperr.Conflict("enrollment", e.ID, fmt.Sprintf("cannot resume from %s", e.Status))
	}

	e.Failed = false
	e.Attempts = 0
	e.LastError = ""
	e.StopReason = ""

	if e.CurrentStep >= len(steps) {
		return Transition(e, models.EnrollmentCompleted, now)
	}

	e.Status = models.EnrollmentActive
	if e.NextActionAt == nil {
		at := w.NextSendable(now).UTC()
		e.NextActionAt = &at
	}
	return nil
}
