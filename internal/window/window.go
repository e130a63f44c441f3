// Package window decides when a sequence may dispatch. A window is a
// time-of-day range [start, end) on a set of ISO weekdays, evaluated in an
// IANA timezone so DST shifts follow the tz database.
package window

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/models"
)

const minutesPerDay = 24 * 60

// Window is a parsed send window
type Window struct {
	loc   *time.Location
	start int // minutes after local midnight
	end   int // exclusive
	days  [8]bool
}

// New parses a window. Windows that cross midnight are rejected.
func New(timezone, start, end string, days []int) (*Window, error) {
	verr := &apperr.ValidationError{}

	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		verr.Add("timezone", "unknown timezone %q", timezone)
	}

	s, err := ParseClock(start)
	if err != nil {
		verr.Add("sendWindowStart", "%v", err)
	}
	e, err := ParseClock(end)
	if err != nil {
		verr.Add("sendWindowEnd", "%v", err)
	}
	if len(verr.Fields) == 0 && e <= s {
		verr.Add("sendWindowEnd", "must be after sendWindowStart; windows crossing midnight are not supported")
	}

	w := &Window{loc: loc, start: s, end: e}
	if len(days) == 0 {
		verr.Add("sendDays", "at least one day is required")
	}
	for _, d := range days {
		if d < 1 || d > 7 {
			verr.Add("sendDays", "day %d out of range 1-7", d)
			continue
		}
		w.days[d] = true
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return w, nil
}

// ForSequence builds the window configured on seq
func ForSequence(seq *models.Sequence) (*Window, error) {
	return New(seq.Timezone, seq.SendWindowStart, seq.SendWindowEnd, seq.SendDays)
}

// IsSendableNow reports whether now falls inside the described window
func IsSendableNow(timezone, start, end string, days []int, now time.Time) (bool, error) {
	w, err := New(timezone, start, end, days)
	if err != nil {
		return false, err
	}
	return w.IsSendable(now), nil
}

// ParseClock parses "HH:MM" into minutes after midnight
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// Location returns the window's timezone
func (w *Window) Location() *time.Location {
	return w.loc
}

// IsSendable reports whether t is inside the window
func (w *Window) IsSendable(t time.Time) bool {
	local := t.In(w.loc)
	if !w.days[isoWeekday(local.Weekday())] {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= w.start && m < w.end
}

// NextSendable returns t if it is sendable, otherwise the earliest window
// opening after t.
func (w *Window) NextSendable(t time.Time) time.Time {
	if w.IsSendable(t) {
		return t
	}

	local := t.In(w.loc)
	y, mo, d := local.Date()
	for i := 0; i <= 7; i++ {
		day := time.Date(y, mo, d+i, 0, 0, 0, 0, w.loc)
		if !w.days[isoWeekday(day.Weekday())] {
			continue
		}

		candidate := time.Date(y, mo, d+i, w.start/60, w.start%60, 0, 0, w.loc)
		if !w.IsSendable(candidate) {
			// opening falls in a DST gap
			candidate = candidate.Add(time.Hour)
			if !w.IsSendable(candidate) {
				continue
			}
		}
		if candidate.After(t) {
			return candidate
		}
	}

	// unreachable for a valid window: every allowed weekday recurs within 7 days
	return t.Add(minutesPerDay * time.Minute)
}

func isoWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}
