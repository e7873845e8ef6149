// Package recurrence computes concrete firing instants from an alarm's
// time-of-day and weekday repeat mask. It is pure: callers pass "now" in
// and get instants back, nothing here touches timers or storage.
package recurrence

import (
	"time"

	"github.com/teambition/rrule-go"

	"github.com/borgmon/wake-minder/pkg/models"
)

// DefaultHorizonDays bounds the future-fire projection used for
// calendar-based scheduling.
const DefaultHorizonDays = 7

// time.Weekday order, Sunday first, matching WeekdayMask indexing
var rruleWeekdays = [7]rrule.Weekday{
	rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA,
}

// Next returns the next instant the alarm should fire, strictly after now.
// ok is false when the alarm is disabled. "now" itself is never a valid
// fire instant, which prevents a double fire in the same instant the alarm
// was created or updated.
func Next(a models.Alarm, now time.Time) (at time.Time, ok bool, err error) {
	if err := a.ValidateTime(); err != nil {
		return time.Time{}, false, err
	}
	if !a.Enabled {
		return time.Time{}, false, nil
	}

	if !a.Repeating() {
		candidate := atTimeOfDay(a, now)
		if candidate.After(now) {
			return candidate, true, nil
		}
		return candidate.AddDate(0, 0, 1), true, nil
	}

	r, err := weeklyRule(a, now)
	if err != nil {
		return time.Time{}, false, err
	}
	next := r.After(now, false)
	if next.IsZero() {
		// Unreachable: a non-empty mask always hits within 7 days of dtstart.
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// Upcoming projects the bounded window of future firings: every instant in
// the next horizonDays calendar days that is strictly after now, ascending.
// One-time alarms contribute at most one element.
func Upcoming(a models.Alarm, now time.Time, horizonDays int) ([]time.Time, error) {
	if err := a.ValidateTime(); err != nil {
		return nil, err
	}
	if !a.Enabled {
		return nil, nil
	}
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}

	if !a.Repeating() {
		next, ok, err := Next(a, now)
		if err != nil || !ok {
			return nil, err
		}
		return []time.Time{next}, nil
	}

	r, err := weeklyRule(a, now)
	if err != nil {
		return nil, err
	}

	// Window ends at midnight after the last projected day, so the final
	// included occurrence is (now + horizonDays-1 days) at the alarm time.
	end := startOfDay(now).AddDate(0, 0, horizonDays)
	var out []time.Time
	for t := r.After(now, false); !t.IsZero() && t.Before(end); t = r.After(t, false) {
		out = append(out, t)
	}
	return out, nil
}

// weeklyRule builds the WEEKLY/BYDAY rule for a repeating alarm. DTSTART
// is phased a week before now at the alarm's wall-clock time so the rule
// is already "running" when we ask for the next occurrence.
func weeklyRule(a models.Alarm, now time.Time) (*rrule.RRule, error) {
	days := make([]rrule.Weekday, 0, 7)
	for _, d := range a.Repeat.Days() {
		days = append(days, rruleWeekdays[int(d)])
	}
	return rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Byweekday: days,
		Dtstart:   atTimeOfDay(a, now).AddDate(0, 0, -7),
	})
}

func atTimeOfDay(a models.Alarm, day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), a.Hour, a.Minute, 0, 0, day.Location())
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
