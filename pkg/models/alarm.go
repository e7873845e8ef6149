package models

import (
	"fmt"
	"time"
)

// TaskType selects the dismissal challenge an alarm requires
type TaskType string

const (
	TaskNone   TaskType = "none"
	TaskMath   TaskType = "math"
	TaskRiddle TaskType = "riddle"
)

// Difficulty sizes the dismissal challenge
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// TaskSpec describes the challenge gate attached to an alarm.
// The scheduler treats it as opaque; only the task subsystem interprets it.
type TaskSpec struct {
	Type       TaskType   `json:"type"`
	Difficulty Difficulty `json:"difficulty"`
}

// Required reports whether dismissing the alarm demands a solved challenge.
// The zero value and an explicit "none" both mean no gate.
func (t TaskSpec) Required() bool {
	return t.Type != "" && t.Type != TaskNone
}

// WeekdayMask is a per-weekday repeat flag set, indexed by time.Weekday
// (Sunday = 0). The zero mask means a one-time alarm.
type WeekdayMask [7]bool

// Days builds a mask with the given weekdays flagged
func Days(days ...time.Weekday) WeekdayMask {
	var m WeekdayMask
	for _, d := range days {
		m[int(d)%7] = true
	}
	return m
}

// On reports whether the given weekday is flagged
func (m WeekdayMask) On(d time.Weekday) bool {
	return m[int(d)%7]
}

// Empty reports whether no weekday is flagged (one-time semantics)
func (m WeekdayMask) Empty() bool {
	return m == WeekdayMask{}
}

// Days returns the flagged weekdays in Sunday-first order
func (m WeekdayMask) Days() []time.Weekday {
	days := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if m[d] {
			days = append(days, d)
		}
	}
	return days
}

// Bits packs the mask into an int, bit i = weekday i. Used for storage.
func (m WeekdayMask) Bits() int {
	bits := 0
	for i, on := range m {
		if on {
			bits |= 1 << i
		}
	}
	return bits
}

// MaskFromBits unpacks a mask produced by Bits
func MaskFromBits(bits int) WeekdayMask {
	var m WeekdayMask
	for i := range m {
		m[i] = bits&(1<<i) != 0
	}
	return m
}

// Alarm is the central record: a wake request with a time-of-day,
// optional weekday recurrence, and dismissal rules.
type Alarm struct {
	ID            string      `json:"id"`
	Hour          int         `json:"hour"`
	Minute        int         `json:"minute"`
	Repeat        WeekdayMask `json:"repeat"`
	Enabled       bool        `json:"enabled"`
	Label         string      `json:"label"`
	Task          TaskSpec    `json:"task"`
	Sound         string      `json:"sound"`  // empty selects the settings default
	Volume        float64     `json:"volume"` // 0.0-1.0; 0 selects the settings default, so alarms never ring silently
	Vibrate       bool        `json:"vibrate"`
	ScheduleError string      `json:"schedule_error,omitempty"` // last arm failure, cleared on success
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// TimeOfDay formats the alarm time as HH:MM
func (a Alarm) TimeOfDay() string {
	return fmt.Sprintf("%02d:%02d", a.Hour, a.Minute)
}

// Repeating reports whether the alarm recurs on at least one weekday
func (a Alarm) Repeating() bool {
	return !a.Repeat.Empty()
}

// ValidateTime checks only the time-of-day fields. The recurrence resolver
// calls this up front so a malformed time fails fast instead of silently
// normalizing into a wrong instant.
func (a Alarm) ValidateTime() error {
	if a.Hour < 0 || a.Hour > 23 {
		return &ValidationError{Field: "hour", Reason: fmt.Sprintf("must be 0-23, got %d", a.Hour)}
	}
	if a.Minute < 0 || a.Minute > 59 {
		return &ValidationError{Field: "minute", Reason: fmt.Sprintf("must be 0-59, got %d", a.Minute)}
	}
	return nil
}

// Validate checks all field invariants. It runs before any persistence or
// scheduling side effect.
func (a Alarm) Validate() error {
	if err := a.ValidateTime(); err != nil {
		return err
	}
	if a.Volume < 0 || a.Volume > 1 {
		return &ValidationError{Field: "volume", Reason: fmt.Sprintf("must be 0.0-1.0, got %g", a.Volume)}
	}
	switch a.Task.Type {
	case TaskNone, "":
	case TaskMath, TaskRiddle:
		switch a.Task.Difficulty {
		case DifficultyEasy, DifficultyMedium, DifficultyHard:
		default:
			return &ValidationError{Field: "task.difficulty", Reason: fmt.Sprintf("unknown difficulty %q", a.Task.Difficulty)}
		}
	default:
		return &ValidationError{Field: "task.type", Reason: fmt.Sprintf("unknown task type %q", a.Task.Type)}
	}
	return nil
}
