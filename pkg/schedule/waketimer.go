// Package schedule keeps the external wake-timer subsystem consistent
// with the firing instants implied by the current alarm set.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TriggerKey identifies one armed trigger. Snooze triggers are tagged
// distinctly so re-arming the base alarm leaves them alone.
type TriggerKey struct {
	AlarmID    string
	Occurrence int
	Snooze     bool
}

func (k TriggerKey) String() string {
	if k.Snooze {
		return k.AlarmID + "#snooze"
	}
	return k.AlarmID + "#" + strconv.Itoa(k.Occurrence)
}

// ParseTriggerKey reverses TriggerKey.String
func ParseTriggerKey(s string) (TriggerKey, error) {
	i := strings.LastIndex(s, "#")
	if i < 0 {
		return TriggerKey{}, fmt.Errorf("malformed trigger key %q", s)
	}
	k := TriggerKey{AlarmID: s[:i]}
	tail := s[i+1:]
	if tail == "snooze" {
		k.Snooze = true
		return k, nil
	}
	occ, err := strconv.Atoi(tail)
	if err != nil {
		return TriggerKey{}, fmt.Errorf("malformed trigger key %q: %w", s, err)
	}
	k.Occurrence = occ
	return k, nil
}

// Handle is the opaque identifier the wake-timer subsystem assigns to an
// armed trigger.
type Handle string

// Armed describes one currently-armed trigger as reported by the
// wake-timer subsystem.
type Armed struct {
	Key    TriggerKey
	At     time.Time
	Handle Handle
}

// WakeTimer is the external wake-timer subsystem boundary: schedule a wake
// callback for instant T identified by key K. Fired events are delivered
// asynchronously by the implementation; see ProcessTimer.
//
// Cancel of an already-cancelled or never-armed handle must be a no-op,
// because restart reconciliation and explicit deletes can race.
type WakeTimer interface {
	Schedule(key TriggerKey, at time.Time, payload string) (Handle, error)
	Cancel(h Handle) error
	Armed() []Armed
}
