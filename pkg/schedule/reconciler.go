package schedule

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/borgmon/wake-minder/pkg/models"
	"github.com/borgmon/wake-minder/pkg/recurrence"
)

// Reconciler owns the mapping from alarms to armed wake-timer triggers.
// It always cancels and re-derives from scratch instead of diffing
// individual triggers; that trades a few redundant calls for the certainty
// that no stale trigger survives a mutation.
type Reconciler struct {
	mu          sync.Mutex
	timer       WakeTimer
	horizonDays int
	now         func() time.Time

	// alarm ID -> armed triggers, snooze included
	armed map[string][]Armed
}

func NewReconciler(timer WakeTimer, horizonDays int) *Reconciler {
	if horizonDays <= 0 {
		horizonDays = recurrence.DefaultHorizonDays
	}
	return &Reconciler{
		timer:       timer,
		horizonDays: horizonDays,
		now:         time.Now,
		armed:       make(map[string][]Armed),
	}
}

// SetNow overrides the clock. Tests only.
func (r *Reconciler) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Arm cancels any existing recurring triggers for the alarm, then, if it
// is enabled, programs one trigger per upcoming instant. Snooze triggers
// are left untouched.
func (r *Reconciler) Arm(a models.Alarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armLocked(a)
}

func (r *Reconciler) armLocked(a models.Alarm) error {
	r.cancelLocked(a.ID, false)

	if !a.Enabled {
		return nil
	}

	instants, err := recurrence.Upcoming(a, r.now(), r.horizonDays)
	if err != nil {
		return &models.SchedulingError{AlarmID: a.ID, Err: err}
	}

	for i, at := range instants {
		key := TriggerKey{AlarmID: a.ID, Occurrence: i}
		h, err := r.timer.Schedule(key, at, a.ID)
		if err != nil {
			// Partial arming is repaired by the next ReconcileAll.
			return &models.SchedulingError{AlarmID: a.ID, Err: err}
		}
		r.armed[a.ID] = append(r.armed[a.ID], Armed{Key: key, At: at, Handle: h})
	}
	return nil
}

// ArmSnooze programs a single one-shot trigger at the given instant,
// tagged distinctly so base re-arms do not disturb it and vice versa.
func (r *Reconciler) ArmSnooze(a models.Alarm, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := TriggerKey{AlarmID: a.ID, Snooze: true}
	h, err := r.timer.Schedule(key, at, a.ID)
	if err != nil {
		return &models.SchedulingError{AlarmID: a.ID, Err: err}
	}
	r.armed[a.ID] = append(r.armed[a.ID], Armed{Key: key, At: at, Handle: h})
	return nil
}

// Disarm cancels every trigger for the alarm, snooze included. Safe to
// call when nothing is armed.
func (r *Reconciler) Disarm(alarmID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked(alarmID, true)
	return nil
}

// cancelLocked drops the alarm's triggers from the timer and the mapping.
// includeSnooze=false keeps snooze triggers armed across a base re-arm.
func (r *Reconciler) cancelLocked(alarmID string, includeSnooze bool) {
	remaining := r.armed[alarmID][:0]
	for _, t := range r.armed[alarmID] {
		if t.Key.Snooze && !includeSnooze {
			remaining = append(remaining, t)
			continue
		}
		if err := r.timer.Cancel(t.Handle); err != nil {
			log.Printf("Failed to cancel trigger %s: %v", t.Key, err)
		}
	}
	if len(remaining) == 0 {
		delete(r.armed, alarmID)
	} else {
		r.armed[alarmID] = remaining
	}
}

// ReconcileAll re-derives the desired trigger set from the full alarm
// list, cancels every externally-armed trigger not traceable to an enabled
// alarm (orphans left behind by a killed process), then arms every enabled
// alarm. Running it twice with an unchanged list yields the same final
// armed set. It returns the per-alarm arm failures.
func (r *Reconciler) ReconcileAll(alarms []models.Alarm) map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled := make(map[string]bool, len(alarms))
	for _, a := range alarms {
		if a.Enabled {
			enabled[a.ID] = true
		}
	}

	// Adopt whatever the subsystem reports as armed. After a cold start the
	// in-memory mapping is empty while the subsystem may still hold
	// triggers from the previous process; those must be cancelled, not
	// duplicated, below.
	adopted := make(map[string][]Armed)
	for _, t := range r.timer.Armed() {
		adopted[t.Key.AlarmID] = append(adopted[t.Key.AlarmID], t)
	}
	r.armed = adopted

	// Orphan cleanup: armed triggers not traceable to an enabled alarm.
	for id := range adopted {
		if !enabled[id] {
			r.cancelLocked(id, true)
		}
	}

	failures := make(map[string]error)
	for _, a := range alarms {
		if !a.Enabled {
			continue
		}
		if err := r.armLocked(a); err != nil {
			failures[a.ID] = err
			log.Printf("Reconcile: arming alarm %s failed: %v", a.ID, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return failures
}

// OnFired drops a trigger from the mapping once its wake callback has been
// delivered. The handle is also cancelled: a no-op when the subsystem
// already consumed the trigger, and required when the callback arrived by
// another route (a replayed or test-injected fire).
func (r *Reconciler) OnFired(key TriggerKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := r.armed[key.AlarmID][:0]
	for _, t := range r.armed[key.AlarmID] {
		if t.Key != key {
			remaining = append(remaining, t)
			continue
		}
		if err := r.timer.Cancel(t.Handle); err != nil {
			log.Printf("Failed to cancel fired trigger %s: %v", t.Key, err)
		}
	}
	if len(remaining) == 0 {
		delete(r.armed, key.AlarmID)
	} else {
		r.armed[key.AlarmID] = remaining
	}
}

// ArmedFor returns the instants currently armed for an alarm, snooze
// triggers included, in no particular order.
func (r *Reconciler) ArmedFor(alarmID string) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]time.Time, 0, len(r.armed[alarmID]))
	for _, t := range r.armed[alarmID] {
		out = append(out, t.At)
	}
	return out
}

// NextArmed returns the soonest armed instant for an alarm
func (r *Reconciler) NextArmed(alarmID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best time.Time
	for _, t := range r.armed[alarmID] {
		if best.IsZero() || t.At.Before(best) {
			best = t.At
		}
	}
	if best.IsZero() {
		return time.Time{}, false
	}
	return best, true
}

func (r *Reconciler) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("reconciler(%d alarms armed)", len(r.armed))
}
