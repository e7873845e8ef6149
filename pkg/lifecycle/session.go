package lifecycle

import (
	"time"

	"github.com/borgmon/wake-minder/pkg/tasks"
)

// State is the per-alarm life-cycle position
type State string

const (
	StateIdle         State = "Idle"         // disabled or no session
	StateArmed        State = "Armed"        // enabled, triggers programmed
	StateRinging      State = "Ringing"      // wake callback fired, playback running
	StateAwaitingTask State = "AwaitingTask" // task required, not yet solved
	StateSnoozed      State = "Snoozed"      // one-shot snooze trigger armed
	StateDismissed    State = "Dismissed"    // terminal for this occurrence
)

// session is the transient ringing state for one alarm. It is created when
// a wake callback fires and destroyed on dismiss; it is never persisted.
type session struct {
	alarmID     string
	state       State
	startedAt   time.Time
	snoozeCount int
	taskDone    bool
	challenge   *tasks.Challenge
	silence     *time.Timer // auto-silence, nil when disabled
}

func (s *session) stopSilenceTimer() {
	if s.silence != nil {
		s.silence.Stop()
		s.silence = nil
	}
}

// Session is the read-only snapshot handed to callers (the ringing UI
// reconstructs its view from this plus the alarm record).
type Session struct {
	AlarmID     string
	State       State
	StartedAt   time.Time
	SnoozeCount int
	TaskDone    bool
	Challenge   *tasks.Challenge
}

func (s *session) snapshot() *Session {
	return &Session{
		AlarmID:     s.alarmID,
		State:       s.state,
		StartedAt:   s.startedAt,
		SnoozeCount: s.snoozeCount,
		TaskDone:    s.taskDone,
		Challenge:   s.challenge,
	}
}
