package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgmon/wake-minder/pkg/models"
	"github.com/borgmon/wake-minder/pkg/schedule"
)

// Tuesday 09:00 UTC
var tuesday9 = time.Date(2027, 6, 8, 9, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu       sync.Mutex
	alarms   []models.Alarm
	settings models.Settings
	puts     int
	failPut  bool
}

func (s *fakeStore) GetAlarms(ctx context.Context) ([]models.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Alarm, len(s.alarms))
	copy(out, s.alarms)
	return out, nil
}

func (s *fakeStore) PutAlarms(ctx context.Context, alarms []models.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return &models.PersistenceError{Op: "put alarms", Err: fmt.Errorf("disk full")}
	}
	s.puts++
	s.alarms = make([]models.Alarm, len(alarms))
	copy(s.alarms, alarms)
	return nil
}

func (s *fakeStore) GetSettings(ctx context.Context) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *fakeStore) PutSettings(ctx context.Context, settings models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}

func (s *fakeStore) find(id string) (models.Alarm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alarms {
		if a.ID == id {
			return a, true
		}
	}
	return models.Alarm{}, false
}

type fakePlayback struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePlayback) Play(sound string, volume float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, fmt.Sprintf("play %s %.2f", sound, volume))
	return nil
}

func (p *fakePlayback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "stop")
}

func (p *fakePlayback) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	copy(out, p.events)
	return out
}

type fakeVibrator struct {
	mu      sync.Mutex
	active  bool
	cancels int
}

func (v *fakeVibrator) Vibrate(pattern []time.Duration, repeat bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.active = true
}

func (v *fakeVibrator) Cancel() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.active = false
	v.cancels++
}

// failableTimer wraps ProcessTimer so arm failures can be injected
type failableTimer struct {
	*schedule.ProcessTimer
	fail bool
}

func (f *failableTimer) Schedule(key schedule.TriggerKey, at time.Time, payload string) (schedule.Handle, error) {
	if f.fail {
		return "", fmt.Errorf("exact alarm permission revoked")
	}
	return f.ProcessTimer.Schedule(key, at, payload)
}

type fixture struct {
	ctrl     *Controller
	store    *fakeStore
	playback *fakePlayback
	vibrator *fakeVibrator
	timer    *failableTimer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := &fakeStore{}
	timer := &failableTimer{ProcessTimer: schedule.NewProcessTimer(nil)}
	t.Cleanup(timer.Stop)

	rec := schedule.NewReconciler(timer, 7)
	rec.SetNow(func() time.Time { return tuesday9 })

	playback := &fakePlayback{}
	vibrator := &fakeVibrator{}
	settings := models.Settings{
		SnoozeMinutes: 10,
		DefaultSound:  "classic",
		DefaultVolume: 0.8,
	}
	ctrl := NewController(st, rec, playback, vibrator, settings)
	ctrl.SetNow(func() time.Time { return tuesday9 })

	return &fixture{ctrl: ctrl, store: st, playback: playback, vibrator: vibrator, timer: timer}
}

func (f *fixture) setMaxRing(t *testing.T, secs int) {
	t.Helper()
	require.NoError(t, f.ctrl.UpdateSettings(t.Context(), models.Settings{
		SnoozeMinutes: 10, DefaultSound: "classic", DefaultVolume: 0.8, MaxRingSeconds: secs,
	}))
}

func (f *fixture) armedFor(id string) []time.Time {
	var out []time.Time
	for _, a := range f.timer.Armed() {
		if a.Key.AlarmID == id {
			out = append(out, a.At)
		}
	}
	return out
}

func (f *fixture) create(t *testing.T, hour int, days ...time.Weekday) models.Alarm {
	t.Helper()
	a := models.Alarm{Hour: hour, Enabled: true}
	for _, d := range days {
		a.Repeat[d] = true
	}
	created, err := f.ctrl.Create(t.Context(), a)
	require.NoError(t, err)
	return created
}

// solve answers a math prompt like "3 + 4 = ?"
func solve(t *testing.T, prompt string) string {
	t.Helper()
	fields := strings.Fields(prompt)
	require.GreaterOrEqual(t, len(fields), 3, "unexpected prompt %q", prompt)
	a, err := strconv.Atoi(fields[0])
	require.NoError(t, err)
	b, err := strconv.Atoi(fields[2])
	require.NoError(t, err)
	switch fields[1] {
	case "+":
		return strconv.Itoa(a + b)
	default:
		t.Fatalf("unexpected operator in prompt %q", prompt)
		return ""
	}
}

func TestCreate_RoundTrip(t *testing.T) {
	f := newFixture(t)

	in := models.Alarm{
		Hour: 7, Minute: 30, Enabled: true, Label: "gym",
		Sound: "chime", Volume: 0.5, Vibrate: true,
		Task: models.TaskSpec{Type: models.TaskMath, Difficulty: models.DifficultyEasy},
	}
	created, err := f.ctrl.Create(t.Context(), in)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, tuesday9, created.CreatedAt)
	assert.Equal(t, tuesday9, created.UpdatedAt)

	list, err := f.ctrl.List(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 1)

	got := list[0]
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, in.Hour, got.Hour)
	assert.Equal(t, in.Minute, got.Minute)
	assert.Equal(t, in.Label, got.Label)
	assert.Equal(t, in.Task, got.Task)
	assert.Equal(t, in.Sound, got.Sound)
	assert.Equal(t, in.Volume, got.Volume)
	assert.Equal(t, in.Vibrate, got.Vibrate)
}

func TestCreate_ValidationHasNoSideEffects(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.Create(t.Context(), models.Alarm{Hour: 7, Volume: 3})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Zero(t, f.store.puts)
	assert.Empty(t, f.timer.Armed())
}

func TestCreate_AppliesSettingsDefaults(t *testing.T) {
	f := newFixture(t)

	created, err := f.ctrl.Create(t.Context(), models.Alarm{Hour: 7, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, "classic", created.Sound)
	assert.Equal(t, 0.8, created.Volume)
}

func TestCreate_DisabledArmsNothing(t *testing.T) {
	f := newFixture(t)

	created, err := f.ctrl.Create(t.Context(), models.Alarm{Hour: 7})
	require.NoError(t, err)
	assert.Empty(t, f.armedFor(created.ID))
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)
	f.create(t, 7)

	puts := f.store.puts
	_, err := f.ctrl.Update(t.Context(), "missing", Patch{})
	require.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, puts, f.store.puts)
}

func TestUpdate_RearmsFromScratch(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, 7, time.Monday)

	hour := 8
	updated, err := f.ctrl.Update(t.Context(), a.ID, Patch{Hour: &hour})
	require.NoError(t, err)
	assert.Equal(t, 8, updated.Hour)

	armed := f.armedFor(a.ID)
	require.Len(t, armed, 1)
	assert.Equal(t, time.Date(2027, 6, 14, 8, 0, 0, 0, time.UTC), armed[0])
}

func TestDelete_NotFound(t *testing.T) {
	f := newFixture(t)
	err := f.ctrl.Delete(t.Context(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestToggle_OffOnRestoresSameTriggers(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, 7, time.Monday, time.Wednesday, time.Friday)
	before := f.armedFor(a.ID)
	require.Len(t, before, 3)

	off, err := f.ctrl.Toggle(t.Context(), a.ID)
	require.NoError(t, err)
	assert.False(t, off.Enabled)
	assert.Empty(t, f.armedFor(a.ID))

	on, err := f.ctrl.Toggle(t.Context(), a.ID)
	require.NoError(t, err)
	assert.True(t, on.Enabled)
	assert.ElementsMatch(t, before, f.armedFor(a.ID))
}

func TestOnFire_StartsPlaybackAndVibration(t *testing.T) {
	f := newFixture(t)
	a, err := f.ctrl.Create(t.Context(), models.Alarm{Hour: 7, Enabled: true, Vibrate: true, Sound: "chime", Volume: 0.5})
	require.NoError(t, err)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID})

	assert.Equal(t, []string{"play chime 0.50"}, f.playback.log())
	assert.True(t, f.vibrator.active)

	s := f.ctrl.Session()
	require.NotNil(t, s)
	assert.Equal(t, a.ID, s.AlarmID)
	assert.Equal(t, StateRinging, s.State)
}

func TestOnFire_DeletedAlarmAbortsSilently(t *testing.T) {
	f := newFixture(t)
	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: "deleted"})
	assert.Nil(t, f.ctrl.Session())
	assert.Empty(t, f.playback.log())
}

func TestOnFire_DisabledAlarmAbortsSilently(t *testing.T) {
	f := newFixture(t)
	a, err := f.ctrl.Create(t.Context(), models.Alarm{Hour: 7})
	require.NoError(t, err)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID})
	assert.Nil(t, f.ctrl.Session())
	assert.Empty(t, f.playback.log())
}

func TestOnFire_SecondAlarmStopsFirstPlayback(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, 7)
	b := f.create(t, 7)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID})
	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: b.ID})

	assert.Equal(t, []string{"play classic 0.80", "stop", "play classic 0.80"}, f.playback.log())
	s := f.ctrl.Session()
	require.NotNil(t, s)
	assert.Equal(t, b.ID, s.AlarmID)
}

func TestDismiss_OneTimeDisables(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, 7)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID})
	challenge, err := f.ctrl.Dismiss(t.Context(), a.ID)
	require.NoError(t, err)
	assert.Nil(t, challenge)

	stored, ok := f.store.find(a.ID)
	require.True(t, ok)
	assert.False(t, stored.Enabled)
	assert.Empty(t, f.armedFor(a.ID))
	assert.Nil(t, f.ctrl.Session())
	assert.Contains(t, f.playback.log(), "stop")
}

func TestDismiss_RepeatingRearmsNextOccurrence(t *testing.T) {
	f := newFixture(t)
	all := []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday}
	a := f.create(t, 7, all...)

	// The Tuesday 07:00 occurrence fired; dismissing at 09:00 re-arms
	// starting strictly after now, i.e. Wednesday 07:00.
	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID})
	_, err := f.ctrl.Dismiss(t.Context(), a.ID)
	require.NoError(t, err)

	stored, ok := f.store.find(a.ID)
	require.True(t, ok)
	assert.True(t, stored.Enabled)

	armed := f.armedFor(a.ID)
	require.NotEmpty(t, armed)
	earliest := armed[0]
	for _, at := range armed {
		if at.Before(earliest) {
			earliest = at
		}
	}
	assert.Equal(t, time.Date(2027, 6, 9, 7, 0, 0, 0, time.UTC), earliest)
}

func TestDismiss_WithoutSession(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, 7)
	_, err := f.ctrl.Dismiss(t.Context(), a.ID)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestDismiss_TaskGate(t *testing.T) {
	f := newFixture(t)
	a, err := f.ctrl.Create(t.Context(), models.Alarm{
		Hour: 7, Enabled: true,
		Task: models.TaskSpec{Type: models.TaskMath, Difficulty: models.DifficultyEasy},
	})
	require.NoError(t, err)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID})
	challenge, err := f.ctrl.Dismiss(t.Context(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, challenge, "dismiss must demand the task first")

	s := f.ctrl.Session()
	require.NotNil(t, s)
	assert.Equal(t, StateAwaitingTask, s.State)
	// Playback keeps ringing until the task is solved.
	assert.NotContains(t, f.playback.log(), "stop")

	// Wrong answers leave the session in place, unbounded retries.
	for i := 0; i < 3; i++ {
		done, err := f.ctrl.CompleteTask(t.Context(), a.ID, "not a number")
		require.NoError(t, err)
		assert.False(t, done)
		require.NotNil(t, f.ctrl.Session())
	}

	done, err := f.ctrl.CompleteTask(t.Context(), a.ID, solve(t, challenge.Prompt))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Nil(t, f.ctrl.Session())
	assert.Contains(t, f.playback.log(), "stop")

	stored, ok := f.store.find(a.ID)
	require.True(t, ok)
	assert.False(t, stored.Enabled, "dismissed one-time alarm switches off")
}

func TestSnooze_ArmsOneShotAndKeepsBaseTriggers(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, 7, time.Monday, time.Wednesday, time.Friday)
	base := f.armedFor(a.ID)
	require.Len(t, base, 3)

	// The earliest occurrence fires and is consumed; snooze must not
	// disturb the remaining base triggers.
	fired := time.Date(2027, 6, 9, 7, 0, 0, 0, time.UTC)
	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID, Occurrence: 0})
	at, err := f.ctrl.Snooze(t.Context(), a.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, tuesday9.Add(10*time.Minute), at)
	assert.Contains(t, f.playback.log(), "stop")

	armed := f.armedFor(a.ID)
	assert.Len(t, armed, 3, "snooze adds one trigger, the fired one is consumed")
	assert.Contains(t, armed, at)
	assert.NotContains(t, armed, fired)
	for _, instant := range base {
		if instant.Equal(fired) {
			continue
		}
		assert.Contains(t, armed, instant)
	}

	s := f.ctrl.Session()
	require.NotNil(t, s)
	assert.Equal(t, StateSnoozed, s.State)
	assert.Equal(t, 1, s.SnoozeCount)
}

func TestSnooze_RefireKeepsCount(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, 7)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID})
	_, err := f.ctrl.Snooze(t.Context(), a.ID, 5)
	require.NoError(t, err)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID, Snooze: true})
	s := f.ctrl.Session()
	require.NotNil(t, s)
	assert.Equal(t, StateRinging, s.State)
	assert.Equal(t, 1, s.SnoozeCount)

	_, err = f.ctrl.Snooze(t.Context(), a.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, f.ctrl.Session().SnoozeCount)
}

func TestSnooze_DisabledBySettings(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.UpdateSettings(t.Context(), models.Settings{
		SnoozeMinutes: 0, DefaultSound: "classic", DefaultVolume: 0.8,
	}))
	a := f.create(t, 7)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID})
	_, err := f.ctrl.Snooze(t.Context(), a.ID, 0)
	assert.ErrorIs(t, err, ErrSnoozeDisabled)
}

func TestAutoSilence_OneTimeEndsUnansweredRing(t *testing.T) {
	f := newFixture(t)
	f.setMaxRing(t, 1)
	a := f.create(t, 7)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID})
	require.NotNil(t, f.ctrl.Session())

	require.Eventually(t, func() bool { return f.ctrl.Session() == nil },
		3*time.Second, 20*time.Millisecond, "unanswered ring must silence itself")
	assert.Contains(t, f.playback.log(), "stop")

	stored, ok := f.store.find(a.ID)
	require.True(t, ok)
	assert.False(t, stored.Enabled, "a silenced one-time alarm ends switched off")
	assert.Empty(t, f.armedFor(a.ID))
}

func TestAutoSilence_RepeatingRearms(t *testing.T) {
	f := newFixture(t)
	f.setMaxRing(t, 1)
	a := f.create(t, 7, time.Monday, time.Wednesday, time.Friday)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID, Occurrence: 0})
	require.Eventually(t, func() bool { return f.ctrl.Session() == nil },
		3*time.Second, 20*time.Millisecond)

	stored, ok := f.store.find(a.ID)
	require.True(t, ok)
	assert.True(t, stored.Enabled)
	assert.NotEmpty(t, f.armedFor(a.ID), "a silenced repeating alarm stays armed")
}

func TestAutoSilence_RefireResetsDeadline(t *testing.T) {
	f := newFixture(t)
	f.setMaxRing(t, 2)
	a := f.create(t, 7, time.Monday)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID, Occurrence: 0})
	time.Sleep(1200 * time.Millisecond)

	// A second delivery for the same alarm re-enters the session; the
	// deadline restarts and the first ring's timer must not cut it short.
	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID, Occurrence: 0})
	time.Sleep(1200 * time.Millisecond)

	s := f.ctrl.Session()
	require.NotNil(t, s, "the first ring's deadline ended the second ring")
	assert.Equal(t, StateRinging, s.State)

	require.Eventually(t, func() bool { return f.ctrl.Session() == nil },
		3*time.Second, 20*time.Millisecond, "the restarted deadline must still silence")
}

func TestAutoSilence_SnoozeStopsPendingTimer(t *testing.T) {
	f := newFixture(t)
	f.setMaxRing(t, 2)
	a := f.create(t, 7)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID})
	time.Sleep(1200 * time.Millisecond)
	_, err := f.ctrl.Snooze(t.Context(), a.ID, 5)
	require.NoError(t, err)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID, Snooze: true})
	time.Sleep(1200 * time.Millisecond)

	s := f.ctrl.Session()
	require.NotNil(t, s, "the timer from before the snooze ended the new ring")
	assert.Equal(t, StateRinging, s.State)
}

func TestAutoSilence_DismissStopsPendingTimer(t *testing.T) {
	f := newFixture(t)
	f.setMaxRing(t, 2)
	a := f.create(t, 7, time.Monday, time.Wednesday, time.Friday)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID, Occurrence: 0})
	time.Sleep(1200 * time.Millisecond)
	_, err := f.ctrl.Dismiss(t.Context(), a.ID)
	require.NoError(t, err)
	require.Nil(t, f.ctrl.Session())

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID, Occurrence: 1})
	time.Sleep(1200 * time.Millisecond)

	s := f.ctrl.Session()
	require.NotNil(t, s, "the dismissed ring's timer ended the new ring")
	assert.Equal(t, StateRinging, s.State)
}

func TestDelete_MidAwaitingTaskStopsEverything(t *testing.T) {
	f := newFixture(t)
	a, err := f.ctrl.Create(t.Context(), models.Alarm{
		Hour: 7, Enabled: true, Vibrate: true,
		Task: models.TaskSpec{Type: models.TaskRiddle, Difficulty: models.DifficultyHard},
	})
	require.NoError(t, err)

	f.ctrl.OnFire(t.Context(), schedule.TriggerKey{AlarmID: a.ID})
	challenge, err := f.ctrl.Dismiss(t.Context(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, challenge)

	require.NoError(t, f.ctrl.Delete(t.Context(), a.ID))
	assert.Contains(t, f.playback.log(), "stop")
	assert.False(t, f.vibrator.active)
	assert.Empty(t, f.armedFor(a.ID))
	assert.Nil(t, f.ctrl.Session())

	_, ok := f.store.find(a.ID)
	assert.False(t, ok)
}

func TestSchedulingFailure_RecordedButCommitted(t *testing.T) {
	f := newFixture(t)
	f.timer.fail = true

	created, err := f.ctrl.Create(t.Context(), models.Alarm{Hour: 7, Enabled: true})
	var serr *models.SchedulingError
	require.ErrorAs(t, err, &serr)

	// The record is committed and stays enabled; only the error flag marks
	// the failure for the next reconcile to retry.
	stored, ok := f.store.find(created.ID)
	require.True(t, ok)
	assert.True(t, stored.Enabled)
	assert.NotEmpty(t, stored.ScheduleError)

	f.timer.fail = false
	require.NoError(t, f.ctrl.ReconcileAll(t.Context()))
	stored, _ = f.store.find(created.ID)
	assert.Empty(t, stored.ScheduleError)
	assert.Len(t, f.armedFor(created.ID), 1)
}

func TestReconcileAll_Idempotent(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, 7, time.Monday)

	require.NoError(t, f.ctrl.ReconcileAll(t.Context()))
	first := f.armedFor(a.ID)
	require.NoError(t, f.ctrl.ReconcileAll(t.Context()))
	assert.ElementsMatch(t, first, f.armedFor(a.ID))
}
