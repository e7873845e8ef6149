// Package lifecycle owns the per-alarm state machine: armed, ringing,
// awaiting task, snoozed, dismissed. Every mutation validates, persists,
// and re-invokes the scheduling reconciler, in that order.
package lifecycle

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/borgmon/wake-minder/pkg/models"
	"github.com/borgmon/wake-minder/pkg/schedule"
	"github.com/borgmon/wake-minder/pkg/tasks"
)

// ErrNoActiveSession is returned by ringing-phase operations (dismiss,
// snooze, complete-task) when the alarm has no live ringing session.
var ErrNoActiveSession = errors.New("no active ringing session")

// ErrSnoozeDisabled is returned when snooze is requested but the snooze
// duration setting is zero.
var ErrSnoozeDisabled = errors.New("snooze is disabled")

// Store is the persistence collaborator. The controller treats it as the
// sole owner of the canonical alarm list.
type Store interface {
	GetAlarms(ctx context.Context) ([]models.Alarm, error)
	PutAlarms(ctx context.Context, alarms []models.Alarm) error
	GetSettings(ctx context.Context) (models.Settings, error)
	PutSettings(ctx context.Context, s models.Settings) error
}

// Playback is the audio collaborator. It is a single global resource; the
// controller guarantees at most one ringing session drives it at a time.
type Playback interface {
	Play(sound string, volume float64) error
	Stop()
}

// Vibrator is the vibration collaborator
type Vibrator interface {
	Vibrate(pattern []time.Duration, repeat bool)
	Cancel()
}

var ringVibratePattern = []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}

// Patch is a partial alarm update; nil fields are left unchanged
type Patch struct {
	Hour    *int
	Minute  *int
	Repeat  *models.WeekdayMask
	Enabled *bool
	Label   *string
	Task    *models.TaskSpec
	Sound   *string
	Volume  *float64
	Vibrate *bool
}

func (p Patch) apply(a *models.Alarm) {
	if p.Hour != nil {
		a.Hour = *p.Hour
	}
	if p.Minute != nil {
		a.Minute = *p.Minute
	}
	if p.Repeat != nil {
		a.Repeat = *p.Repeat
	}
	if p.Enabled != nil {
		a.Enabled = *p.Enabled
	}
	if p.Label != nil {
		a.Label = *p.Label
	}
	if p.Task != nil {
		a.Task = *p.Task
	}
	if p.Sound != nil {
		a.Sound = *p.Sound
	}
	if p.Volume != nil {
		a.Volume = *p.Volume
	}
	if p.Vibrate != nil {
		a.Vibrate = *p.Vibrate
	}
}

// Controller serializes all alarm mutations behind one mutex (mutations
// always read-modify-write the full list, so per-alarm locking buys
// nothing) and keeps a transient in-memory mirror of the store.
type Controller struct {
	mu       sync.Mutex
	store    Store
	rec      *schedule.Reconciler
	playback Playback
	vibrator Vibrator
	settings models.Settings
	now      func() time.Time

	cache   []models.Alarm
	session *session
}

func NewController(store Store, rec *schedule.Reconciler, playback Playback, vibrator Vibrator, settings models.Settings) *Controller {
	settings.Normalize()
	return &Controller{
		store:    store,
		rec:      rec,
		playback: playback,
		vibrator: vibrator,
		settings: settings,
		now:      time.Now,
	}
}

// SetNow overrides the clock. Tests only.
func (c *Controller) SetNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Create validates and persists a new alarm, then arms it if enabled. The
// returned alarm carries the assigned ID and timestamps. An empty Sound or
// a zero Volume takes the settings default; an alarm cannot opt into
// silent playback. A scheduling failure is surfaced but the record is
// already committed.
func (c *Controller) Create(ctx context.Context, a models.Alarm) (models.Alarm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a.Sound == "" {
		a.Sound = c.settings.DefaultSound
	}
	if a.Volume == 0 {
		a.Volume = c.settings.DefaultVolume
	}
	if err := a.Validate(); err != nil {
		return models.Alarm{}, err
	}

	a.ID = uuid.NewString()
	now := c.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.ScheduleError = ""

	alarms, err := c.store.GetAlarms(ctx)
	if err != nil {
		return models.Alarm{}, err
	}
	alarms = append(alarms, a)
	if err := c.store.PutAlarms(ctx, alarms); err != nil {
		return models.Alarm{}, err
	}
	c.cache = alarms

	if a.Enabled {
		if err := c.rec.Arm(a); err != nil {
			c.recordScheduleError(ctx, a.ID, err)
			return a, err
		}
	}
	return a, nil
}

// Update merges the patch into the alarm, re-validates, persists, and
// fully re-derives its triggers. Fails with ErrNotFound and no side
// effects when the ID is unknown.
func (c *Controller) Update(ctx context.Context, id string, patch Patch) (models.Alarm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLocked(ctx, id, patch)
}

func (c *Controller) updateLocked(ctx context.Context, id string, patch Patch) (models.Alarm, error) {
	alarms, err := c.store.GetAlarms(ctx)
	if err != nil {
		return models.Alarm{}, err
	}
	idx := indexOf(alarms, id)
	if idx < 0 {
		return models.Alarm{}, models.ErrNotFound
	}

	a := alarms[idx]
	patch.apply(&a)
	a.UpdatedAt = c.now()
	a.ScheduleError = ""
	if err := a.Validate(); err != nil {
		return models.Alarm{}, err
	}

	alarms[idx] = a
	if err := c.store.PutAlarms(ctx, alarms); err != nil {
		return models.Alarm{}, err
	}
	c.cache = alarms

	// Disarm then arm: never patch triggers incrementally, stale-trigger
	// bugs are not worth the saved calls.
	if err := c.rec.Disarm(id); err != nil {
		c.recordScheduleError(ctx, id, err)
		return a, err
	}
	if err := c.rec.Arm(a); err != nil {
		c.recordScheduleError(ctx, id, err)
		return a, err
	}
	return a, nil
}

// Toggle flips the enabled flag
func (c *Controller) Toggle(ctx context.Context, id string) (models.Alarm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	alarms, err := c.store.GetAlarms(ctx)
	if err != nil {
		return models.Alarm{}, err
	}
	idx := indexOf(alarms, id)
	if idx < 0 {
		return models.Alarm{}, models.ErrNotFound
	}
	enabled := !alarms[idx].Enabled
	return c.updateLocked(ctx, id, Patch{Enabled: &enabled})
}

// Delete disarms every trigger for the alarm and removes its record. A
// live ringing session for it is torn down first, playback included.
func (c *Controller) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	alarms, err := c.store.GetAlarms(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(alarms, id)
	if idx < 0 {
		return models.ErrNotFound
	}

	if c.session != nil && c.session.alarmID == id {
		c.stopPlaybackLocked()
		c.session = nil
	}
	if err := c.rec.Disarm(id); err != nil {
		log.Printf("Disarm during delete of %s: %v", id, err)
	}

	alarms = append(alarms[:idx], alarms[idx+1:]...)
	if err := c.store.PutAlarms(ctx, alarms); err != nil {
		return err
	}
	c.cache = alarms
	return nil
}

// OnFire is entered from the wake callback. The alarm is re-read from the
// store: a record deleted or disabled between arm time and fire time
// aborts the session silently.
func (c *Controller) OnFire(ctx context.Context, key schedule.TriggerKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rec.OnFired(key)

	alarms, err := c.store.GetAlarms(ctx)
	if err != nil {
		log.Printf("Fire %s: store read failed: %v", key, err)
		return
	}
	idx := indexOf(alarms, key.AlarmID)
	if idx < 0 || !alarms[idx].Enabled {
		return
	}
	a := alarms[idx]

	// One ringing session at a time: a second alarm firing while another
	// rings fully stops the first playback before starting its own.
	if c.session != nil && c.session.alarmID != a.ID {
		c.stopPlaybackLocked()
		c.session = nil
	}

	if c.session != nil && c.session.alarmID == a.ID {
		// A snoozed session re-entering ringing keeps its snooze count. Any
		// pending auto-silence timer belongs to the previous ring and must
		// not cut the new one short.
		c.session.stopSilenceTimer()
		c.session.state = StateRinging
		c.session.taskDone = false
	} else {
		c.session = &session{
			alarmID:   a.ID,
			state:     StateRinging,
			startedAt: c.now(),
		}
	}

	if err := c.playback.Play(c.soundFor(a), c.volumeFor(a)); err != nil {
		log.Printf("Fire %s: playback failed: %v", a.ID, err)
	}
	if a.Vibrate {
		c.vibrator.Vibrate(ringVibratePattern, true)
	}
	if c.settings.MaxRingSeconds > 0 {
		d := time.Duration(c.settings.MaxRingSeconds) * time.Second
		c.session.silence = time.AfterFunc(d, func() { c.autoSilence(a.ID) })
	}
}

// autoSilence ends a ring that nobody answered, bypassing the task gate
func (c *Controller) autoSilence(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil || s.alarmID != id || (s.state != StateRinging && s.state != StateAwaitingTask) {
		return
	}
	log.Printf("Alarm %s rang unanswered for %ds, silencing", id, c.settings.MaxRingSeconds)
	if err := c.finalizeDismissLocked(context.Background(), id); err != nil {
		log.Printf("Auto-silence of %s: %v", id, err)
	}
}

// Dismiss ends the ringing session. When the alarm requires a task that
// has not been completed, it returns the challenge instead and the session
// moves to AwaitingTask; the caller must follow up with CompleteTask.
func (c *Controller) Dismiss(ctx context.Context, id string) (*tasks.Challenge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil || s.alarmID != id || (s.state != StateRinging && s.state != StateAwaitingTask) {
		return nil, ErrNoActiveSession
	}

	alarms, err := c.store.GetAlarms(ctx)
	if err != nil {
		return nil, err
	}
	idx := indexOf(alarms, id)
	if idx < 0 {
		// Deleted underneath the ring; just tear the session down.
		c.stopPlaybackLocked()
		c.session = nil
		return nil, nil
	}
	a := alarms[idx]

	if a.Task.Required() && !s.taskDone {
		s.state = StateAwaitingTask
		if s.challenge == nil {
			ch := tasks.Generate(a.Task)
			s.challenge = &ch
		}
		return s.challenge, nil
	}

	return nil, c.finalizeDismissLocked(ctx, id)
}

// CompleteTask submits an answer for the pending challenge. A wrong answer
// leaves the session in AwaitingTask; retries are unbounded.
func (c *Controller) CompleteTask(ctx context.Context, id, answer string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil || s.alarmID != id || s.state != StateAwaitingTask || s.challenge == nil {
		return false, ErrNoActiveSession
	}
	if !s.challenge.Check(answer) {
		return false, nil
	}
	s.taskDone = true
	return true, c.finalizeDismissLocked(ctx, id)
}

// Snooze stops playback and arms a single one-shot trigger at now+minutes,
// tagged separately so the alarm's normal recurring triggers are left
// untouched. minutes <= 0 uses the configured snooze duration.
func (c *Controller) Snooze(ctx context.Context, id string, minutes int) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil || s.alarmID != id || (s.state != StateRinging && s.state != StateAwaitingTask) {
		return time.Time{}, ErrNoActiveSession
	}
	if minutes <= 0 {
		minutes = c.settings.SnoozeMinutes
	}
	if minutes <= 0 {
		return time.Time{}, ErrSnoozeDisabled
	}

	alarms, err := c.store.GetAlarms(ctx)
	if err != nil {
		return time.Time{}, err
	}
	idx := indexOf(alarms, id)
	if idx < 0 {
		return time.Time{}, models.ErrNotFound
	}

	c.stopPlaybackLocked()
	at := c.now().Add(time.Duration(minutes) * time.Minute)
	if err := c.rec.ArmSnooze(alarms[idx], at); err != nil {
		c.recordScheduleError(ctx, id, err)
		return time.Time{}, err
	}
	s.snoozeCount++
	s.state = StateSnoozed
	return at, nil
}

// finalizeDismissLocked stops playback and either disables a one-time
// alarm or re-arms a repeating one for its next strictly-future
// occurrence (the just-fired instant is never a candidate again).
func (c *Controller) finalizeDismissLocked(ctx context.Context, id string) error {
	c.stopPlaybackLocked()
	c.session = nil

	alarms, err := c.store.GetAlarms(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(alarms, id)
	if idx < 0 {
		return nil
	}
	a := alarms[idx]

	if !a.Repeating() {
		a.Enabled = false
		a.UpdatedAt = c.now()
		alarms[idx] = a
		if err := c.store.PutAlarms(ctx, alarms); err != nil {
			return err
		}
		c.cache = alarms
		if err := c.rec.Disarm(id); err != nil {
			log.Printf("Disarm after dismiss of %s: %v", id, err)
		}
		return nil
	}

	c.cache = alarms
	if err := c.rec.Arm(a); err != nil {
		c.recordScheduleError(ctx, id, err)
		return err
	}
	return nil
}

// List returns the alarm list, refreshing the in-memory mirror
func (c *Controller) List(ctx context.Context) ([]models.Alarm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	alarms, err := c.store.GetAlarms(ctx)
	if err != nil {
		return nil, err
	}
	c.cache = alarms
	out := make([]models.Alarm, len(alarms))
	copy(out, alarms)
	return out, nil
}

// Get returns one alarm by ID
func (c *Controller) Get(ctx context.Context, id string) (models.Alarm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	alarms, err := c.store.GetAlarms(ctx)
	if err != nil {
		return models.Alarm{}, err
	}
	idx := indexOf(alarms, id)
	if idx < 0 {
		return models.Alarm{}, models.ErrNotFound
	}
	return alarms[idx], nil
}

// ReconcileAll re-derives every trigger from the stored alarm list: orphan
// cleanup, then arming, recording per-alarm scheduling failures on the
// records. Runs to completion before any queued mutation proceeds.
func (c *Controller) ReconcileAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	alarms, err := c.store.GetAlarms(ctx)
	if err != nil {
		return err
	}

	failures := c.rec.ReconcileAll(alarms)

	changed := false
	for i := range alarms {
		msg := ""
		if ferr, ok := failures[alarms[i].ID]; ok {
			msg = ferr.Error()
		}
		if alarms[i].ScheduleError != msg {
			alarms[i].ScheduleError = msg
			changed = true
		}
	}
	if changed {
		if err := c.store.PutAlarms(ctx, alarms); err != nil {
			return err
		}
	}
	c.cache = alarms

	if len(failures) > 0 {
		errs := make([]error, 0, len(failures))
		for _, ferr := range failures {
			errs = append(errs, ferr)
		}
		return errors.Join(errs...)
	}
	return nil
}

// Session returns a snapshot of the live ringing session, nil when idle
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	return c.session.snapshot()
}

// Settings returns the injected settings
func (c *Controller) Settings() models.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// UpdateSettings persists new settings and applies them to subsequent
// operations (snooze duration, playback defaults, auto-silence).
func (c *Controller) UpdateSettings(ctx context.Context, s models.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s.Normalize()
	if err := c.store.PutSettings(ctx, s); err != nil {
		return err
	}
	c.settings = s
	return nil
}

// RefreshSettings re-reads stored settings so changes written by another
// process take effect without a restart. Absent settings keep the current
// values.
func (c *Controller) RefreshSettings(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	s.Normalize()
	c.settings = s
	return nil
}

// recordScheduleError persists the scheduling-error flag so the failure
// survives to be surfaced upstream. Best effort: the arm failure itself is
// what the caller sees.
func (c *Controller) recordScheduleError(ctx context.Context, id string, cause error) {
	alarms, err := c.store.GetAlarms(ctx)
	if err != nil {
		log.Printf("Recording schedule error for %s: %v", id, err)
		return
	}
	idx := indexOf(alarms, id)
	if idx < 0 {
		return
	}
	alarms[idx].ScheduleError = cause.Error()
	if err := c.store.PutAlarms(ctx, alarms); err != nil {
		log.Printf("Recording schedule error for %s: %v", id, err)
		return
	}
	c.cache = alarms
}

func (c *Controller) stopPlaybackLocked() {
	c.playback.Stop()
	c.vibrator.Cancel()
	if c.session != nil {
		c.session.stopSilenceTimer()
	}
}

func (c *Controller) soundFor(a models.Alarm) string {
	if a.Sound != "" {
		return a.Sound
	}
	return c.settings.DefaultSound
}

func (c *Controller) volumeFor(a models.Alarm) float64 {
	if a.Volume > 0 {
		return a.Volume
	}
	return c.settings.DefaultVolume
}

func indexOf(alarms []models.Alarm, id string) int {
	for i := range alarms {
		if alarms[i].ID == id {
			return i
		}
	}
	return -1
}
