package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/borgmon/wake-minder/pkg/audio"
	"github.com/borgmon/wake-minder/pkg/config"
	"github.com/borgmon/wake-minder/pkg/ical"
	"github.com/borgmon/wake-minder/pkg/lifecycle"
	"github.com/borgmon/wake-minder/pkg/models"
	"github.com/borgmon/wake-minder/pkg/recurrence"
	"github.com/borgmon/wake-minder/pkg/schedule"
	"github.com/borgmon/wake-minder/pkg/store"
)

type WakeMinder struct {
	cfg    config.Config
	store  *store.Store
	timer  *schedule.ProcessTimer
	rec    *schedule.Reconciler
	ctrl   *lifecycle.Controller
	output *audio.Output
}

func main() {
	cfgPath := flag.String("config", config.DefaultPath(), "path to the config file")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "daemon"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wm, err := newWakeMinder(ctx, config.Load(*cfgPath))
	if err != nil {
		log.Fatal(err)
	}
	defer wm.store.Close()

	switch cmd {
	case "daemon":
		err = wm.runDaemon(ctx)
	case "add":
		err = wm.cmdAdd(ctx, flag.Args()[1:])
	case "list":
		err = wm.cmdList(ctx)
	case "rm":
		err = wm.cmdRemove(ctx, flag.Arg(1))
	case "toggle":
		err = wm.cmdToggle(ctx, flag.Arg(1))
	case "export":
		err = wm.cmdExport(ctx)
	default:
		err = fmt.Errorf("unknown command %q (want daemon, add, list, rm, toggle or export)", cmd)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func newWakeMinder(ctx context.Context, cfg config.Config) (*WakeMinder, error) {
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	settings, err := st.GetSettings(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNoSettings) {
			log.Printf("Failed to load settings, using defaults: %v", err)
		}
		settings = models.DefaultSettings()
	}

	wm := &WakeMinder{cfg: cfg, store: st}
	wm.output = audio.NewOutput(cfg.SoundDir)
	wm.timer = schedule.NewProcessTimer(func(key schedule.TriggerKey, payload string) {
		wm.ctrl.OnFire(context.Background(), key)
	})
	wm.rec = schedule.NewReconciler(wm.timer, cfg.HorizonDays)
	wm.ctrl = lifecycle.NewController(st, wm.rec, wm.output, audio.DesktopVibrator{}, settings)
	return wm, nil
}

func (wm *WakeMinder) runDaemon(ctx context.Context) error {
	// Sync autostart state with config, so alarms re-arm after a reboot
	// without the user remembering to relaunch anything.
	if err := setupAutostart(wm.cfg.AutoStart); err != nil {
		log.Printf("Warning: failed to setup autostart: %v", err)
	}

	// Cold-start reconciliation runs to completion before anything else
	// can mutate the alarm set.
	if err := wm.ctrl.ReconcileAll(ctx); err != nil {
		log.Printf("Startup reconcile: %v", err)
	}
	wm.exportFeed(ctx)
	log.Println("wake-minder daemon started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wm.watchStore(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err := g.Wait()
	wm.timer.Stop()
	wm.output.Stop()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchStore reconciles whenever another process (the CLI) rewrites the
// database. Events are debounced because sqlite touches the file several
// times per transaction.
func (wm *WakeMinder) watchStore(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(wm.cfg.DBPath)); err != nil {
		return fmt.Errorf("watch db dir: %w", err)
	}

	var debounce *time.Timer
	base := filepath.Base(wm.cfg.DBPath)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				if err := wm.ctrl.RefreshSettings(context.Background()); err != nil && !errors.Is(err, store.ErrNoSettings) {
					log.Printf("Refresh settings after store change: %v", err)
				}
				if err := wm.ctrl.ReconcileAll(context.Background()); err != nil {
					log.Printf("Reconcile after store change: %v", err)
				}
				wm.exportFeed(context.Background())
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

func (wm *WakeMinder) exportFeed(ctx context.Context) {
	if wm.cfg.ICalExportPath == "" {
		return
	}
	alarms, err := wm.ctrl.List(ctx)
	if err != nil {
		log.Printf("Export feed: %v", err)
		return
	}
	if err := ical.WriteFile(wm.cfg.ICalExportPath, alarms, time.Now(), wm.cfg.HorizonDays); err != nil {
		log.Printf("Export feed: %v", err)
	}
}

func (wm *WakeMinder) cmdAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	at := fs.String("time", "", "alarm time, HH:MM (required)")
	days := fs.String("days", "", "repeat weekdays, e.g. mon,wed,fri (empty = one-time)")
	label := fs.String("label", "", "alarm label")
	task := fs.String("task", "", "dismissal task, e.g. math:easy or riddle:hard")
	sound := fs.String("sound", "", "sound name (default from settings)")
	volume := fs.Float64("volume", 0, "playback volume 0.0-1.0 (default from settings)")
	vibrate := fs.Bool("vibrate", false, "vibrate while ringing")
	disabled := fs.Bool("disabled", false, "create the alarm switched off")
	if err := fs.Parse(args); err != nil {
		return err
	}

	hour, minute, err := parseTimeOfDay(*at)
	if err != nil {
		return err
	}
	mask, err := parseDays(*days)
	if err != nil {
		return err
	}
	taskSpec, err := parseTask(*task)
	if err != nil {
		return err
	}

	a, err := wm.ctrl.Create(ctx, models.Alarm{
		Hour:    hour,
		Minute:  minute,
		Repeat:  mask,
		Enabled: !*disabled,
		Label:   *label,
		Task:    taskSpec,
		Sound:   *sound,
		Volume:  *volume,
		Vibrate: *vibrate,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created alarm %s at %s\n", a.ID, a.TimeOfDay())
	return nil
}

func (wm *WakeMinder) cmdList(ctx context.Context) error {
	alarms, err := wm.ctrl.List(ctx)
	if err != nil {
		return err
	}
	if len(alarms) == 0 {
		fmt.Println("No alarms")
		return nil
	}
	now := time.Now()
	for _, a := range alarms {
		state := "off"
		if a.Enabled {
			state = "on"
		}
		next := "-"
		if at, ok, err := recurrence.Next(a, now); err == nil && ok {
			next = at.Format("Mon 15:04")
		}
		days := "once"
		if a.Repeating() {
			names := make([]string, 0, 7)
			for _, d := range a.Repeat.Days() {
				names = append(names, strings.ToLower(d.String()[:3]))
			}
			days = strings.Join(names, ",")
		}
		line := fmt.Sprintf("%s  %s  %-4s %-24s next %s", a.ID, a.TimeOfDay(), state, days, next)
		if a.Label != "" {
			line += "  " + a.Label
		}
		if a.ScheduleError != "" {
			line += "  [scheduling failed: " + a.ScheduleError + "]"
		}
		fmt.Println(line)
	}
	return nil
}

func (wm *WakeMinder) cmdRemove(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("usage: wake-minder rm <alarm-id>")
	}
	return wm.ctrl.Delete(ctx, id)
}

func (wm *WakeMinder) cmdToggle(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("usage: wake-minder toggle <alarm-id>")
	}
	a, err := wm.ctrl.Toggle(ctx, id)
	if err != nil {
		return err
	}
	state := "off"
	if a.Enabled {
		state = "on"
	}
	fmt.Printf("Alarm %s is now %s\n", a.ID, state)
	return nil
}

func (wm *WakeMinder) cmdExport(ctx context.Context) error {
	if wm.cfg.ICalExportPath == "" {
		return fmt.Errorf("ical_export_path is not configured")
	}
	alarms, err := wm.ctrl.List(ctx)
	if err != nil {
		return err
	}
	if err := ical.WriteFile(wm.cfg.ICalExportPath, alarms, time.Now(), wm.cfg.HorizonDays); err != nil {
		return err
	}
	fmt.Printf("Exported to %s\n", wm.cfg.ICalExportPath)
	return nil
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time must be HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("time must be HH:MM, got %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("time must be HH:MM, got %q", s)
	}
	return hour, minute, nil
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseDays(s string) (models.WeekdayMask, error) {
	var mask models.WeekdayMask
	if strings.TrimSpace(s) == "" {
		return mask, nil
	}
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if len(name) > 3 {
			name = name[:3]
		}
		d, ok := dayNames[name]
		if !ok {
			return mask, fmt.Errorf("unknown weekday %q", part)
		}
		mask[d] = true
	}
	return mask, nil
}

func parseTask(s string) (models.TaskSpec, error) {
	if strings.TrimSpace(s) == "" {
		return models.TaskSpec{Type: models.TaskNone}, nil
	}
	kind, difficulty, ok := strings.Cut(s, ":")
	if !ok {
		difficulty = string(models.DifficultyEasy)
	}
	spec := models.TaskSpec{
		Type:       models.TaskType(strings.ToLower(kind)),
		Difficulty: models.Difficulty(strings.ToLower(difficulty)),
	}
	return spec, nil
}
