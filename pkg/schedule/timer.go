package schedule

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// FireFunc receives the wake callback when an armed trigger comes due
type FireFunc func(key TriggerKey, payload string)

// ProcessTimer is the in-process WakeTimer used by the daemon, backed by
// time.AfterFunc. It stands in for the platform alarm subsystem.
type ProcessTimer struct {
	mu      sync.Mutex
	fire    FireFunc
	entries map[Handle]*timerEntry
}

type timerEntry struct {
	key     TriggerKey
	at      time.Time
	payload string
	timer   *time.Timer
}

func NewProcessTimer(fire FireFunc) *ProcessTimer {
	return &ProcessTimer{
		fire:    fire,
		entries: make(map[Handle]*timerEntry),
	}
}

func (pt *ProcessTimer) Schedule(key TriggerKey, at time.Time, payload string) (Handle, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	h := Handle(uuid.NewString())
	entry := &timerEntry{key: key, at: at, payload: payload}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	entry.timer = time.AfterFunc(d, func() { pt.fired(h) })
	pt.entries[h] = entry
	return h, nil
}

func (pt *ProcessTimer) fired(h Handle) {
	pt.mu.Lock()
	entry, ok := pt.entries[h]
	if ok {
		delete(pt.entries, h)
	}
	fire := pt.fire
	pt.mu.Unlock()

	// A Cancel racing the AfterFunc may have removed the entry already.
	if !ok || fire == nil {
		return
	}
	fire(entry.key, entry.payload)
}

// Cancel stops an armed trigger. Unknown handles are a no-op.
func (pt *ProcessTimer) Cancel(h Handle) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	entry, ok := pt.entries[h]
	if !ok {
		return nil
	}
	entry.timer.Stop()
	delete(pt.entries, h)
	return nil
}

func (pt *ProcessTimer) Armed() []Armed {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	out := make([]Armed, 0, len(pt.entries))
	for h, entry := range pt.entries {
		out = append(out, Armed{Key: entry.key, At: entry.at, Handle: h})
	}
	return out
}

// Stop cancels everything. Used on daemon shutdown.
func (pt *ProcessTimer) Stop() {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for h, entry := range pt.entries {
		entry.timer.Stop()
		delete(pt.entries, h)
	}
}
