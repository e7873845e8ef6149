package models

// Settings holds process-wide alarm behavior shared by multiple
// components. It is injected explicitly rather than looked up globally.
type Settings struct {
	SnoozeMinutes  int     `json:"snooze_minutes"` // 0 disables snooze
	DefaultSound   string  `json:"default_sound"`
	DefaultVolume  float64 `json:"default_volume"`
	MaxRingSeconds int     `json:"max_ring_seconds"` // auto-silence after this long; 0 disables
}

// DefaultSettings returns the hard-coded fallback used when the store has
// no settings row or the stored payload fails to load.
func DefaultSettings() Settings {
	return Settings{
		SnoozeMinutes:  10,
		DefaultSound:   "classic",
		DefaultVolume:  0.8,
		MaxRingSeconds: 300,
	}
}

// Normalize clamps out-of-range values back to defaults. Stored settings
// from older or newer schema versions pass through here, so unknown or
// missing fields degrade to the documented defaults instead of failing.
func (s *Settings) Normalize() {
	def := DefaultSettings()
	if s.SnoozeMinutes < 0 {
		s.SnoozeMinutes = def.SnoozeMinutes
	}
	if s.DefaultSound == "" {
		s.DefaultSound = def.DefaultSound
	}
	if s.DefaultVolume <= 0 || s.DefaultVolume > 1 {
		s.DefaultVolume = def.DefaultVolume
	}
	if s.MaxRingSeconds < 0 {
		s.MaxRingSeconds = def.MaxRingSeconds
	}
}
