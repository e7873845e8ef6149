// Package config loads the daemon's bootstrap configuration. Settings
// that alarms consume at runtime (snooze duration, playback defaults)
// live in the store; this file only covers what the process needs before
// the store is open.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBPath         string `yaml:"db_path"`
	SoundDir       string `yaml:"sound_dir"`
	HorizonDays    int    `yaml:"horizon_days"`
	AutoStart      bool   `yaml:"auto_start"`
	ICalExportPath string `yaml:"ical_export_path"` // empty disables the export feed
}

// DefaultPath is where Load looks when no explicit path is given
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "wake-minder", "config.yaml")
}

func defaults() Config {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	dir := filepath.Join(base, "wake-minder")
	return Config{
		DBPath:      filepath.Join(dir, "alarms.db"),
		SoundDir:    filepath.Join(dir, "sounds"),
		HorizonDays: 7,
	}
}

// Load reads the config file, tolerating unknown keys. A missing or
// unreadable file falls back to defaults rather than blocking startup.
func Load(path string) Config {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("Failed to read config %s, using defaults: %v", path, err)
		}
		return cfg
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Printf("Failed to parse config %s, using defaults: %v", path, err)
		return defaults()
	}

	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 7
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaults().DBPath
	}
	return cfg
}

// Save writes the config atomically (write then rename)
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
