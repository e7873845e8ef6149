// Package ical renders projected alarm occurrences as an iCalendar feed,
// so alarms can be subscribed to from any calendar app.
package ical

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-ical"

	"github.com/borgmon/wake-minder/pkg/models"
	"github.com/borgmon/wake-minder/pkg/recurrence"
)

// Export builds a calendar with one VEVENT per projected occurrence of
// every enabled alarm within the horizon.
func Export(alarms []models.Alarm, now time.Time, horizonDays int) (*ical.Calendar, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, "-//borgmon//wake-minder//EN")
	cal.Props.SetText(ical.PropVersion, "2.0")

	for _, a := range alarms {
		if !a.Enabled {
			continue
		}
		occurrences, err := recurrence.Upcoming(a, now, horizonDays)
		if err != nil {
			return nil, fmt.Errorf("project alarm %s: %w", a.ID, err)
		}
		for i, at := range occurrences {
			event := ical.NewEvent()
			event.Props.SetText(ical.PropUID, fmt.Sprintf("%s-%d@wake-minder", a.ID, i))
			event.Props.SetDateTime(ical.PropDateTimeStamp, now)
			event.Props.SetDateTime(ical.PropDateTimeStart, at)
			event.Props.SetText(ical.PropSummary, summaryFor(a))
			cal.Children = append(cal.Children, event.Component)
		}
	}
	return cal, nil
}

func summaryFor(a models.Alarm) string {
	if a.Label != "" {
		return a.Label
	}
	return "Alarm " + a.TimeOfDay()
}

// WriteFile exports the feed to disk, write-then-rename
func WriteFile(path string, alarms []models.Alarm, now time.Time, horizonDays int) error {
	cal, err := Export(alarms, now, horizonDays)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := ical.NewEncoder(f).Encode(cal); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode calendar: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace export file: %w", err)
	}
	return nil
}
