package audio

import (
	"log"
	"time"
)

// DesktopVibrator satisfies the vibration collaborator on hardware without
// a vibration motor. It only logs; phone builds supply a real one.
type DesktopVibrator struct{}

func (DesktopVibrator) Vibrate(pattern []time.Duration, repeat bool) {
	log.Printf("Vibrate requested (pattern %v, repeat %v); no motor on this platform", pattern, repeat)
}

func (DesktopVibrator) Cancel() {}
