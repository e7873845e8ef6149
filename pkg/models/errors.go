package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation references a nonexistent alarm.
// No side effects are performed in that case.
var ErrNotFound = errors.New("alarm not found")

// ValidationError reports a malformed alarm field. It is raised
// synchronously before any persistence or scheduling side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SchedulingError reports that the wake-timer subsystem rejected an
// arm/cancel call. The store write (if any) is already committed; the
// alarm stays enabled and the next reconciliation pass retries it.
type SchedulingError struct {
	AlarmID string
	Err     error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("scheduling alarm %s: %v", e.AlarmID, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// PersistenceError reports a store read/write failure. In-memory state is
// not advanced past the point of failure so the caller can retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
