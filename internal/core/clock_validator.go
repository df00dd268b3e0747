package core

import (
	"PerpSettle/internal/errs"
	"fmt"
)

// ClockValidator enforces that admission timestamps never move backwards. Order ages and price
// windows are measured against these timestamps, so a regression would let a command observe an
// earlier clock than the one its predecessor committed under.
// Not thread-safe: only accessed from the single-threaded settlement core.
type ClockValidator struct {
	lastAt int64 // unix microseconds
}

func NewClockValidator() *ClockValidator {
	return &ClockValidator{}
}

// Validate checks at against the last accepted timestamp without advancing.
func (cv *ClockValidator) Validate(at int64) error {
	if at <= 0 {
		return fmt.Errorf("%w: command has no admission timestamp", errs.ErrClockRegression)
	}
	if at < cv.lastAt {
		return fmt.Errorf("%w: timestamp %d is before last accepted %d", errs.ErrClockRegression, at, cv.lastAt)
	}
	return nil
}

// Advance records at as the latest accepted timestamp.
func (cv *ClockValidator) Advance(at int64) {
	if at > cv.lastAt {
		cv.lastAt = at
	}
}

// Last returns the latest accepted timestamp (used by the sequencer and snapshots)
func (cv *ClockValidator) Last() int64 {
	return cv.lastAt
}

// Restore sets the latest accepted timestamp during recovery
func (cv *ClockValidator) Restore(at int64) {
	cv.lastAt = at
}
