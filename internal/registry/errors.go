package registry

import "errors"

var (
	// ErrDuplicateSchedule is returned when adding a schedule whose id already exists
	ErrDuplicateSchedule = errors.New("duplicate schedule id")

	// ErrScheduleNotFound is returned when the referenced schedule does not exist
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrInvalidSchedule is returned when a schedule definition fails validation
	ErrInvalidSchedule = errors.New("invalid schedule")
)
