package storage

import "errors"

// Common storage errors
var (
	// ErrFeedbackNotFound indicates the feedback record does not exist
	// in the given project scope
	ErrFeedbackNotFound = errors.New("feedback not found")

	// ErrFeedbackExists indicates an insert collided with an existing id
	ErrFeedbackExists = errors.New("feedback already exists")

	// ErrEntryNotFound indicates the change-log entry was not found
	ErrEntryNotFound = errors.New("change log entry not found")
)
