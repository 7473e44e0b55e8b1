package service

import "errors"

var (
	// ErrForbidden is returned when the user may not edit allowance amounts
	ErrForbidden = errors.New("user is not allowed to edit amounts")

	// ErrNoSession is returned when no editing session is open for the trip and user
	ErrNoSession = errors.New("no editing session")

	// ErrNotEditing is returned for form changes outside the EDITING state
	ErrNotEditing = errors.New("session is not editing")

	// ErrInvalidInputs is returned when the working form cannot be saved
	ErrInvalidInputs = errors.New("invalid allowance inputs")

	// ErrFxUnavailable is returned when no FX provider is configured
	ErrFxUnavailable = errors.New("fx provider unavailable")

	// ErrFxSuperseded is returned to an FX lookup replaced by a newer one for the same trip
	ErrFxSuperseded = errors.New("fx lookup superseded")
)
