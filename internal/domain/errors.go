package domain

import "errors"

var (
	// ErrElevationCancelled is returned when the user declines a privilege prompt.
	ErrElevationCancelled = errors.New("elevation-canceled-by-user")

	// ErrAlreadyRunning is returned when another instance holds the instance lock.
	ErrAlreadyRunning = errors.New("another instance is already running")

	// ErrUnsupportedPlatform is returned by collaborators with no implementation for this OS.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrEmptySite is returned when a website operation is given a blank hostname.
	ErrEmptySite = errors.New("site must not be empty")
)
