package storage

import "errors"

var (
	// ErrAssetNotFound is returned when the requested media asset does not exist.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrInvalidCredentials is returned for unknown accounts or bad passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidTransition is returned when a status update would violate the
	// monotonic asset lifecycle.
	ErrInvalidTransition = errors.New("invalid asset status transition")
)
