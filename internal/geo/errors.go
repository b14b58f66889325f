package geo

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when the permission collaborator does
	// not grant location access.
	ErrPermissionDenied = errors.New("permission to access location not granted, user must now enable it manually in settings")

	// ErrServicesDisabled is returned when the provider reports location
	// services as turned off.
	ErrServicesDisabled = errors.New("location services are disabled")

	// ErrTimeout is returned when a one-shot request exceeds its timeout.
	ErrTimeout = errors.New("location request timed out")

	// ErrWatchEnded is returned to a heading request whose watch was removed
	// before a sample was accepted.
	ErrWatchEnded = errors.New("heading watch ended")

	// ErrInvalidOptions wraps validation failures of WatchOptions.
	ErrInvalidOptions = errors.New("invalid watch options")
)

// ProviderError is a failed start or stop call on the sensor provider.
type ProviderError struct {
	Op  string
	ID  WatchID
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (watch %d): %v", e.Op, e.ID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// WatchError is delivered to the error callback of a polyfill watch that
// could not be started. The watch id is already unregistered when it fires.
type WatchError struct {
	WatchID WatchID
	Message string
	Err     error
}

func (e *WatchError) Error() string { return e.Message }

func (e *WatchError) Unwrap() error { return e.Err }
