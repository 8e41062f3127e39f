package fleet

import "errors"

// Sentinel errors for the fleet package.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDeviceNotFound is returned when a command targets a device with no
	// live session.
	ErrDeviceNotFound = errors.New("fleet: unknown device id")

	// ErrNotConnected is returned when a command targets a device whose
	// session is currently disconnected.
	ErrNotConnected = errors.New("fleet: not connected to device")

	// ErrEntryNotActive is returned when an operation requires an entry in
	// the Active state.
	ErrEntryNotActive = errors.New("fleet: entry not active")
)
