package registry

import "errors"

// Domain errors for the registry package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, registry.ErrEntryNotFound) {
//	    // handle not found case
//	}
var (
	// ErrEntryNotFound is returned when an account entry ID does not exist.
	ErrEntryNotFound = errors.New("registry: entry not found")

	// ErrEntryExists is returned when creating an entry with an ID that already exists.
	ErrEntryExists = errors.New("registry: entry already exists")

	// ErrDeviceNotFound is returned when a device ID is in no entry's devices map.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrStaleVersion is returned when an entry's schema version is older than
	// the latest known version. Activation is gated on this.
	ErrStaleVersion = errors.New("registry: entry schema version is stale")

	// ErrLegacyShape is returned when a legacy entry payload cannot be decoded
	// as a single-device record during migration.
	ErrLegacyShape = errors.New("registry: unexpected legacy entry shape")
)
