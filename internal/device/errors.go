package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID has never registered.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidIdentity is returned when an identity has an empty ID.
	ErrInvalidIdentity = errors.New("device: invalid identity")
)
