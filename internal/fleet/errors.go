package fleet

import "errors"

// Domain errors for the fleet package.
//
// Callers classify failures with errors.Is:
//
//	if errors.Is(err, fleet.ErrDeviceOffline) {
//	    // 404 "Device is not online"
//	}
var (
	// ErrInvalidRegistration is returned when register_device carries no
	// device id, or a registered session tries to rebind to another id.
	ErrInvalidRegistration = errors.New("fleet: invalid registration")

	// ErrDeviceOffline is returned when a command targets a device with no
	// live registered channel.
	ErrDeviceOffline = errors.New("fleet: device offline")

	// ErrStoreFailure wraps any persisted-store error surfaced to a caller.
	ErrStoreFailure = errors.New("fleet: store failure")

	// ErrTransportFailure is returned when writing to a channel fails.
	// The channel is closed, which drives the session to Closed.
	ErrTransportFailure = errors.New("fleet: transport failure")

	// ErrInvalidCommand is returned when a command has no action.
	ErrInvalidCommand = errors.New("fleet: invalid command")

	// ErrDrainTimeout is returned by Close when queued side effects are
	// still running at the deadline.
	ErrDrainTimeout = errors.New("fleet: side effects not drained")

	// ErrSessionClosed is returned for frames arriving after a session closed.
	ErrSessionClosed = errors.New("fleet: session closed")
)
