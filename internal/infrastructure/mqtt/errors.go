package mqtt

import "errors"

// Relay errors. Check with errors.Is.
var (
	// ErrInvalidConfig means Connect was given relay settings it cannot use.
	ErrInvalidConfig = errors.New("mqtt: invalid relay config")

	// ErrInvalidQoS means the configured QoS is not 0, 1 or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic means a prefix, device id or event type would not
	// form a single, wildcard-free topic level.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrNotConnected means the broker link is down; relay traffic is
	// dropped rather than queued.
	ErrNotConnected = errors.New("mqtt: client not connected")

	ErrConnectionFailed  = errors.New("mqtt: connection failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: command subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: command unsubscribe failed")
)
