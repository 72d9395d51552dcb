package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish is rejected or the broker
	// never confirms it.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty or wildcard topic is provided.
	ErrInvalidTopic = errors.New("mqtt: topic must be non-empty and contain no wildcards")

	// ErrTimeout is returned when a synchronous operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrClosed is returned for publishes attempted after Close.
	ErrClosed = errors.New("mqtt: client closed")
)
