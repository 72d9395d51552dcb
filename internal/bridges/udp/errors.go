package udp

import (
	"errors"
	"fmt"
)

// Domain errors for the UDP bridge package.
var (
	// ErrUnknownDelivery is returned when an acknowledgement arrives for an
	// id that is not pending (never published, or already acknowledged).
	ErrUnknownDelivery = errors.New("udp: acknowledgement for unknown delivery")

	// ErrAbandonedDelivery is returned when a completion arrives for an id
	// that was given up on at shutdown.
	ErrAbandonedDelivery = errors.New("udp: completion for abandoned delivery")

	// ErrDecodeFailed is returned when a datagram payload is not valid UTF-8 text.
	ErrDecodeFailed = errors.New("udp: payload is not valid UTF-8")

	// ErrDrainTimeout is returned when pending deliveries remain after the
	// drain timeout expires.
	ErrDrainTimeout = errors.New("udp: timed out waiting for acknowledgements")

	// ErrListenerClosed is returned by Receive after Close or cancellation.
	ErrListenerClosed = errors.New("udp: listener closed")

	// ErrAlreadyRunning is returned when Run is called on a running bridge.
	ErrAlreadyRunning = errors.New("udp: bridge already running")
)

// DrainError reports the deliveries still unacknowledged when a drain gave up.
type DrainError struct {
	// Stranded lists the pending ids in ascending order.
	Stranded []uint64

	// Cause is the context error that ended the wait.
	Cause error
}

func (e *DrainError) Error() string {
	return fmt.Sprintf("%s: %d message(s) unacknowledged", ErrDrainTimeout, len(e.Stranded))
}

// Unwrap exposes both ErrDrainTimeout and the context error.
func (e *DrainError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrDrainTimeout}
	}
	return []error{ErrDrainTimeout, e.Cause}
}
