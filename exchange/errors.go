package exchange

import "errors"

var (
	// ErrGatewayUnavailable marks a transient failure: network, session or timeout.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	// ErrOrderRejected is returned when the venue refuses an order.
	ErrOrderRejected = errors.New("order rejected by venue")

	// ErrNotFound is returned for unknown order ids or instruments.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("timed out")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}

// IsRejection reports whether err is a venue refusal rather than a transport problem.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOrderRejected)
}
