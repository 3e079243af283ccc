package engine

// Status is the lifecycle state of a plan instance.
type Status int32

const (
	// StatusActive means the instance is firing steps or has dispatches
	// in flight.
	StatusActive Status = iota

	// StatusSuspended means no step is enabled and nothing is in flight;
	// the instance holds no work until the router delivers the next
	// relevant token.
	StatusSuspended

	// StatusCompleted is terminal: an acyclic plan reached quiescence.
	StatusCompleted

	// StatusFailed is terminal: an unhandled dispatch failure or an
	// external cancellation.
	StatusFailed
)

// String returns the lowercase form used in persisted records.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSuspended:
		return "suspended"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status ends the instance's life.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
