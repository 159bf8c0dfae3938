package analysis

import "errors"

var (
	// ErrUnavailable means the provider could not be reached or answered with a server error.
	ErrUnavailable = errors.New("analysis provider unavailable")
	// ErrTimeout means the artifact never became ready within the poll budget.
	ErrTimeout = errors.New("analysis artifact not ready before deadline")
	// ErrRejected means the provider marked the artifact as failed.
	ErrRejected = errors.New("analysis provider rejected artifact")
)
