package geo

import "errors"

// Sample is a single position fix produced by a source. It carries no
// identity until persisted to the queue.
type Sample struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AccuracyM float32 `json:"accuracy_m"`
	Source    string  `json:"source"`
}

// Status tracks a queued sample through the delivery pipeline. Values are
// persisted as integers; do not reorder.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Typed source failures. Use with errors.Is; callers treat all of them as
// "no fix available" and fall through to the next source or surface absence.
var (
	ErrNoProvider       = errors.New("no position provider available")
	ErrPermissionDenied = errors.New("positioning permission denied")
	ErrFixTimeout       = errors.New("position fix timed out")
	ErrProviderInternal = errors.New("provider internal error")
)
