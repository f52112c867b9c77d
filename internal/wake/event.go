// Package wake runs keyword spotting in its own execution context, joined to
// the rest of the process only by the mute flag and an event channel.
package wake

import "time"

type EventKind uint8

const (
	// WakeDetected reports a confidence above the configured threshold.
	WakeDetected EventKind = iota
	// WorkerError is the worker's last word before it closes its channel.
	WorkerError
	// Heartbeat signals liveness roughly once per second of consumed audio.
	Heartbeat
)

func (k EventKind) String() string {
	switch k {
	case WakeDetected:
		return "wake-detected"
	case WorkerError:
		return "worker-error"
	case Heartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Event is one message on the worker's channel. Ordering on the channel is
// the order of production.
type Event struct {
	Kind       EventKind
	At         time.Time
	Confidence float64
	Err        error
}
