// Package convo sequences a conversation turn: wake, transcribe, respond,
// speak, resume. It is the single writer of the mute flag and the only
// consumer of the wake worker's events.
package convo

type State uint8

const (
	// StateIdle is pre-startup only (or listening explicitly stopped);
	// steady-state operation never returns here on its own.
	StateIdle State = iota
	StateWakeListening
	StateTranscribing
	StateResponding
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWakeListening:
		return "wake-listening"
	case StateTranscribing:
		return "transcribing"
	case StateResponding:
		return "responding"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}
