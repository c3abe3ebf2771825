package pipeline

// State is the turn controller's position in the conversation.
type State int32

const (
	// StateListening: no assistant turn is active and the caller is silent.
	StateListening State = iota

	// StateTranscribing: a caller utterance is being captured or transcribed.
	StateTranscribing

	// StateGenerating: the model is producing the assistant reply.
	StateGenerating

	// StateSynthesizing: the reply is being spoken to the caller.
	StateSynthesizing

	// StateEnding: the call is being torn down.
	StateEnding

	// StateClosed is terminal.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// assistantActive reports whether an assistant turn can be interrupted in s.
func (s State) assistantActive() bool {
	return s == StateGenerating || s == StateSynthesizing
}
