// Package types holds the values that cross package boundaries: audio frames,
// transcripts, chat messages, tool calls and VAD events. Anything owned by a
// single package stays in that package.
package types

import "time"

// Direction is the side of the call an [AudioFrame] belongs to.
type Direction int

const (
	Inbound  Direction = iota // caller → pipeline
	Outbound                  // pipeline → caller
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// AudioFrame is one chunk of 16-bit little-endian PCM. Transports convert to
// and from their wire encoding at the edge. A frame is never mutated once
// sent; the receiver owns it.
type AudioFrame struct {
	Data       []byte
	SampleRate int
	Channels   int
	// Timestamp is the offset from the start of the stream.
	Timestamp time.Duration
	Direction Direction
	// Tag is the media track for inbound frames and the turn id for outbound.
	Tag string
}

// Duration is the playback length of f. Channels <= 0 counts as mono.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	ch := max(f.Channels, 1)
	samples := len(f.Data) / (2 * ch)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Transcript is an interim or final recognition result.
type Transcript struct {
	Text    string
	IsFinal bool
	// Confidence is in [0,1]; zero when the recognizer does not report one.
	Confidence float64
	Words      []WordDetail
	// Timestamp and Duration place the utterance in the stream.
	Timestamp time.Duration
	Duration  time.Duration
}

// WordDetail is the per-word timing some recognizers return.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    string
	Content string
	Name    string
	// ToolCalls are set on assistant messages that invoke tools.
	ToolCalls []ToolCall
	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string
}

// ToolCall is a function invocation requested by the model. Arguments is raw
// JSON.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition offers a function to the model. Parameters is a JSON Schema
// object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// VoiceProfile selects a synthesis voice.
type VoiceProfile struct {
	ID       string
	Name     string
	Provider string
	// SpeedFactor scales the speaking rate; 1.0 is normal, 0 means unset.
	SpeedFactor float64
	Metadata    map[string]string
}

// ModelCapabilities are the limits of one LLM model.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
	SupportsStreaming   bool
}

// KeywordBoost raises the recognition weight of a word callers are likely to
// say. The Boost scale is provider specific.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// VADEvent classifies one audio frame.
type VADEvent struct {
	Type VADEventType
	// Probability of speech in [0,1].
	Probability float64
}

// IsSpeech reports whether the frame is part of an utterance.
func (e VADEvent) IsSpeech() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

type VADEventType int

const (
	VADSpeechStart VADEventType = iota
	VADSpeechContinue
	VADSpeechEnd
	VADSilence
)

func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	}
	return "unknown"
}
