// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and presents a uniform
// streaming interface. SynthesizeStream accepts a channel of text fragments and
// returns a [Stream] of raw PCM chunks as they become available, so the turn
// controller can start playback before the whole reply is synthesized.
//
// Cancellation is explicit: cancelling the context passed to SynthesizeStream
// stops the provider and closes the stream's audio channel.
package tts

import (
	"context"

	"github.com/MrWong99/switchboard/pkg/types"
)

// Provider is the abstraction over any TTS backend. Implementations must be
// safe for concurrent use; every call synthesizes independently.
type Provider interface {
	// SynthesizeStream consumes text fragments until the text channel is closed
	// and streams the resulting PCM. It returns an error only if the stream
	// cannot be started; failures after that are reported by Stream.Err.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*Stream, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)

	// Format returns the PCM format of the synthesized audio.
	Format() Format
}
