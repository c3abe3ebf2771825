package tts

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/switchboard/pkg/types"
)

// VoiceProfile describes the voice used for synthesis.
type VoiceProfile = types.VoiceProfile

// Format describes the PCM produced by a provider.
type Format struct {
	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for every provider used on phone calls.
	Channels int
}

// Stream is the output of a synthesis request. Audio is closed when synthesis
// finishes, fails, or the request context is cancelled. After Audio is closed,
// Err reports why it ended early (nil on success or cancellation).
type Stream struct {
	audio chan []byte
	err   atomic.Pointer[error]
}

// NewStream returns a Stream whose audio channel has the given buffer size.
// Providers own the returned stream and must call Close exactly once.
func NewStream(buffer int) *Stream {
	return &Stream{audio: make(chan []byte, buffer)}
}

// Audio returns the channel of raw 16-bit PCM chunks.
func (s *Stream) Audio() <-chan []byte { return s.audio }

// Err returns the error that ended the stream early, if any.
func (s *Stream) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Send delivers one chunk. It returns false if ctx was cancelled first.
func (s *Stream) Send(ctx context.Context, pcm []byte) bool {
	select {
	case s.audio <- pcm:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close closes the audio channel, recording err if it is non-nil.
func (s *Stream) Close(err error) {
	if err != nil {
		s.err.Store(&err)
	}
	close(s.audio)
}
