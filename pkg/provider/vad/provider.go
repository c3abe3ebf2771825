// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own smoothing state so
// that concurrent calls are classified independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection result,
// so the receive loop of a call can classify every inbound frame without
// blocking on the rest of the pipeline.
package vad

import "errors"

// ErrFrameSize is returned by ProcessFrame when the frame length does not match
// the configured sample rate and frame duration.
var ErrFrameSize = errors.New("vad: unexpected frame size")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Telephony streams use 8000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Twilio
	// media frames are 20 ms.
	FrameSizeMs int

	// SpeechThreshold is the normalised score above which a frame counts as
	// speech. Range: [0.0, 1.0].
	SpeechThreshold float64

	// SilenceThreshold is the score below which an active speech segment is
	// considered ended. Must be ≤ SpeechThreshold.
	SilenceThreshold float64

	// Window is the number of trailing frames used for smoothing. Zero lets the
	// engine pick its default.
	Window int
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("vad: sample rate must be positive"))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, errors.New("vad: frame size must be positive"))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, errors.New("vad: speech threshold must be within [0, 1]"))
	}
	if c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, errors.New("vad: silence threshold must not exceed speech threshold"))
	}
	if c.Window < 0 {
		errs = append(errs, errors.New("vad: window must not be negative"))
	}
	return errors.Join(errs...)
}

// FrameBytes returns the expected byte length of one 16-bit mono frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle represents an active VAD session for a single audio stream.
// A SessionHandle is owned by one goroutine (the call's receive loop).
type SessionHandle interface {
	// ProcessFrame analyses a single frame of little-endian PCM and returns the
	// detection result.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears the smoothing state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent use: every call opens its own session.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	NewSession(cfg Config) (SessionHandle, error)
}
