// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session accepts raw PCM audio and emits low-latency partials and
// authoritative finals.
//
// The turn controller opens one session per caller utterance. A session is not
// restartable: once Finish or Close has been called a new utterance needs a new
// session.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/switchboard/pkg/types"
)

// ErrNotSupported is returned by optional operations a provider does not
// implement.
var ErrNotSupported = errors.New("stt: operation not supported")

// ErrSessionClosed is returned by SendAudio after Finish or Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz of the PCM passed to SendAudio.
	SampleRate int

	// Channels is the number of audio channels. Telephony audio is mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider pick its default.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open STT streaming session. All methods must be
// safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit PCM matching StreamConfig. Calling
	// SendAudio after Finish or Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a channel of interim transcripts. It is closed when the
	// session ends.
	Partials() <-chan types.Transcript

	// Finals returns a channel of final transcripts. It is closed when the
	// session ends.
	Finals() <-chan types.Transcript

	// SetKeywords replaces the keyword boost list mid-stream. Providers that
	// cannot do this return ErrNotSupported.
	SetKeywords(keywords []types.KeywordBoost) error

	// Finish signals the end of audio input. Queued audio is flushed, remaining
	// finals are delivered, and then Partials and Finals are closed. Finish
	// does not block; read Finals until it closes to collect the result.
	Finish() error

	// Close terminates the session immediately and releases all resources.
	// Results not yet delivered are discarded. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend. Implementations must be
// safe for concurrent use; every call opens its own sessions.
type Provider interface {
	// StartStream opens a new streaming transcription session. ctx bounds
	// opening the stream only; the session lives until Close. The caller owns
	// the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
