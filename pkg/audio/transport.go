// Package audio defines the duplex audio transport contract for a single call
// leg together with the PCM helpers shared by transports and pipeline stages.
//
// The primary abstraction is [Transport]: one accepted media stream that yields
// inbound caller frames and accepts outbound synthesized frames. Concrete
// adapters (e.g. audio/twilio) translate their wire protocol into
// [AudioFrame] values carrying 16-bit little-endian PCM.
//
// Helpers in this package cover G.711 mu-law coding ([MulawDecode],
// [MulawEncode]), sample-rate conversion ([FormatConverter]) and slicing
// arbitrary PCM into fixed-duration frames ([Framer]).
package audio

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned by [Transport.SendFrame] and [Transport.Clear]
// once the transport has been closed. Callers treat it as terminal for the
// session.
var ErrTransportClosed = errors.New("audio: transport closed")

// StreamInfo identifies the call and media stream carried by a transport. It is
// learned from the protocol's start message.
type StreamInfo struct {
	// CallID is the telephony provider's call identifier.
	CallID string

	// StreamID identifies the media stream within the call.
	StreamID string

	// Params holds custom parameters passed through the call setup document
	// (for example the agent persona to use).
	Params map[string]string
}

// Transport is one call's duplex audio channel.
//
// Implementations must be safe for concurrent use: the pipeline reads from one
// goroutine while another sends.
type Transport interface {
	// ReceiveFrame blocks until the next inbound frame is available. It returns
	// io.EOF once the far end signals end of stream or disconnects, and only
	// after every frame received before that signal has been returned.
	ReceiveFrame(ctx context.Context) (AudioFrame, error)

	// SendFrame writes one outbound frame. Concurrent calls are serialized and
	// reach the wire in submission order. Returns [ErrTransportClosed] after
	// Close.
	SendFrame(ctx context.Context, frame AudioFrame) error

	// Clear asks the far end to discard outbound audio that it has buffered but
	// not yet played.
	Clear(ctx context.Context) error

	// Close releases the transport. It is safe to call more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}
