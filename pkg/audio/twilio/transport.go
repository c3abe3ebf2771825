// Package twilio adapts a Twilio Media Streams WebSocket into an
// [audio.Transport].
//
// Twilio opens the WebSocket named in the call's <Connect><Stream> document
// and exchanges JSON events: "start" carries the call and stream identifiers,
// "media" carries base64 G.711 mu-law audio at 8 kHz mono, "stop" ends the
// stream. Outbound audio is sent back as "media" events on the same socket and
// a "clear" event discards whatever Twilio has buffered but not yet played.
//
// Usage:
//
//	tr, err := twilio.Accept(w, r, twilio.WithLogger(log))
//	info, err := tr.AwaitStart(ctx)
//	for {
//	    frame, err := tr.ReceiveFrame(ctx) // io.EOF on stop
//	}
package twilio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/types"
	"github.com/coder/websocket"
)

const (
	inboundTrack = "inbound"
	writeTimeout = 5 * time.Second
)

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithLogger sets the logger used for protocol warnings. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.log = l
	}
}

// WithOriginPatterns allows cross-origin WebSocket handshakes from the given
// host patterns. Twilio itself sends no Origin header, so this is only needed
// for browser-based test clients.
func WithOriginPatterns(patterns ...string) Option {
	return func(t *Transport) {
		t.origins = patterns
	}
}

// Transport implements [audio.Transport] over a Twilio Media Streams socket.
type Transport struct {
	conn    *websocket.Conn
	log     *slog.Logger
	origins []string

	// Read side; ReceiveFrame and AwaitStart are called from a single goroutine.
	infoMu  sync.RWMutex
	info    audio.StreamInfo
	started bool
	stopped bool

	// Write side.
	writeMu sync.Mutex
	conv    audio.FormatConverter

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ audio.Transport = (*Transport)(nil)

// Accept upgrades an HTTP request to a Media Streams WebSocket.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Transport, error) {
	t := &Transport{
		log:  slog.Default(),
		conv: audio.FormatConverter{Target: audio.Format{SampleRate: audio.TelephonySampleRate, Channels: 1}},
	}
	for _, o := range opts {
		o(t)
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: t.origins})
	if err != nil {
		return nil, fmt.Errorf("twilio: accept: %w", err)
	}
	t.conn = conn
	return t, nil
}

// AwaitStart reads events until the start event arrives and returns the stream
// identifiers. Media and unknown events before start are ignored. A stop or
// disconnect before start returns io.EOF.
func (t *Transport) AwaitStart(ctx context.Context) (audio.StreamInfo, error) {
	for {
		if info, ok := t.Info(); ok {
			return info, nil
		}
		ev, err := t.next(ctx)
		if err != nil {
			return audio.StreamInfo{}, err
		}
		switch ev := ev.(type) {
		case StartEvent:
			t.handleStart(ev)
		case MediaEvent:
			t.log.Debug("twilio: media before start, ignoring", "chunk", ev.Chunk)
		case StopEvent:
			t.markStopped()
			return audio.StreamInfo{}, io.EOF
		}
	}
}

// Info returns the stream identifiers once start has been observed.
func (t *Transport) Info() (audio.StreamInfo, bool) {
	t.infoMu.RLock()
	defer t.infoMu.RUnlock()
	return t.info, t.started
}

// ReceiveFrame implements [audio.Transport]. Inbound mu-law is decoded to
// PCM16 at 8 kHz mono.
func (t *Transport) ReceiveFrame(ctx context.Context) (audio.AudioFrame, error) {
	for {
		if t.isStopped() {
			return audio.AudioFrame{}, io.EOF
		}
		ev, err := t.next(ctx)
		if err != nil {
			return audio.AudioFrame{}, err
		}
		switch ev := ev.(type) {
		case StartEvent:
			if _, ok := t.Info(); ok {
				t.log.Warn("twilio: duplicate start event, ignoring", "stream_sid", ev.StreamSID)
				continue
			}
			t.handleStart(ev)
		case MediaEvent:
			if _, ok := t.Info(); !ok {
				t.log.Debug("twilio: media before start, ignoring", "chunk", ev.Chunk)
				continue
			}
			if ev.Track != "" && ev.Track != inboundTrack {
				continue
			}
			return audio.AudioFrame{
				Data:       audio.MulawDecode(ev.Payload),
				SampleRate: audio.TelephonySampleRate,
				Channels:   1,
				Timestamp:  ev.Timestamp,
				Direction:  types.Inbound,
				Tag:        inboundTrack,
			}, nil
		case StopEvent:
			t.markStopped()
			return audio.AudioFrame{}, io.EOF
		}
	}
}

// next reads and decodes the next well-formed event, logging and skipping
// malformed ones. Connection loss maps to io.EOF.
func (t *Transport) next(ctx context.Context) (Event, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil && !t.closed.Load() {
				return nil, ctx.Err()
			}
			if !t.closed.Load() && websocket.CloseStatus(err) == -1 {
				t.log.Debug("twilio: read failed, treating as disconnect", "err", err)
			}
			return nil, io.EOF
		}
		if typ != websocket.MessageText {
			t.log.Warn("twilio: unexpected binary message, ignoring", "bytes", len(data))
			continue
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			t.log.Warn("twilio: ignoring malformed event", "err", err)
			continue
		}
		if u, ok := ev.(UnknownEvent); ok {
			t.log.Debug("twilio: ignoring event", "event", u.Event)
			continue
		}
		return ev, nil
	}
}

func (t *Transport) handleStart(ev StartEvent) {
	if ev.Encoding != "" && ev.Encoding != "audio/x-mulaw" {
		t.log.Warn("twilio: unexpected media encoding", "encoding", ev.Encoding)
	}
	t.infoMu.Lock()
	t.info = audio.StreamInfo{
		CallID:   ev.CallSID,
		StreamID: ev.StreamSID,
		Params:   ev.CustomParameters,
	}
	t.started = true
	t.infoMu.Unlock()
	t.log.Debug("twilio: stream started", "call_sid", ev.CallSID, "stream_sid", ev.StreamSID)
}

func (t *Transport) markStopped() {
	t.infoMu.Lock()
	t.stopped = true
	t.infoMu.Unlock()
}

func (t *Transport) isStopped() bool {
	t.infoMu.RLock()
	defer t.infoMu.RUnlock()
	return t.stopped
}

// SendFrame implements [audio.Transport]. The frame is converted to 8 kHz mono
// if necessary, mu-law encoded and sent as a media event.
func (t *Transport) SendFrame(ctx context.Context, frame audio.AudioFrame) error {
	if t.closed.Load() {
		return audio.ErrTransportClosed
	}
	info, ok := t.Info()
	if !ok {
		return errors.New("twilio: send before start")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	pcm := t.conv.Convert(frame).Data
	if len(pcm) == 0 {
		return nil
	}
	msg, err := encodeMedia(info.StreamID, audio.MulawEncode(pcm))
	if err != nil {
		return fmt.Errorf("twilio: encode media: %w", err)
	}
	return t.write(ctx, msg)
}

// Clear implements [audio.Transport] with Twilio's clear event.
func (t *Transport) Clear(ctx context.Context) error {
	if t.closed.Load() {
		return audio.ErrTransportClosed
	}
	info, ok := t.Info()
	if !ok {
		return nil
	}
	msg, err := encodeClear(info.StreamID)
	if err != nil {
		return fmt.Errorf("twilio: encode clear: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.write(ctx, msg)
}

// write must be called with writeMu held. coder/websocket closes the
// connection when a write's context is cancelled, so a cancelled caller only
// prevents the write from starting and the write itself is bounded by
// writeTimeout.
func (t *Transport) write(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := t.conn.Write(wctx, websocket.MessageText, msg); err != nil {
		if t.closed.Load() {
			return audio.ErrTransportClosed
		}
		return fmt.Errorf("twilio: write: %w", err)
	}
	return nil
}

// Close implements [audio.Transport]. It is idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if err := t.conn.Close(websocket.StatusNormalClosure, "call ended"); err != nil {
			t.log.Debug("twilio: close", "err", err)
		}
	})
	return nil
}
