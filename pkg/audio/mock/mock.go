// Package mock provides an in-memory [audio.Transport] for unit tests.
//
// The mock is safe for concurrent use. Tests push inbound frames with
// [Transport.Push] (or pre-load them through [New]), end the stream with
// [Transport.Hangup], and inspect everything the code under test sent.
//
// Typical usage:
//
//	tr := mock.New()
//	tr.Push(speechFrame, speechFrame, silenceFrame)
//	go ctrl.Run(ctx)
//	...
//	tr.Hangup()
//	sent := tr.Sent()
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/switchboard/pkg/audio"
)

// Transport is a mock implementation of [audio.Transport].
type Transport struct {
	mu   sync.Mutex
	cond *sync.Cond

	inbound []audio.AudioFrame
	eof     bool
	closed  bool

	// SendErr, if non-nil, is returned by every SendFrame call.
	SendErr error

	// ClearErr, if non-nil, is returned by every Clear call.
	ClearErr error

	// OnSend, if set, is invoked with every accepted outbound frame while no
	// lock is held. Tests use it to react to playback (e.g. inject barge-in).
	OnSend func(frame audio.AudioFrame)

	sent          []audio.AudioFrame
	clearCount    int
	closeCount    int
	sentAtClear   []int
	receivedCount int
}

// New returns a Transport pre-loaded with inbound frames.
func New(frames ...audio.AudioFrame) *Transport {
	t := &Transport{inbound: append([]audio.AudioFrame(nil), frames...)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Push appends inbound frames for ReceiveFrame to return.
func (t *Transport) Push(frames ...audio.AudioFrame) {
	t.mu.Lock()
	t.inbound = append(t.inbound, frames...)
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Hangup marks the inbound stream as finished. ReceiveFrame returns io.EOF
// once the queued frames are drained.
func (t *Transport) Hangup() {
	t.mu.Lock()
	t.eof = true
	t.mu.Unlock()
	t.cond.Broadcast()
}

// ReceiveFrame implements [audio.Transport].
func (t *Transport) ReceiveFrame(ctx context.Context) (audio.AudioFrame, error) {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.cond.Broadcast()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.inbound) == 0 && !t.eof && !t.closed && ctx.Err() == nil {
		t.cond.Wait()
	}
	if len(t.inbound) > 0 {
		f := t.inbound[0]
		t.inbound = t.inbound[1:]
		t.receivedCount++
		return f, nil
	}
	if err := ctx.Err(); err != nil && !t.eof && !t.closed {
		return audio.AudioFrame{}, err
	}
	return audio.AudioFrame{}, io.EOF
}

// SendFrame implements [audio.Transport]. Frames are recorded in order.
func (t *Transport) SendFrame(_ context.Context, frame audio.AudioFrame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return audio.ErrTransportClosed
	}
	if t.SendErr != nil {
		err := t.SendErr
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, frame)
	hook := t.OnSend
	t.mu.Unlock()
	if hook != nil {
		hook(frame)
	}
	return nil
}

// Clear implements [audio.Transport].
func (t *Transport) Clear(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return audio.ErrTransportClosed
	}
	t.clearCount++
	t.sentAtClear = append(t.sentAtClear, len(t.sent))
	return t.ClearErr
}

// Close implements [audio.Transport]. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeCount++
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()
	return nil
}

// Sent returns a copy of every frame accepted by SendFrame.
func (t *Transport) Sent() []audio.AudioFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]audio.AudioFrame(nil), t.sent...)
}

// ClearCount returns how many times Clear succeeded.
func (t *Transport) ClearCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clearCount
}

// SentAtClear returns, for each Clear call, how many frames had been sent at
// that moment.
func (t *Transport) SentAtClear() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.sentAtClear...)
}

// CloseCount returns how many times Close was called.
func (t *Transport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCount
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Received returns how many inbound frames have been consumed.
func (t *Transport) Received() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receivedCount
}

// Pending returns how many pushed frames have not been consumed yet.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inbound)
}

// Ensure Transport implements audio.Transport at compile time.
var _ audio.Transport = (*Transport)(nil)
