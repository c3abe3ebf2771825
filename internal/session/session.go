// Package session holds the per-call session record and the process-wide
// registry of active calls.
//
// A [Session] is created once the transport has delivered its start message
// and is mutated only by the turn controller that owns the call. The
// [Registry] manages the mapping from call id to session and never touches a
// session's internals beyond asking it to stop.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/switchboard/internal/convo"
	"github.com/MrWong99/switchboard/pkg/audio"
)

// State is the lifecycle stage of a call session. States only move forward.
type State int32

const (
	// StateAwaitingStart: the transport is accepted but no start message has
	// been seen yet.
	StateAwaitingStart State = iota

	// StateStreaming: media is flowing and the turn controller is running.
	StateStreaming

	// StateEnding: teardown has begun (stop, disconnect, end_call or fatal
	// error).
	StateEnding

	// StateClosed is terminal. The transport has been released.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateStreaming:
		return "streaming"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live call.
type Session struct {
	// CallID is the telephony provider's call identifier.
	CallID string

	// StreamID identifies the media stream within the call.
	StreamID string

	// Agent names the persona handling the call.
	Agent string

	// Transport is the call's duplex audio channel, owned by the session.
	Transport audio.Transport

	// Context is the conversation history for this call.
	Context *convo.Context

	// StartedAt is when the start message was observed.
	StartedAt time.Time

	state atomic.Int32

	mu            sync.Mutex
	stop          func()
	stopRequested bool

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a session in [StateAwaitingStart].
func New(info audio.StreamInfo, tr audio.Transport, cc *convo.Context) *Session {
	return &Session{
		CallID:    info.CallID,
		StreamID:  info.StreamID,
		Transport: tr,
		Context:   cc,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Advance moves the session to to if that is a forward transition and
// reports whether it did. Reaching [StateClosed] closes Done.
func (s *Session) Advance(to State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= to {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			if to == StateClosed {
				s.doneOnce.Do(func() { close(s.done) })
			}
			return true
		}
	}
}

// Done is closed once the session reaches [StateClosed].
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// OnStop registers the function Stop invokes. The turn controller registers
// its cancellation here. If Stop was already called, fn runs immediately.
func (s *Session) OnStop(fn func()) {
	s.mu.Lock()
	s.stop = fn
	pending := s.stopRequested
	s.mu.Unlock()
	if pending && fn != nil {
		fn()
	}
}

// Stop asks the owning controller to end the call. It does not wait. A stop
// that arrives before OnStop is remembered.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopRequested = true
	fn := s.stop
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Duration returns how long the call has been running.
func (s *Session) Duration() time.Duration {
	return time.Since(s.StartedAt)
}
