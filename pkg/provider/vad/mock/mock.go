// Package mock provides scriptable VAD engines and sessions for tests.
//
// A Session answers ProcessFrame from, in order of precedence, Err,
// EventFunc, the queued Script and finally Default. Pipeline tests usually
// set EventFunc to classify marker frames as speech or silence:
//
//	eng := &mock.Engine{Session: &mock.Session{
//	    EventFunc: func(f []byte) types.VADEvent { ... },
//	}}
package mock

import (
	"slices"
	"sync"

	"github.com/MrWong99/switchboard/pkg/provider/vad"
	"github.com/MrWong99/switchboard/pkg/types"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine hands out Session, or a fresh *Session per call when Session is nil.
type Engine struct {
	// Session is shared by every NewSession call when set.
	Session vad.SessionHandle

	// NewSessionErr fails every NewSession call.
	NewSessionErr error

	mu      sync.Mutex
	configs []vad.Config
	opened  []*Session
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	switch {
	case e.NewSessionErr != nil:
		return nil, e.NewSessionErr
	case e.Session != nil:
		return e.Session, nil
	}
	s := &Session{}
	e.opened = append(e.opened, s)
	return s, nil
}

// Configs returns the configuration of every NewSession call in order.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.configs)
}

// Opened returns the sessions the engine created itself.
func (e *Engine) Opened() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.opened)
}

// Session is a scripted [vad.SessionHandle].
type Session struct {
	// Err fails every ProcessFrame call.
	Err error

	// EventFunc classifies each frame when set.
	EventFunc func(frame []byte) types.VADEvent

	// Script is consumed one event per frame before Default applies.
	Script []types.VADEvent

	// Default answers frames once Script is exhausted.
	Default types.VADEvent

	mu     sync.Mutex
	frames [][]byte
	resets int
	closed bool
}

// ProcessFrame implements [vad.SessionHandle]. It keeps a copy of frame.
func (s *Session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, slices.Clone(frame))
	switch {
	case s.Err != nil:
		return types.VADEvent{}, s.Err
	case s.EventFunc != nil:
		return s.EventFunc(frame), nil
	case len(s.Script) > 0:
		ev := s.Script[0]
		s.Script = s.Script[1:]
		return ev, nil
	}
	return s.Default, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Frames returns copies of every frame seen so far.
func (s *Session) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

// Resets reports how often Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
