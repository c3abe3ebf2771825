package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateCall is returned by Register for a call id that is already
	// registered.
	ErrDuplicateCall = errors.New("session: call already registered")

	// ErrRegistryFull is returned by Register when the call limit is reached.
	ErrRegistryFull = errors.New("session: maximum concurrent calls reached")
)

// RegistryOption is a functional option for configuring a Registry.
type RegistryOption func(*Registry)

// WithMaxCalls limits the number of concurrently registered sessions. Zero
// means unlimited.
func WithMaxCalls(n int) RegistryOption {
	return func(r *Registry) {
		r.maxCalls = n
	}
}

// Registry is the process-wide table of active calls keyed by call id.
// It is built once at startup and drained at shutdown.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	maxCalls int
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{sessions: make(map[string]*Session)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds s under s.CallID.
func (r *Registry) Register(s *Session) error {
	if s == nil || s.CallID == "" {
		return errors.New("session: register: empty call id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.CallID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCall, s.CallID)
	}
	if r.maxCalls > 0 && len(r.sessions) >= r.maxCalls {
		return ErrRegistryFull
	}
	r.sessions[s.CallID] = s
	return nil
}

// Lookup returns the session for callID. A miss is not an error.
func (r *Registry) Lookup(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Remove deletes callID and reports whether an entry was removed. Removing a
// missing call is a no-op.
func (r *Registry) Remove(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[callID]; !ok {
		return false
	}
	delete(r.sessions, callID)
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Capacity returns the configured call limit, or zero when unlimited.
func (r *Registry) Capacity() int {
	return r.maxCalls
}

// Range calls fn for a snapshot of the registered sessions until fn returns
// false. fn may call back into the Registry.
func (r *Registry) Range(fn func(*Session) bool) {
	for _, s := range r.snapshot() {
		if !fn(s) {
			return
		}
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Drain stops every registered session and waits until each has closed or
// ctx is done.
func (r *Registry) Drain(ctx context.Context) error {
	sessions := r.snapshot()
	for _, s := range sessions {
		s.Stop()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return fmt.Errorf("session: drain: %d calls still active: %w", r.Len(), ctx.Err())
		}
	}
	return nil
}
