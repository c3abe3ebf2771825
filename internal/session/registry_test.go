package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/internal/convo"
	"github.com/MrWong99/switchboard/pkg/audio"
	audiomock "github.com/MrWong99/switchboard/pkg/audio/mock"
)

func newSession(id string) *Session {
	return New(audio.StreamInfo{CallID: id, StreamID: "MZ" + id}, audiomock.New(), convo.New("sys", nil))
}

func TestState_ForwardOnly(t *testing.T) {
	t.Parallel()
	s := newSession("CA1")
	if s.State() != StateAwaitingStart {
		t.Fatalf("initial state = %s", s.State())
	}
	if !s.Advance(StateStreaming) {
		t.Fatal("AwaitingStart -> Streaming rejected")
	}
	if s.Advance(StateAwaitingStart) {
		t.Error("backward transition accepted")
	}
	if s.Advance(StateStreaming) {
		t.Error("self transition accepted")
	}
	select {
	case <-s.Done():
		t.Fatal("Done closed before Closed")
	default:
	}
	if !s.Advance(StateClosed) {
		t.Fatal("Streaming -> Closed rejected")
	}
	if s.Advance(StateEnding) {
		t.Error("transition out of Closed accepted")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Closed")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateAwaitingStart, "awaiting_start"},
		{StateStreaming, "streaming"},
		{StateEnding, "ending"},
		{StateClosed, "closed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestRegistry_RegisterLookupRemove(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	s := newSession("CA1")

	if err := r.Register(s); err != nil {
		t.Fatal(err)
	}
	got, ok := r.Lookup("CA1")
	if !ok || got != s {
		t.Fatalf("Lookup = (%v, %v)", got, ok)
	}
	if _, ok := r.Lookup("CA404"); ok {
		t.Error("Lookup of unknown call succeeded")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if !r.Remove("CA1") {
		t.Error("first Remove returned false")
	}
	if r.Remove("CA1") {
		t.Error("second Remove returned true")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_ = r.Register(newSession("CA1"))
	err := r.Register(newSession("CA1"))
	if !errors.Is(err, ErrDuplicateCall) {
		t.Fatalf("expected ErrDuplicateCall, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_EmptyCallID(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.Register(newSession("")); err == nil {
		t.Error("expected error for empty call id")
	}
	if err := r.Register(nil); err == nil {
		t.Error("expected error for nil session")
	}
}

func TestRegistry_MaxCalls(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithMaxCalls(2))
	_ = r.Register(newSession("CA1"))
	_ = r.Register(newSession("CA2"))
	if err := r.Register(newSession("CA3")); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("expected ErrRegistryFull, got %v", err)
	}
	r.Remove("CA1")
	if err := r.Register(newSession("CA3")); err != nil {
		t.Fatalf("register after remove: %v", err)
	}
	if r.Capacity() != 2 {
		t.Errorf("Capacity = %d", r.Capacity())
	}
}

func TestRegistry_RangeMayRemove(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for i := range 3 {
		_ = r.Register(newSession(fmt.Sprintf("CA%d", i)))
	}
	seen := 0
	r.Range(func(s *Session) bool {
		seen++
		r.Remove(s.CallID)
		return true
	})
	if seen != 3 || r.Len() != 0 {
		t.Errorf("seen = %d, Len = %d", seen, r.Len())
	}
}

func TestRegistry_Drain(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for i := range 3 {
		s := newSession(fmt.Sprintf("CA%d", i))
		s.Advance(StateStreaming)
		s.OnStop(func() {
			go func() {
				s.Advance(StateEnding)
				r.Remove(s.CallID)
				s.Advance(StateClosed)
			}()
		})
		_ = r.Register(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after drain", r.Len())
	}
}

func TestRegistry_DrainBeforeOnStop(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	s := newSession("CA1")
	if err := r.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	drained := make(chan error, 1)
	go func() { drained <- r.Drain(ctx) }()

	// The controller registers its stop hook only once it starts running.
	time.Sleep(20 * time.Millisecond)
	var calls int
	var mu sync.Mutex
	s.OnStop(func() {
		mu.Lock()
		calls++
		mu.Unlock()
		go func() {
			r.Remove(s.CallID)
			s.Advance(StateClosed)
		}()
	})

	if err := <-drained; err != nil {
		t.Fatalf("Drain: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("stop hook ran %d times, want 1", calls)
	}
}

func TestSession_StopWithoutHook(t *testing.T) {
	t.Parallel()
	s := newSession("CA1")
	s.Stop()
	s.Stop()

	ran := 0
	s.OnStop(func() { ran++ })
	if ran != 1 {
		t.Errorf("hook registered after Stop ran %d times, want 1", ran)
	}
	s.Stop()
	if ran != 2 {
		t.Errorf("hook ran %d times after a later Stop, want 2", ran)
	}

	fresh := newSession("CA2")
	fresh.OnStop(func() { t.Error("hook ran without a stop request") })
}

func TestRegistry_DrainTimeout(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_ = r.Register(newSession("CA1")) // never closes

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestRegistry_ConcurrentRegisterRemove(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("CA%d", i)
			if err := r.Register(newSession(id)); err != nil {
				t.Errorf("Register(%s): %v", id, err)
				return
			}
			if _, ok := r.Lookup(id); !ok {
				t.Errorf("Lookup(%s) missed", id)
			}
			r.Remove(id)
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}
