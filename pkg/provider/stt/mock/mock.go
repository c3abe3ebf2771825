// Package mock provides scripted speech-to-text doubles.
//
// A [Session] built by [NewSession] answers Finish with its scripted finals and
// then closes both channels, the way a streaming recognizer flushes on
// end-of-audio:
//
//	p := &mock.Provider{
//	    SessionFunc: func(stt.StreamConfig) stt.SessionHandle {
//	        return mock.NewSession(types.Transcript{Text: "hello", IsFinal: true})
//	    },
//	}
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/types"
)

// Provider hands out sessions and records every stream config it was asked
// for.
type Provider struct {
	// SessionFunc builds the handle for each stream. It wins over Session.
	SessionFunc func(cfg stt.StreamConfig) stt.SessionHandle
	// Session is returned for every stream when SessionFunc is nil. With both
	// nil each stream gets an empty NewSession().
	Session stt.SessionHandle
	// StartStreamErr fails every StartStream.
	StartStreamErr error
	// StartDelay is waited before StartStream answers. A ctx that ends
	// first fails the call with ctx.Err().
	StartDelay time.Duration

	mu      sync.Mutex
	streams []stt.StreamConfig
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.streams = append(p.streams, cfg)
	p.mu.Unlock()

	if p.StartDelay > 0 {
		t := time.NewTimer(p.StartDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch {
	case p.StartStreamErr != nil:
		return nil, p.StartStreamErr
	case p.SessionFunc != nil:
		return p.SessionFunc(cfg), nil
	case p.Session != nil:
		return p.Session, nil
	}
	return NewSession(), nil
}

// Streams returns the configs of every StartStream call, failed ones
// included.
func (p *Provider) Streams() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.streams)
}

// Session is a recognizer stream whose results are scripted up front.
type Session struct {
	// HoldOnFinish leaves the channels open after Finish, like a provider that
	// never answers. Close still releases them.
	HoldOnFinish bool
	// SendErr is returned by every accepted SendAudio.
	SendErr error
	// KeywordsErr is returned by SetKeywords.
	KeywordsErr error

	mu       sync.Mutex
	partials chan types.Transcript
	finals   chan types.Transcript
	script   []types.Transcript
	audio    [][]byte
	keywords [][]types.KeywordBoost
	finished int
	closes   int
	shut     bool
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a session that emits finals once Finish is called.
func NewSession(finals ...types.Transcript) *Session {
	return &Session{
		partials: make(chan types.Transcript, 16),
		finals:   make(chan types.Transcript, len(finals)+16),
		script:   finals,
	}
}

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shut || s.finished > 0 {
		return stt.ErrSessionClosed
	}
	s.audio = append(s.audio, slices.Clone(chunk))
	return s.SendErr
}

func (s *Session) Partials() <-chan types.Transcript { return s.partials }
func (s *Session) Finals() <-chan types.Transcript   { return s.finals }

func (s *Session) SetKeywords(keywords []types.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keywords = append(s.keywords, slices.Clone(keywords))
	return s.KeywordsErr
}

// Finish flushes the scripted finals and closes the channels. Repeat calls do
// nothing.
func (s *Session) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished++
	if s.finished > 1 || s.shut || s.HoldOnFinish {
		return nil
	}
	for _, tr := range s.script {
		s.finals <- tr
	}
	s.release()
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if !s.shut && (s.finished == 0 || s.HoldOnFinish) {
		s.release()
	}
	s.shut = true
	return nil
}

// release closes both result channels. s.mu must be held.
func (s *Session) release() {
	close(s.partials)
	close(s.finals)
}

// Audio returns copies of the chunks accepted by SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audio)
}

// Keywords returns every list passed to SetKeywords.
func (s *Session) Keywords() [][]types.KeywordBoost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.keywords)
}

// Counts returns how often Finish and Close were called.
func (s *Session) Counts() (finish, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished, s.closes
}
