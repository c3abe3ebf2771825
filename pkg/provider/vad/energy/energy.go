// Package energy provides an RMS energy voice activity detector.
//
// Each frame is scored by its root-mean-square amplitude normalised against a
// reference level, then smoothed with a trailing majority vote. The detector
// keeps a speaking flag with hysteresis: a segment starts once the majority of
// the window scores above SpeechThreshold and ends once the majority scores
// below SilenceThreshold.
//
// Telephony audio is narrow-band and heavily compressed, so an energy detector
// is a reasonable default. It needs no model files and no cgo.
package energy

import (
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/switchboard/pkg/provider/vad"
	"github.com/MrWong99/switchboard/pkg/types"
)

const (
	defaultWindow       = 4
	defaultReferenceRMS = 3000.0
)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithReferenceRMS sets the RMS amplitude that maps to a score of 1.0. With the
// default of 3000, a SpeechThreshold of 0.1 corresponds to an RMS of 300.
func WithReferenceRMS(rms float64) Option {
	return func(e *Engine) {
		if rms > 0 {
			e.referenceRMS = rms
		}
	}
}

// Engine creates energy-based VAD sessions. It is stateless and safe for
// concurrent use.
type Engine struct {
	referenceRMS float64
}

var _ vad.Engine = (*Engine)(nil)

// New returns an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{referenceRMS: defaultReferenceRMS}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	window := cfg.Window
	if window == 0 {
		window = defaultWindow
	}
	return &Session{
		cfg:       cfg,
		reference: e.referenceRMS,
		scores:    make([]float64, 0, window),
		window:    window,
	}, nil
}

// Session is a single-stream energy detector.
type Session struct {
	cfg       vad.Config
	reference float64

	mu       sync.Mutex
	scores   []float64
	window   int
	speaking bool
	closed   bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame scores one frame of 16-bit little-endian PCM. Frames of any
// positive even length are accepted; the score does not depend on length.
func (s *Session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if len(frame) == 0 || len(frame)%2 != 0 {
		return types.VADEvent{}, fmt.Errorf("%w: %d bytes", vad.ErrFrameSize, len(frame))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, fmt.Errorf("energy: session closed")
	}

	score := math.Min(1, RMS(frame)/s.reference)
	s.scores = append(s.scores, score)
	if len(s.scores) > s.window {
		s.scores = s.scores[len(s.scores)-s.window:]
	}

	var above, below int
	for _, v := range s.scores {
		if v >= s.cfg.SpeechThreshold {
			above++
		}
		if v < s.cfg.SilenceThreshold {
			below++
		}
	}

	ev := types.VADEvent{Probability: score}
	switch {
	case !s.speaking && above*2 >= len(s.scores) && above > 0:
		s.speaking = true
		ev.Type = types.VADSpeechStart
	case s.speaking && below*2 > len(s.scores):
		s.speaking = false
		ev.Type = types.VADSpeechEnd
	case s.speaking:
		ev.Type = types.VADSpeechContinue
	default:
		ev.Type = types.VADSilence
	}
	return ev, nil
}

// Reset clears the smoothing window and the speaking flag.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = s.scores[:0]
	s.speaking = false
}

// Close marks the session closed. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.scores = nil
	return nil
}

// RMS returns the root-mean-square amplitude of 16-bit little-endian PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
