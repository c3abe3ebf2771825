package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/types"
)

// errGateClosed is returned by speaker.send for a turn that no longer owns the
// speaker.
var errGateClosed = errors.New("pipeline: speaker gate closed")

// speaker serialises outbound frames and admits frames from one turn at a
// time. After close returns, no frame of the previously active turn reaches
// the transport.
type speaker struct {
	tr audio.Transport

	mu     sync.Mutex
	active uint64 // 0 when closed
	sent   int
	ts     int64 // outbound timestamp in samples
}

func newSpeaker(tr audio.Transport) *speaker {
	return &speaker{tr: tr}
}

// open hands the speaker to turn.
func (s *speaker) open(turn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = turn
	s.sent = 0
}

// close revokes the active turn and returns how many frames it sent. It waits
// for an in-flight send to finish.
func (s *speaker) close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.sent
	s.active = 0
	s.sent = 0
	return n
}

// owner returns the turn currently allowed to speak.
func (s *speaker) owner() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// send writes one 8 kHz mono frame on behalf of turn. The returned bool
// reports whether this was the turn's first frame.
func (s *speaker) send(ctx context.Context, turn uint64, pcm []byte, tag string) (first bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn == 0 || s.active != turn {
		return false, errGateClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: audio.TelephonySampleRate,
		Channels:   1,
		Direction:  types.Outbound,
		Tag:        tag,
	}
	frame.Timestamp = samplesToDuration(s.ts)
	if err := s.tr.SendFrame(ctx, frame); err != nil {
		return false, err
	}
	s.ts += int64(len(pcm) / 2)
	s.sent++
	return s.sent == 1, nil
}

func samplesToDuration(n int64) time.Duration {
	return time.Duration(n) * time.Second / audio.TelephonySampleRate
}
