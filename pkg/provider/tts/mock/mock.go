// Package mock provides a scripted text-to-speech double.
//
//	p := &mock.Provider{
//	    Audio:      [][]byte{make([]byte, 640), make([]byte, 640)},
//	    ChunkDelay: 10 * time.Millisecond,
//	}
//
// Each stream first reads the text channel to the end and then plays Audio.
package mock

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/types"
)

// Synthesis is one SynthesizeStream call as the provider saw it.
type Synthesis struct {
	Ctx   context.Context
	Voice types.VoiceProfile
	// Texts are the fragments read from the text channel so far.
	Texts []string
}

// Provider plays the same scripted audio for every stream.
type Provider struct {
	// Audio is emitted chunk by chunk once the text channel closes.
	Audio [][]byte
	// ChunkDelay is waited before each chunk.
	ChunkDelay time.Duration
	// StartErr fails SynthesizeStream itself.
	StartErr error
	// StreamErr closes every stream with this error after the audio.
	StreamErr error
	// SampleRate is reported by Format; 16000 when zero.
	SampleRate int
	// Voices and VoicesErr answer ListVoices.
	Voices    []types.VoiceProfile
	VoicesErr error

	mu      sync.Mutex
	calls   []Synthesis
	open    int
	maxOpen int
}

var _ tts.Provider = (*Provider)(nil)

func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	p.mu.Lock()
	idx := len(p.calls)
	p.calls = append(p.calls, Synthesis{Ctx: ctx, Voice: voice})
	if p.StartErr != nil {
		p.mu.Unlock()
		return nil, p.StartErr
	}
	sc := script{audio: slices.Clone(p.Audio), delay: p.ChunkDelay, err: p.StreamErr}
	p.open++
	p.maxOpen = max(p.maxOpen, p.open)
	p.mu.Unlock()

	stream := tts.NewStream(len(sc.audio))
	go func() {
		err := p.play(ctx, idx, text, sc, stream)
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		stream.Close(err)
	}()
	return stream, nil
}

// script is the per-stream copy of the configured playback.
type script struct {
	audio [][]byte
	delay time.Duration
	err   error
}

// play consumes text, then sends audio. A cancelled ctx ends the stream
// without an error.
func (p *Provider) play(ctx context.Context, idx int, text <-chan string, sc script, stream *tts.Stream) error {
read:
	for {
		select {
		case frag, ok := <-text:
			if !ok {
				break read
			}
			p.mu.Lock()
			p.calls[idx].Texts = append(p.calls[idx].Texts, frag)
			p.mu.Unlock()
		case <-ctx.Done():
			return nil
		}
	}
	for _, chunk := range sc.audio {
		if sc.delay > 0 {
			select {
			case <-time.After(sc.delay):
			case <-ctx.Done():
				return nil
			}
		}
		if !stream.Send(ctx, chunk) {
			return nil
		}
	}
	return sc.err
}

func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	return p.Voices, p.VoicesErr
}

func (p *Provider) Format() tts.Format {
	return tts.Format{SampleRate: cmp.Or(p.SampleRate, 16000), Channels: 1}
}

// Calls returns a snapshot of every SynthesizeStream call.
func (p *Provider) Calls() []Synthesis {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := slices.Clone(p.calls)
	for i := range out {
		out[i].Texts = slices.Clone(out[i].Texts)
	}
	return out
}

// MaxConcurrent is the highest number of streams that were open at once.
func (p *Provider) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxOpen
}
