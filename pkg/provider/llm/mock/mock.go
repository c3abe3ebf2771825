// Package mock provides a scripted [llm.Provider] for tests.
//
// Every StreamCompletion call plays the next entry of Script; once the
// script runs out, Fallback is played for each further call:
//
//	p := &mock.Provider{
//	    Script: [][]llm.Chunk{
//	        {{Text: "Hello!"}, {FinishReason: llm.FinishStop}},
//	        {{FinishReason: llm.FinishToolCalls, ToolCalls: []types.ToolCall{{Name: "end_call"}}}},
//	    },
//	}
//
// Configure the exported fields before the provider is shared between
// goroutines.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

// StreamCall is one recorded StreamCompletion invocation.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a scripted [llm.Provider].
type Provider struct {
	// Script is consumed one chunk sequence per call.
	Script [][]llm.Chunk

	// Fallback is played once Script is exhausted.
	Fallback []llm.Chunk

	// ChunkDelay is waited before each chunk. Cancelling ctx during the wait
	// closes the stream.
	ChunkDelay time.Duration

	// StreamErr fails every StreamCompletion call that StartErrs does not
	// cover.
	StreamErr error

	// StartErrs fails the first calls in order. A nil entry lets that call
	// start.
	StartErrs []error

	// TokenCount and CountTokensErr override CountTokens. With both unset it
	// returns [llm.EstimateTokens].
	TokenCount     int
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	mu    sync.Mutex
	calls []StreamCall
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	n := len(p.calls)
	req.Messages = slices.Clone(req.Messages)
	p.calls = append(p.calls, StreamCall{Ctx: ctx, Req: req})

	var err error
	switch {
	case n < len(p.StartErrs) && p.StartErrs[n] != nil:
		err = p.StartErrs[n]
	case p.StreamErr != nil:
		err = p.StreamErr
	}
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}

	play := p.Fallback
	if len(p.Script) > 0 {
		play, p.Script = p.Script[0], p.Script[1:]
	}
	play = slices.Clone(play)
	delay := p.ChunkDelay
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(play))
	go func() {
		defer close(ch)
		for _, c := range play {
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CountTokens implements [llm.Provider].
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenCount != 0 || p.CountTokensErr != nil {
		return p.TokenCount, p.CountTokensErr
	}
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns the recorded StreamCompletion calls in order.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}
