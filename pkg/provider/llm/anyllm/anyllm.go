// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving the call pipeline one code path for Anthropic, Gemini, Groq,
// Mistral, DeepSeek, Ollama and the local llama.cpp servers.
//
//	p, err := anyllm.New("groq", "llama-3.1-8b-instant", anyllmlib.WithAPIKey(key))
//
// Phone turns are latency bound, so small "haiku" or "flash" class models are
// the usual choice here.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/types"
)

type factory func(...anyllmlib.Option) (anyllmlib.Provider, error)

func wrap[P anyllmlib.Provider](ctor func(...anyllmlib.Option) (P, error)) factory {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		p, err := ctor(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// backends maps the accepted backend names to their constructors.
var backends = map[string]factory{
	"anthropic": wrap(anthropic.New),
	"deepseek":  wrap(deepseek.New),
	"gemini":    wrap(gemini.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
	"mistral":   wrap(mistral.New),
	"ollama":    wrap(ollama.New),
	"openai":    wrap(anyllmoai.New),
}

// Backends lists the backend names [New] accepts.
func Backends() []string { return slices.Sorted(maps.Keys(backends)) }

// Provider implements [llm.Provider] on top of an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider for model on the named backend. Without a
// WithAPIKey option the backend reads its usual environment variable, such
// as ANTHROPIC_API_KEY.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backend == "" {
		return nil, errors.New("anyllm: backend is required")
	}
	if model == "" {
		return nil, errors.New("anyllm: model is required")
	}
	create, ok := backends[strings.ToLower(backend)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown backend %q (have %s)", backend, strings.Join(Backends(), ", "))
	}
	b, err := create(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", backend, err)
	}
	return &Provider{backend: b, model: model}, nil
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	chunks, errs := p.backend.CompletionStream(ctx, p.params(req))

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var calls llm.ToolCallBuffer
		for ev := range chunks {
			if len(ev.Choices) == 0 {
				continue
			}
			choice := ev.Choices[0]
			for i, d := range choice.Delta.ToolCalls {
				calls.Add(i, d.ID, d.Function.Name, d.Function.Arguments)
			}
			out := llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}
			calls.Flush(&out)
			if !send(out) {
				return
			}
		}
		if err := <-errs; err != nil && ctx.Err() == nil {
			send(llm.Chunk{FinishReason: llm.FinishError, Err: fmt.Errorf("anyllm: stream: %w", err)})
		}
	}()
	return ch, nil
}

// CountTokens implements [llm.Provider] with [llm.EstimateTokens].
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities {
	return llm.CapabilitiesFor(p.model)
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	out := anyllmlib.CompletionParams{Model: p.model}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, toMessage(m))
	}
	if req.Temperature != 0 {
		out.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = &req.MaxTokens
	}
	for _, td := range req.Tools {
		out.Tools = append(out.Tools, anyllmlib.Tool{
			Type:     "function",
			Function: anyllmlib.Function{Name: td.Name, Description: td.Description, Parameters: td.Parameters},
		})
	}
	return out
}

func toMessage(m types.Message) anyllmlib.Message {
	out := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, anyllmlib.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: anyllmlib.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return out
}
