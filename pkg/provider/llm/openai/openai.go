// Package openai streams chat completions from the OpenAI API or any
// endpoint that speaks its wire format (vLLM, LM Studio, Azure proxies).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/types"
)

// Provider implements [llm.Provider] on the chat completions endpoint.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// Option configures the underlying client.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithBaseURL(url)) }
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithOrganization(org)) }
}

// WithTimeout bounds each HTTP request, including the whole streamed body.
func WithTimeout(d time.Duration) Option {
	return func(o *[]option.RequestOption) {
		*o = append(*o, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// WithMaxRetries sets the SDK's own retry count. It defaults to zero because
// the turn controller retries and fails over itself.
func WithMaxRetries(n int) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithMaxRetries(n)) }
}

// New returns a Provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}
	ch := make(chan llm.Chunk, 32)
	go pump(ctx, stream, ch)
	return ch, nil
}

// pump forwards stream deltas to ch until the stream ends or ctx is done.
func pump(ctx context.Context, stream *ssestream.Stream[oai.ChatCompletionChunk], ch chan<- llm.Chunk) {
	defer close(ch)
	defer stream.Close()

	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var calls llm.ToolCallBuffer
	for stream.Next() {
		ev := stream.Current()
		if len(ev.Choices) == 0 {
			continue
		}
		choice := ev.Choices[0]
		for _, d := range choice.Delta.ToolCalls {
			calls.Add(int(d.Index), d.ID, d.Function.Name, d.Function.Arguments)
		}
		out := llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}
		calls.Flush(&out)
		if !send(out) {
			return
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		send(llm.Chunk{FinishReason: llm.FinishError, Err: fmt.Errorf("openai: stream: %w", err)})
	}
}

// CountTokens implements [llm.Provider] with [llm.EstimateTokens].
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities {
	return llm.CapabilitiesFor(p.model)
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	out := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model)}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := toParam(m)
		if err != nil {
			return out, err
		}
		out.Messages = append(out.Messages, msg)
	}
	if req.Temperature != 0 {
		out.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, td := range req.Tools {
		out.Tools = append(out.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}
	return out, nil
}

// toParam maps a conversation message onto the SDK union type.
func toParam(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case types.RoleUser:
		return oai.UserMessage(m.Content), nil
	case types.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	case types.RoleAssistant:
		var a oai.ChatCompletionAssistantMessageParam
		if m.Content != "" {
			a.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			a.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			a.ToolCalls = append(a.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID:       tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &a}, nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported role %q", m.Role)
}
