// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote model API and exposes a uniform streaming
// interface to the turn controller. Generation is cancelled through the context
// passed to StreamCompletion; the provider must close its channel promptly once
// that context is done.
package llm

import (
	"context"

	"github.com/MrWong99/switchboard/pkg/types"
)

// Finish reasons shared by all providers.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
)

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history, system preamble first.
	Messages []types.Message

	// Tools is the set of function definitions offered to the model.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected before Messages. The turn
	// controller keeps the system preamble inside Messages, so this is empty on
	// the hot path.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk: FinishStop, FinishLength,
	// FinishToolCalls, or FinishError. Empty on non-final chunks.
	FinishReason string

	// ToolCalls contains the fully accumulated tool invocations. Providers emit
	// them on the final chunk.
	ToolCalls []types.ToolCall

	// Err is set together with FinishReason == FinishError.
	Err error
}

// Provider is the abstraction over any LLM backend. Implementations must be
// safe for concurrent use.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel of chunks.
	// The channel is closed when generation finishes or ctx is cancelled.
	// Failures after the stream has started are delivered as a chunk with
	// FinishReason == FinishError; the error return covers failures to start.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// CountTokens estimates the context-window cost of messages. It need not be
	// exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() types.ModelCapabilities
}
