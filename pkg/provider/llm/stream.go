package llm

import (
	"maps"
	"slices"
	"strings"

	"github.com/MrWong99/switchboard/pkg/types"
)

// ToolCallBuffer assembles tool calls from streamed deltas. Backends send
// the id and name once and the JSON arguments in pieces, keyed by the index
// of the call within the response. The zero value is ready to use.
type ToolCallBuffer struct {
	calls map[int]*types.ToolCall
}

// Add merges one delta into the call at index.
func (b *ToolCallBuffer) Add(index int, id, name, args string) {
	if b.calls == nil {
		b.calls = make(map[int]*types.ToolCall)
	}
	tc, ok := b.calls[index]
	if !ok {
		tc = &types.ToolCall{}
		b.calls[index] = tc
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	tc.Arguments += args
}

// Len reports how many distinct calls have been seen.
func (b *ToolCallBuffer) Len() int { return len(b.calls) }

// Calls returns the assembled calls ordered by index.
func (b *ToolCallBuffer) Calls() []types.ToolCall {
	out := make([]types.ToolCall, 0, len(b.calls))
	for _, i := range slices.Sorted(maps.Keys(b.calls)) {
		out = append(out, *b.calls[i])
	}
	return out
}

// Flush attaches the buffered calls to a final chunk. It is a no-op for
// chunks without a finish reason.
func (b *ToolCallBuffer) Flush(c *Chunk) {
	if c.FinishReason == "" || b.Len() == 0 {
		return
	}
	c.ToolCalls = b.Calls()
}

// EstimateTokens approximates the prompt cost of messages at four bytes per
// token plus a fixed per-message overhead for role markup. Bytes overcount
// non-ASCII text, which keeps the estimate on the safe side.
func EstimateTokens(messages []types.Message) int {
	const overhead = 4
	total := 0
	for _, m := range messages {
		n := len(m.Content)
		for _, tc := range m.ToolCalls {
			n += len(tc.Name) + len(tc.Arguments)
		}
		total += (n+3)/4 + overhead
	}
	return total
}

// modelRule overrides the default capabilities for matching model names.
// Zero values keep the default.
type modelRule struct {
	prefix   string
	contains string
	window   int
	maxOut   int
	noTools  bool
}

func (r modelRule) matches(model string) bool {
	if r.contains != "" {
		return strings.Contains(model, r.contains)
	}
	return strings.HasPrefix(model, r.prefix)
}

// modelRules is searched in order; the first match wins.
var modelRules = []modelRule{
	{prefix: "gpt-4.1", window: 1_047_576, maxOut: 32_768},
	{prefix: "gpt-4o", maxOut: 16_384},
	{prefix: "gpt-3.5-turbo", window: 16_385},
	{prefix: "o1-mini", maxOut: 65_536, noTools: true},
	{contains: "claude-3-opus", window: 200_000},
	{prefix: "claude", window: 200_000, maxOut: 8_192},
	{contains: "gemini-1.5-pro", window: 2_097_152, maxOut: 8_192},
	{contains: "flash", window: 1_048_576, maxOut: 8_192},
	{prefix: "gemini", maxOut: 8_192},
}

// CapabilitiesFor returns the capabilities of a well-known model name.
// Unknown models get a 128k window, 4k output tokens and tool support.
func CapabilitiesFor(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}
	model = strings.ToLower(model)
	for _, r := range modelRules {
		if !r.matches(model) {
			continue
		}
		if r.window > 0 {
			caps.ContextWindow = r.window
		}
		if r.maxOut > 0 {
			caps.MaxOutputTokens = r.maxOut
		}
		caps.SupportsToolCalling = !r.noTools
		break
	}
	return caps
}
