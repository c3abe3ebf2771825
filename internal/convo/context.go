// Package convo holds the per-call conversation history sent to the language
// model.
//
// A [Context] starts with a fixed preamble (the system prompt and, once it
// has been played in full, the greeting the agent spoke when the call
// connected) followed by user and assistant turns. Completed turns alternate user, assistant. A user message
// may follow another user message when the assistant turn in between was
// cancelled by barge-in; a cancelled assistant turn leaves no trace.
//
// When a token budget is configured the oldest turns are dropped once the
// estimate exceeds it. The preamble is never dropped.
package convo

import (
	"errors"
	"strings"
	"sync"

	"github.com/MrWong99/switchboard/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers.
const charsPerToken = 4

var (
	// ErrOutOfOrder is returned by AppendAssistant when the last message is not
	// a user message, and by AppendGreeting once turns exist.
	ErrOutOfOrder = errors.New("convo: assistant message must follow a user message")

	// ErrEmptyMessage is returned when appending blank content.
	ErrEmptyMessage = errors.New("convo: empty message")
)

// Option is a functional option for configuring a Context.
type Option func(*Context)

// WithMaxTokens caps the estimated size of the history. Zero disables
// trimming.
func WithMaxTokens(n int) Option {
	return func(c *Context) {
		c.maxTokens = n
	}
}

// Context is the ordered message history and tool set for one call.
//
// All methods are safe for concurrent use. The turn controller is the only
// writer; other goroutines may read snapshots.
type Context struct {
	mu        sync.Mutex
	preamble  []types.Message
	turns     []types.Message
	tools     []types.ToolDefinition
	maxTokens int
	tokens    int
	trimmed   int
}

// New creates a Context whose preamble is systemPrompt. tools is fixed for the
// lifetime of the call.
func New(systemPrompt string, tools []types.ToolDefinition, opts ...Option) *Context {
	c := &Context{
		preamble: []types.Message{{Role: types.RoleSystem, Content: systemPrompt}},
		tools:    append([]types.ToolDefinition(nil), tools...),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AppendGreeting adds the greeting the caller heard at call start to the
// preamble. A greeting cut off by barge-in is never added. It fails with
// [ErrOutOfOrder] once the conversation has turns.
func (c *Context) AppendGreeting(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.turns) > 0 {
		return ErrOutOfOrder
	}
	c.preamble = append(c.preamble, types.Message{Role: types.RoleAssistant, Content: text})
	return nil
}

// AppendUser appends a user turn.
func (c *Context) AppendUser(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.append(types.Message{Role: types.RoleUser, Content: text})
	return nil
}

// AppendAssistant appends a completed assistant turn. It fails with
// [ErrOutOfOrder] unless the previous message is a user message.
func (c *Context) AppendAssistant(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.turns) == 0 || c.turns[len(c.turns)-1].Role != types.RoleUser {
		return ErrOutOfOrder
	}
	c.append(types.Message{Role: types.RoleAssistant, Content: text})
	return nil
}

// append must be called with c.mu held.
func (c *Context) append(m types.Message) {
	c.turns = append(c.turns, m)
	c.tokens += estimateTokens(m)
	c.trim()
}

// trim drops the oldest turns while the estimate exceeds the budget. The most
// recent message is always kept and the remaining history starts with a user
// message. Must be called with c.mu held.
func (c *Context) trim() {
	if c.maxTokens <= 0 {
		return
	}
	budget := c.maxTokens
	for _, m := range c.preamble {
		budget -= estimateTokens(m)
	}
	drop := 0
	tokens := c.tokens
	for tokens > budget && drop < len(c.turns)-1 {
		tokens -= estimateTokens(c.turns[drop])
		drop++
	}
	for drop < len(c.turns)-1 && c.turns[drop].Role != types.RoleUser {
		tokens -= estimateTokens(c.turns[drop])
		drop++
	}
	if drop == 0 {
		return
	}
	c.turns = append([]types.Message(nil), c.turns[drop:]...)
	c.tokens = tokens
	c.trimmed += drop
}

// Messages returns a snapshot of the full history, preamble first, ready to
// pass to an LLM provider.
func (c *Context) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, 0, len(c.preamble)+len(c.turns))
	out = append(out, c.preamble...)
	return append(out, c.turns...)
}

// Tools returns the tool declarations offered to the model.
func (c *Context) Tools() []types.ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ToolDefinition(nil), c.tools...)
}

// Len returns the number of messages including the preamble.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.preamble) + len(c.turns)
}

// TokenEstimate returns the estimated token count of the turns after the
// preamble.
func (c *Context) TokenEstimate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// Trimmed returns how many turns have been dropped to stay within budget.
func (c *Context) Trimmed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trimmed
}

// estimateTokens returns a rough token count for a single message using
// the 1-token-per-4-characters heuristic.
func estimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments) + len(tc.ID)
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
