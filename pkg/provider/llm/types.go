package llm

import "github.com/MrWong99/switchboard/pkg/types"

// Message is a single conversation message.
type Message = types.Message

// ToolCall is a tool invocation requested by the model.
type ToolCall = types.ToolCall

// ToolDefinition describes a tool offered to the model.
type ToolDefinition = types.ToolDefinition

// ModelCapabilities describes what a model supports.
type ModelCapabilities = types.ModelCapabilities
