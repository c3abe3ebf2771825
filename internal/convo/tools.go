package convo

import (
	"encoding/json"
	"strings"

	"github.com/MrWong99/switchboard/pkg/types"
)

// EndCallToolName is the name of the tool the model calls to hang up.
const EndCallToolName = "end_call"

// EndCallTool declares the end_call tool. The model calls it once the
// conversation has reached a natural end or the caller asks to hang up.
func EndCallTool() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        EndCallToolName,
		Description: "End the phone call. Use this after saying goodbye, or when the caller asks to hang up.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason the call is ending.",
				},
			},
		},
	}
}

// FindEndCall returns the end_call request among calls, if any, together with
// the reason argument when one was given.
func FindEndCall(calls []types.ToolCall) (reason string, ok bool) {
	for _, tc := range calls {
		if !strings.EqualFold(tc.Name, EndCallToolName) {
			continue
		}
		var args struct {
			Reason string `json:"reason"`
		}
		// A malformed argument string still ends the call.
		_ = json.Unmarshal([]byte(tc.Arguments), &args)
		return args.Reason, true
	}
	return "", false
}
