// Package llm provides the chat model clients that drive tool selection.
package llm

import (
	"encoding/json"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall is one tool invocation requested by the model. Arguments
// are kept as raw JSON so the caller can validate them strictly; a
// provider that returns unparseable arguments passes the raw text through.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is a provider-neutral chat completion request. Tools use the
// OpenAI function format: {"type":"function","function":{name, description, parameters}}.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []map[string]any
	Temperature float64
	TopP        float64
	MaxTokens   int

	// RequireTool asks the provider to answer with a tool call rather
	// than text, where the provider supports it.
	RequireTool bool
}

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model        string
	Message      Message
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// rawArguments marshals a decoded argument value back to JSON. A nil
// value becomes an empty object.
func rawArguments(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// toolParts extracts name, description and parameters from an
// OpenAI-format tool definition.
func toolParts(tool map[string]any) (name, desc string, params any, ok bool) {
	fn, ok := tool["function"].(map[string]any)
	if !ok {
		return "", "", nil, false
	}
	name, _ = fn["name"].(string)
	desc, _ = fn["description"].(string)
	params = fn["parameters"]
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return name, desc, params, name != ""
}
