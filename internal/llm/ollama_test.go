package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantName  string
		wantArgs  string
	}{
		{name: "empty content", content: ""},
		{name: "plain text", content: "Sounds like a healthy breakfast."},
		{
			name:      "single object",
			content:   `{"name": "respond", "arguments": {"response": "Nice!"}}`,
			wantCount: 1, wantName: "respond", wantArgs: `{"response": "Nice!"}`,
		},
		{
			name:      "array",
			content:   `[{"name": "fetch_recent_messages", "arguments": {"count": 5}}, {"name": "respond", "arguments": {}}]`,
			wantCount: 2, wantName: "fetch_recent_messages", wantArgs: `{"count": 5}`,
		},
		{
			name:      "tagged with preamble",
			content:   `Let me log that. <tool_call>{"name": "estimate_calories", "arguments": {"text_description": "apple"}}</tool_call>`,
			wantCount: 1, wantName: "estimate_calories", wantArgs: `{"text_description": "apple"}`,
		},
		{
			name:      "missing arguments",
			content:   `{"name": "end_conversation"}`,
			wantCount: 1, wantName: "end_conversation", wantArgs: `{}`,
		},
		{name: "malformed", content: `{"name": "respond", "arguments": {`},
		{name: "object without name", content: `{"calories": 300}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content)
			if len(got) != tt.wantCount {
				t.Fatalf("got %d calls, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount == 0 {
				return
			}
			if got[0].Name != tt.wantName {
				t.Errorf("name = %q, want %q", got[0].Name, tt.wantName)
			}
			if string(got[0].Arguments) != tt.wantArgs {
				t.Errorf("args = %s, want %s", got[0].Arguments, tt.wantArgs)
			}
		})
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	var captured ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"model":"qwen3:8b","done":true,"prompt_eval_count":42,"eval_count":7,
			"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"fetch_recent_messages","arguments":{"count":3}}}]}}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), &Request{
		Model:       "qwen3:8b",
		Messages:    []Message{{Role: RoleUser, Content: "what did I eat?"}},
		Temperature: 0.3,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if captured.Stream {
		t.Error("request asked for streaming")
	}
	if captured.Options == nil || captured.Options.NumPredict != 256 {
		t.Errorf("options = %+v", captured.Options)
	}
	if len(resp.Message.ToolCalls) != 1 || string(resp.Message.ToolCalls[0].Arguments) != `{"count":3}` {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaClient_TextToolCallFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"m","done":true,"message":{"role":"assistant","content":"{\"name\":\"respond\",\"arguments\":{\"response\":\"hi\"}}"}}`))
	}))
	defer srv.Close()

	resp, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "" || len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Name != "respond" {
		t.Errorf("message = %+v", resp.Message)
	}
}
