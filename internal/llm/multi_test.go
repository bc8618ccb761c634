package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// namedClient answers with its own name and echoes the model it got.
type namedClient struct {
	name    string
	pingErr error
	gotReq  *Request
}

func (n *namedClient) Chat(_ context.Context, req *Request) (*ChatResponse, error) {
	n.gotReq = req
	return &ChatResponse{Model: n.name + ":" + req.Model}, nil
}

func (n *namedClient) Ping(context.Context) error { return n.pingErr }

func TestMultiClient_Routes(t *testing.T) {
	m := NewMultiClient(&namedClient{name: "fallback"})
	m.AddProvider("anthropic", &namedClient{name: "anthropic"})
	m.AddProvider("ollama", &namedClient{name: "ollama"})
	m.AddModel("claude-sonnet-4-20250514", "anthropic")

	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-20250514", "anthropic:claude-sonnet-4-20250514"},
		{"ollama/llama3.1:8b", "ollama:llama3.1:8b"},
		{"gpt-4o", "fallback:gpt-4o"},
		{"unknown/model", "fallback:unknown/model"},
		{"ollama/", "fallback:ollama/"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			resp, err := m.Chat(context.Background(), &Request{Model: tt.model})
			if err != nil {
				t.Fatal(err)
			}
			if resp.Model != tt.want {
				t.Errorf("routed to %s, want %s", resp.Model, tt.want)
			}
		})
	}
}

func TestMultiClient_PrefixDoesNotMutateRequest(t *testing.T) {
	ollama := &namedClient{name: "ollama"}
	m := NewMultiClient(nil)
	m.AddProvider("ollama", ollama)

	req := &Request{Model: "ollama/qwen2.5", Temperature: 0.3}
	if _, err := m.Chat(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if req.Model != "ollama/qwen2.5" {
		t.Errorf("caller request modified: %q", req.Model)
	}
	if ollama.gotReq.Model != "qwen2.5" || ollama.gotReq.Temperature != 0.3 {
		t.Errorf("provider got %+v", ollama.gotReq)
	}
}

func TestMultiClient_NoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), &Request{Model: "x"}); err == nil {
		t.Error("Chat without providers succeeded")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("Ping without providers succeeded")
	}
}

func TestMultiClient_Ping(t *testing.T) {
	down := errors.New("connection refused")
	fallback := &namedClient{name: "openai"}
	m := NewMultiClient(fallback)
	m.AddProvider("openai", fallback)
	m.AddProvider("ollama", &namedClient{name: "ollama", pingErr: down})
	m.AddProvider("anthropic", &namedClient{name: "anthropic"})

	err := m.Ping(context.Background())
	if !errors.Is(err, down) {
		t.Fatalf("Ping error = %v, want wrapping %v", err, down)
	}
	if !strings.HasPrefix(err.Error(), "ollama: ") {
		t.Errorf("error %q does not name the provider", err)
	}

	if got := strings.Join(m.Providers(), ","); got != "anthropic,ollama,openai" {
		t.Errorf("Providers = %s", got)
	}
}
