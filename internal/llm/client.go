package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// Non-2xx responses are returned as *httpkit.StatusError so the
	// shared retry policy can classify them.
	Chat(ctx context.Context, req *Request) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
