package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/dietbot/internal/httpkit"
)

// OpenAIClient is a client for the OpenAI Chat Completions API, or any
// server compatible with it.
type OpenAIClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. baseURL may be empty for api.openai.com.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t))

	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	body := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertToOpenAI(req.Messages),
		Tools:       convertToolsToOpenAI(req.Tools),
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		MaxTokens:   req.MaxTokens,
	}
	if len(body.Tools) > 0 {
		body.ParallelToolCalls = false
		if req.RequireTool {
			body.ToolChoice = "required"
		}
	}

	if c.logger.Enabled(ctx, LevelTrace) {
		if b, err := json.Marshal(body); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(b))
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, body)
	if err != nil {
		return nil, ConvertOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	result := &ChatResponse{
		Model:        resp.Model,
		StopReason:   string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Message: Message{
			Role:    RoleAssistant,
			Content: choice.Message.Content,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		result.Message.ToolCalls = append(result.Message.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
		"finish_reason", result.StopReason,
	)
	return result, nil
}

// Ping lists models to verify connectivity and credentials.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return ConvertOpenAIError(err)
	}
	return nil
}

func convertToOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for i, tc := range m.ToolCalls {
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%s_%d", tc.Name, i)
			}
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   id,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func convertToolsToOpenAI(tools []map[string]any) []openai.Tool {
	var out []openai.Tool
	for _, tool := range tools {
		name, desc, params, ok := toolParts(tool)
		if !ok {
			continue
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  params,
			},
		})
	}
	return out
}

// ConvertOpenAIError maps go-openai errors carrying an HTTP status onto
// *httpkit.StatusError.
func ConvertOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &httpkit.StatusError{Service: "openai", StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &httpkit.StatusError{Service: "openai", StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return err
}
