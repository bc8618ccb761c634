package estimate

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/dietbot/internal/httpkit"
	"github.com/nugget/dietbot/internal/llm"
)

// OpenAIModel estimates with an OpenAI vision-capable chat model.
type OpenAIModel struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIModel creates an estimation model. baseURL may be empty.
func NewOpenAIModel(apiKey, baseURL, model string, logger *slog.Logger) *OpenAIModel {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 90 * time.Second

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t))

	return &OpenAIModel{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger.With("provider", "openai"),
	}
}

// Name returns the model name.
func (m *OpenAIModel) Name() string { return m.model }

// Estimate sends the description or photo and returns the raw JSON answer.
func (m *OpenAIModel) Estimate(ctx context.Context, in Input) (*Response, error) {
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if in.IsImage() {
		mime := in.MIME
		if mime == "" {
			mime = "image/jpeg"
		}
		user.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: userPrompt(in)},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(in.Image),
					Detail: openai.ImageURLDetailAuto,
				},
			},
		}
	} else {
		user.Content = userPrompt(in)
	}

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			user,
		},
		Temperature: 0.2,
		MaxTokens:   800,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, llm.ConvertOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	m.logger.Log(ctx, llm.LevelTrace, "estimation response", "content", resp.Choices[0].Message.Content)
	return &Response{
		Model:        resp.Model,
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
