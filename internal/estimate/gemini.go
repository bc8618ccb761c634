package estimate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nugget/dietbot/internal/httpkit"
	"github.com/nugget/dietbot/internal/llm"
)

// GeminiModel estimates with a Google Gemini model.
type GeminiModel struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGeminiModel connects to the Gemini API.
func NewGeminiModel(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiModel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiModel{
		client: client,
		model:  model,
		logger: logger.With("provider", "gemini"),
	}, nil
}

// Name returns the model name.
func (g *GeminiModel) Name() string { return g.model }

// Close releases the underlying client.
func (g *GeminiModel) Close() error { return g.client.Close() }

// Estimate sends the description or photo and returns the raw JSON answer.
func (g *GeminiModel) Estimate(ctx context.Context, in Input) (*Response, error) {
	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(0.2)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	var parts []genai.Part
	if in.IsImage() {
		mime := in.MIME
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, genai.Blob{MIMEType: mime, Data: in.Image})
	}
	parts = append(parts, genai.Text(userPrompt(in)))

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, convertGeminiError(err)
	}
	out, err := geminiResponse(g.model, resp)
	if err != nil {
		return nil, err
	}
	g.logger.Log(ctx, llm.LevelTrace, "estimation response", "content", out.Text)
	return out, nil
}

// geminiResponse joins the first candidate's text parts and copies the
// token counts.
func geminiResponse(model string, resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("gemini: response has no candidates")
	}

	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	out := &Response{Model: model, Text: text.String()}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}

// convertGeminiError maps Google API errors onto *httpkit.StatusError so
// the retry policy can classify them.
func convertGeminiError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code != 0 {
		return &httpkit.StatusError{Service: "gemini", StatusCode: gerr.Code, Body: gerr.Message}
	}
	return err
}
