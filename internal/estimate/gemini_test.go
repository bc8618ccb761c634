package estimate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"github.com/nugget/dietbot/internal/httpkit"
	"github.com/nugget/dietbot/internal/retry"
)

func TestGeminiResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text(`{"foods":[{"name":"Apple",`),
				genai.Blob{MIMEType: "image/png", Data: []byte{1}},
				genai.Text(`"estimated_grams":180,"calories":94,"macros":{"protein_g":0.5,"carbs_g":25,"fat_g":0.3}}]}`),
			}},
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 812, CandidatesTokenCount: 41},
	}

	got, err := geminiResponse("gemini-1.5-flash", resp)
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "gemini-1.5-flash" || got.InputTokens != 812 || got.OutputTokens != 41 {
		t.Errorf("response = %+v", got)
	}
	foods, err := ParseFoods(got.Text)
	if err != nil {
		t.Fatalf("joined text does not parse: %v\n%s", err, got.Text)
	}
	if len(foods) != 1 || foods[0].Name != "Apple" {
		t.Errorf("foods = %+v", foods)
	}
}

func TestGeminiResponse_NoCandidates(t *testing.T) {
	for _, resp := range []*genai.GenerateContentResponse{
		nil,
		{},
		{Candidates: []*genai.Candidate{{}}},
	} {
		if _, err := geminiResponse("m", resp); err == nil {
			t.Errorf("geminiResponse(%+v) succeeded", resp)
		}
	}
}

func TestConvertGeminiError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		transient bool
	}{
		{"server error", &googleapi.Error{Code: 503, Message: "overloaded"}, 503, true},
		{"rate limited", fmt.Errorf("generate: %w", &googleapi.Error{Code: 429}), 429, true},
		{"bad request", &googleapi.Error{Code: 400, Message: "invalid image"}, 400, false},
		{"other", errors.New("boom"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := convertGeminiError(tt.err)
			var se *httpkit.StatusError
			if tt.wantCode == 0 {
				if errors.As(err, &se) {
					t.Errorf("unexpected StatusError %v", se)
				}
				return
			}
			if !errors.As(err, &se) || se.StatusCode != tt.wantCode {
				t.Fatalf("err = %v, want status %d", err, tt.wantCode)
			}
			if retry.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v", !tt.transient, tt.transient)
			}
		})
	}
}
