package estimate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/dietbot/internal/ledger"
)

// ErrEmptyEstimate is returned when the model answers with no foods.
var ErrEmptyEstimate = errors.New("estimate: empty food list")

type foodList struct {
	Foods []ledger.Food `json:"foods"`
}

// ParseFoods strictly decodes a {"foods":[...]} document. One
// surrounding Markdown code fence is tolerated; any other text,
// unknown field, negative number, unnamed food or empty list is an error.
func ParseFoods(raw string) ([]ledger.Food, error) {
	body := stripFence(strings.TrimSpace(raw))
	if body == "" {
		return nil, errors.New("estimate: empty response")
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()

	var list foodList
	if err := dec.Decode(&list); err != nil {
		return nil, fmt.Errorf("estimate: decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("estimate: trailing data after JSON document")
	}

	if len(list.Foods) == 0 {
		return nil, ErrEmptyEstimate
	}
	for i := range list.Foods {
		list.Foods[i].Name = strings.TrimSpace(list.Foods[i].Name)
		if err := list.Foods[i].Validate(); err != nil {
			return nil, fmt.Errorf("estimate: food %d: %w", i, err)
		}
	}
	return list.Foods, nil
}

// stripFence removes one ```json ... ``` or ``` ... ``` wrapper.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return ""
	}
	lang := strings.TrimSpace(s[3:nl])
	if lang != "" && !strings.EqualFold(lang, "json") {
		return s
	}
	rest := strings.TrimSpace(s[nl+1:])
	if !strings.HasSuffix(rest, "```") {
		return s
	}
	return strings.TrimSpace(strings.TrimSuffix(rest, "```"))
}
