package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nugget/dietbot/internal/estimate"
	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/retry"
)

// Tool names.
const (
	StoreMessage        = "store_message"
	FetchRecentMessages = "fetch_recent_messages"
	EstimateCalories    = "estimate_calories"
	ComputeDailyBudget  = "compute_daily_budget"
	UpdateProfile       = "update_profile"
	GenerateDailyReport = "generate_daily_report"
	Respond             = "respond"
	EndConversation     = "end_conversation"
)

// MaxFetch caps fetch_recent_messages.
const MaxFetch = 100

const clockPattern = `^([01][0-9]|2[0-3]):[0-5][0-9]$`

// StoreMessageArgs is the store_message payload.
type StoreMessageArgs struct {
	Role       ledger.Role         `json:"role"`
	Type       ledger.MessageType  `json:"type"`
	Content    string              `json:"content"`
	ObjectPath string              `json:"object_path,omitempty"`
	ImageData  *ledger.ImageData   `json:"image_data,omitempty"`
	Food       []ledger.Food       `json:"food,omitempty"`
	LLM        *ledger.ModelParams `json:"llm_parameters,omitempty"`
}

var (
	foodSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":            map[string]any{"type": "string", "minLength": 1},
			"estimated_grams": map[string]any{"type": "number", "minimum": 0},
			"calories":        map[string]any{"type": "number", "minimum": 0},
			"macros": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"protein_g": map[string]any{"type": "number", "minimum": 0},
					"carbs_g":   map[string]any{"type": "number", "minimum": 0},
					"fat_g":     map[string]any{"type": "number", "minimum": 0},
				},
				"required": []string{"protein_g", "carbs_g", "fat_g"},
			},
		},
		"required": []string{"name", "estimated_grams", "calories", "macros"},
	}

	imageDataSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"width":      map[string]any{"type": "integer", "minimum": 0},
			"height":     map[string]any{"type": "integer", "minimum": 0},
			"mime_type":  map[string]any{"type": "string"},
			"resolution": map[string]any{"type": "string"},
			"url":        map[string]any{"type": "string"},
		},
		"required": []string{"width", "height", "mime_type"},
	}

	modelParamsSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"model":             map[string]any{"type": "string"},
			"temperature":       map[string]any{"type": "number", "minimum": 0},
			"top_p":             map[string]any{"type": "number", "minimum": 0},
			"max_tokens":        map[string]any{"type": "integer", "minimum": 0},
			"prompt_tokens":     map[string]any{"type": "integer", "minimum": 0},
			"completion_tokens": map[string]any{"type": "integer", "minimum": 0},
			"total_tokens":      map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []string{"model"},
	}
)

// biometricProperties are shared by compute_daily_budget and update_profile.
func biometricProperties() map[string]any {
	return map[string]any{
		"age": map[string]any{
			"type":        "integer",
			"description": "Age in years",
			"minimum":     1,
			"maximum":     130,
		},
		"height_cm": map[string]any{
			"type":             "number",
			"description":      "Height in centimeters",
			"exclusiveMinimum": 0,
			"maximum":          300,
		},
		"weight_kg": map[string]any{
			"type":             "number",
			"description":      "Current weight in kilograms",
			"exclusiveMinimum": 0,
			"maximum":          700,
		},
		"goal_weight_kg": map[string]any{
			"type":             "number",
			"description":      "Goal weight in kilograms",
			"exclusiveMinimum": 0,
			"maximum":          700,
		},
		"activity_level": map[string]any{
			"type":        "string",
			"description": "Daily activity level",
			"enum":        ledger.ActivityLevels(),
		},
	}
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        StoreMessage,
		Description: "Store a new message in the user's diet ledger. Messages are immutable once stored.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"role":           map[string]any{"type": "string", "enum": []string{"user", "ai"}},
				"type":           map[string]any{"type": "string", "enum": []string{"text", "image"}},
				"content":        map[string]any{"type": "string"},
				"object_path":    map[string]any{"type": "string", "minLength": 1},
				"image_data":     imageDataSchema,
				"food":           map[string]any{"type": "array", "items": foodSchema},
				"llm_parameters": modelParamsSchema,
			},
			"required": []string{"role", "type", "content"},
		},
		Check:   checkStoreMessage,
		Handler: r.handleStoreMessage,
	})

	r.Register(&Tool{
		Name:        FetchRecentMessages,
		Description: "Fetch the most recent messages from the ledger, newest first. Use it to look up earlier meals or conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"count": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Number of messages to return (1-%d)", MaxFetch),
					"minimum":     1,
					"maximum":     MaxFetch,
				},
				"before": map[string]any{
					"type":        "string",
					"format":      "date-time",
					"description": "Only return messages strictly older than this RFC 3339 timestamp",
				},
			},
			"required": []string{"count"},
		},
		Handler: r.handleFetchRecent,
	})

	r.Register(&Tool{
		Name:        EstimateCalories,
		Description: "Estimate the foods, calories and macros of a meal from a stored photo or a text description. Provide exactly one of image_ref or text_description. The estimated foods are logged with your reply.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"image_ref": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "Object path of a photo attached to a user message",
				},
				"text_description": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "What the user ate, in their words",
				},
			},
		},
		Check:   checkEstimate,
		Handler: r.handleEstimate,
	})

	r.Register(&Tool{
		Name:        ComputeDailyBudget,
		Description: "Compute the daily calorie budget. Any supplied field overrides the profile's value for this calculation only; use update_profile to change the profile.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": biometricProperties(),
		},
		Handler: r.handleComputeBudget,
	})

	profileProps := biometricProperties()
	profileProps["name"] = map[string]any{"type": "string", "minLength": 1, "maxLength": 100, "description": "The user's first name"}
	profileProps["timezone"] = map[string]any{"type": "string", "minLength": 1, "description": "IANA zone (Europe/Berlin) or UTC offset (+02:00)"}
	profileProps["morning_checkin"] = map[string]any{"type": "string", "pattern": clockPattern, "description": "Local time of the morning check-in, HH:MM"}
	profileProps["daily_recap"] = map[string]any{"type": "string", "pattern": clockPattern, "description": "Local time of the evening recap, HH:MM"}
	r.Register(&Tool{
		Name:        UpdateProfile,
		Description: "Update the user's profile when they report a change (weight, goal, activity, timezone, schedule). The calorie budget is recomputed automatically.",
		Parameters: map[string]any{
			"type":          "object",
			"properties":    profileProps,
			"minProperties": 1,
		},
		Check:   checkUpdateProfile,
		Handler: r.handleUpdateProfile,
	})

	r.Register(&Tool{
		Name:        GenerateDailyReport,
		Description: "Total the calories and macros of one day, render a recap chart and upload it. Returns the totals and an image_ref you can attach to respond.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"date": map[string]any{
					"type":        "string",
					"format":      "date",
					"description": "Day to report, YYYY-MM-DD in the user's timezone (default: today)",
				},
			},
		},
		Handler: r.handleReport,
	})

	r.Register(&Tool{
		Name:        Respond,
		Description: "Send your reply to the user and end the turn. Optionally attach an image by its object path.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"response":  map[string]any{"type": "string", "minLength": 1, "maxLength": 4096, "description": "The message text (caption when an image is attached)"},
				"image_ref": map[string]any{"type": "string", "minLength": 1, "description": "Object path of an image to send"},
			},
			"required": []string{"response"},
		},
		Handler: r.handleRespond,
	})

	r.Register(&Tool{
		Name:        EndConversation,
		Description: "End the turn without sending anything to the user.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleEnd,
	})
}

func (r *Registry) profile(ctx context.Context) (*ledger.Profile, error) {
	p := ProfileFromContext(ctx)
	if p == nil {
		return nil, errors.New("no profile in context")
	}
	return p, nil
}

func checkStoreMessage(args map[string]any) error {
	if args["role"] != string(ledger.RoleAI) {
		if _, ok := args["llm_parameters"]; ok {
			return &ValidationError{Tool: StoreMessage, Field: "llm_parameters", Reason: "only allowed when role is ai"}
		}
	}
	return nil
}

func (r *Registry) handleStoreMessage(ctx context.Context, raw json.RawMessage) (*Result, error) {
	p, err := r.profile(ctx)
	if err != nil {
		return nil, err
	}
	var args StoreMessageArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	m := &ledger.Message{
		ID:         ledger.NewMessageID(),
		UserID:     p.UserID,
		Timestamp:  r.deps.Now().UTC(),
		Role:       args.Role,
		Type:       args.Type,
		Content:    args.Content,
		ObjectPath: args.ObjectPath,
		ImageData:  args.ImageData,
		Food:       args.Food,
		LLM:        args.LLM,
	}
	err = r.deps.Retry.Do(ctx, "ledger.put_message", func(ctx context.Context) error {
		return r.deps.Ledger.PutMessage(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Content: jsonContent(map[string]any{"stored": m}),
		Outcome: Continue,
		Message: m,
	}, nil
}

func (r *Registry) handleFetchRecent(ctx context.Context, raw json.RawMessage) (*Result, error) {
	p, err := r.profile(ctx)
	if err != nil {
		return nil, err
	}
	var args struct {
		Count  int    `json:"count"`
		Before string `json:"before"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	f := ledger.Filter{Limit: args.Count}
	if args.Before != "" {
		before, err := time.Parse(time.RFC3339, args.Before)
		if err != nil {
			return nil, &ValidationError{Tool: FetchRecentMessages, Field: "before", Reason: "must be an RFC 3339 timestamp"}
		}
		f.Before = before
	}

	msgs, err := retry.Value(ctx, r.deps.Retry, "ledger.messages", func(ctx context.Context) ([]ledger.Message, error) {
		return r.deps.Ledger.Messages(ctx, p.UserID, f)
	})
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []ledger.Message{}
	}
	return &Result{
		Content: jsonContent(map[string]any{"messages": msgs, "count": len(msgs)}),
		Outcome: Continue,
	}, nil
}

func checkEstimate(args map[string]any) error {
	_, hasImage := args["image_ref"]
	_, hasText := args["text_description"]
	if hasImage == hasText {
		return &ValidationError{Tool: EstimateCalories, Reason: "provide exactly one of image_ref or text_description"}
	}
	return nil
}

func (r *Registry) handleEstimate(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args struct {
		ImageRef        string `json:"image_ref"`
		TextDescription string `json:"text_description"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	var foods []ledger.Food
	if args.ImageRef != "" {
		data, err := r.deps.Objects.Get(ctx, args.ImageRef)
		if err != nil {
			r.log.Warn("estimation degraded", "reason", "image unavailable", "image_ref", args.ImageRef, "error", err)
			foods = []ledger.Food{estimate.UnidentifiedMeal}
		} else {
			foods = r.deps.Estimator.Estimate(ctx, estimate.Input{Image: data, MIME: http.DetectContentType(data)})
		}
	} else {
		foods = r.deps.Estimator.Estimate(ctx, estimate.Input{Text: args.TextDescription})
	}

	total := decimal.Zero
	for _, f := range foods {
		total = total.Add(decimal.NewFromFloat(f.Calories))
	}
	return &Result{
		Content: jsonContent(map[string]any{
			"foods":          foods,
			"total_calories": total.InexactFloat64(),
			"logged":         true,
		}),
		Outcome: Continue,
		Foods:   foods,
	}, nil
}

type biometricArgs struct {
	Age           *int     `json:"age"`
	HeightCM      *float64 `json:"height_cm"`
	WeightKG      *float64 `json:"weight_kg"`
	GoalWeightKG  *float64 `json:"goal_weight_kg"`
	ActivityLevel *string  `json:"activity_level"`
}

func (a biometricArgs) apply(b ledger.Biometrics) ledger.Biometrics {
	if a.Age != nil {
		b.Age = *a.Age
	}
	if a.HeightCM != nil {
		b.HeightCM = *a.HeightCM
	}
	if a.WeightKG != nil {
		b.WeightKG = *a.WeightKG
	}
	if a.GoalWeightKG != nil {
		b.GoalWeightKG = *a.GoalWeightKG
	}
	if a.ActivityLevel != nil {
		b.ActivityLevel = *a.ActivityLevel
	}
	return b
}

func (r *Registry) handleComputeBudget(ctx context.Context, raw json.RawMessage) (*Result, error) {
	p, err := r.profile(ctx)
	if err != nil {
		return nil, err
	}
	var args biometricArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	inputs := args.apply(p.Biometrics())
	budget, err := ledger.ComputeBudget(inputs)
	if err != nil {
		return nil, &ValidationError{Tool: ComputeDailyBudget, Reason: err.Error() + "; supply the missing value"}
	}

	// A stored budget that no longer matches the stored biometrics is
	// refreshed; overrides never touch the profile.
	updated := false
	next := *p
	if changed, _ := next.Recompute(); changed {
		next.UpdatedAt = r.deps.Now().UTC()
		if err := r.putProfile(ctx, &next); err != nil {
			return nil, err
		}
		*p = next
		updated = true
		r.notifyProfile(ctx, p)
	}

	return &Result{
		Content: jsonContent(map[string]any{
			"calorie_budget":  budget,
			"inputs":          inputs,
			"profile_budget":  p.CalorieBudget,
			"profile_updated": updated,
		}),
		Outcome: Continue,
	}, nil
}

func checkUpdateProfile(args map[string]any) error {
	if tz, ok := args["timezone"].(string); ok {
		if _, err := ledger.ParseTimezone(tz); err != nil {
			return &ValidationError{Tool: UpdateProfile, Field: "timezone", Reason: err.Error()}
		}
	}
	return nil
}

func (r *Registry) handleUpdateProfile(ctx context.Context, raw json.RawMessage) (*Result, error) {
	p, err := r.profile(ctx)
	if err != nil {
		return nil, err
	}
	var args struct {
		biometricArgs
		Name           *string `json:"name"`
		Timezone       *string `json:"timezone"`
		MorningCheckin *string `json:"morning_checkin"`
		DailyRecap     *string `json:"daily_recap"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	next := *p
	b := args.biometricArgs.apply(next.Biometrics())
	next.Age, next.HeightCM, next.WeightKG, next.GoalWeightKG, next.ActivityLevel =
		b.Age, b.HeightCM, b.WeightKG, b.GoalWeightKG, b.ActivityLevel
	if args.Name != nil {
		next.Name = strings.TrimSpace(*args.Name)
	}
	if args.Timezone != nil {
		next.Timezone = strings.TrimSpace(*args.Timezone)
	}
	if args.MorningCheckin != nil {
		next.Schedule.MorningCheckin = *args.MorningCheckin
	}
	if args.DailyRecap != nil {
		next.Schedule.DailyRecap = *args.DailyRecap
	}

	// An incomplete profile has no budget until every biometric field
	// is known.
	changed, _ := next.Recompute()
	next.UpdatedAt = r.deps.Now().UTC()

	if err := r.putProfile(ctx, &next); err != nil {
		return nil, err
	}
	*p = next
	r.notifyProfile(ctx, p)

	return &Result{
		Content: jsonContent(map[string]any{
			"profile":        p,
			"budget_changed": changed,
		}),
		Outcome: Continue,
	}, nil
}

func (r *Registry) putProfile(ctx context.Context, p *ledger.Profile) error {
	return r.deps.Retry.Do(ctx, "ledger.put_profile", func(ctx context.Context) error {
		return r.deps.Ledger.PutProfile(ctx, p)
	})
}

func (r *Registry) notifyProfile(ctx context.Context, p *ledger.Profile) {
	if r.deps.OnProfileUpdate != nil {
		r.deps.OnProfileUpdate(ctx, p)
	}
}

func (r *Registry) handleReport(ctx context.Context, raw json.RawMessage) (*Result, error) {
	p, err := r.profile(ctx)
	if err != nil {
		return nil, err
	}
	var args struct {
		Date string `json:"date"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	day := r.deps.Now()
	if args.Date != "" {
		day, err = ledger.ParseDay(args.Date, p.Location())
		if err != nil {
			return nil, &ValidationError{Tool: GenerateDailyReport, Field: "date", Reason: err.Error()}
		}
	}

	rep, err := r.deps.Reports.Generate(ctx, p, day)
	if err != nil {
		return nil, err
	}
	summary := rep.Summary()
	summary["image_ref"] = rep.Path
	return &Result{
		Content: jsonContent(summary),
		Outcome: Continue,
	}, nil
}

func (r *Registry) handleRespond(_ context.Context, raw json.RawMessage) (*Result, error) {
	var args struct {
		Response string `json:"response"`
		ImageRef string `json:"image_ref"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return &Result{
		Content:  `{"status":"sent"}`,
		Outcome:  Reply,
		Reply:    args.Response,
		ImageRef: args.ImageRef,
	}, nil
}

func (r *Registry) handleEnd(context.Context, json.RawMessage) (*Result, error) {
	return &Result{
		Content: `{"status":"ended"}`,
		Outcome: End,
	}, nil
}
