package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/llm"
	"github.com/nugget/dietbot/internal/objectstore"
	"github.com/nugget/dietbot/internal/report"
	"github.com/nugget/dietbot/internal/retry"
	"github.com/nugget/dietbot/internal/tools"
	"github.com/nugget/dietbot/internal/usage"
)

// Defaults for [Config].
const (
	DefaultContextMessages = 10
	DefaultMaxToolCalls    = 5
)

// TotalsReader sums a day of the ledger for the system prompt.
type TotalsReader interface {
	Totals(ctx context.Context, p *ledger.Profile, day time.Time) (*report.DailyReport, error)
}

// UsageRecorder receives one record per model call.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config bounds and parameterizes the orchestrator.
type Config struct {
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int

	// ContextMessages is how many recent ledger messages the model sees.
	ContextMessages int
	// MaxToolCalls caps tool executions per turn.
	MaxToolCalls int

	// Retry wraps model calls, ledger reads and sends.
	Retry retry.Policy
}

// Deps are the orchestrator's collaborators. Ledger, Registry and LLM
// are required.
type Deps struct {
	Ledger   ledger.Store
	Registry *tools.Registry
	LLM      llm.Client
	Gateway  Gateway
	Objects  objectstore.Store
	Reports  TotalsReader
	Usage    UsageRecorder

	Now    func() time.Time
	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// Orchestrator runs single turns. It holds no per-turn state and is safe
// for concurrent use, but turns for one user must be serialized by the
// caller; see [Dispatcher].
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	inst   instruments
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = DefaultContextMessages
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = DefaultMaxToolCalls
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "agent")
	if deps.Gateway == nil {
		deps.Gateway = LogGateway{Logger: logger}
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		tracer: defaultTracer(deps.Tracer),
		inst:   newInstruments(deps.Meter, logger),
	}
}

// turn is the state of one HandleEvent call.
type turn struct {
	ev       Event
	profile  *ledger.Profile
	span     trace.Span
	logger   *slog.Logger
	result   *TurnResult
	messages []llm.Message

	// pending foods from estimate_calories, attached to the AI message.
	pending []ledger.Food
	// last is the most recent model response.
	last *llm.ChatResponse
	// sent is set once an outbound message was attempted.
	sent bool
}

func (t *turn) enter(s State) {
	t.result.States = append(t.result.States, s)
	t.logger.Debug("turn state", "state", s.String())
	t.span.AddEvent(s.String())
}

// HandleEvent runs one turn. The returned error is non-nil only when the
// turn could not start at all (no profile for the user); every other
// failure is answered with an apology and reported in the result.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) (*TurnResult, error) {
	started := time.Now()
	if ev.Trigger == "" {
		ev.Trigger = TriggerUserMessage
	}
	if ev.Type == "" {
		ev.Type = ledger.TypeText
		if ev.ObjectPath != "" {
			ev.Type = ledger.TypeImage
		}
	}

	turnID := ledger.NewMessageID()
	ctx = tools.WithTurnID(ctx, turnID)
	ctx = WithTrigger(ctx, ev.Trigger)
	ctx, span := o.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("turn_id", turnID),
		attribute.String("trigger", string(ev.Trigger)),
		attribute.String("user_id", ev.UserID),
	))
	defer span.End()

	t := &turn{
		ev:   ev,
		span: span,
		logger: o.logger.With(
			"turn_id", turnID,
			"user_id", ev.UserID,
			"trigger", string(ev.Trigger),
		),
		result: &TurnResult{
			TurnID:  turnID,
			UserID:  ev.UserID,
			Trigger: ev.Trigger,
			Status:  StatusSilent,
		},
	}
	t.enter(StateAwaitingTrigger)
	t.logger.Info("turn started", "external_id", ev.ExternalID, "type", string(ev.Type))

	err := o.safeRun(ctx, t)
	if err != nil {
		t.result.Status = StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	t.result.Elapsed = time.Since(started)
	span.SetAttributes(
		attribute.Int("iterations", t.result.ToolCalls),
		attribute.Int("model_calls", t.result.ModelCalls),
		attribute.String("outcome", t.result.Status),
	)
	add(ctx, o.inst.turns,
		attribute.String("trigger", string(ev.Trigger)),
		attribute.String("status", t.result.Status),
	)
	t.logger.Info("turn finished",
		"status", t.result.Status,
		"model_calls", t.result.ModelCalls,
		"tool_calls", t.result.ToolCalls,
		"violations", t.result.Violations,
		"elapsed", t.result.Elapsed.Round(time.Millisecond),
	)
	return t.result, err
}

// safeRun converts a panic anywhere in the turn into the apology.
func (o *Orchestrator) safeRun(ctx context.Context, t *turn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("turn panicked", "panic", r, "stack", string(debug.Stack()))
			t.span.SetStatus(codes.Error, fmt.Sprint("panic: ", r))
			err = nil
			if t.profile != nil {
				o.apologize(ctx, t)
			}
		}
	}()
	return o.run(ctx, t)
}

func (o *Orchestrator) run(ctx context.Context, t *turn) error {
	p, err := o.loadProfile(ctx, t)
	if err != nil {
		return fmt.Errorf("load profile for %s: %w", t.ev.UserID, err)
	}
	t.profile = p
	ctx = tools.WithProfile(ctx, p)

	// The inbound message is stored before anything else happens.
	var storedID string
	if t.ev.Trigger == TriggerUserMessage {
		res, err := o.deps.Registry.Invoke(ctx, tools.StoreMessage, tools.StoreMessageArgs{
			Role:       ledger.RoleUser,
			Type:       t.ev.Type,
			Content:    t.ev.Text,
			ObjectPath: t.ev.ObjectPath,
			ImageData:  t.ev.ImageData,
		})
		if err != nil {
			t.logger.Error("failed to store user message", "error", err)
			o.apologize(ctx, t)
			return nil
		}
		storedID = res.Message.ID
	}

	t.messages = o.buildContext(ctx, t, storedID)
	t.enter(StateContextBuilt)

	names := o.deps.Registry.Names()
	defs := o.deps.Registry.List()
	violations := 0

	for {
		if t.result.ToolCalls >= o.cfg.MaxToolCalls {
			t.logger.Warn("tool call budget exhausted", "max_tool_calls", o.cfg.MaxToolCalls)
			o.reply(ctx, t, fallbackText, "")
			return nil
		}

		resp, err := o.callModel(ctx, t, defs)
		if err != nil {
			t.logger.Error("model call failed", "error", err)
			o.apologize(ctx, t)
			return nil
		}
		t.enter(StateModelCalled)

		var res *tools.Result
		call, tc, cv := o.validate(resp)
		if cv == nil {
			t.enter(StateToolValidated)
			res, err = o.execute(ctx, t, call)
			if err != nil {
				if !tools.IsValidation(err) {
					t.logger.Error("tool failed", "tool", call.Tool.Name, "error", err)
					o.apologize(ctx, t)
					return nil
				}
				cv = &ContractViolation{Reason: "tool rejected its arguments", Raw: rawOutput(resp.Message), Err: err}
			}
		}

		if cv != nil {
			violations++
			t.result.Violations++
			add(ctx, o.inst.violations, attribute.String("reason", cv.Reason))
			t.span.AddEvent("contract_violation", trace.WithAttributes(attribute.String("reason", cv.Reason)))
			t.logger.Warn("model contract violation",
				"reason", cv.Reason,
				"error", cv.Err,
				"raw", cv.Raw,
				"consecutive", violations,
			)
			if violations > 1 {
				o.apologize(ctx, t)
				return nil
			}
			t.messages = append(t.messages,
				llm.Message{Role: llm.RoleAssistant, Content: cv.Raw},
				correctionMessage(cv, names),
			)
			continue
		}
		violations = 0
		t.enter(StateToolExecuted)
		t.pending = append(t.pending, res.Foods...)

		switch res.Outcome {
		case tools.Reply:
			o.reply(ctx, t, res.Reply, res.ImageRef)
			return nil
		case tools.End:
			o.persistPending(ctx, t)
			t.enter(StateTerminated)
			return nil
		}

		t.enter(StateContinued)
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", t.result.ToolCalls)
		}
		t.messages = append(t.messages,
			llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: id, Name: tc.Name, Arguments: call.Args}}},
			llm.Message{Role: llm.RoleTool, Content: res.Content, ToolCallID: id},
		)
	}
}

func (o *Orchestrator) loadProfile(ctx context.Context, t *turn) (*ledger.Profile, error) {
	p, err := retry.Value(ctx, o.cfg.Retry, "ledger.profile", func(ctx context.Context) (*ledger.Profile, error) {
		return o.deps.Ledger.Profile(ctx, t.ev.UserID)
	})
	if err != nil {
		return nil, err
	}
	p.ApplyDefaults()
	if _, err := ledger.ParseTimezone(p.Timezone); err != nil {
		t.logger.Warn("profile timezone invalid, using UTC", "timezone", p.Timezone, "error", err)
	}
	stored := p.CalorieBudget
	changed, err := p.Recompute()
	if err != nil {
		t.logger.Debug("calorie budget unknown", "error", err)
	}
	if changed {
		t.logger.Info("stored calorie budget was stale, refreshing",
			"stored", stored, "calorie_budget", p.CalorieBudget)
		p.UpdatedAt = o.deps.Now().UTC()
		if err := o.cfg.Retry.Do(ctx, "ledger.put_profile", func(ctx context.Context) error {
			return o.deps.Ledger.PutProfile(ctx, p)
		}); err != nil {
			t.logger.Warn("failed to persist refreshed budget", "error", err)
		}
	}
	return p, nil
}

// buildContext assembles the system prompt, the recent history (oldest
// first, without the message stored for this turn) and the trigger.
func (o *Orchestrator) buildContext(ctx context.Context, t *turn, storedID string) []llm.Message {
	now := o.deps.Now()

	var today *report.DailyReport
	if o.deps.Reports != nil {
		r, err := o.deps.Reports.Totals(ctx, t.profile, now)
		if err != nil {
			t.logger.Warn("failed to read today's totals", "error", err)
		} else {
			today = r
		}
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: systemMessage(t.profile, now, today)}}

	history, err := retry.Value(ctx, o.cfg.Retry, "ledger.messages", func(ctx context.Context) ([]ledger.Message, error) {
		return o.deps.Ledger.Messages(ctx, t.profile.UserID, ledger.Filter{Limit: o.cfg.ContextMessages + 1})
	})
	if err != nil {
		t.logger.Warn("failed to read history", "error", err)
		history = nil
	}

	recent := make([]ledger.Message, 0, len(history))
	for _, m := range history {
		if m.ID == storedID {
			continue
		}
		recent = append(recent, m)
	}
	if len(recent) > o.cfg.ContextMessages {
		recent = recent[:o.cfg.ContextMessages]
	}
	for i := len(recent) - 1; i >= 0; i-- {
		msgs = append(msgs, historyMessage(recent[i]))
	}

	msgs = append(msgs, triggerMessage(t.ev, t.profile))
	t.logger.Debug("context built", "history", len(recent), "messages", len(msgs))
	return msgs
}

func (o *Orchestrator) callModel(ctx context.Context, t *turn, defs []map[string]any) (*llm.ChatResponse, error) {
	req := &llm.Request{
		Model:       o.cfg.Model,
		Messages:    t.messages,
		Tools:       defs,
		Temperature: o.cfg.Temperature,
		TopP:        o.cfg.TopP,
		MaxTokens:   o.cfg.MaxTokens,
		RequireTool: true,
	}

	ctx, span := o.tracer.Start(ctx, "agent.model_call", trace.WithAttributes(
		attribute.String("model", o.cfg.Model),
		attribute.Int("messages", len(req.Messages)),
	))
	defer span.End()

	t.result.ModelCalls++
	resp, err := retry.Value(ctx, o.cfg.Retry, "model.chat", func(ctx context.Context) (*llm.ChatResponse, error) {
		return o.deps.LLM.Chat(ctx, req)
	})
	if err == nil && resp == nil {
		err = errors.New("model returned no response")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("input_tokens", resp.InputTokens),
		attribute.Int("output_tokens", resp.OutputTokens),
		attribute.Int("tool_calls", len(resp.Message.ToolCalls)),
	)
	t.last = resp
	o.recordUsage(ctx, t, resp)
	return resp, nil
}

// validate enforces the one-tool-call contract on a model response.
func (o *Orchestrator) validate(resp *llm.ChatResponse) (*tools.Call, llm.ToolCall, *ContractViolation) {
	raw := rawOutput(resp.Message)
	calls := resp.Message.ToolCalls

	switch {
	case len(calls) == 0:
		return nil, llm.ToolCall{}, &ContractViolation{Reason: "no tool call", Raw: raw}
	case len(calls) > 1:
		return nil, llm.ToolCall{}, &ContractViolation{Reason: fmt.Sprintf("%d tool calls", len(calls)), Raw: raw}
	case strings.TrimSpace(resp.Message.Content) != "":
		return nil, llm.ToolCall{}, &ContractViolation{Reason: "free text next to the tool call", Raw: raw}
	}

	tc := calls[0]
	call, err := o.deps.Registry.Validate(tc.Name, tc.Arguments)
	if err != nil {
		reason := "invalid arguments"
		if errors.Is(err, tools.ErrUnknownTool) {
			reason = "unknown tool"
		}
		return nil, tc, &ContractViolation{Reason: reason, Raw: raw, Err: err}
	}
	return call, tc, nil
}

func (o *Orchestrator) execute(ctx context.Context, t *turn, call *tools.Call) (*tools.Result, error) {
	ctx, span := o.tracer.Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("tool", call.Tool.Name),
	))
	defer span.End()

	res, err := o.deps.Registry.Execute(ctx, call)
	outcome := "error"
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		t.result.ToolCalls++
		outcome = res.Outcome.String()
		span.SetAttributes(attribute.String("outcome", outcome), attribute.Int("foods", len(res.Foods)))
	}
	add(ctx, o.inst.toolCalls,
		attribute.String("tool", call.Tool.Name),
		attribute.String("outcome", outcome),
	)
	t.logger.Info("tool call", "tool", call.Tool.Name, "outcome", outcome)
	return res, err
}

// reply stores the AI message with any pending foods, then sends it.
func (o *Orchestrator) reply(ctx context.Context, t *turn, text, imageRef string) {
	args := tools.StoreMessageArgs{
		Role:    ledger.RoleAI,
		Type:    ledger.TypeText,
		Content: text,
		Food:    t.pending,
		LLM:     o.modelParams(t),
	}
	if imageRef != "" {
		args.Type = ledger.TypeImage
		args.ObjectPath = imageRef
	}
	if _, err := o.deps.Registry.Invoke(ctx, tools.StoreMessage, args); err != nil {
		t.logger.Error("failed to store reply", "error", err)
		o.apologize(ctx, t)
		return
	}
	t.pending = nil

	o.send(ctx, t, text, imageRef)
	t.enter(StateReplied)
}

// apologize sends the generic apology. The apology itself is not stored,
// but foods estimated earlier in the turn are.
func (o *Orchestrator) apologize(ctx context.Context, t *turn) {
	o.persistPending(ctx, t)
	o.send(ctx, t, apologyText, "")
	t.enter(StateTerminated)
}

// persistPending writes a silent AI record so estimated foods reach the
// ledger even when no reply is sent.
func (o *Orchestrator) persistPending(ctx context.Context, t *turn) {
	if len(t.pending) == 0 {
		return
	}
	_, err := o.deps.Registry.Invoke(ctx, tools.StoreMessage, tools.StoreMessageArgs{
		Role: ledger.RoleAI,
		Type: ledger.TypeText,
		Food: t.pending,
		LLM:  o.modelParams(t),
	})
	if err != nil {
		t.logger.Error("failed to store pending foods", "foods", len(t.pending), "error", err)
		return
	}
	t.pending = nil
}

// send delivers the turn's only outbound message.
func (o *Orchestrator) send(ctx context.Context, t *turn, text, imageRef string) {
	if t.sent {
		t.logger.Warn("second outbound message suppressed", "text", text)
		return
	}
	t.sent = true

	imageURL := ""
	if imageRef != "" && o.deps.Objects != nil {
		u, err := o.deps.Objects.URL(ctx, imageRef)
		if err != nil {
			t.logger.Warn("image reference unusable, sending text only", "image_ref", imageRef, "error", err)
		} else {
			imageURL = u
		}
	}

	to := t.profile.PhoneNumber
	var id string
	err := o.cfg.Retry.Do(ctx, "gateway.send", func(ctx context.Context) error {
		var err error
		if imageURL != "" {
			id, err = o.deps.Gateway.SendImage(ctx, to, imageURL, text)
		} else {
			id, err = o.deps.Gateway.SendText(ctx, to, text)
		}
		return err
	})
	if err != nil {
		t.logger.Error("failed to send reply", "to", to, "error", err)
		t.result.Status = StatusFailed
		t.span.RecordError(err)
		return
	}

	t.result.Status = StatusSent
	t.result.Reply = text
	t.result.OutboundID = id
	t.logger.Info("reply sent", "to", to, "message_id", id, "image", imageURL != "")
}

func (o *Orchestrator) modelParams(t *turn) *ledger.ModelParams {
	if t.last == nil {
		return nil
	}
	model := t.last.Model
	if model == "" {
		model = o.cfg.Model
	}
	return &ledger.ModelParams{
		Model:            model,
		Temperature:      o.cfg.Temperature,
		TopP:             o.cfg.TopP,
		MaxTokens:        o.cfg.MaxTokens,
		PromptTokens:     t.last.InputTokens,
		CompletionTokens: t.last.OutputTokens,
		TotalTokens:      t.last.InputTokens + t.last.OutputTokens,
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, t *turn, resp *llm.ChatResponse) {
	if o.deps.Usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = o.cfg.Model
	}
	err := o.deps.Usage.Record(ctx, usage.Record{
		Timestamp:    o.deps.Now(),
		TurnID:       t.result.TurnID,
		UserID:       t.ev.UserID,
		Trigger:      string(t.ev.Trigger),
		Model:        model,
		Role:         usage.RoleChat,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
	if err != nil {
		t.logger.Warn("failed to record usage", "error", err)
	}
}

// rawOutput renders a model message for logs and correction prompts.
func rawOutput(m llm.Message) string {
	out := strings.TrimSpace(m.Content)
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err == nil {
			out = strings.TrimSpace(out + " " + string(b))
		}
	}
	if out == "" {
		return "(empty response)"
	}
	return out
}
