// Package tools defines the closed set of actions the coaching model may
// take. Every model call must name exactly one of them.
//
// Each tool has a JSON-Schema parameter definition, advertised to the
// model in OpenAI function format, and a handler. Payloads are validated
// strictly before any handler runs; see [Registry.Validate]. Handlers
// return a [Result] whose [Outcome] tells the orchestrator whether to
// keep going, send a reply, or stop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nugget/dietbot/internal/estimate"
	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/objectstore"
	"github.com/nugget/dietbot/internal/report"
	"github.com/nugget/dietbot/internal/retry"
)

// Outcome tells the orchestrator what to do after a tool ran.
type Outcome int

const (
	// Continue feeds the result back to the model for another call.
	Continue Outcome = iota
	// Reply sends Result.Reply to the user and ends the turn.
	Reply
	// End finishes the turn without sending anything.
	End
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Reply:
		return "reply"
	case End:
		return "end"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is what a tool handler produced.
type Result struct {
	// Content is the JSON text appended to the model context.
	Content string
	Outcome Outcome

	// Reply and ImageRef are set when Outcome is Reply.
	Reply    string
	ImageRef string

	// Foods are queued for the turn's AI message.
	Foods []ledger.Food

	// Message is the record written by store_message.
	Message *ledger.Message
}

// Tool is one registered action.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Check enforces rules the schema cannot express, such as "exactly
	// one of". It runs after schema validation, before Handler.
	Check func(args map[string]any) error `json:"-"`

	// Handler receives the normalized, validated payload.
	Handler func(ctx context.Context, args json.RawMessage) (*Result, error) `json:"-"`
}

// Call is a validated tool invocation, ready to execute.
type Call struct {
	Tool *Tool
	Args json.RawMessage
}

// Estimator is the estimation service used by estimate_calories.
type Estimator interface {
	Estimate(ctx context.Context, in estimate.Input) []ledger.Food
}

// Reporter builds daily reports for generate_daily_report.
type Reporter interface {
	Generate(ctx context.Context, p *ledger.Profile, day time.Time) (*report.DailyReport, error)
}

// Deps are the collaborators the built-in tools act on.
type Deps struct {
	Ledger    ledger.Store
	Objects   objectstore.Store
	Estimator Estimator
	Reports   Reporter

	// Retry wraps ledger writes. Zero means retry.Default().
	Retry retry.Policy

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	// OnProfileUpdate is called after update_profile or
	// compute_daily_budget persisted a changed profile.
	OnProfileUpdate func(ctx context.Context, p *ledger.Profile)

	Logger *slog.Logger
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
	deps  Deps
	log   *slog.Logger
}

// NewRegistry creates a registry with every built-in tool registered.
func NewRegistry(deps Deps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Retry.Attempts == 0 {
		deps.Retry = retry.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{
		tools: make(map[string]*Tool),
		deps:  deps,
		log:   deps.Logger.With("component", "tools"),
	}
	r.registerBuiltins()
	return r
}

// Register adds a tool to the registry, replacing any tool of the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools in OpenAI function format, sorted by name.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Validate resolves the tool and checks the payload strictly. Unknown
// tools wrap [ErrUnknownTool]; bad payloads are *ValidationError.
func (r *Registry) Validate(name string, args json.RawMessage) (*Call, error) {
	t := r.tools[name]
	if t == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	norm, decoded, err := decodeArgs(name, t.Parameters, args)
	if err != nil {
		return nil, err
	}
	if t.Check != nil {
		if err := t.Check(decoded); err != nil {
			return nil, err
		}
	}
	return &Call{Tool: t, Args: norm}, nil
}

// Execute runs a validated call.
func (r *Registry) Execute(ctx context.Context, c *Call) (*Result, error) {
	start := time.Now()
	res, err := c.Tool.Handler(ctx, c.Args)
	r.log.Debug("tool executed",
		"tool", c.Tool.Name,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"error", err,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Tool.Name, err)
	}
	return res, nil
}

// Invoke marshals args, validates and executes in one step. The
// orchestrator uses it for the calls it makes on its own behalf.
func (r *Registry) Invoke(ctx context.Context, name string, args any) (*Result, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s arguments: %w", name, err)
	}
	call, err := r.Validate(name, raw)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, call)
}

// jsonContent marshals v for Result.Content.
func jsonContent(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(b)
}
