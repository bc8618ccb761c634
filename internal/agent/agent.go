// Package agent runs DietBot conversation turns.
//
// A turn starts from one [Event]: an inbound user message or one of the
// two scheduled triggers. The [Orchestrator] persists the user's message,
// builds the model context, and then asks the chat model for exactly one
// tool call at a time until a terminal tool (respond or end_conversation)
// runs or the per-turn tool budget is spent. At most one outbound message
// is sent per turn.
//
// Turns for the same user never overlap; the [Dispatcher] queues them in
// arrival order.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/dietbot/internal/ledger"
)

// Trigger is what started a turn.
type Trigger string

// Trigger kinds.
const (
	TriggerUserMessage    Trigger = "user_message"
	TriggerMorningCheckin Trigger = "morning_checkin"
	TriggerDailyRecap     Trigger = "daily_recap"
)

// Scheduled reports whether the trigger came from a timer rather than
// the user.
func (t Trigger) Scheduled() bool {
	return t == TriggerMorningCheckin || t == TriggerDailyRecap
}

// ParseTrigger converts a trigger name into a Trigger.
func ParseTrigger(s string) (Trigger, error) {
	switch t := Trigger(s); t {
	case TriggerUserMessage, TriggerMorningCheckin, TriggerDailyRecap:
		return t, nil
	}
	return "", fmt.Errorf("unknown trigger %q (valid: user_message, morning_checkin, daily_recap)", s)
}

// Event is one inbound trigger for a user.
type Event struct {
	UserID  string
	Trigger Trigger

	// User message fields. Text is the message body or photo caption.
	Type       ledger.MessageType
	Text       string
	ObjectPath string
	ImageData  *ledger.ImageData

	// ExternalID is the gateway's message id, for logging only.
	ExternalID string
	ReceivedAt time.Time
}

// State is a step of the turn state machine.
type State int

// Turn states, in the order a successful turn visits them.
const (
	StateAwaitingTrigger State = iota
	StateContextBuilt
	StateModelCalled
	StateToolValidated
	StateToolExecuted
	StateReplied
	StateContinued
	StateTerminated
)

var stateNames = [...]string{
	StateAwaitingTrigger: "AWAITING_TRIGGER",
	StateContextBuilt:    "CONTEXT_BUILT",
	StateModelCalled:     "MODEL_CALLED",
	StateToolValidated:   "TOOL_VALIDATED",
	StateToolExecuted:    "TOOL_EXECUTED",
	StateReplied:         "REPLIED",
	StateContinued:       "CONTINUED",
	StateTerminated:      "TERMINATED",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Turn statuses reported in [TurnResult].
const (
	StatusSent   = "sent"
	StatusSilent = "silent"
	StatusFailed = "failed"
)

// TurnResult summarizes a finished turn.
type TurnResult struct {
	TurnID  string
	UserID  string
	Trigger Trigger

	// Status is StatusSent when a message went out, StatusSilent when
	// the turn ended without one, and StatusFailed when the send failed.
	Status string
	Reply  string
	// OutboundID is the gateway's id for the sent message.
	OutboundID string

	ModelCalls int
	ToolCalls  int
	Violations int
	States     []State
	Elapsed    time.Duration
}

// ContractViolation is a model response that broke the one-tool-call
// contract: no tool call, several, free text next to the call, an unknown
// tool, or a payload that failed validation.
type ContractViolation struct {
	Reason string
	// Raw is the offending model output, for logs.
	Raw string
	Err error
}

func (e *ContractViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model contract violation: %s: %v", e.Reason, e.Err)
	}
	return "model contract violation: " + e.Reason
}

func (e *ContractViolation) Unwrap() error { return e.Err }

// Gateway sends outbound messages to a user. It returns the gateway's
// message id.
type Gateway interface {
	SendText(ctx context.Context, to, text string) (string, error)
	SendImage(ctx context.Context, to, imageURL, caption string) (string, error)
}

// LogGateway is a Gateway that only logs. It is used when no messaging
// provider is configured.
type LogGateway struct {
	Logger *slog.Logger
}

// SendText logs the message and returns a synthetic id.
func (g LogGateway) SendText(_ context.Context, to, text string) (string, error) {
	g.logger().Info("outbound text (no gateway)", "to", to, "text", text)
	return "log-" + ledger.NewMessageID(), nil
}

// SendImage logs the message and returns a synthetic id.
func (g LogGateway) SendImage(_ context.Context, to, imageURL, caption string) (string, error) {
	g.logger().Info("outbound image (no gateway)", "to", to, "url", imageURL, "caption", caption)
	return "log-" + ledger.NewMessageID(), nil
}

func (g LogGateway) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

type contextKey string

const triggerKey contextKey = "trigger"

// WithTrigger adds the turn's trigger to the context.
func WithTrigger(ctx context.Context, t Trigger) context.Context {
	return context.WithValue(ctx, triggerKey, t)
}

// TriggerFromContext returns the turn's trigger, or "" if not set.
func TriggerFromContext(ctx context.Context) Trigger {
	t, _ := ctx.Value(triggerKey).(Trigger)
	return t
}
