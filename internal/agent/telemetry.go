package agent

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nugget/dietbot/internal/agent"

// instruments are the turn counters. A nil counter is skipped.
type instruments struct {
	turns      metric.Int64Counter
	toolCalls  metric.Int64Counter
	violations metric.Int64Counter
}

func newInstruments(meter metric.Meter, logger *slog.Logger) instruments {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var in instruments
	var err error

	in.turns, err = meter.Int64Counter("dietbot.turns",
		metric.WithDescription("Conversation turns completed, by trigger and status"))
	if err != nil {
		logger.Warn("failed to create counter", "name", "dietbot.turns", "error", err)
	}
	in.toolCalls, err = meter.Int64Counter("dietbot.tool_calls",
		metric.WithDescription("Tool executions, by tool and outcome"))
	if err != nil {
		logger.Warn("failed to create counter", "name", "dietbot.tool_calls", "error", err)
	}
	in.violations, err = meter.Int64Counter("dietbot.contract_violations",
		metric.WithDescription("Model responses that broke the one-tool-call contract"))
	if err != nil {
		logger.Warn("failed to create counter", "name", "dietbot.contract_violations", "error", err)
	}
	return in
}

func add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func defaultTracer(t trace.Tracer) trace.Tracer {
	if t == nil {
		return otel.Tracer(instrumentationName)
	}
	return t
}
