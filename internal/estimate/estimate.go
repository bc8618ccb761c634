// Package estimate turns a meal description or photo into a list of
// foods with calories and macronutrients.
//
// [Service.Estimate] never fails and never returns an empty list. It asks
// the configured [Model] first, under the shared retry policy and a
// per-call timeout. When the model is unavailable or answers with
// anything but a well-formed food list, it falls back to a deterministic
// keyword heuristic.
package estimate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/retry"
)

// DefaultTimeout bounds a single model attempt.
const DefaultTimeout = 30 * time.Second

// Input is the thing to estimate: a text description, or image bytes
// with their MIME type. When Image is set, Text is an optional caption.
type Input struct {
	Text  string
	Image []byte
	MIME  string
}

// IsImage reports whether the input carries a photo.
func (in Input) IsImage() bool { return len(in.Image) > 0 }

// Response is the raw answer of an estimation model.
type Response struct {
	Model        string
	Text         string
	InputTokens  int
	OutputTokens int
}

// Model is an external estimation model. Implementations return the raw
// JSON text; parsing and validation happen in the Service.
type Model interface {
	Name() string
	Estimate(ctx context.Context, in Input) (*Response, error)
}

// UsageFunc receives token counts for every successful model call.
type UsageFunc func(ctx context.Context, model string, inputTokens, outputTokens int)

// Option configures a Service.
type Option func(*Service)

// WithRetry sets the retry policy used around model calls.
func WithRetry(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithTimeout bounds each model attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMeter sets the meter used for the degraded counter.
func WithMeter(m metric.Meter) Option {
	return func(s *Service) { s.meter = m }
}

// WithUsage registers a token usage callback.
func WithUsage(fn UsageFunc) Option {
	return func(s *Service) { s.onUsage = fn }
}

// Service estimates foods. A nil model means heuristic-only.
type Service struct {
	model   Model
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
	meter   metric.Meter
	onUsage UsageFunc

	degraded metric.Int64Counter
}

// New creates a Service around model, which may be nil.
func New(model Model, opts ...Option) *Service {
	s := &Service{
		model:   model,
		policy:  retry.Default(),
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "estimate")
	if s.meter == nil {
		s.meter = otel.Meter("github.com/nugget/dietbot/internal/estimate")
	}
	if s.policy.Logger == nil {
		s.policy.Logger = s.logger
	}

	var err error
	s.degraded, err = s.meter.Int64Counter("dietbot.estimation.degraded",
		metric.WithDescription("Estimations answered by the heuristic after the model failed"))
	if err != nil {
		s.logger.Warn("failed to create degraded counter", "error", err)
	}
	return s
}

// Estimate returns at least one food for in. It never fails.
func (s *Service) Estimate(ctx context.Context, in Input) []ledger.Food {
	if s.model == nil {
		return Heuristic(in)
	}

	foods, err := s.fromModel(ctx, in)
	if err == nil {
		return foods
	}

	s.logger.Warn("estimation degraded",
		"model", s.model.Name(),
		"image", in.IsImage(),
		"error", err,
	)
	if s.degraded != nil {
		s.degraded.Add(ctx, 1, metric.WithAttributes(
			attribute.String("model", s.model.Name()),
			attribute.Bool("image", in.IsImage()),
		))
	}
	return Heuristic(in)
}

func (s *Service) fromModel(ctx context.Context, in Input) (foods []ledger.Food, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("estimation model panic: %v", r)
		}
	}()

	resp, err := retry.Value(ctx, s.policy, "estimate", func(ctx context.Context) (*Response, error) {
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		return s.model.Estimate(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("estimation model returned no response")
	}

	if s.onUsage != nil {
		model := resp.Model
		if model == "" {
			model = s.model.Name()
		}
		s.onUsage(ctx, model, resp.InputTokens, resp.OutputTokens)
	}

	foods, err = ParseFoods(resp.Text)
	if err != nil {
		s.logger.Debug("unparseable estimation output", "raw", resp.Text)
		return nil, err
	}
	return foods, nil
}
