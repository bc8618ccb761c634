package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/nugget/dietbot/internal/agent"
	"github.com/nugget/dietbot/internal/config"
	"github.com/nugget/dietbot/internal/estimate"
	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/llm"
	"github.com/nugget/dietbot/internal/mqtt"
	"github.com/nugget/dietbot/internal/objectstore"
	"github.com/nugget/dietbot/internal/opstate"
	"github.com/nugget/dietbot/internal/report"
	"github.com/nugget/dietbot/internal/retry"
	"github.com/nugget/dietbot/internal/tools"
	"github.com/nugget/dietbot/internal/usage"
)

// app holds the stores and services shared by every subcommand that
// touches the ledger. Close releases them in reverse order.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	policy retry.Policy

	ledger  ledger.Store
	opsDB   *sql.DB
	usage   *usage.Store
	state   *opstate.Store
	objects objectstore.Store
	local   *objectstore.Local // set only for the local backend

	chat      *llm.MultiClient
	estimator *estimate.Service
	reports   *report.Aggregator
	recorder  *usageRecorder

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.policy = retry.Policy{
		Attempts:     cfg.Retry.Attempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Logger:       logger,
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Ledger ---
	a.ledger, err = openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.ledger.Close)
	logger.Info("ledger opened", "backend", cfg.Ledger.Backend)

	// --- Operational database ---
	// Usage records, webhook dedupe keys and scheduler tasks share one
	// SQLite file; the ledger may live elsewhere.
	opsPath := filepath.Join(cfg.DataDir, "dietbot.db")
	a.opsDB, err = sql.Open("sqlite3", opsPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open operational database %s: %w", opsPath, err)
	}
	a.closers = append(a.closers, a.opsDB.Close)

	if a.usage, err = usage.NewStore(a.opsDB); err != nil {
		return nil, fmt.Errorf("usage store: %w", err)
	}
	if a.state, err = opstate.NewStore(a.opsDB); err != nil {
		return nil, fmt.Errorf("operational state store: %w", err)
	}
	a.recorder = &usageRecorder{store: a.usage, logger: logger}

	// --- Object store ---
	a.objects, a.local, err = openObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.objects = objectstore.WithRetry(a.objects, a.policy)
	logger.Info("object store ready", "backend", cfg.ObjectStore.Backend)

	// --- Estimation ---
	model, closeModel, err := createEstimationModel(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if closeModel != nil {
		a.closers = append(a.closers, closeModel)
	}
	a.estimator = estimate.New(model,
		estimate.WithRetry(a.policy),
		estimate.WithTimeout(cfg.Estimation.Timeout),
		estimate.WithLogger(logger),
		estimate.WithUsage(a.recordEstimation),
	)

	a.reports = report.New(a.ledger, a.objects, cfg.Report.Format, logger)
	a.chat = createLLMClient(cfg, logger)
	return a, nil
}

// Close releases every opened resource, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// newRegistry builds the tool registry. onProfileUpdate may be nil.
func (a *app) newRegistry(onProfileUpdate func(context.Context, *ledger.Profile)) *tools.Registry {
	return tools.NewRegistry(tools.Deps{
		Ledger:          a.ledger,
		Objects:         a.objects,
		Estimator:       a.estimator,
		Reports:         a.reports,
		Retry:           a.policy,
		OnProfileUpdate: onProfileUpdate,
		Logger:          a.logger,
	})
}

func (a *app) newOrchestrator(gateway agent.Gateway, registry *tools.Registry) *agent.Orchestrator {
	cfg := a.cfg
	return agent.New(agent.Config{
		Model:           cfg.Models.Model,
		Temperature:     cfg.Models.Temperature,
		TopP:            cfg.Models.TopP,
		MaxTokens:       cfg.Models.MaxTokens,
		ContextMessages: cfg.Agent.ContextMessages,
		MaxToolCalls:    cfg.Agent.MaxToolCalls,
		Retry:           a.policy,
	}, agent.Deps{
		Ledger:   a.ledger,
		Registry: registry,
		LLM:      a.chat,
		Gateway:  gateway,
		Objects:  a.objects,
		Reports:  a.reports,
		Usage:    a.recorder,
		Logger:   a.logger,
	})
}

// profile returns the configured user's profile, or nil when none has
// been created yet.
func (a *app) profile(ctx context.Context) (*ledger.Profile, error) {
	p, err := a.ledger.Profile(ctx, a.cfg.UserID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.ApplyDefaults()
	return p, nil
}

// today sums the current local day for the MQTT sensors.
func (a *app) today(ctx context.Context) (*report.DailyReport, error) {
	p, err := a.profile(ctx)
	if err != nil || p == nil {
		return nil, err
	}
	return a.reports.Totals(ctx, p, time.Now())
}

// recordEstimation stores the token usage of one estimation model call,
// attributed to the turn found in ctx.
func (a *app) recordEstimation(ctx context.Context, model string, inputTokens, outputTokens int) {
	rec := usage.Record{
		TurnID:       tools.TurnIDFromContext(ctx),
		Trigger:      string(agent.TriggerFromContext(ctx)),
		Model:        model,
		Role:         usage.RoleEstimation,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
	if p := tools.ProfileFromContext(ctx); p != nil {
		rec.UserID = p.UserID
	}
	if err := a.recorder.Record(ctx, rec); err != nil {
		a.logger.Warn("failed to record estimation usage", "error", err)
	}
}

// purgeLoop drops expired dedupe keys once an hour.
func (a *app) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.state.Purge(ctx)
			if err != nil {
				a.logger.Warn("operational state purge failed", "error", err)
			} else if n > 0 {
				a.logger.Debug("operational state purged", "removed", n)
			}
		}
	}
}

// newTokenCounter builds the MQTT token counter so it rolls over at the
// user's local midnight. Without a profile it counts UTC days.
func newTokenCounter(p *ledger.Profile) *mqtt.DailyTokens {
	if p == nil {
		return mqtt.NewDailyTokens(time.UTC)
	}
	return mqtt.NewDailyTokens(p.Location())
}

// usageRecorder persists usage records and mirrors them into the daily
// token counter published over MQTT.
type usageRecorder struct {
	store  *usage.Store
	tokens *mqtt.DailyTokens // nil when MQTT is off
	logger *slog.Logger
}

func (u *usageRecorder) Record(ctx context.Context, rec usage.Record) error {
	if u.tokens != nil {
		u.tokens.Observe(rec)
	}
	return u.store.Record(ctx, rec)
}

func openLedger(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.Ledger.Backend {
	case "firestore":
		s, err := ledger.OpenFirestore(ctx, cfg.Ledger.Firestore.ProjectID, cfg.Ledger.Firestore.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("open firestore ledger: %w", err)
		}
		return s, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		s, err := ledger.OpenSQLite(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger %s: %w", cfg.Ledger.Path, err)
		}
		return s, nil
	}
}

func openObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, *objectstore.Local, error) {
	switch cfg.ObjectStore.Backend {
	case "s3":
		c := cfg.ObjectStore.S3
		s, err := objectstore.NewS3(ctx, objectstore.S3Config{
			Bucket:          c.Bucket,
			Region:          c.Region,
			Endpoint:        c.Endpoint,
			Prefix:          c.Prefix,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			URLExpiry:       c.URLExpiry,
			PublicBaseURL:   c.PublicBaseURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open s3 object store: %w", err)
		}
		return s, nil, nil
	default:
		baseURL := cfg.ObjectStore.Local.BaseURL
		if baseURL == "" {
			baseURL = fmt.Sprintf("http://localhost:%d/media", cfg.Listen.Port)
		}
		l, err := objectstore.NewLocal(cfg.ObjectStore.Local.Dir, baseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open local object store: %w", err)
		}
		return l, l, nil
	}
}

// createEstimationModel returns the configured estimation model, or nil
// for provider "none" (heuristic only). The close func may be nil.
func createEstimationModel(ctx context.Context, cfg *config.Config, logger *slog.Logger) (estimate.Model, func() error, error) {
	switch cfg.Estimation.Provider {
	case "gemini":
		m, err := estimate.NewGeminiModel(ctx, cfg.Gemini.APIKey, cfg.Estimation.Model, logger)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	case "none":
		logger.Warn("no estimation model configured, using the heuristic estimator")
		return nil, nil, nil
	default:
		return estimate.NewOpenAIModel(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.Estimation.Model, logger), nil, nil
	}
}

// createLLMClient builds the chat client. The configured provider is
// the fallback for every model; the others are registered so a model
// written as "provider/model" is routed to them explicitly.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	providers := map[string]llm.Client{
		"ollama": llm.NewOllamaClient(cfg.Models.OllamaURL, logger),
	}
	if cfg.OpenAI.APIKey != "" {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
	}
	if cfg.Anthropic.APIKey != "" {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	}

	fallback, ok := providers[cfg.Models.Provider]
	if !ok {
		logger.Warn("chat provider has no credentials, falling back to ollama", "provider", cfg.Models.Provider)
		fallback = providers["ollama"]
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	multi.AddModel(cfg.Models.Model, cfg.Models.Provider)

	logger.Info("LLM client initialized", "model", cfg.Models.Model, "provider", cfg.Models.Provider, "providers", multi.Providers())
	return multi
}
