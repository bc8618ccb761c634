package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/dietbot/internal/agent"
	"github.com/nugget/dietbot/internal/api"
	"github.com/nugget/dietbot/internal/buildinfo"
	"github.com/nugget/dietbot/internal/config"
	"github.com/nugget/dietbot/internal/httpkit"
	"github.com/nugget/dietbot/internal/imageprep"
	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/mqtt"
	"github.com/nugget/dietbot/internal/opstate"
	"github.com/nugget/dietbot/internal/scheduler"
	"github.com/nugget/dietbot/internal/whatsapp"
)

// runServe is the primary operating mode: it wires every component,
// starts the HTTP server and blocks until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels ctx; the bridge and MQTT loops stop.
//  2. MQTT publishes "offline".
//  3. The HTTP server drains in-flight requests.
//  4. The dispatcher finishes queued turns, then stores are closed.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, "info", "text")
	logger.Info("starting DietBot", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Model,
		"estimation", cfg.Estimation.Provider,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	go a.purgeLoop(ctx)

	// --- MQTT token counter ---
	// Created before the first turn so no usage is missed. It rolls over
	// at midnight in the user's zone, like the nutrition sensors.
	if cfg.MQTT.Configured() {
		p, err := a.profile(ctx)
		if err != nil {
			logger.Warn("failed to read profile for token counter", "error", err)
		}
		a.recorder.tokens = newTokenCounter(p)
	}

	// --- Webhook dedupe ---
	var claimer opstate.Claimer = a.state
	if cfg.Dedupe.Backend == "redis" {
		rc, err := opstate.NewRedisClaimer(ctx, cfg.Dedupe.Redis.Addr, cfg.Dedupe.Redis.Password, cfg.Dedupe.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rc.Close()
		claimer = rc
		logger.Info("webhook dedupe using redis", "addr", cfg.Dedupe.Redis.Addr)
	}

	// --- Messaging gateway ---
	var wa *whatsapp.Client
	var gateway agent.Gateway
	if cfg.WhatsApp.PhoneNumberID != "" {
		wa = whatsapp.NewClient(whatsapp.ClientConfig{
			Token:         cfg.WhatsApp.Token,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			APIVersion:    cfg.WhatsApp.APIVersion,
			BaseURL:       cfg.WhatsApp.BaseURL,
			HTTPClient:    httpkit.NewClient(httpkit.WithTimeout(60 * time.Second)),
			Logger:        logger,
		})
		gateway = wa
	} else {
		logger.Warn("whatsapp not configured, replies will only be logged")
		gateway = agent.LogGateway{Logger: logger}
	}

	// --- Agent ---
	// sched is assigned below; profile updates made by tools reschedule
	// the two daily triggers once it exists.
	var sched *scheduler.Scheduler
	registry := a.newRegistry(func(_ context.Context, p *ledger.Profile) {
		if sched != nil {
			ensureProfileTasks(sched, p, logger)
		}
		if a.recorder.tokens != nil {
			a.recorder.tokens.SetLocation(p.Location())
		}
	})
	orch := a.newOrchestrator(gateway, registry)
	go func() {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := a.chat.Ping(pingCtx); err != nil {
			logger.Warn("chat provider unreachable at startup", "error", err)
		}
	}()
	dispatcher := agent.NewDispatcher(orch, cfg.Agent.TurnTimeout, logger)

	// --- Inbound bridge ---
	var sink api.WebhookSink
	if wa != nil {
		bridge := whatsapp.NewBridge(whatsapp.BridgeConfig{
			Client:     wa,
			Dispatcher: dispatcher,
			Profiles:   a.ledger,
			Claimer:    claimer,
			State:      a.state,
			Objects:    a.objects,
			Images:     imageprep.Options{MaxDim: cfg.Images.MaxDim, Quality: cfg.Images.Quality},
			Retry:      a.policy,
			UserID:     cfg.UserID,
			RateLimit:  cfg.WhatsApp.RateLimit,
			DedupeTTL:  cfg.Dedupe.TTL,
			Logger:     logger,
		})
		go bridge.Start(ctx)
		sink = bridge
	}

	// --- Scheduler ---
	if cfg.Scheduler.Enabled {
		store, err := scheduler.NewStore(a.opsDB)
		if err != nil {
			return fmt.Errorf("scheduler store: %w", err)
		}
		deps := taskExecDeps{runner: dispatcher, userID: cfg.UserID, logger: logger}
		sched = scheduler.New(logger, store, func(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) (string, error) {
			return runScheduledTask(ctx, task, exec, deps)
		})

		p, err := a.profile(ctx)
		switch {
		case err != nil:
			logger.Warn("failed to read profile for scheduling", "error", err)
		case p == nil:
			logger.Warn("no profile yet, daily triggers will be scheduled once it is created", "user_id", cfg.UserID)
		default:
			ensureProfileTasks(sched, p, logger)
		}

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	} else {
		logger.Info("in-process scheduler disabled, expecting external calls to /scheduled/*")
	}

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(ctx, a.state)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, mqtt.NutritionFunc(a.today), a.recorder.tokens, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishInterval,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- HTTP server ---
	var media http.Handler
	if a.local != nil {
		media = a.local.Handler()
	}
	server := api.NewServer(api.Config{
		Address:        cfg.Listen.Address,
		Port:           cfg.Listen.Port,
		Turns:          dispatcher,
		UserID:         cfg.UserID,
		Webhook:        sink,
		AppSecret:      cfg.WhatsApp.AppSecret,
		VerifyToken:    cfg.WhatsApp.VerifyToken,
		SchedulerToken: cfg.Scheduler.Token,
		Usage:          a.usage,
		Media:          media,
		Logger:         logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Agent.TurnTimeout)
	defer drainCancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		logger.Warn("turns still running at exit", "error", err)
	}

	logger.Info("DietBot stopped")
	return nil
}
