// Package api implements the HTTP surface: the WhatsApp webhook, the
// scheduler trigger endpoints, health and version checks, usage
// reporting, and local media serving.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/dietbot/internal/agent"
	"github.com/nugget/dietbot/internal/buildinfo"
	"github.com/nugget/dietbot/internal/usage"
)

// SchedulerTokenHeader authenticates the scheduled trigger endpoints.
const SchedulerTokenHeader = "Scheduler-Token"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TurnRunner runs one turn to completion. *agent.Dispatcher implements it.
type TurnRunner interface {
	Run(ctx context.Context, ev agent.Event) (*agent.TurnResult, error)
}

// WebhookSink accepts verified webhook bodies. *whatsapp.Bridge
// implements it.
type WebhookSink interface {
	Deliver(body []byte) (int, error)
}

// UsageReporter summarizes recorded model usage. *usage.Store
// implements it.
type UsageReporter interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByTrigger(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByRole(start, end time.Time) (map[string]*usage.Summary, error)
}

// Config holds the server's listen address and collaborators. Nil
// collaborators disable the routes that need them.
type Config struct {
	Address string
	Port    int

	Turns  TurnRunner
	UserID string

	Webhook     WebhookSink
	AppSecret   string
	VerifyToken string

	// SchedulerToken guards /scheduled/*. Empty rejects every call.
	SchedulerToken string

	Usage UsageReporter

	// Media serves local object store files under /media/.
	Media http.Handler

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
	now    func() time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserID == "" {
		cfg.UserID = "primary"
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "api"),
		now:    time.Now,
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// WhatsApp webhook
	mux.HandleFunc("GET /webhook", s.handleWebhookVerify)
	mux.HandleFunc("POST /webhook", s.handleWebhook)

	// Scheduler triggers
	for _, trig := range []agent.Trigger{agent.TriggerMorningCheckin, agent.TriggerDailyRecap} {
		h := s.scheduledHandler(trig)
		mux.HandleFunc("GET /scheduled/"+string(trig), h)
		mux.HandleFunc("POST /scheduled/"+string(trig), h)
	}

	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	if s.cfg.Media != nil {
		mux.Handle("GET /media/", http.StripPrefix("/media/", s.cfg.Media))
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Scheduled triggers run a whole turn before answering.
		WriteTimeout: 6 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if r.URL.Path == "/healthz" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.Info()
	info["uptime"] = buildinfo.Uptime().Round(time.Second).String()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, info, s.logger)
}

// scheduledHandler runs trig for the configured user and reports
// whether a message went out.
func (s *Server) scheduledHandler(trig agent.Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.schedulerAuthorized(r) {
			s.logger.Warn("scheduled trigger rejected", "trigger", string(trig), "remote", r.RemoteAddr)
			s.errorResponse(w, http.StatusForbidden, "forbidden")
			return
		}
		if s.cfg.Turns == nil {
			s.errorResponse(w, http.StatusServiceUnavailable, "turns unavailable")
			return
		}

		res, err := s.cfg.Turns.Run(r.Context(), agent.Event{
			UserID:     s.cfg.UserID,
			Trigger:    trig,
			ReceivedAt: s.now(),
		})
		if err != nil {
			s.logger.Error("scheduled trigger failed", "trigger", string(trig), "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "trigger failed")
			return
		}

		code := http.StatusOK
		if res.Status == agent.StatusFailed {
			code = http.StatusBadGateway
		}
		s.logger.Info("scheduled trigger completed",
			"trigger", string(trig),
			"turn_id", res.TurnID,
			"status", res.Status,
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		writeJSON(w, map[string]string{"status": res.Status, "turn_id": res.TurnID}, s.logger)
	}
}

func (s *Server) schedulerAuthorized(r *http.Request) bool {
	want := s.cfg.SchedulerToken
	if want == "" {
		return false
	}
	got := r.Header.Get(SchedulerTokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// handleUsage summarizes model usage over the last ?hours= (default 24).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking disabled")
		return
	}
	hours := parseIntParam(r, "hours", 24)
	if hours == 0 {
		hours = 24
	}
	end := s.now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.cfg.Usage.Summary(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byModel, err := s.cfg.Usage.SummaryByModel(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byTrigger, err := s.cfg.Usage.SummaryByTrigger(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byRole, err := s.cfg.Usage.SummaryByRole(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"start":      start.UTC().Format(time.RFC3339),
		"end":        end.UTC().Format(time.RFC3339),
		"total":      total,
		"by_model":   byModel,
		"by_trigger": byTrigger,
		"by_role":    byRole,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
