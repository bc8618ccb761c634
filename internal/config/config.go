// Package config handles DietBot configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/dietbot/config.yaml,
// /usr/local/etc/dietbot/config.yaml, /etc/dietbot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "dietbot", "config.yaml"))
	}

	paths = append(paths, "/usr/local/etc/dietbot/config.yaml", "/etc/dietbot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all DietBot configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"`
	UserID      string            `yaml:"user_id"`
	WhatsApp    WhatsAppConfig    `yaml:"whatsapp"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Models      ModelsConfig      `yaml:"models"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	Anthropic   AnthropicConfig   `yaml:"anthropic"`
	Gemini      GeminiConfig      `yaml:"gemini"`
	Estimation  EstimationConfig  `yaml:"estimation"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore"`
	Images      ImagesConfig      `yaml:"images"`
	Agent       AgentConfig       `yaml:"agent"`
	Retry       RetryConfig       `yaml:"retry"`
	Dedupe      DedupeConfig      `yaml:"dedupe"`
	Report      ReportConfig      `yaml:"report"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// WhatsAppConfig defines the WhatsApp Cloud API gateway.
type WhatsAppConfig struct {
	Token         string `yaml:"token"`
	PhoneNumberID string `yaml:"phone_number_id"`
	APIVersion    string `yaml:"api_version"`
	BaseURL       string `yaml:"base_url"` // Graph API root, overridable for tests
	AppSecret     string `yaml:"app_secret"`
	VerifyToken   string `yaml:"verify_token"`
	// RateLimit is the max inbound messages per sender per minute.
	RateLimit int `yaml:"rate_limit"`
}

// SchedulerConfig covers both the external trigger endpoints and the
// optional in-process scheduler.
type SchedulerConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// ModelsConfig selects the chat model that drives tool selection.
type ModelsConfig struct {
	Provider    string  `yaml:"provider"` // openai, anthropic, ollama
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
	OllamaURL   string  `yaml:"ollama_url"`
}

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// GeminiConfig defines Google Gemini settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// EstimationConfig selects the food estimation model.
type EstimationConfig struct {
	Provider string        `yaml:"provider"` // openai, gemini, none
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LedgerConfig selects the message/profile store.
type LedgerConfig struct {
	Backend   string          `yaml:"backend"` // sqlite, firestore
	Path      string          `yaml:"path"`    // sqlite file, defaults under data_dir
	Firestore FirestoreConfig `yaml:"firestore"`
}

// FirestoreConfig defines Google Cloud Firestore settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// ObjectStoreConfig selects where images and reports are stored.
type ObjectStoreConfig struct {
	Backend string      `yaml:"backend"` // local, s3
	Local   LocalConfig `yaml:"local"`
	S3      S3Config    `yaml:"s3"`
}

// LocalConfig stores objects on disk and serves them under BaseURL.
type LocalConfig struct {
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
}

// S3Config defines an S3 (or S3-compatible) bucket.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
	// Static keys for S3-compatible services; empty uses the AWS default chain.
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	URLExpiry       time.Duration `yaml:"url_expiry"`
	PublicBaseURL   string        `yaml:"public_base_url"`
}

// ImagesConfig controls inbound photo normalization.
type ImagesConfig struct {
	MaxDim  int `yaml:"max_dim"`
	Quality int `yaml:"quality"`
}

// AgentConfig bounds the orchestrator.
type AgentConfig struct {
	// ContextMessages is how many recent ledger messages are shown to the model.
	ContextMessages int `yaml:"context_messages"`
	// MaxToolCalls caps tool executions per turn.
	MaxToolCalls int           `yaml:"max_tool_calls"`
	TurnTimeout  time.Duration `yaml:"turn_timeout"`
}

// RetryConfig is the shared back-off policy for external calls.
type RetryConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DedupeConfig selects the webhook idempotency store.
type DedupeConfig struct {
	Backend string        `yaml:"backend"` // sqlite, redis
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig defines a Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ReportConfig controls the daily recap artifact.
type ReportConfig struct {
	Format string `yaml:"format"` // png, html
}

// MQTTConfig defines the optional Home Assistant sensor publisher.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// LoadDotEnv loads .env files next to the config file and in the working
// directory. Variables already present in the environment win.
func LoadDotEnv(configPath string) error {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append([]string{filepath.Join(filepath.Dir(configPath), ".env")}, candidates...)
	}

	seen := make(map[string]bool)
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load %s: %w", abs, err)
		}
	}
	return nil
}

// Load reads configuration from a YAML file, expanding ${VAR} references
// from the environment and applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	c.Models.Provider = normalize(c.Models.Provider)
	c.Estimation.Provider = normalize(c.Estimation.Provider)
	c.Ledger.Backend = normalize(c.Ledger.Backend)
	c.ObjectStore.Backend = normalize(c.ObjectStore.Backend)
	c.Dedupe.Backend = normalize(c.Dedupe.Backend)
	c.Report.Format = normalize(c.Report.Format)

	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.UserID == "" {
		c.UserID = "primary"
	}
	if c.WhatsApp.APIVersion == "" {
		c.WhatsApp.APIVersion = "v19.0"
	}
	if c.WhatsApp.BaseURL == "" {
		c.WhatsApp.BaseURL = "https://graph.facebook.com"
	}
	if c.WhatsApp.RateLimit == 0 {
		c.WhatsApp.RateLimit = 20
	}
	if c.Models.Provider == "" {
		c.Models.Provider = "openai"
	}
	if c.Models.Model == "" {
		switch c.Models.Provider {
		case "anthropic":
			c.Models.Model = "claude-sonnet-4-20250514"
		case "ollama":
			c.Models.Model = "qwen3:8b"
		default:
			c.Models.Model = "gpt-4o"
		}
	}
	if c.Models.Temperature == 0 {
		c.Models.Temperature = 0.3
	}
	if c.Models.TopP == 0 {
		c.Models.TopP = 1.0
	}
	if c.Models.MaxTokens == 0 {
		c.Models.MaxTokens = 1024
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Estimation.Provider == "" {
		c.Estimation.Provider = "openai"
	}
	if c.Estimation.Model == "" {
		switch c.Estimation.Provider {
		case "gemini":
			c.Estimation.Model = "gemini-1.5-flash"
		default:
			c.Estimation.Model = "gpt-4o"
		}
	}
	if c.Estimation.Timeout == 0 {
		c.Estimation.Timeout = 30 * time.Second
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "sqlite"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.DataDir, "ledger.db")
	}
	if c.ObjectStore.Backend == "" {
		c.ObjectStore.Backend = "local"
	}
	if c.ObjectStore.Local.Dir == "" {
		c.ObjectStore.Local.Dir = filepath.Join(c.DataDir, "objects")
	}
	if c.ObjectStore.S3.URLExpiry == 0 {
		c.ObjectStore.S3.URLExpiry = 7 * 24 * time.Hour
	}
	if c.Images.MaxDim == 0 {
		c.Images.MaxDim = 1024
	}
	if c.Images.Quality == 0 {
		c.Images.Quality = 85
	}
	if c.Agent.ContextMessages == 0 {
		c.Agent.ContextMessages = 10
	}
	if c.Agent.MaxToolCalls == 0 {
		c.Agent.MaxToolCalls = 5
	}
	if c.Agent.TurnTimeout == 0 {
		c.Agent.TurnTimeout = 5 * time.Minute
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Dedupe.Backend == "" {
		c.Dedupe.Backend = "sqlite"
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 24 * time.Hour
	}
	if c.Report.Format == "" {
		c.Report.Format = "png"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "dietbot"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 5 * time.Minute
	}
}

// Validate rejects configurations that cannot start a server. All
// problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.WhatsApp.PhoneNumberID != "" && c.WhatsApp.Token == "" {
		errs = append(errs, errors.New("whatsapp.token is required when whatsapp.phone_number_id is set"))
	}
	if !oneOf(c.Models.Provider, "openai", "anthropic", "ollama") {
		errs = append(errs, fmt.Errorf("models.provider %q unknown (valid: openai, anthropic, ollama)", c.Models.Provider))
	}
	if !oneOf(c.Estimation.Provider, "openai", "gemini", "none") {
		errs = append(errs, fmt.Errorf("estimation.provider %q unknown (valid: openai, gemini, none)", c.Estimation.Provider))
	}
	if !oneOf(c.Ledger.Backend, "sqlite", "firestore") {
		errs = append(errs, fmt.Errorf("ledger.backend %q unknown (valid: sqlite, firestore)", c.Ledger.Backend))
	}
	if c.Ledger.Backend == "firestore" && c.Ledger.Firestore.ProjectID == "" {
		errs = append(errs, errors.New("ledger.firestore.project_id is required for the firestore backend"))
	}
	if !oneOf(c.ObjectStore.Backend, "local", "s3") {
		errs = append(errs, fmt.Errorf("objectstore.backend %q unknown (valid: local, s3)", c.ObjectStore.Backend))
	}
	if c.ObjectStore.Backend == "s3" && c.ObjectStore.S3.Bucket == "" {
		errs = append(errs, errors.New("objectstore.s3.bucket is required for the s3 backend"))
	}
	if !oneOf(c.Dedupe.Backend, "sqlite", "redis") {
		errs = append(errs, fmt.Errorf("dedupe.backend %q unknown (valid: sqlite, redis)", c.Dedupe.Backend))
	}
	if c.Dedupe.Backend == "redis" && c.Dedupe.Redis.Addr == "" {
		errs = append(errs, errors.New("dedupe.redis.addr is required for the redis backend"))
	}
	if !oneOf(c.Report.Format, "png", "html") {
		errs = append(errs, fmt.Errorf("report.format %q unknown (valid: png, html)", c.Report.Format))
	}
	if c.Agent.ContextMessages < 1 {
		errs = append(errs, fmt.Errorf("agent.context_messages must be positive, got %d", c.Agent.ContextMessages))
	}
	if c.Agent.MaxToolCalls < 1 {
		errs = append(errs, fmt.Errorf("agent.max_tool_calls must be positive, got %d", c.Agent.MaxToolCalls))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("retry.attempts must be positive, got %d", c.Retry.Attempts))
	}
	if c.Images.Quality < 1 || c.Images.Quality > 100 {
		errs = append(errs, fmt.Errorf("images.quality must be 1-100, got %d", c.Images.Quality))
	}

	return errors.Join(errs...)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
