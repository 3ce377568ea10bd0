package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shivamAmrutia/orchestration/internal/engine"
	"github.com/shivamAmrutia/orchestration/internal/events"
	"github.com/shivamAmrutia/orchestration/internal/retry"
)

const (
	defaultPort              = 3000
	defaultPollInterval      = engine.DefaultPollInterval
	defaultStaleTaskTimeout  = 10 * time.Minute
	defaultNATSSubjectPrefix = events.DefaultSubjectPrefix

	envDatabaseURL         = "DATABASE_URL"
	envWorkflowID          = "WORKFLOW_ID"
	envPort                = "PORT"
	envLogLevel            = "LOG_LEVEL"
	envVerbose             = "VERBOSE"
	envPollInterval        = "POLL_INTERVAL"
	envRetryDelay          = "RETRY_DELAY"
	envRetryMultiplier     = "RETRY_MULTIPLIER"
	envRetryMaxDelay       = "RETRY_MAX_DELAY"
	envRetryJitter         = "RETRY_JITTER"
	envMaxRetries          = "MAX_RETRIES"
	envMaxParallelTasks    = "MAX_PARALLEL_TASKS"
	envStaleTaskTimeout    = "STALE_TASK_TIMEOUT"
	envNATSURL             = "NATS_URL"
	envNATSSubjectPrefix   = "NATS_SUBJECT_PREFIX"
	envEnableCommandRunner = "ENABLE_COMMAND_RUNNER"
)

// ErrMissingDatabaseURL is returned by Validate when DATABASE_URL is unset.
var ErrMissingDatabaseURL = errors.New(envDatabaseURL + " is required")

// Config holds application configuration loaded from environment variables.
type Config struct {
	DatabaseURL string
	WorkflowID  string
	Port        int
	LogLevel    slog.Level

	PollInterval     time.Duration
	MaxParallelTasks int
	Retry            retry.Policy
	StaleTaskTimeout time.Duration

	NATSURL           string
	NATSSubjectPrefix string

	EnableCommandRunner bool
}

// Load reads configuration from environment variables. Unset or unparsable
// values fall back to defaults.
func Load() Config {
	cfg := Config{
		Port:              defaultPort,
		LogLevel:          slog.LevelInfo,
		PollInterval:      defaultPollInterval,
		Retry:             retry.DefaultPolicy(),
		StaleTaskTimeout:  defaultStaleTaskTimeout,
		NATSSubjectPrefix: defaultNATSSubjectPrefix,
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv(envDatabaseURL))
	cfg.WorkflowID = strings.TrimSpace(os.Getenv(envWorkflowID))
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if parseBool(os.Getenv(envVerbose)) {
		cfg.LogLevel = slog.LevelDebug
	}

	if n, ok := envInt(envPort); ok && n > 0 && n < 65536 {
		cfg.Port = n
	}
	if d, ok := envDuration(envPollInterval); ok && d > 0 {
		cfg.PollInterval = d
	}
	if n, ok := envInt(envMaxParallelTasks); ok && n >= 0 {
		cfg.MaxParallelTasks = n
	}
	if d, ok := envDuration(envStaleTaskTimeout); ok && d >= 0 {
		cfg.StaleTaskTimeout = d
	}

	if n, ok := envInt(envMaxRetries); ok && n >= 0 {
		cfg.Retry.MaxRetries = n
	}
	if d, ok := envDuration(envRetryDelay); ok && d > 0 {
		cfg.Retry.Delay = d
	}
	if d, ok := envDuration(envRetryMaxDelay); ok && d > 0 {
		cfg.Retry.MaxDelay = d
	}
	if f, ok := envFloat(envRetryMultiplier); ok && f >= 1 {
		cfg.Retry.Multiplier = f
	}
	if f, ok := envFloat(envRetryJitter); ok && f >= 0 {
		cfg.Retry.Jitter = f
	}
	cfg.Retry = cfg.Retry.Normalize()

	cfg.NATSURL = strings.TrimSpace(os.Getenv(envNATSURL))
	if v := strings.TrimSpace(os.Getenv(envNATSSubjectPrefix)); v != "" {
		cfg.NATSSubjectPrefix = v
	}
	cfg.EnableCommandRunner = parseBool(os.Getenv(envEnableCommandRunner))

	return cfg
}

// Validate reports configuration that no process can start without.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	return nil
}

// ListenAddr is the HTTP listen address for the configured port.
func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// EngineOptions builds execution loop options from the configuration.
func (c Config) EngineOptions(sink events.Sink, logger *slog.Logger) engine.Options {
	return engine.Options{
		PollInterval: c.PollInterval,
		MaxParallel:  c.MaxParallelTasks,
		Retry:        c.Retry,
		Sink:         sink,
		Logger:       logger,
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// envDuration accepts Go duration strings ("1500ms", "10s") and bare
// integers, which are read as milliseconds.
func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
