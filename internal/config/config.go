package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "kiln.db"
	defaultTemplateDir    = "templates"
	defaultArtifactDir    = "artifacts"
	defaultWorkers        = 4
	defaultQueueDepth     = 64
	defaultMaxAttempts    = 3
	defaultRetryLimit     = 2
	defaultFailoverDepth  = 2
	defaultTaskTimeout    = 5 * time.Minute
	defaultBackoffBase    = 500 * time.Millisecond
	defaultBackoffMax     = 8 * time.Second
	defaultCancelGrace    = 2 * time.Second
	defaultPollInterval   = time.Second
	defaultHealthInterval = 15 * time.Second

	envListenAddr      = "KILN_LISTEN_ADDR"
	envDBPath          = "KILN_DB_PATH"
	envLogLevel        = "KILN_LOG_LEVEL"
	envTemplateDir     = "KILN_TEMPLATE_DIR"
	envArtifactDir     = "KILN_ARTIFACT_DIR"
	envWorkers         = "KILN_WORKERS"
	envQueueDepth      = "KILN_QUEUE_DEPTH"
	envMaxAttempts     = "KILN_MAX_ATTEMPTS"
	envRetryLimit      = "KILN_RETRY_LIMIT"
	envFailoverDepth   = "KILN_FAILOVER_DEPTH"
	envTaskTimeoutS    = "KILN_TASK_TIMEOUT_S"
	envBackoffBaseMS   = "KILN_BACKOFF_BASE_MS"
	envBackoffMaxMS    = "KILN_BACKOFF_MAX_MS"
	envCancelGraceMS   = "KILN_CANCEL_GRACE_MS"
	envPollIntervalMS  = "KILN_POLL_INTERVAL_MS"
	envHealthIntervalS = "KILN_HEALTH_INTERVAL_S"
	envBackends        = "KILN_BACKENDS"
)

// BackendSpec identifies one configured backend instance.
type BackendSpec struct {
	ID   string
	Type string // "graph" or "prediction"
	URL  string
}

// Config holds process configuration loaded from environment variables.
// It is read once at construction time and treated as immutable for the
// process lifetime; Load may be called again as an explicit reload.
type Config struct {
	ListenAddr  string
	DBPath      string
	LogLevel    slog.Level
	TemplateDir string
	ArtifactDir string

	Workers       int
	QueueDepth    int
	MaxAttempts   int
	RetryLimit    int // same-backend retries on connection failure
	FailoverDepth int // cross-backend hops after retries are exhausted

	TaskTimeout    time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	CancelGrace    time.Duration
	PollInterval   time.Duration
	HealthInterval time.Duration

	Backends []BackendSpec
}

// Load reads configuration from environment variables with sensible defaults.
// It returns an error only for values that cannot be interpreted, never for
// absent ones.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		TemplateDir:    defaultTemplateDir,
		ArtifactDir:    defaultArtifactDir,
		Workers:        defaultWorkers,
		QueueDepth:     defaultQueueDepth,
		MaxAttempts:    defaultMaxAttempts,
		RetryLimit:     defaultRetryLimit,
		FailoverDepth:  defaultFailoverDepth,
		TaskTimeout:    defaultTaskTimeout,
		BackoffBase:    defaultBackoffBase,
		BackoffMax:     defaultBackoffMax,
		CancelGrace:    defaultCancelGrace,
		PollInterval:   defaultPollInterval,
		HealthInterval: defaultHealthInterval,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envTemplateDir); v != "" {
		cfg.TemplateDir = v
	}
	if v := os.Getenv(envArtifactDir); v != "" {
		cfg.ArtifactDir = v
	}

	var err error
	if cfg.Workers, err = intEnv(envWorkers, cfg.Workers); err != nil {
		return cfg, err
	}
	if cfg.QueueDepth, err = intEnv(envQueueDepth, cfg.QueueDepth); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = intEnv(envMaxAttempts, cfg.MaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.RetryLimit, err = intEnv(envRetryLimit, cfg.RetryLimit); err != nil {
		return cfg, err
	}
	if cfg.FailoverDepth, err = intEnv(envFailoverDepth, cfg.FailoverDepth); err != nil {
		return cfg, err
	}
	if cfg.TaskTimeout, err = durationEnv(envTaskTimeoutS, time.Second, cfg.TaskTimeout); err != nil {
		return cfg, err
	}
	if cfg.BackoffBase, err = durationEnv(envBackoffBaseMS, time.Millisecond, cfg.BackoffBase); err != nil {
		return cfg, err
	}
	if cfg.BackoffMax, err = durationEnv(envBackoffMaxMS, time.Millisecond, cfg.BackoffMax); err != nil {
		return cfg, err
	}
	if cfg.CancelGrace, err = durationEnv(envCancelGraceMS, time.Millisecond, cfg.CancelGrace); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = durationEnv(envPollIntervalMS, time.Millisecond, cfg.PollInterval); err != nil {
		return cfg, err
	}
	if cfg.HealthInterval, err = durationEnv(envHealthIntervalS, time.Second, cfg.HealthInterval); err != nil {
		return cfg, err
	}

	if v := os.Getenv(envBackends); v != "" {
		backends, err := ParseBackends(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", envBackends, err)
		}
		cfg.Backends = backends
	}

	return cfg, nil
}

// ParseBackends parses a comma-separated list of backend entries in
// "id=type=url" form, e.g. "comfy-a=graph=http://127.0.0.1:8188".
func ParseBackends(s string) ([]BackendSpec, error) {
	var specs []BackendSpec
	seen := make(map[string]bool)
	for entry := range strings.SplitSeq(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("backend entry %q is not id=type=url", entry)
		}
		id, typ, url := parts[0], parts[1], parts[2]
		if typ != "graph" && typ != "prediction" {
			return nil, fmt.Errorf("backend %q has unknown type %q", id, typ)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate backend id %q", id)
		}
		seen[id] = true
		specs = append(specs, BackendSpec{ID: id, Type: typ, URL: url})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no backend entries in %q", s)
	}
	return specs, nil
}

func intEnv(key string, defaultVal int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func durationEnv(key string, unit time.Duration, defaultVal time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(v) * unit, nil
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
