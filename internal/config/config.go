package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "taskgrid.db"
	defaultPollInterval = 10 * time.Second
	defaultOutputDir    = "output"

	envListenAddr                 = "TASKGRID_LISTEN_ADDR"
	envDBPath                     = "TASKGRID_DB_PATH"
	envLogLevel                   = "TASKGRID_LOG_LEVEL"
	envResourcesFile              = "TASKGRID_RESOURCES_FILE"
	envPollInterval               = "TASKGRID_POLL_INTERVAL"
	envMaxInFlight                = "TASKGRID_MAX_IN_FLIGHT"
	envMaxSubmitted               = "TASKGRID_MAX_SUBMITTED"
	envNoCatchErrors              = "TASKGRID_NO_CATCH_ERRORS"
	envResourceInitErrorsAreFatal = "TASKGRID_RESOURCE_INIT_ERRORS_ARE_FATAL"
	envOutputDir                  = "TASKGRID_OUTPUT_DIR"
	envRetrieveRunning            = "TASKGRID_RETRIEVE_RUNNING"
	envRetrieveOverwrites         = "TASKGRID_RETRIEVE_OVERWRITES"
	envRetrieveChangedOnly        = "TASKGRID_RETRIEVE_CHANGED_ONLY"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// ResourcesFile is the YAML file describing the execution resources.
	// When empty, a single local noop resource is used.
	ResourcesFile string
	PollInterval  time.Duration
	// MaxInFlight and MaxSubmitted cap the engine; zero means no cap.
	MaxInFlight  int
	MaxSubmitted int
	// NoCatchErrors lists error classes, components or operations whose
	// errors are returned instead of logged and ignored.
	NoCatchErrors              string
	ResourceInitErrorsAreFatal bool
	OutputDir                  string

	// RetrieveRunning snapshots the output of RUNNING tasks every cycle.
	RetrieveRunning     bool
	RetrieveOverwrites  bool
	RetrieveChangedOnly bool
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric, duration or boolean values leave the default in place.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		PollInterval: defaultPollInterval,
		OutputDir:    defaultOutputDir,

		RetrieveChangedOnly: true,
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
	if v := os.Getenv(envResourcesFile); v != "" {
		cfg.ResourcesFile = v
	}
	if v := os.Getenv(envPollInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv(envMaxInFlight); v != "" {
		cfg.MaxInFlight = parseCap(v, cfg.MaxInFlight)
	}
	if v := os.Getenv(envMaxSubmitted); v != "" {
		cfg.MaxSubmitted = parseCap(v, cfg.MaxSubmitted)
	}
	if v := os.Getenv(envNoCatchErrors); v != "" {
		cfg.NoCatchErrors = v
	}
	cfg.ResourceInitErrorsAreFatal = parseBool(os.Getenv(envResourceInitErrorsAreFatal), cfg.ResourceInitErrorsAreFatal)
	if v := os.Getenv(envOutputDir); v != "" {
		cfg.OutputDir = v
	}
	cfg.RetrieveRunning = parseBool(os.Getenv(envRetrieveRunning), cfg.RetrieveRunning)
	cfg.RetrieveOverwrites = parseBool(os.Getenv(envRetrieveOverwrites), cfg.RetrieveOverwrites)
	cfg.RetrieveChangedOnly = parseBool(os.Getenv(envRetrieveChangedOnly), cfg.RetrieveChangedOnly)

	return cfg
}

func parseCap(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return b
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
