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
	defaultListenAddr        = ":8080"
	defaultDBDriver          = "sqlite"
	defaultSleepTime         = 5 * time.Second
	defaultMaxSleepTime      = 120 * time.Second
	defaultInitialSleep      = 30 * time.Second
	defaultUpdateSetAttempts = 3
	defaultUpdateSetWait     = 2 * time.Second
	defaultStepsCheck        = 5 * time.Second
	defaultVoidGPU           = 99
	defaultRunnerBin         = "foundry-run"
	defaultSchedulerBin      = "foundry-schedule"

	envListenAddr        = "FOUNDRY_LISTEN_ADDR"
	envDBDriver          = "FOUNDRY_DB_DRIVER"
	envDBDSN             = "FOUNDRY_DB_DSN"
	envLogLevel          = "FOUNDRY_LOG_LEVEL"
	envHostsFile         = "FOUNDRY_HOSTS_FILE"
	envSleepTime         = "FOUNDRY_SLEEP_TIME"
	envMaxSleepTime      = "FOUNDRY_MAX_SLEEP_TIME"
	envInitialSleep      = "FOUNDRY_INITIAL_SLEEP"
	envUpdateSetAttempts = "FOUNDRY_UPDATE_SET_ATTEMPTS"
	envUpdateSetWait     = "FOUNDRY_UPDATE_SET_WAIT"
	envStepsCheck        = "FOUNDRY_STEPS_CHECK_SECS"
	envVoidGPU           = "FOUNDRY_VOID_GPU"
	envRunnerBin         = "FOUNDRY_RUNNER_BIN"
	envSchedulerBin      = "FOUNDRY_SCHEDULER_BIN"
	envCyclicRedundancy  = "CHECK_CYCLIC_REDUNDANCY"
)

// Config holds process-wide settings loaded once at startup and passed
// explicitly to every component that needs them.
type Config struct {
	ListenAddr string
	DBDriver   string
	// DBDSN overrides the project database location. Empty means
	// <project>/project.sqlite.
	DBDSN     string
	LogLevel  slog.Level
	HostsFile string

	// SleepTime is the scheduler's base polling interval.
	SleepTime time.Duration
	// MaxSleepTime caps any computed scheduler sleep.
	MaxSleepTime time.Duration
	// InitialSleep is the per-level delay used when scheduling a whole graph.
	InitialSleep time.Duration

	UpdateSetAttempts int
	UpdateSetWait     time.Duration

	// StepsCheckInterval is how often executors invoke the periodic check.
	StepsCheckInterval time.Duration

	// VoidGPU marks a GPU id meaning "no device".
	VoidGPU int

	RunnerBin    string
	SchedulerBin string

	// StrictCycles logs rejected graph cycles at error level.
	StrictCycles bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBDriver:           defaultDBDriver,
		LogLevel:           slog.LevelInfo,
		SleepTime:          defaultSleepTime,
		MaxSleepTime:       defaultMaxSleepTime,
		InitialSleep:       defaultInitialSleep,
		UpdateSetAttempts:  defaultUpdateSetAttempts,
		UpdateSetWait:      defaultUpdateSetWait,
		StepsCheckInterval: defaultStepsCheck,
		VoidGPU:            defaultVoidGPU,
		RunnerBin:          defaultRunnerBin,
		SchedulerBin:       defaultSchedulerBin,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBDriver); v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	if v := os.Getenv(envDBDSN); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envHostsFile); v != "" {
		cfg.HostsFile = v
	}
	if v := os.Getenv(envRunnerBin); v != "" {
		cfg.RunnerBin = v
	}
	if v := os.Getenv(envSchedulerBin); v != "" {
		cfg.SchedulerBin = v
	}

	cfg.SleepTime = durationEnv(envSleepTime, cfg.SleepTime)
	cfg.MaxSleepTime = durationEnv(envMaxSleepTime, cfg.MaxSleepTime)
	cfg.InitialSleep = durationEnv(envInitialSleep, cfg.InitialSleep)
	cfg.UpdateSetWait = durationEnv(envUpdateSetWait, cfg.UpdateSetWait)
	cfg.StepsCheckInterval = durationEnv(envStepsCheck, cfg.StepsCheckInterval)
	cfg.UpdateSetAttempts = intEnv(envUpdateSetAttempts, cfg.UpdateSetAttempts)
	cfg.VoidGPU = intEnv(envVoidGPU, cfg.VoidGPU)

	if v := os.Getenv(envCyclicRedundancy); v != "" {
		cfg.StrictCycles = v != "0" && !strings.EqualFold(v, "false")
	}

	return cfg
}

// durationEnv accepts either a Go duration ("90s") or a plain number of seconds.
func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
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
