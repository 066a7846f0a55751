package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envListenAddr, envDBDriver, envDBDSN, envLogLevel, envHostsFile,
		envSleepTime, envMaxSleepTime, envInitialSleep, envUpdateSetAttempts,
		envUpdateSetWait, envStepsCheck, envVoidGPU, envRunnerBin,
		envSchedulerBin, envCyclicRedundancy,
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBDriver != "sqlite" {
		t.Errorf("DBDriver = %q, want sqlite", cfg.DBDriver)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.SleepTime != 5*time.Second {
		t.Errorf("SleepTime = %v, want 5s", cfg.SleepTime)
	}
	if cfg.MaxSleepTime != 120*time.Second {
		t.Errorf("MaxSleepTime = %v, want 120s", cfg.MaxSleepTime)
	}
	if cfg.UpdateSetAttempts != 3 || cfg.UpdateSetWait != 2*time.Second {
		t.Errorf("update set retry = %d/%v, want 3/2s", cfg.UpdateSetAttempts, cfg.UpdateSetWait)
	}
	if cfg.VoidGPU != 99 {
		t.Errorf("VoidGPU = %d, want 99", cfg.VoidGPU)
	}
	if cfg.StrictCycles {
		t.Error("StrictCycles should default to false")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBDriver, "PGX")
	t.Setenv(envDBDSN, "postgres://localhost/foundry")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envSleepTime, "10")
	t.Setenv(envMaxSleepTime, "2m")
	t.Setenv(envVoidGPU, "-1")
	t.Setenv(envCyclicRedundancy, "1")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBDriver != "pgx" {
		t.Errorf("DBDriver = %q, want pgx", cfg.DBDriver)
	}
	if cfg.DBDSN != "postgres://localhost/foundry" {
		t.Errorf("DBDSN = %q", cfg.DBDSN)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.SleepTime != 10*time.Second {
		t.Errorf("SleepTime = %v, want 10s", cfg.SleepTime)
	}
	if cfg.MaxSleepTime != 2*time.Minute {
		t.Errorf("MaxSleepTime = %v, want 2m", cfg.MaxSleepTime)
	}
	if cfg.VoidGPU != -1 {
		t.Errorf("VoidGPU = %d, want -1", cfg.VoidGPU)
	}
	if !cfg.StrictCycles {
		t.Error("StrictCycles = false, want true")
	}
}

func TestDurationEnvIgnoresGarbage(t *testing.T) {
	t.Setenv(envSleepTime, "soon")
	if got := durationEnv(envSleepTime, time.Second); got != time.Second {
		t.Errorf("durationEnv = %v, want fallback 1s", got)
	}
	t.Setenv(envSleepTime, "-3")
	if got := durationEnv(envSleepTime, time.Second); got != time.Second {
		t.Errorf("durationEnv = %v, want fallback 1s for negative", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "protocol_id", 7)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["protocol_id"] != float64(7) {
		t.Errorf("protocol_id = %v, want 7", entry["protocol_id"])
	}
}
