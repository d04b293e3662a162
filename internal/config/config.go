package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Session time limit and its enforcement tuning.
	SessionMaxDuration time.Duration
	TickInterval       time.Duration
	WatchdogInterval   time.Duration
	DriftBound         time.Duration
	WarningHold        time.Duration

	// Connection lifecycle tuning.
	JoinRetryDelay  time.Duration
	JoinSettleDelay time.Duration
	RestoreTimeout  time.Duration

	// Persistence.
	RecordMaxAge          time.Duration
	RecordRefreshInterval time.Duration

	// Delay before the terminal navigation signal when the time limit ends a
	// session, so the completion notice is visible first.
	CompleteNoticeDelay time.Duration

	// How long an ended session stays queryable before the janitor drops it.
	EndedRetention time.Duration

	// Rolling sample count per lifecycle stage on the perf endpoint.
	PerfWindowSize int

	AudioGatewayURL string
	TokenServiceURL string
	RoomServiceURL  string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "pairspeak"),
		AllowAnyOrigin:        false,
		ShutdownTimeout:       15 * time.Second,
		SessionMaxDuration:    13 * time.Minute,
		TickInterval:          time.Second,
		WatchdogInterval:      3 * time.Second,
		DriftBound:            2 * time.Second,
		WarningHold:           3 * time.Second,
		JoinRetryDelay:        2 * time.Second,
		JoinSettleDelay:       300 * time.Millisecond,
		RestoreTimeout:        15 * time.Second,
		RecordMaxAge:          time.Hour,
		RecordRefreshInterval: 5 * time.Second,
		CompleteNoticeDelay:   3 * time.Second,
		EndedRetention:        5 * time.Minute,
		PerfWindowSize:        256,
		AudioGatewayURL:       stringsTrimSpace("AUDIO_GATEWAY_URL"),
		TokenServiceURL:       stringsTrimSpace("TOKEN_SERVICE_URL"),
		RoomServiceURL:        stringsTrimSpace("ROOM_SERVICE_URL"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxDuration, err = durationFromEnv("SESSION_MAX_DURATION", cfg.SessionMaxDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.TickInterval, err = durationFromEnv("SESSION_TICK_INTERVAL", cfg.TickInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.WatchdogInterval, err = durationFromEnv("SESSION_WATCHDOG_INTERVAL", cfg.WatchdogInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.DriftBound, err = durationFromEnv("SESSION_DRIFT_BOUND", cfg.DriftBound)
	if err != nil {
		return Config{}, err
	}
	cfg.WarningHold, err = durationFromEnv("SESSION_WARNING_HOLD", cfg.WarningHold)
	if err != nil {
		return Config{}, err
	}
	cfg.JoinRetryDelay, err = durationFromEnv("JOIN_RETRY_DELAY", cfg.JoinRetryDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.JoinSettleDelay, err = durationFromEnv("JOIN_SETTLE_DELAY", cfg.JoinSettleDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.RestoreTimeout, err = durationFromEnv("SESSION_RESTORE_TIMEOUT", cfg.RestoreTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RecordMaxAge, err = durationFromEnv("SESSION_RECORD_MAX_AGE", cfg.RecordMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.RecordRefreshInterval, err = durationFromEnv("SESSION_RECORD_REFRESH_INTERVAL", cfg.RecordRefreshInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.CompleteNoticeDelay, err = durationFromEnv("SESSION_COMPLETE_NOTICE_DELAY", cfg.CompleteNoticeDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.EndedRetention, err = durationFromEnv("SESSION_ENDED_RETENTION", cfg.EndedRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.PerfWindowSize, err = intFromEnv("PERF_WINDOW_SIZE", cfg.PerfWindowSize)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionMaxDuration < time.Minute {
		return Config{}, fmt.Errorf("SESSION_MAX_DURATION must be at least 1m")
	}
	if cfg.TickInterval <= 0 {
		return Config{}, fmt.Errorf("SESSION_TICK_INTERVAL must be positive")
	}
	if cfg.WatchdogInterval <= 0 {
		return Config{}, fmt.Errorf("SESSION_WATCHDOG_INTERVAL must be positive")
	}
	if cfg.DriftBound < cfg.TickInterval {
		return Config{}, fmt.Errorf("SESSION_DRIFT_BOUND must be at least one tick interval")
	}
	if cfg.RecordMaxAge < time.Minute {
		return Config{}, fmt.Errorf("SESSION_RECORD_MAX_AGE must be at least 1m")
	}
	if cfg.RecordRefreshInterval <= 0 {
		return Config{}, fmt.Errorf("SESSION_RECORD_REFRESH_INTERVAL must be positive")
	}
	if cfg.RestoreTimeout < time.Second {
		return Config{}, fmt.Errorf("SESSION_RESTORE_TIMEOUT must be at least 1s")
	}
	if cfg.PerfWindowSize <= 0 {
		return Config{}, fmt.Errorf("PERF_WINDOW_SIZE must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
