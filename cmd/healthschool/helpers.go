package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	healthschool "github.com/Health-School/health-school-sub001"
)

// newLogger builds the console logger shared by all commands.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

// getClient creates a client from the stored configuration. The session
// token is required.
func getClient(cfg *Config, logger zerolog.Logger) (*healthschool.Client, error) {
	if cfg.Auth.SessionToken == "" {
		return nil, errors.New("no session token. Run 'healthschool init <session-token>' first")
	}
	opts := []healthschool.ClientOption{healthschool.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, healthschool.WithBaseURL(cfg.Default.BaseURL))
	}
	return healthschool.NewClient(cfg.Auth.SessionToken, opts...), nil
}

// realtimeConfig maps the [realtime] section onto the SDK config.
func realtimeConfig(cfg *Config, logger zerolog.Logger, metrics *healthschool.Metrics) (*healthschool.RealtimeConfig, error) {
	rc := &healthschool.RealtimeConfig{
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		Logger:               &logger,
		Metrics:              metrics,
	}
	var err error
	if rc.ReconnectBaseDelay, err = parseDuration("realtime.reconnect_base_delay", cfg.Realtime.ReconnectBaseDelay); err != nil {
		return nil, err
	}
	if rc.ReconnectMaxDelay, err = parseDuration("realtime.reconnect_max_delay", cfg.Realtime.ReconnectMaxDelay); err != nil {
		return nil, err
	}
	if rc.HeartbeatTimeout, err = parseDuration("realtime.heartbeat_timeout", cfg.Realtime.HeartbeatTimeout); err != nil {
		return nil, err
	}
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid [realtime] config: %w", err)
	}
	return rc, nil
}

func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
