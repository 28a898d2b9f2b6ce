package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		check      func(t *testing.T, cfg *Config)
	}{
		{"default.base_url", "https://api.example.com/", func(t *testing.T, cfg *Config) {
			assert.Equal(t, "https://api.example.com", cfg.Default.BaseURL)
		}},
		{"auth.session_token", "tok-123", func(t *testing.T, cfg *Config) {
			assert.Equal(t, "tok-123", cfg.Auth.SessionToken)
		}},
		{"auth.user_name", "kim", func(t *testing.T, cfg *Config) {
			assert.Equal(t, "kim", cfg.Auth.UserName)
		}},
		{"realtime.max_reconnect_attempts", "7", func(t *testing.T, cfg *Config) {
			assert.Equal(t, 7, cfg.Realtime.MaxReconnectAttempts)
		}},
		{"realtime.reconnect_base_delay", "500ms", func(t *testing.T, cfg *Config) {
			assert.Equal(t, "500ms", cfg.Realtime.ReconnectBaseDelay)
		}},
		{"realtime.heartbeat_timeout", "1m", func(t *testing.T, cfg *Config) {
			assert.Equal(t, "1m", cfg.Realtime.HeartbeatTimeout)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := &Config{}
			require.NoError(t, setConfigValue(cfg, tt.key, tt.value))
			tt.check(t, cfg)
		})
	}
}

func TestSetConfigValueRejectsBadInput(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, setConfigValue(cfg, "base_url", "x"))
	assert.Error(t, setConfigValue(cfg, "default.api_key", "x"))
	assert.Error(t, setConfigValue(cfg, "nope.field", "x"))
	assert.Error(t, setConfigValue(cfg, "realtime.max_reconnect_attempts", "many"))
	assert.Error(t, setConfigValue(cfg, "realtime.reconnect_max_delay", "soon"))
}

func TestConfigValueSources(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.SessionToken = "file-token-0123456789"
	cfg.Realtime.HeartbeatTimeout = "1m"
	env := map[string]string{envBaseURL: "http://localhost:9999"}
	getenv := func(k string) string { return env[k] }

	tests := []struct {
		key, value, source string
	}{
		{"default.base_url", "http://localhost:9999", envBaseURL},
		{"auth.session_token", "file-token-0123456789", "file"},
		{"auth.user_name", "", "unset"},
		{"realtime.max_reconnect_attempts", "5", "default"},
		{"realtime.reconnect_max_delay", "30s", "default"},
		{"realtime.heartbeat_timeout", "1m", "file"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			k, err := lookupConfigKey(tt.key)
			require.NoError(t, err)
			v, source := configValue(cfg, k, getenv)
			assert.Equal(t, tt.value, v)
			assert.Equal(t, tt.source, source)
		})
	}
}

func TestRenderConfigMasksToken(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.SessionToken = "abcdefghijklmnopqrstuvwxyz"
	var buf bytes.Buffer
	renderConfig(&buf, cfg, func(string) string { return "" })

	out := buf.String()
	assert.NotContains(t, out, "abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, out, "abcdef...wxyz")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), len(configKeys))
	for _, k := range configKeys {
		assert.Contains(t, out, k.name)
	}
}

func TestConfigSetAndGetCommands(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(envBaseURL, "")
	t.Setenv(envToken, "")

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(args)
		t.Cleanup(func() { rootCmd.SetArgs(nil) })
		err := rootCmd.Execute()
		return out.String(), err
	}

	out, err := run("config", "set", "auth.session_token", "abcdefghijklmnopqrstuvwxyz")
	require.NoError(t, err)
	assert.Equal(t, "Set auth.session_token = abcdef...wxyz\n", out)

	out, err = run("config", "get", "auth.session_token")
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz\n", out)

	_, err = run("config", "set", "realtime.reconnect_base_delay", "2m")
	assert.Error(t, err, "base delay above the default max delay")
	cfg, err := readConfigFile()
	require.NoError(t, err)
	assert.Empty(t, cfg.Realtime.ReconnectBaseDelay, "rejected value is not saved")

	_, err = run("config", "get", "auth.api_key")
	assert.Error(t, err)
}

func TestConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(envBaseURL, "")
	t.Setenv(envToken, "")

	cfg := &Config{}
	cfg.Default.BaseURL = "https://api.example.com"
	cfg.Auth.SessionToken = "tok"
	cfg.Realtime.ReconnectMaxDelay = "10s"
	require.NoError(t, saveConfig(cfg))

	info, err := os.Stat(filepath.Join(home, ".healthschool", "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, *cfg, *loaded)
}

func TestLoadConfigMissingFileAndEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(envBaseURL, "http://localhost:9999")
	t.Setenv(envToken, "env-token")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999", cfg.Default.BaseURL)
	assert.Equal(t, "env-token", cfg.Auth.SessionToken)
}

func TestRealtimeConfig(t *testing.T) {
	cfg := &Config{Realtime: ConfigRealtime{
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   "250ms",
		ReconnectMaxDelay:    "5s",
		HeartbeatTimeout:     "-1s",
	}}
	rc, err := realtimeConfig(cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rc.MaxReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, rc.ReconnectBaseDelay)
	assert.Equal(t, 5*time.Second, rc.ReconnectMaxDelay)
	assert.Equal(t, -time.Second, rc.HeartbeatTimeout)

	cfg.Realtime.ReconnectBaseDelay = "1m"
	_, err = realtimeConfig(cfg, zerolog.Nop(), nil)
	assert.Error(t, err, "base delay above max delay")

	cfg.Realtime.ReconnectBaseDelay = "later"
	_, err = realtimeConfig(cfg, zerolog.Nop(), nil)
	assert.Error(t, err)
}

func TestGetClientRequiresToken(t *testing.T) {
	_, err := getClient(&Config{}, zerolog.Nop())
	assert.Error(t, err)

	c, err := getClient(&Config{Auth: ConfigAuth{SessionToken: "tok"}, Default: ConfigDefault{BaseURL: "http://x"}}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "http://x", c.BaseURL())
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "****", maskToken("short"))
	assert.Equal(t, "abcdef...wxyz", maskToken("abcdefghijklmnopqrstuvwxyz"))
}
