package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	healthschool "github.com/Health-School/health-school-sub001"
)

// configKey describes one settable key of config.toml.
type configKey struct {
	name   string
	def    string
	env    string
	secret bool
	get    func(*Config) string
	set    func(*Config, string) error
}

func durationKey(name string, def time.Duration, field func(*Config) *string) configKey {
	return configKey{
		name: name,
		def:  def.String(),
		get:  func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			if _, err := time.ParseDuration(v); err != nil {
				return fmt.Errorf("%s must be a duration like 1s: %w", name, err)
			}
			*field(c) = v
			return nil
		},
	}
}

var configKeys = []configKey{
	{
		name: "default.base_url",
		def:  healthschool.DefaultBaseURL,
		env:  envBaseURL,
		get:  func(c *Config) string { return c.Default.BaseURL },
		set: func(c *Config, v string) error {
			c.Default.BaseURL = strings.TrimRight(v, "/")
			return nil
		},
	},
	{
		name:   "auth.session_token",
		env:    envToken,
		secret: true,
		get:    func(c *Config) string { return c.Auth.SessionToken },
		set: func(c *Config, v string) error {
			c.Auth.SessionToken = v
			return nil
		},
	},
	{
		name: "auth.user_name",
		get:  func(c *Config) string { return c.Auth.UserName },
		set: func(c *Config, v string) error {
			c.Auth.UserName = v
			return nil
		},
	},
	{
		name: "realtime.max_reconnect_attempts",
		def:  strconv.Itoa(healthschool.DefaultMaxReconnectAttempts),
		get: func(c *Config) string {
			if c.Realtime.MaxReconnectAttempts == 0 {
				return ""
			}
			return strconv.Itoa(c.Realtime.MaxReconnectAttempts)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("realtime.max_reconnect_attempts must be an integer: %w", err)
			}
			c.Realtime.MaxReconnectAttempts = n
			return nil
		},
	},
	durationKey("realtime.reconnect_base_delay", healthschool.DefaultReconnectBaseDelay,
		func(c *Config) *string { return &c.Realtime.ReconnectBaseDelay }),
	durationKey("realtime.reconnect_max_delay", healthschool.DefaultReconnectMaxDelay,
		func(c *Config) *string { return &c.Realtime.ReconnectMaxDelay }),
	durationKey("realtime.heartbeat_timeout", healthschool.DefaultHeartbeatTimeout,
		func(c *Config) *string { return &c.Realtime.HeartbeatTimeout }),
}

func lookupConfigKey(key string) (configKey, error) {
	if !strings.Contains(key, ".") {
		return configKey{}, fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	for _, k := range configKeys {
		if k.name == key {
			return k, nil
		}
	}
	return configKey{}, fmt.Errorf("unknown config key %q. Run 'healthschool config show' to list keys", key)
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	return k.set(cfg, value)
}

// configValue resolves key the way the SDK will see it: environment first,
// then the file, then the built-in default. source names where it came from.
func configValue(cfg *Config, k configKey, getenv func(string) string) (value, source string) {
	if k.env != "" {
		if v := getenv(k.env); v != "" {
			return v, k.env
		}
	}
	if v := k.get(cfg); v != "" {
		return v, "file"
	}
	if k.def != "" {
		return k.def, "default"
	}
	return "", "unset"
}

func renderConfig(w io.Writer, cfg *Config, getenv func(string) string) {
	for _, k := range configKeys {
		v, source := configValue(cfg, k, getenv)
		if k.secret && v != "" {
			v = maskToken(v)
		}
		fmt.Fprintf(w, "%-34s %-32s (%s)\n", k.name, v, source)
	}
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Health School configuration",
	Long:  "View or modify the session and realtime settings stored in ~/.healthschool/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List every key with its effective value and source",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if path, err := configPath(); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
		}
		renderConfig(cmd.OutOrStdout(), cfg, os.Getenv)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of one key",
	Long:  "Print the effective value of one key. The session token is printed in full.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		v, _ := configValue(cfg, k, os.Getenv)
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: healthschool config set realtime.heartbeat_timeout 1m",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		// Reject combinations the realtime clients would refuse at start.
		if strings.HasPrefix(key, "realtime.") {
			if _, err := realtimeConfig(cfg, newLogger("error"), nil); err != nil {
				return err
			}
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		k, _ := lookupConfigKey(key)
		shown := value
		if k.secret {
			shown = maskToken(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
		return nil
	},
}
