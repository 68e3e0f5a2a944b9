package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/vaanskii/vansify"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.vansify/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
	Cache    ConfigCache    `toml:"cache"`
	Log      ConfigLog      `toml:"log"`
	Metrics  ConfigMetrics  `toml:"metrics"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL        string `toml:"base_url"`
	ShowEmptyChats bool   `toml:"show_empty_chats"`
}

// ConfigAuth holds the stored session.
type ConfigAuth struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
	Username     string `toml:"username"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigRealtime tunes channel reconnects. Durations use Go syntax ("1s").
type ConfigRealtime struct {
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	ReconnectBaseDelay   string `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    string `toml:"reconnect_max_delay"`
	DialTimeout          string `toml:"dial_timeout"`
}

// ConfigCache selects the offline cache. An empty path uses
// ~/.vansify/cache.db and "memory" keeps nothing on disk.
type ConfigCache struct {
	Path string `toml:"path"`
}

type ConfigLog struct {
	Level string `toml:"level"`
}

type ConfigMetrics struct {
	Addr string `toml:"addr"`
}

// toRealtime converts the file form into a vansify.RealtimeConfig. Zero
// values are left for the library defaults.
func (c ConfigRealtime) toRealtime() (vansify.RealtimeConfig, error) {
	rc := vansify.RealtimeConfig{MaxReconnectAttempts: c.MaxReconnectAttempts}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect_base_delay", c.ReconnectBaseDelay, &rc.ReconnectBaseDelay},
		{"reconnect_max_delay", c.ReconnectMaxDelay, &rc.ReconnectMaxDelay},
		{"dial_timeout", c.DialTimeout, &rc.DialTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return rc, fmt.Errorf("realtime.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return rc, nil
}

// ============================================================================
// Config helpers
// ============================================================================

// configFile is set by the --config flag.
var configFile string

// configDir returns the path to ~/.vansify, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".vansify")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return saveConfigFile(path, cfg)
}

func saveConfigFile(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "show_empty_chats":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("default.show_empty_chats: %w", err)
			}
			cfg.Default.ShowEmptyChats = b
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "access_token":
			cfg.Auth.AccessToken = value
		case "refresh_token":
			cfg.Auth.RefreshToken = value
		case "username":
			cfg.Auth.Username = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("realtime.max_reconnect_attempts must be an integer (0 for the default, negative to never reconnect)")
			}
			cfg.Realtime.MaxReconnectAttempts = n
		case "reconnect_base_delay", "reconnect_max_delay", "dial_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("realtime.%s: %w", field, err)
			}
			switch field {
			case "reconnect_base_delay":
				cfg.Realtime.ReconnectBaseDelay = value
			case "reconnect_max_delay":
				cfg.Realtime.ReconnectMaxDelay = value
			default:
				cfg.Realtime.DialTimeout = value
			}
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "cache":
		if field != "path" {
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
		cfg.Cache.Path = value
	case "log":
		if field != "level" {
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
		cfg.Log.Level = value
	case "metrics":
		if field != "addr" {
			return fmt.Errorf("unknown field %q in section [metrics]", field)
		}
		cfg.Metrics.Addr = value
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime, cache, log, metrics)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var debugLogging bool

var rootCmd = &cobra.Command{
	Use:           "vansify",
	Short:         "Vansify sync CLI",
	Long:          "Command-line client for Vansify.\nLog in, inspect chats and notifications, and watch live updates.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.vansify/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Verbose development logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
