package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.tasksync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	BaseURL       string `toml:"base_url"`
	StreamPath    string `toml:"stream_path,omitempty"`
	Transport     string `toml:"transport,omitempty"`
	WebhookSecret string `toml:"webhook_secret,omitempty"`
}

// ConfigAuth holds the session used for the stream.
type ConfigAuth struct {
	SessionToken string `toml:"session_token"`
	UserID       string `toml:"user_id,omitempty"`
	TokenExpires string `toml:"token_expires,omitempty"`
}

const (
	transportHTTP      = "http"
	transportWebSocket = "websocket"
)

// ============================================================================
// Config helpers
// ============================================================================

// configPath returns the config file location, honouring TASKSYNC_CONFIG, and
// makes sure its directory exists.
func configPath() (string, error) {
	path := os.Getenv("TASKSYNC_CONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		path = filepath.Join(home, ".tasksync", "config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return path, nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
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
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
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
			cfg.Default.BaseURL = strings.TrimRight(value, "/")
		case "stream_path":
			cfg.Default.StreamPath = value
		case "transport":
			if value != transportHTTP && value != transportWebSocket {
				return fmt.Errorf("transport must be %q or %q", transportHTTP, transportWebSocket)
			}
			cfg.Default.Transport = value
		case "webhook_secret":
			cfg.Default.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "session_token":
			cfg.Auth.SessionToken = value
		case "user_id":
			cfg.Auth.UserID = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "tasksync",
	Short:        "Task service event stream CLI",
	Long:         "Command-line interface for the task service real-time stream.\nStore a session, check configuration, and watch live task events.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
