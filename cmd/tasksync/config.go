package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "Print secrets unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage tasksync configuration",
	Long:  "View or modify the tasksync CLI configuration stored in ~/.tasksync/config.toml (or $TASKSYNC_CONFIG).",
}

var configReveal bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	Long:  "Print the configuration as TOML. The session token and webhook secret are masked unless --reveal is given.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'tasksync init <base-url>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !configReveal {
			cfg = redacted(*cfg)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", path, data)
		return nil
	},
}

// redacted returns a copy of cfg with its secrets masked.
func redacted(cfg Config) *Config {
	if cfg.Auth.SessionToken != "" {
		cfg.Auth.SessionToken = maskKey(cfg.Auth.SessionToken)
	}
	if cfg.Default.WebhookSecret != "" {
		cfg.Default.WebhookSecret = maskKey(cfg.Default.WebhookSecret)
	}
	return &cfg
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: tasksync config set default.transport websocket",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if isSecretKey(key) {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

func isSecretKey(key string) bool {
	return key == "auth.session_token" || key == "default.webhook_secret"
}
