package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	tasksync "github.com/tasksync/tasksync-go"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the task service URL in ~/.tasksync/config.toml",
	Long:  "Initialize the tasksync CLI by storing the task service base URL in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := strings.TrimRight(args[0], "/")
		u, err := url.Parse(baseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("base URL must be an absolute http(s) URL, got %q", args[0])
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = baseURL
		if cfg.Default.StreamPath == "" {
			cfg.Default.StreamPath = tasksync.DefaultStreamPath
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = transportHTTP
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Base URL saved to %s\n", path)
		if cfg.Auth.SessionToken == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "Next: run 'tasksync login <session-token>'.")
		}
		return nil
	},
}
