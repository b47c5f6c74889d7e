package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	tasksync "github.com/tasksync/tasksync-go"
)

var (
	statusProbe   bool
	statusTimeout time.Duration
)

func init() {
	statusCmd.Flags().BoolVar(&statusProbe, "probe", false, "Open the event stream once to check the session")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "How long --probe waits for the stream")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the session token is expired, and optionally probe the event stream.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Fprintf(out, "  Stream path: %s\n", valueOrDefault(cfg.Default.StreamPath, tasksync.DefaultStreamPath))
		fmt.Fprintf(out, "  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, transportHTTP))
		if cfg.Default.WebhookSecret != "" {
			fmt.Fprintf(out, "  Webhook:     %s\n", maskKey(cfg.Default.WebhookSecret))
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		fmt.Fprintf(out, "  Token:       %s\n", tokenStatus(cfg.Auth, time.Now()))

		if !statusProbe {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		client, err := newClient(cfg, zerolog.Nop(), tasksync.WithMaxReconnectAttempts(1))
		if err != nil {
			return err
		}
		defer client.Close()

		states := make(chan tasksync.ConnectionState, 8)
		client.Stream().OnStateChange(func(st tasksync.ConnectionState) {
			select {
			case states <- st:
			default:
			}
		})
		client.Connect()

		timeout := time.After(statusTimeout)
		for {
			select {
			case st := <-states:
				switch st.Phase {
				case tasksync.PhaseStreaming:
					fmt.Fprintln(out, "  Stream:      connected")
					return nil
				case tasksync.PhaseDisconnected:
					fmt.Fprintln(out, "  Stream:      rejected (check the session token)")
					return nil
				}
			case <-timeout:
				fmt.Fprintf(out, "  Stream:      no answer within %s (%s)\n", statusTimeout, client.State())
				return nil
			}
		}
	},
}
