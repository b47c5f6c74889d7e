package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	tasksync "github.com/tasksync/tasksync-go"
)

var loginUserID string

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "User id for opaque (non-JWT) session tokens")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <session-token>",
	Short: "Store a session token",
	Long: `Store the session token used to authenticate the event stream.

JWT sessions are inspected locally for the user id and expiry; the signature is
not checked. Opaque tokens are stored as-is and need --user-id for comment
notifications.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.SessionToken = token
		cfg.Auth.UserID = loginUserID
		cfg.Auth.TokenExpires = ""

		claims, err := tasksync.ParseSessionToken(token)
		switch {
		case err == nil:
			if cfg.Auth.UserID == "" {
				cfg.Auth.UserID = claims.UserID
			}
			if !claims.ExpiresAt.IsZero() {
				if claims.Expired(time.Now()) {
					return fmt.Errorf("session token expired at %s", claims.ExpiresAt.Format(time.RFC3339))
				}
				cfg.Auth.TokenExpires = claims.ExpiresAt.Format(time.RFC3339)
			}
		case loginUserID == "":
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v; comment notifications need --user-id\n", err)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Session saved for user %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		if cfg.Auth.TokenExpires != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Expires:  %s\n", cfg.Auth.TokenExpires)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Session removed.")
		return nil
	},
}
