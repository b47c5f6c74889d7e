package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	tasksync "github.com/tasksync/tasksync-go"
)

// newClient builds a stream client from the stored configuration. The
// session token is re-read from the config file on every connection attempt,
// so `tasksync login` takes effect on the next reconnect of a running listener.
func newClient(cfg *Config, log zerolog.Logger, opts ...tasksync.ClientOption) (*tasksync.Client, error) {
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no base URL. Run 'tasksync init <base-url>' first")
	}
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	base := []tasksync.ClientOption{
		tasksync.WithCredentials(tasksync.FileCredentials{Path: path}),
		tasksync.WithLogger(log),
	}
	if cfg.Default.StreamPath != "" {
		base = append(base, tasksync.WithStreamPath(cfg.Default.StreamPath))
	}
	switch cfg.Default.Transport {
	case "", transportHTTP:
	case transportWebSocket:
		base = append(base, tasksync.WithTransport(&tasksync.WebSocketTransport{}))
	default:
		return nil, fmt.Errorf("unknown transport %q in config", cfg.Default.Transport)
	}

	return tasksync.NewClient(cfg.Default.BaseURL, append(base, opts...)...), nil
}

// currentUser prefers the stored user id and falls back to reading the
// subject out of the session token.
func currentUser(cfg *Config) tasksync.CurrentUser {
	if id := cfg.Auth.UserID; id != "" {
		return tasksync.CurrentUserFunc(func() (string, bool) { return id, true })
	}
	return tasksync.TokenIdentity{Credentials: tasksync.StaticCredentials(cfg.Auth.SessionToken)}
}

// tokenStatus describes the stored session relative to now.
func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.SessionToken == "" {
		return "none"
	}
	if auth.TokenExpires == "" {
		return "present (no expiry set)"
	}
	expires, err := time.Parse(time.RFC3339, auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("present (unparseable expiry: %s)", auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
