package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	tasksync "github.com/tasksync/tasksync-go"
)

var (
	listenTypes    []string
	listenVerbose  bool
	listenNotify   bool
	listenWebhook  string
	listenAttempts int
)

func init() {
	listenCmd.Flags().StringSliceVar(&listenTypes, "types", nil, "Only print these event types (comma-separated)")
	listenCmd.Flags().BoolVarP(&listenVerbose, "verbose", "v", false, "Log stream diagnostics to stderr")
	listenCmd.Flags().BoolVar(&listenNotify, "notify", true, "Print comment notifications for the current user")
	listenCmd.Flags().StringVar(&listenWebhook, "webhook", "", "Also accept signed webhook pushes on this address (e.g. :8787)")
	listenCmd.Flags().IntVar(&listenAttempts, "max-attempts", tasksync.DefaultMaxReconnectAttempts, "Give up after this many consecutive failed connections")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print live task events as JSON lines",
	Long: `Connect to the task event stream and print each event as one JSON line on
stdout. Connection state and diagnostics go to stderr. The command exits on
Ctrl-C or when the stream gives up reconnecting.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log := newConsoleLogger(cmd.ErrOrStderr(), listenVerbose)

		opts := []tasksync.ClientOption{tasksync.WithMaxReconnectAttempts(listenAttempts)}
		if listenNotify {
			opts = append(opts, tasksync.WithNotifications(currentUser(cfg), printNotifications(cmd.OutOrStdout())))
		}
		client, err := newClient(cfg, log, opts...)
		if err != nil {
			return err
		}
		defer client.Close()

		client.Events().OnAny(printEvents(cmd.OutOrStdout(), listenTypes))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if listenWebhook != "" {
			if cfg.Default.WebhookSecret == "" {
				return errors.New("--webhook needs default.webhook_secret in the config")
			}
			wh, err := client.Webhook(cfg.Default.WebhookSecret)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: listenWebhook, Handler: wh, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Str("addr", listenWebhook).Msg("webhook listener failed")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			log.Info().Str("addr", listenWebhook).Msg("accepting webhooks")
		}

		gaveUp := make(chan struct{})
		var once sync.Once
		client.Stream().OnStateChange(func(st tasksync.ConnectionState) {
			log.Info().Str("state", st.String()).Msg("stream state")
			if st.Phase == tasksync.PhaseDisconnected {
				once.Do(func() { close(gaveUp) })
			}
		})
		client.Connect()

		select {
		case <-ctx.Done():
			return nil
		case <-gaveUp:
			return errors.New("stream stopped reconnecting; check 'tasksync status'")
		}
	},
}

func newConsoleLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

type eventLine struct {
	Type  tasksync.EventType `json:"type"`
	Event tasksync.Event     `json:"event"`
}

// printEvents returns a subscriber that writes one JSON object per event.
// An empty filter prints everything.
func printEvents(w io.Writer, types []string) func(tasksync.Event) {
	allow := make(map[tasksync.EventType]bool, len(types))
	for _, t := range types {
		allow[tasksync.EventType(t)] = true
	}
	enc := json.NewEncoder(w)
	return func(ev tasksync.Event) {
		if len(allow) > 0 && !allow[ev.EventType()] {
			return
		}
		_ = enc.Encode(eventLine{Type: ev.EventType(), Event: ev})
	}
}

func printNotifications(w io.Writer) tasksync.NotificationFunc {
	return func(_ context.Context, n tasksync.Notification) error {
		_, err := fmt.Fprintf(w, "!! %s: %s\n", n.Title, n.Body)
		return err
	}
}
