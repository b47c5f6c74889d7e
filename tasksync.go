// Package tasksync is the real-time client for the task service event stream.
//
// A Client holds one long-lived streaming connection, reconnects with
// exponential backoff when it drops, decodes the pushed task, list, comment,
// preference and settings events and hands them to registered callbacks in
// stream order.
//
// Example:
//
//	client := tasksync.NewClient("https://tasks.example.com",
//		tasksync.WithCredentials(tasksync.StaticCredentials(sessionToken)),
//		tasksync.WithLogger(logger),
//	)
//	defer client.Close()
//
//	client.Events().OnTaskUpdated(func(t tasksync.Task) { ... })
//	unsubscribe := client.Events().OnCommentAdded(func(c tasksync.Comment, taskID string) { ... })
//	defer unsubscribe()
//
//	client.Connect()
package tasksync

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	cfg        StreamConfig
	user       CurrentUser
	scheduler  NotificationScheduler
	cache      *TaskCache
	dispatcher *Dispatcher
	stream     *Stream
}

type ClientOption func(*Client)

// WithCredentials sets where the session credential comes from.
func WithCredentials(p CredentialProvider) ClientOption {
	return func(c *Client) { c.cfg.Credentials = p }
}

func WithTransport(t Transport) ClientOption {
	return func(c *Client) { c.cfg.Transport = t }
}

// WithHTTPClient streams over client. Its Timeout should be zero.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.cfg.Transport = NewHTTPTransport(client) }
}

func WithClock(clock Clock) ClientOption {
	return func(c *Client) { c.cfg.Clock = clock }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.cfg.Logger = log }
}

func WithStreamPath(path string) ClientOption {
	return func(c *Client) { c.cfg.StreamPath = path }
}

// WithCredentialHeader changes the header carrying the credential. The header
// value is prefix followed by the credential, e.g. ("Authorization", "Bearer ").
func WithCredentialHeader(name, prefix string) ClientOption {
	return func(c *Client) {
		c.cfg.CredentialHeader = name
		c.cfg.CredentialPrefix = prefix
	}
}

func WithMaxReconnectAttempts(n int) ClientOption {
	return func(c *Client) { c.cfg.MaxReconnectAttempts = n }
}

func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) { c.cfg.MaxBackoff = d }
}

// WithNotifications enables local notifications for comments that mention
// the current user or land on a task assigned to them.
func WithNotifications(user CurrentUser, scheduler NotificationScheduler) ClientOption {
	return func(c *Client) {
		c.user = user
		c.scheduler = scheduler
	}
}

// NewClient creates a disconnected client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		cfg:     StreamConfig{Logger: zerolog.Nop()},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cache = NewTaskCache(c.cfg.Logger)
	var notifier *CommentNotifier
	if c.user != nil && c.scheduler != nil {
		notifier = NewCommentNotifier(c.user, c.cache, c.scheduler, c.cfg.Logger)
	}
	c.dispatcher = NewDispatcher(c.cfg.Logger, notifier)
	c.cache.Attach(c.dispatcher)
	c.stream = newStream(c.baseURL, c.cfg, c.dispatcher)
	return c
}

// Connect starts streaming in the background. It is a no-op while a
// connection is being made, is open or is waiting to reconnect.
func (c *Client) Connect() { c.stream.Connect() }

// Disconnect stops streaming and cancels any pending reconnect.
func (c *Client) Disconnect() { c.stream.Disconnect() }

// Events returns the dispatcher to register callbacks on.
func (c *Client) Events() *Dispatcher { return c.dispatcher }

// Stream exposes connection state and lifecycle helpers.
func (c *Client) Stream() *Stream { return c.stream }

// Cache returns the task cache fed by the stream.
func (c *Client) Cache() *TaskCache { return c.cache }

// State is shorthand for Stream().State().
func (c *Client) State() ConnectionState { return c.stream.State() }

// Webhook returns a receiver for signed event pushes. Its events share the
// stream's delivery order and subscribers.
func (c *Client) Webhook(secret string) (*Webhook, error) {
	return NewWebhook(secret, c.stream.deliver, c.cfg.Logger)
}

// Close disconnects and releases every subscription. The client cannot be
// reconnected afterwards.
func (c *Client) Close() {
	c.stream.Close()
	c.dispatcher.Close()
}
