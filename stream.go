package tasksync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultStreamPath       = "/api/events"
	DefaultCredentialHeader = "Cookie"
	DefaultCredentialPrefix = "session="

	readChunkSize = 4096
)

var errStreamEnded = errors.New("stream ended")

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig holds the collaborators and limits of a Stream. Zero values
// are replaced by defaults.
type StreamConfig struct {
	StreamPath           string
	Credentials          CredentialProvider
	Transport            Transport
	Clock                Clock
	Logger               zerolog.Logger
	CredentialHeader     string
	CredentialPrefix     string
	MaxReconnectAttempts int
	MaxBackoff           time.Duration
}

func (c *StreamConfig) defaults() {
	if c.StreamPath == "" {
		c.StreamPath = DefaultStreamPath
	}
	if c.Credentials == nil {
		c.Credentials = StaticCredentials("")
	}
	if c.Transport == nil {
		c.Transport = NewHTTPTransport(nil)
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	if c.CredentialHeader == "" {
		c.CredentialHeader = DefaultCredentialHeader
		if c.CredentialPrefix == "" {
			c.CredentialPrefix = DefaultCredentialPrefix
		}
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

// ============================================================================
// Stream
// ============================================================================

// Stream supervises the connection to the event endpoint. It runs at most one
// read loop at a time; the loop reconnects with exponential backoff after
// failures and stops for good after MaxReconnectAttempts consecutive
// failures, on a configuration error, or on Disconnect.
//
// Decoded events are handed to the Dispatcher through a serial queue, so
// subscribers never run on the reader goroutine and always see events in
// stream order.
type Stream struct {
	baseURL    string
	cfg        StreamConfig
	log        zerolog.Logger
	dispatcher *Dispatcher
	decoder    *decoder
	queue      *deliveryQueue

	mu        sync.Mutex
	state     ConnectionState
	recon     *reconnector
	cancel    context.CancelFunc
	done      chan struct{}
	observers []func(ConnectionState)
	closed    bool
}

func newStream(baseURL string, cfg StreamConfig, d *Dispatcher) *Stream {
	cfg.defaults()
	log := cfg.Logger.With().Str("component", "stream").Logger()
	return &Stream{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cfg:        cfg,
		log:        log,
		dispatcher: d,
		decoder:    newDecoder(cfg.Logger),
		queue:      newDeliveryQueue(),
		state:      ConnectionState{Phase: PhaseDisconnected},
		recon:      newReconnector(cfg.MaxReconnectAttempts, cfg.MaxBackoff),
	}
}

// State returns a snapshot of the current connection state.
func (s *Stream) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers an observer for state transitions. Observers run on
// the delivery queue, interleaved in order with events.
func (s *Stream) OnStateChange(fn func(ConnectionState)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Connect starts the read loop if the stream is disconnected. In any other
// state it does nothing. It never blocks on the network.
func (s *Stream) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.log.Warn().Msg("connect on closed stream")
		return
	}
	if s.state.Phase != PhaseDisconnected {
		s.log.Debug().Str("state", s.state.String()).Msg("connect ignored")
		return
	}

	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	prev := s.done
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.setStateLocked(ConnectionState{Phase: PhaseConnecting})
	go s.run(ctx, prev, done)
}

// Disconnect stops the read loop and any pending reconnect. Events already
// queued are still delivered.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.state.Phase != PhaseDisconnected {
		s.log.Info().Msg("disconnected by client")
		s.setStateLocked(ConnectionState{Phase: PhaseDisconnected})
	}
}

// Wait blocks until the most recently started read loop, and every loop
// started before it, has exited.
func (s *Stream) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Sync blocks until every event and state change produced so far has been
// delivered. It must not be called from a subscriber.
func (s *Stream) Sync() {
	s.queue.Sync()
}

// deliver queues ev for dispatch behind everything already queued.
func (s *Stream) deliver(ev Event) {
	s.queue.Push(func() { s.dispatcher.Dispatch(ev) })
}

// Close disconnects, waits for the loop to exit and stops delivery. The
// stream cannot be reused afterwards.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Disconnect()
	s.Wait()
	s.queue.Close()
}

func (s *Stream) setStateLocked(st ConnectionState) {
	s.state = st
	if len(s.observers) == 0 {
		return
	}
	observers := append([]func(ConnectionState){}, s.observers...)
	s.queue.Push(func() {
		for _, fn := range observers {
			safeCall(s.log, "state", func() { fn(st) })
		}
	})
}

// transition applies st unless ctx was cancelled. Disconnect cancels under
// the same mutex, so a loop that lost the race never overwrites the state.
func (s *Stream) transition(ctx context.Context, st ConnectionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.setStateLocked(st)
	return true
}

// ============================================================================
// Read loop
// ============================================================================

func (s *Stream) run(ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	// done must not close before every older loop has exited, even when this
	// one is cancelled first, or a later Connect could overlap with them.
	if prev != nil {
		<-prev
	}
	if ctx.Err() != nil {
		return
	}

	for {
		err := s.attempt(ctx)
		if ctx.Err() != nil {
			return
		}

		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			s.log.Error().Err(err).Msg("cannot connect")
			s.transition(ctx, ConnectionState{Phase: PhaseDisconnected})
			return
		}

		if !s.backoff(ctx, err) {
			return
		}
		if !s.transition(ctx, ConnectionState{Phase: PhaseConnecting}) {
			return
		}
	}
}

// backoff records a failure and waits out the delay. It returns false when
// the loop must stop, either because the attempt budget is spent or because
// the stream was disconnected.
func (s *Stream) backoff(ctx context.Context, cause error) bool {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	delay, ok := s.recon.fail()
	attempt := s.recon.attempt
	if !ok {
		s.log.Warn().Err(cause).Int("attempts", attempt).Msg("giving up")
		s.setStateLocked(ConnectionState{Phase: PhaseDisconnected})
		s.mu.Unlock()
		return false
	}
	deadline := s.cfg.Clock.Now().Add(delay)
	s.log.Warn().Err(cause).Int("attempt", attempt).Dur("delay", delay).Msg("stream failed, reconnecting")
	s.setStateLocked(ConnectionState{Phase: PhaseBackoff, Attempt: attempt, Deadline: deadline})
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-s.cfg.Clock.After(delay):
		return true
	}
}

// attempt makes one connection and reads it until it ends.
func (s *Stream) attempt(ctx context.Context) error {
	req, err := s.newRequest(ctx)
	if err != nil {
		return err
	}

	resp, err := s.cfg.Transport.Open(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return ctx.Err()
	}
	s.recon.reset()
	s.setStateLocked(ConnectionState{Phase: PhaseStreaming})
	s.mu.Unlock()
	s.log.Info().Str("url", req.URL.Redacted()).Msg("stream connected")

	stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
	defer stop()
	return s.read(ctx, resp.Body)
}

func (s *Stream) newRequest(ctx context.Context) (*http.Request, error) {
	cred, err := s.cfg.Credentials.Credential(ctx)
	if err != nil {
		return nil, &ConfigError{Op: "fetch credential", Err: err}
	}

	endpoint, err := url.Parse(s.baseURL + s.cfg.StreamPath)
	if err != nil {
		return nil, &ConfigError{Op: "build request", Err: err}
	}
	switch {
	case endpoint.Scheme != "http" && endpoint.Scheme != "https":
		return nil, &ConfigError{Op: "build request", Err: fmt.Errorf("unsupported scheme %q", endpoint.Scheme)}
	case endpoint.Host == "":
		return nil, &ConfigError{Op: "build request", Err: errors.New("missing host")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, &ConfigError{Op: "build request", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if cred != "" {
		req.Header.Set(s.cfg.CredentialHeader, s.cfg.CredentialPrefix+cred)
	} else {
		s.log.Debug().Msg("no credential, connecting anyway")
	}
	return req, nil
}

// read feeds the body through the frame assembler and decoder until it ends.
// A partial frame left over at the end is discarded.
func (s *Stream) read(ctx context.Context, body io.Reader) error {
	var asm frameAssembler
	buf := make([]byte, readChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, frame := range asm.Write(buf[:n]) {
				ev, ok := s.decoder.Decode(frame)
				if !ok {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.deliver(ev)
			}
		}
		if err != nil {
			if pending := asm.Pending(); pending > 0 {
				s.log.Debug().Int("bytes", pending).Msg("discarding partial frame")
			}
			if errors.Is(err, io.EOF) {
				return errStreamEnded
			}
			return fmt.Errorf("read stream: %w", err)
		}
	}
}
