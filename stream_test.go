package tasksync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var clockStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeTimer struct {
	d  time.Duration
	ch chan time.Time
}

// fakeClock hands every requested delay to the test, which decides when it
// elapses.
type fakeClock struct {
	timers chan fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{timers: make(chan fakeTimer, 16)}
}

func (c *fakeClock) Now() time.Time { return clockStart }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.timers <- fakeTimer{d: d, ch: ch}
	return ch
}

func (c *fakeClock) expectWait(t *testing.T) fakeTimer {
	t.Helper()
	select {
	case tm := <-c.timers:
		return tm
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a backoff delay")
		return fakeTimer{}
	}
}

func (tm fakeTimer) fire() { tm.ch <- clockStart.Add(tm.d) }

type respondFunc func(ctx context.Context, req *http.Request, n int) (*Response, error)

type fakeTransport struct {
	respond respondFunc

	mu       sync.Mutex
	requests []*http.Request
	inFlight int
	maxIn    int
}

func (f *fakeTransport) Open(ctx context.Context, req *http.Request) (*Response, error) {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	f.inFlight++
	if f.inFlight > f.maxIn {
		f.maxIn = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	return f.respond(ctx, req, n)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTransport) request(i int) *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func status(code int) respondFunc {
	return func(context.Context, *http.Request, int) (*Response, error) {
		return &Response{StatusCode: code, Body: http.NoBody}, nil
	}
}

func body(chunks ...string) *Response {
	readers := make([]io.Reader, len(chunks))
	for i, c := range chunks {
		readers[i] = strings.NewReader(c)
	}
	return &Response{StatusCode: http.StatusOK, Body: io.NopCloser(io.MultiReader(readers...))}
}

func pipe() (*Response, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return &Response{StatusCode: http.StatusOK, Body: pr}, pw
}

func newTestStream(t *testing.T, tr Transport, clock Clock, cfg StreamConfig) (*Stream, *Dispatcher) {
	t.Helper()
	cfg.Transport = tr
	cfg.Clock = clock
	if cfg.Credentials == nil {
		cfg.Credentials = StaticCredentials("secret")
	}
	cfg.Logger = zerolog.Nop()
	d := NewDispatcher(zerolog.Nop(), nil)
	s := newStream("https://tasks.example.com", cfg, d)
	t.Cleanup(s.Close)
	return s, d
}

func waitPhase(t *testing.T, s *Stream, p Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State().Phase == p },
		2*time.Second, 5*time.Millisecond, "never reached %s, last %s", p, s.State())
}

func waitDone(t *testing.T, s *Stream) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
}

// ============================================================================
// Backoff scenarios
// ============================================================================

func TestStreamUnauthorizedBacksOffThenGivesUp(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{respond: status(http.StatusUnauthorized)}
	s, _ := newTestStream(t, tr, clock, StreamConfig{})

	s.Connect()

	for i, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second} {
		tm := clock.expectWait(t)
		assert.Equal(t, want, tm.d)

		st := s.State()
		assert.Equal(t, PhaseBackoff, st.Phase)
		assert.Equal(t, i+1, st.Attempt)
		assert.Equal(t, clockStart.Add(want), st.Deadline)
		tm.fire()
	}

	waitDone(t, s)
	assert.Equal(t, PhaseDisconnected, s.State().Phase)
	assert.Equal(t, 5, tr.count())
	assert.Empty(t, clock.timers, "no sixth attempt may be scheduled")
}

func TestStreamSuccessResetsAttemptCounter(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{respond: func(_ context.Context, _ *http.Request, n int) (*Response, error) {
		switch n {
		case 0:
			return nil, errors.New("connection refused")
		case 1:
			return &Response{StatusCode: http.StatusBadGateway, Body: http.NoBody}, nil
		case 2:
			return body(": hello\n\n"), nil
		}
		return &Response{StatusCode: http.StatusServiceUnavailable, Body: http.NoBody}, nil
	}}
	s, _ := newTestStream(t, tr, clock, StreamConfig{})

	s.Connect()

	tm := clock.expectWait(t)
	assert.Equal(t, 2*time.Second, tm.d)
	tm.fire()

	tm = clock.expectWait(t)
	assert.Equal(t, 4*time.Second, tm.d)
	tm.fire()

	// Third attempt got a 200 and then EOF: the count restarts.
	tm = clock.expectWait(t)
	assert.Equal(t, 2*time.Second, tm.d)
	assert.Equal(t, 1, s.State().Attempt)
	s.Disconnect()
	waitDone(t, s)
	assert.Equal(t, 3, tr.count())
}

func TestStreamMaxBackoffCap(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{respond: status(http.StatusInternalServerError)}
	s, _ := newTestStream(t, tr, clock, StreamConfig{MaxReconnectAttempts: 10, MaxBackoff: 5 * time.Second})

	s.Connect()
	var delays []time.Duration
	for i := 0; i < 9; i++ {
		tm := clock.expectWait(t)
		delays = append(delays, tm.d)
		tm.fire()
	}
	waitDone(t, s)
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second,
		5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second,
	}, delays)
	assert.Equal(t, 10, tr.count())
}

func TestStreamConnectAfterGivingUp(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{respond: status(http.StatusUnauthorized)}
	s, _ := newTestStream(t, tr, clock, StreamConfig{MaxReconnectAttempts: 2})

	s.Connect()
	clock.expectWait(t).fire()
	waitDone(t, s)
	require.Equal(t, 2, tr.count())

	// The failure count survives an explicit Connect, so the next failure
	// gives up immediately.
	s.Connect()
	waitDone(t, s)
	assert.Equal(t, 3, tr.count())
	assert.Equal(t, PhaseDisconnected, s.State().Phase)
	assert.Empty(t, clock.timers)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestStreamDisconnectWhileStreaming(t *testing.T) {
	clock := newFakeClock()
	resp, pw := pipe()
	defer pw.Close()
	tr := &fakeTransport{respond: func(context.Context, *http.Request, int) (*Response, error) { return resp, nil }}
	s, _ := newTestStream(t, tr, clock, StreamConfig{})

	s.Connect()
	waitPhase(t, s, PhaseStreaming)

	s.Disconnect()
	waitDone(t, s)
	assert.Equal(t, PhaseDisconnected, s.State().Phase)
	assert.Equal(t, 1, tr.count())
	assert.Empty(t, clock.timers, "a cancelled stream must not reconnect")
}

func TestStreamDisconnectDuringBackoff(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{respond: status(http.StatusServiceUnavailable)}
	s, _ := newTestStream(t, tr, clock, StreamConfig{})

	s.Connect()
	tm := clock.expectWait(t)
	s.Disconnect()
	waitDone(t, s)
	tm.fire()

	assert.Equal(t, PhaseDisconnected, s.State().Phase)
	assert.Equal(t, 1, tr.count())
}

func TestStreamDisconnectWhileOpening(t *testing.T) {
	clock := newFakeClock()
	opening := make(chan struct{})
	tr := &fakeTransport{respond: func(ctx context.Context, _ *http.Request, _ int) (*Response, error) {
		close(opening)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s, _ := newTestStream(t, tr, clock, StreamConfig{})

	s.Connect()
	<-opening
	s.Disconnect()
	waitDone(t, s)
	assert.Equal(t, PhaseDisconnected, s.State().Phase)
	assert.Empty(t, clock.timers)
}

func TestStreamConnectIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	resp, pw := pipe()
	defer pw.Close()
	tr := &fakeTransport{respond: func(context.Context, *http.Request, int) (*Response, error) { return resp, nil }}
	s, _ := newTestStream(t, tr, clock, StreamConfig{})

	s.Connect()
	s.Connect()
	waitPhase(t, s, PhaseStreaming)
	s.Connect()

	assert.Equal(t, 1, tr.count())
}

func TestStreamSingleReadLoop(t *testing.T) {
	clock := newFakeClock()
	resp, pw := pipe()
	defer pw.Close()
	tr := &fakeTransport{respond: func(ctx context.Context, _ *http.Request, n int) (*Response, error) {
		if n == 0 {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return nil, ctx.Err()
		}
		return resp, nil
	}}
	s, _ := newTestStream(t, tr, clock, StreamConfig{})

	s.Connect()
	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, time.Millisecond)
	s.Disconnect()
	s.Connect()

	waitPhase(t, s, PhaseStreaming)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 1, tr.maxIn, "two loops opened the transport at once")
	assert.Len(t, tr.requests, 2)
}

// blockingOpen holds every connection attempt inside Open until its context
// is cancelled, then lingers briefly so overlapping loops would be observed.
func blockingOpen(linger time.Duration) respondFunc {
	return func(ctx context.Context, _ *http.Request, _ int) (*Response, error) {
		<-ctx.Done()
		time.Sleep(linger)
		return nil, ctx.Err()
	}
}

func TestStreamSingleReadLoopAcrossCancelledWaiters(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTransport{respond: func(ctx context.Context, _ *http.Request, n int) (*Response, error) {
		if n == 0 {
			// The first loop ignores cancellation until released.
			<-release
			return nil, errors.New("connection reset")
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s, _ := newTestStream(t, tr, newFakeClock(), StreamConfig{})

	s.Connect()
	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, time.Millisecond)
	s.Disconnect()
	s.Connect() // queued behind the first loop
	s.Disconnect()
	s.Connect() // must still be queued behind the first loop

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tr.count(), "a later loop opened while the first was still inside Open")

	close(release)
	require.Eventually(t, func() bool { return tr.count() == 2 }, 2*time.Second, time.Millisecond)
	s.Disconnect()
	waitDone(t, s)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 1, tr.maxIn)
}

func TestStreamConcurrentConnectDisconnect(t *testing.T) {
	tr := &fakeTransport{respond: blockingOpen(time.Millisecond)}
	s, _ := newTestStream(t, tr, newFakeClock(), StreamConfig{})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if (g+i)%2 == 0 {
					s.Connect()
				} else {
					s.Disconnect()
				}
			}
		}(g)
	}
	wg.Wait()
	s.Disconnect()
	waitDone(t, s)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 1, tr.maxIn, "two loops were inside Open at once")
	assert.Zero(t, tr.inFlight)
}

func TestStreamStateObserver(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{respond: status(http.StatusUnauthorized)}
	s, _ := newTestStream(t, tr, clock, StreamConfig{MaxReconnectAttempts: 2})

	var phases []Phase
	s.OnStateChange(func(st ConnectionState) { phases = append(phases, st.Phase) })

	s.Connect()
	clock.expectWait(t).fire()
	waitDone(t, s)
	s.Sync()

	assert.Equal(t, []Phase{PhaseConnecting, PhaseBackoff, PhaseConnecting, PhaseDisconnected}, phases)
}

func TestStreamConnectAfterClose(t *testing.T) {
	tr := &fakeTransport{respond: status(http.StatusOK)}
	s, _ := newTestStream(t, tr, newFakeClock(), StreamConfig{})
	s.Close()
	s.Connect()
	assert.Equal(t, PhaseDisconnected, s.State().Phase)
	assert.Zero(t, tr.count())
}

// ============================================================================
// Requests and credentials
// ============================================================================

func TestStreamRequestHeaders(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{respond: status(http.StatusUnauthorized)}
	s, _ := newTestStream(t, tr, clock, StreamConfig{Credentials: StaticCredentials("abc123")})

	s.Connect()
	clock.expectWait(t)
	s.Disconnect()
	waitDone(t, s)

	req := tr.request(0)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "https://tasks.example.com/api/events", req.URL.String())
	assert.Equal(t, "text/event-stream", req.Header.Get("Accept"))
	assert.Equal(t, "no-cache", req.Header.Get("Cache-Control"))
	assert.Equal(t, "session=abc123", req.Header.Get("Cookie"))
}

func TestStreamCustomCredentialHeader(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{respond: status(http.StatusUnauthorized)}
	s, _ := newTestStream(t, tr, clock, StreamConfig{
		Credentials:      StaticCredentials("abc123"),
		CredentialHeader: "Authorization",
		CredentialPrefix: "Bearer ",
		StreamPath:       "/v2/stream",
	})

	s.Connect()
	clock.expectWait(t)
	s.Disconnect()
	waitDone(t, s)

	req := tr.request(0)
	assert.Equal(t, "/v2/stream", req.URL.Path)
	assert.Equal(t, "Bearer abc123", req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("Cookie"))
}

func TestStreamWithoutCredentialStillConnects(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{respond: status(http.StatusUnauthorized)}
	s, _ := newTestStream(t, tr, clock, StreamConfig{Credentials: StaticCredentials("")})

	s.Connect()
	clock.expectWait(t)
	s.Disconnect()
	waitDone(t, s)

	require.Equal(t, 1, tr.count())
	_, ok := tr.request(0).Header["Cookie"]
	assert.False(t, ok)
}

func TestStreamFetchesCredentialEveryAttempt(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	calls := 0
	creds := CredentialFunc(func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return fmt.Sprintf("tok-%d", calls), nil
	})
	tr := &fakeTransport{respond: status(http.StatusUnauthorized)}
	s, _ := newTestStream(t, tr, clock, StreamConfig{Credentials: creds})

	s.Connect()
	clock.expectWait(t).fire()
	clock.expectWait(t)
	s.Disconnect()
	waitDone(t, s)

	assert.Equal(t, "session=tok-1", tr.request(0).Header.Get("Cookie"))
	assert.Equal(t, "session=tok-2", tr.request(1).Header.Get("Cookie"))
}

func TestStreamConfigErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		creds   CredentialProvider
	}{
		{"credential failure", "https://tasks.example.com", CredentialFunc(func(context.Context) (string, error) {
			return "", errors.New("keychain locked")
		})},
		{"unparseable URL", "://nope", StaticCredentials("x")},
		{"unsupported scheme", "ftp://tasks.example.com", StaticCredentials("x")},
		{"relative URL", "not-a-url", StaticCredentials("x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			tr := &fakeTransport{respond: status(http.StatusOK)}
			d := NewDispatcher(zerolog.Nop(), nil)
			s := newStream(tt.baseURL, StreamConfig{
				Credentials: tt.creds,
				Transport:   tr,
				Clock:       clock,
				Logger:      zerolog.Nop(),
			}, d)
			defer s.Close()

			s.Connect()
			waitDone(t, s)
			assert.Equal(t, PhaseDisconnected, s.State().Phase)
			assert.Zero(t, tr.count())
			assert.Empty(t, clock.timers)
		})
	}
}

// ============================================================================
// Events
// ============================================================================

func TestStreamDeliversEventSplitAcrossChunks(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{respond: func(context.Context, *http.Request, int) (*Response, error) {
		return body("event: task_del", "eted\ndata: {\"id\":\"t-", "42\"}\n", "\n"), nil
	}}
	s, d := newTestStream(t, tr, clock, StreamConfig{})

	var deleted []string
	d.OnTaskDeleted(func(id string) { deleted = append(deleted, id) })

	s.Connect()
	clock.expectWait(t)
	s.Disconnect()
	waitDone(t, s)
	s.Sync()

	assert.Equal(t, []string{"t-42"}, deleted)
}

func TestStreamDropsBadFramesAndKeepsGoing(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{respond: func(context.Context, *http.Request, int) (*Response, error) {
		return body(
			": keep-alive\n\n",
			"data: {\"type\":\"connected\"}\n\n",
			"data: {\"type\":\"confetti\",\"data\":{}}\n\n",
			"event: task_created\ndata: {\"title\":\"no id\"}\n\n",
			"data: not json\n\n",
			"event: list_deleted\ndata: {\"id\":\"l-1\"}\n\n",
			"event: task_deleted\ndata: {\"id\":\"t-partial\"",
		), nil
	}}
	s, d := newTestStream(t, tr, clock, StreamConfig{})

	var got []Event
	d.OnAny(func(ev Event) { got = append(got, ev) })

	s.Connect()
	clock.expectWait(t)
	s.Disconnect()
	waitDone(t, s)
	s.Sync()

	assert.Equal(t, []Event{ListDeleted{ID: "l-1"}}, got)
}

func TestStreamSlowSubscriberDoesNotBlockReading(t *testing.T) {
	clock := newFakeClock()
	resp, pw := pipe()
	defer pw.Close()
	tr := &fakeTransport{respond: func(context.Context, *http.Request, int) (*Response, error) { return resp, nil }}
	s, d := newTestStream(t, tr, clock, StreamConfig{})

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	d.OnTaskDeleted(func(id string) {
		if id == "t-0" {
			<-release
		}
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	})

	s.Connect()
	waitPhase(t, s, PhaseStreaming)

	written := make(chan error, 1)
	go func() {
		for i := 0; i < 5; i++ {
			if _, err := fmt.Fprintf(pw, "event: task_deleted\ndata: {\"id\":\"t-%d\"}\n\n", i); err != nil {
				written <- err
				return
			}
		}
		written <- nil
	}()

	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader stalled behind a slow subscriber")
	}

	close(release)
	s.Sync()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t-0", "t-1", "t-2", "t-3", "t-4"}, order)
}

// ============================================================================
// HTTP end to end
// ============================================================================

func TestStreamOverHTTP(t *testing.T) {
	headers := make(chan http.Header, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, chunk := range []string{
			"event: task_created\ndata: {\"id\":\"t-1\",\"title\":\"Caf",
			"é\",\"createdAt\":\"2024-05-01T10:00:00Z\",\"updatedAt\":\"2024-05-01T10:00:00Z\"}\n\n",
			": keep-alive\n\n",
			"data: {\"type\":\"comment_added\",\"data\":{\"taskId\":\"t-1\",\"comment\":{\"id\":\"c-1\",\"authorId\":\"u-2\",\"text\":\"hi\",\"createdAt\":\"2024-05-01T10:00:00Z\"}}}\n\n",
		} {
			io.WriteString(w, chunk)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	d := NewDispatcher(zerolog.Nop(), nil)
	s := newStream(server.URL, StreamConfig{
		Credentials: StaticCredentials("abc"),
		Transport:   NewHTTPTransport(server.Client()),
		Clock:       newFakeClock(),
		Logger:      zerolog.Nop(),
	}, d)
	defer s.Close()

	events := make(chan Event, 4)
	d.OnAny(func(ev Event) { events <- ev })

	s.Connect()

	h := <-headers
	assert.Equal(t, "text/event-stream", h.Get("Accept"))
	assert.Equal(t, "session=abc", h.Get("Cookie"))

	for _, want := range []EventType{EventTaskCreated, EventCommentAdded} {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.EventType())
			if created, ok := ev.(TaskCreated); ok {
				assert.Equal(t, "Café", created.Task.Title)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event", want)
		}
	}
	assert.Equal(t, PhaseStreaming, s.State().Phase)

	s.Disconnect()
	waitDone(t, s)
}
