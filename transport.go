package tasksync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// Response is the result of opening a stream. Body must be closed by the
// caller; closing it aborts a pending read.
type Response struct {
	StatusCode int
	Body       io.ReadCloser
}

// Transport opens the long-lived stream described by req.
type Transport interface {
	Open(ctx context.Context, req *http.Request) (*Response, error)
}

// ============================================================================
// HTTP
// ============================================================================

// HTTPTransport streams the response body of a plain GET.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport wraps client. A nil client gets one without a timeout;
// a client with a Timeout would cut the stream off.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Open(ctx context.Context, req *http.Request) (*Response, error) {
	resp, err := t.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("http stream: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

// ============================================================================
// WebSocket
// ============================================================================

const wsReadLimit = 1 << 20

var wsFrameTerminator = []byte("\n\n")

// WebSocketTransport carries the same frames as WebSocket text messages, one
// frame per message. The request's http(s) URL is dialed as ws(s) with the
// request headers. A rejected handshake reports the server's status code so
// it is handled like any other non-200 answer.
type WebSocketTransport struct {
	HTTPClient *http.Client
}

func (t *WebSocketTransport) Open(ctx context.Context, req *http.Request) (*Response, error) {
	u := *req.URL
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: req.Header.Clone(),
	})
	if err != nil {
		if resp != nil && resp.StatusCode != 0 && resp.StatusCode != http.StatusSwitchingProtocols {
			return &Response{StatusCode: resp.StatusCode, Body: http.NoBody}, nil
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	pr, pw := io.Pipe()
	go pumpMessages(ctx, conn, pw)
	return &Response{
		StatusCode: http.StatusOK,
		Body:       &wsBody{pipe: pr, conn: conn},
	}, nil
}

// pumpMessages copies text messages into pw until the connection ends. A
// normal close from the server is reported as EOF.
func pumpMessages(ctx context.Context, conn *websocket.Conn, pw *io.PipeWriter) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				pw.Close()
			} else {
				pw.CloseWithError(err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if !bytes.HasSuffix(data, wsFrameTerminator) {
			data = append(data, wsFrameTerminator...)
		}
		if _, err := pw.Write(data); err != nil {
			return
		}
	}
}

type wsBody struct {
	pipe *io.PipeReader
	conn *websocket.Conn
	once sync.Once
}

func (b *wsBody) Read(p []byte) (int, error) { return b.pipe.Read(p) }

func (b *wsBody) Close() error {
	b.once.Do(func() {
		b.pipe.Close()
		b.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return nil
}
