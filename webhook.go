package tasksync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body, optionally
// prefixed with "sha256=".
const SignatureHeader = "X-Tasksync-Signature"

const maxWebhookBody = 1 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifySignature checks an HMAC-SHA256 body signature in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

var errNotEnvelope = errors.New(`webhook body is not a {"type", "data"} envelope`)

// ParseWebhookEvent decodes a webhook body in the enveloped form. Keep-alive
// types decode to KeepAlive.
func ParseWebhookEvent(body []byte) (Event, error) {
	env, ok := parseEnvelope(body)
	if !ok {
		return nil, errNotEnvelope
	}
	if !env.Type.Known() {
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	return decodeEvent(env)
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook receives events pushed by the service over signed HTTP POSTs, for
// deployments that cannot hold a stream open. Accepted events go through the
// same delivery path as streamed ones.
type Webhook struct {
	secret  string
	deliver func(Event)
	log     zerolog.Logger
}

// NewWebhook creates a receiver that hands verified events to deliver.
func NewWebhook(secret string, deliver func(Event), log zerolog.Logger) (*Webhook, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if deliver == nil {
		return nil, errors.New("webhook deliver func is required")
	}
	return &Webhook{
		secret:  secret,
		deliver: deliver,
		log:     log.With().Str("component", "webhook").Logger(),
	}, nil
}

// Handle verifies, decodes and delivers one body. It returns the status code
// and JSON body for the caller to write.
func (w *Webhook) Handle(body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		w.log.Warn().Msg("rejected webhook with bad signature")
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	ev, err := ParseWebhookEvent(body)
	if err != nil {
		w.log.Warn().Err(err).Msg("rejected webhook body")
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if _, ok := ev.(KeepAlive); !ok {
		w.deliver(ev)
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	status, data := w.Handle(body, r.Header.Get(SignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
