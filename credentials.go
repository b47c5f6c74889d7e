package tasksync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	toml "github.com/pelletier/go-toml/v2"
)

// CredentialProvider supplies the session credential for a connection
// attempt. It is asked again on every attempt, so a rotated credential is
// picked up on the next reconnect. An empty string with a nil error means
// there is no credential; the stream still connects and lets the server
// reject it.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

// StaticCredentials always returns the same credential.
type StaticCredentials string

func (c StaticCredentials) Credential(context.Context) (string, error) {
	return string(c), nil
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context) (string, error)

func (f CredentialFunc) Credential(ctx context.Context) (string, error) { return f(ctx) }

// FileCredentials reads auth.session_token from a TOML config file each time
// it is asked. A missing file means no credential.
type FileCredentials struct {
	Path string
}

type credentialFile struct {
	Auth struct {
		SessionToken string `toml:"session_token"`
	} `toml:"auth"`
}

func (f FileCredentials) Credential(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read credentials: %w", err)
	}
	var cf credentialFile
	if err := toml.Unmarshal(data, &cf); err != nil {
		return "", fmt.Errorf("parse credentials: %w", err)
	}
	return cf.Auth.SessionToken, nil
}

// ============================================================================
// Session token identity
// ============================================================================

// SessionClaims is what the client can learn from a session token without
// verifying it. Verification is the server's job.
type SessionClaims struct {
	UserID    string
	ExpiresAt time.Time
}

// Expired reports whether the token carried an expiry that has passed.
func (c SessionClaims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ParseSessionToken extracts the user id (sub, falling back to user_id or
// userId) and expiry from a JWT session token.
func ParseSessionToken(token string) (SessionClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return SessionClaims{}, fmt.Errorf("parse session token: %w", err)
	}

	var out SessionClaims
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		out.UserID = sub
	} else {
		for _, key := range []string{"user_id", "userId"} {
			if v, ok := claims[key].(string); ok && v != "" {
				out.UserID = v
				break
			}
		}
	}
	if out.UserID == "" {
		return SessionClaims{}, errors.New("parse session token: no user id claim")
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time.UTC()
	}
	return out, nil
}

// TokenIdentity resolves the current user from the session token returned by
// a CredentialProvider. The token is read on every call.
type TokenIdentity struct {
	Credentials CredentialProvider
}

func (t TokenIdentity) CurrentUserID() (string, bool) {
	if t.Credentials == nil {
		return "", false
	}
	token, err := t.Credentials.Credential(context.Background())
	if err != nil || token == "" {
		return "", false
	}
	claims, err := ParseSessionToken(token)
	if err != nil {
		return "", false
	}
	return claims.UserID, true
}
