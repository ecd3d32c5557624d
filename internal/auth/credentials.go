// ABOUTME: Credential provider interface plus an env/file-backed implementation.
// ABOUTME: Pre-checks JWT expiry locally so expired tokens fail fast before dialing.

package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthRequired is returned when no usable bearer credential is
// available. Callers surface it for user-visible handling (re-login);
// nothing in this subsystem retries it internally.
var ErrAuthRequired = errors.New("auth required")

// Credentials is a bearer token plus the local identity it belongs to.
type Credentials struct {
	Token  string
	UserID string
}

// Provider supplies the current bearer credential. Implementations are
// external collaborators; the conversation subsystem only consumes them.
type Provider interface {
	Credentials() (*Credentials, error)
}

// StaticProvider wraps a fixed token and identity, typically for tests or
// for callers that manage refresh themselves.
type StaticProvider struct {
	Token  string
	UserID string
}

// Credentials returns the fixed credential, or ErrAuthRequired if empty.
func (p *StaticProvider) Credentials() (*Credentials, error) {
	if p.Token == "" {
		return nil, ErrAuthRequired
	}
	return &Credentials{Token: p.Token, UserID: p.UserID}, nil
}

// EnvProvider reads the bearer token from an environment variable, falling
// back to a token file under the user config directory. When the token is
// a JWT, the expiry claim and subject are checked locally so an expired
// credential is rejected before any channel dial.
type EnvProvider struct {
	// EnvVar is the environment variable holding the token.
	EnvVar string
	// TokenFile is the fallback path. Empty selects
	// $XDG_CONFIG_HOME/careline/token.
	TokenFile string

	now func() time.Time
}

// NewEnvProvider creates a provider reading from the given env var with the
// default token file fallback.
func NewEnvProvider(envVar string) *EnvProvider {
	return &EnvProvider{EnvVar: envVar, now: time.Now}
}

// Credentials locates and validates the token. The local identity comes
// from the JWT "sub" claim when present; history responses later supersede
// it with the server-resolved identity.
func (p *EnvProvider) Credentials() (*Credentials, error) {
	token := p.locateToken()
	if token == "" {
		return nil, fmt.Errorf("%w: no bearer token configured", ErrAuthRequired)
	}

	creds := &Credentials{Token: token}
	if sub, err := p.inspectJWT(token); err != nil {
		return nil, err
	} else {
		creds.UserID = sub
	}
	return creds, nil
}

func (p *EnvProvider) locateToken() string {
	if p.EnvVar != "" {
		if token := os.Getenv(p.EnvVar); token != "" {
			return token
		}
	}

	path := p.TokenFile
	if path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return ""
			}
			configDir = filepath.Join(homeDir, ".config")
		}
		path = filepath.Join(configDir, "careline", "token")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// inspectJWT extracts the subject and rejects expired tokens. Signature
// verification stays server-side — the secret is not ours to hold — so the
// token is parsed unverified and only its time claims are enforced.
func (p *EnvProvider) inspectJWT(token string) (string, error) {
	if strings.Count(token, ".") != 2 {
		// Opaque bearer token; nothing to inspect locally.
		return "", nil
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("%w: malformed token: %v", ErrAuthRequired, err)
	}

	now := p.now
	if now == nil {
		now = time.Now
	}
	exp, err := claims.GetExpirationTime()
	if err == nil && exp != nil && exp.Before(now()) {
		return "", fmt.Errorf("%w: token expired at %s", ErrAuthRequired, exp.Format(time.RFC3339))
	}

	sub, _ := claims.GetSubject()
	return sub, nil
}
