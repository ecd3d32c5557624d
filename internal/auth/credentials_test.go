// ABOUTME: Tests for credential lookup and local JWT expiry pre-checks.
// ABOUTME: Validates env var / token file resolution and ErrAuthRequired surfacing.

package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestStaticProvider(t *testing.T) {
	p := &StaticProvider{Token: "tok", UserID: "42"}
	creds, err := p.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "tok", creds.Token)
	assert.Equal(t, "42", creds.UserID)
}

func TestStaticProvider_Empty(t *testing.T) {
	p := &StaticProvider{}
	_, err := p.Credentials()
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestEnvProvider_NoTokenAnywhere(t *testing.T) {
	p := NewEnvProvider("CARELINE_TEST_TOKEN_UNSET")
	p.TokenFile = filepath.Join(t.TempDir(), "missing")

	_, err := p.Credentials()
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestEnvProvider_OpaqueTokenFromEnv(t *testing.T) {
	t.Setenv("CARELINE_TEST_TOKEN", "opaque-bearer")
	p := NewEnvProvider("CARELINE_TEST_TOKEN")

	creds, err := p.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "opaque-bearer", creds.Token)
	// Opaque tokens carry no identity; the history response resolves it.
	assert.Empty(t, creds.UserID)
}

func TestEnvProvider_TokenFileFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("file-token\n"), 0o600))

	p := NewEnvProvider("CARELINE_TEST_TOKEN_UNSET")
	p.TokenFile = path

	creds, err := p.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "file-token", creds.Token)
}

func TestEnvProvider_JWTSubjectExtracted(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub": "42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	t.Setenv("CARELINE_TEST_TOKEN", token)
	p := NewEnvProvider("CARELINE_TEST_TOKEN")

	creds, err := p.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "42", creds.UserID)
}

func TestEnvProvider_ExpiredJWTRejected(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub": "42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	t.Setenv("CARELINE_TEST_TOKEN", token)
	p := NewEnvProvider("CARELINE_TEST_TOKEN")

	_, err := p.Credentials()
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestEnvProvider_MalformedJWTRejected(t *testing.T) {
	t.Setenv("CARELINE_TEST_TOKEN", "a.b.c")
	p := NewEnvProvider("CARELINE_TEST_TOKEN")

	_, err := p.Credentials()
	assert.ErrorIs(t, err, ErrAuthRequired)
}
