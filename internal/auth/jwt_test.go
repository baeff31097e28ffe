package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueVerify(t *testing.T) {
	v := NewVerifier(testSecret, "")
	tok, err := v.Issue("user-1", "admin", time.Hour)
	require.NoError(t, err)

	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)
	assert.True(t, p.IsAdmin("admin"))
	assert.False(t, p.IsAdmin(""))
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier(testSecret, "polyglot")
	good, err := v.Issue("u", "", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(good)
	require.NoError(t, err)

	expired, err := v.Issue("u", "", -time.Minute)
	require.NoError(t, err)

	otherSecret, err := NewVerifier("another-secret-of-some-length", "polyglot").Issue("u", "", time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewVerifier(testSecret, "someone-else").Issue("u", "", time.Hour)
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{UserID: "u",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "polyglot"}}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noID, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "polyglot"}}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not.a.jwt", ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"wrong secret", otherSecret, ErrInvalidToken},
		{"wrong issuer", wrongIssuer, ErrInvalidToken},
		{"wrong algorithm", hs512, ErrInvalidToken},
		{"no user id", noID, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifySubjectFallback(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "from-sub"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	p, err := NewVerifier(testSecret, "").Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "from-sub", p.UserID)
}

func TestNoSecret(t *testing.T) {
	v := NewVerifier("", "")
	_, err := v.Verify("x")
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = v.Issue("u", "", time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", TokenFromRequest(r))
}

func TestPrincipalContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{UserID: "u", Role: "r"})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u", p.UserID)
}
