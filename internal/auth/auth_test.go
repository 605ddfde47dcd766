package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "scheduler.identity"}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = testConfig.Issuer
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)
	return signed
}

func TestParseParticipantToken(t *testing.T) {
	token := signToken(t, jwt.MapClaims{
		"sub":         "participant-1",
		"health_code": "hc-1",
		"scopes":      []string{ScopeEventsWrite, ScopeActivitiesRead},
	})

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "participant-1", claims.Subject)
	require.Equal(t, "hc-1", claims.HealthCode)
	require.True(t, claims.HasScope(ScopeEventsWrite))
	require.False(t, claims.HasScope(ScopeAdmin))
}

func TestParseServiceTokenWithoutHealthCode(t *testing.T) {
	token := signToken(t, jwt.MapClaims{
		"sub":    "study-console",
		"scopes": "admin activities:read",
	})

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Empty(t, claims.HealthCode)
	require.True(t, claims.HasScope(ScopeAdmin))
	require.True(t, claims.HasScope(ScopeActivitiesRead))
}

func TestParseRejections(t *testing.T) {
	_, err := Parse("", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)

	_, err = Parse("not-a-jwt", testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := signToken(t, jwt.MapClaims{"sub": "x", "iss": "someone-else"})
	_, err = Parse(wrongIssuer, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	noSubject := signToken(t, jwt.MapClaims{"scopes": []string{ScopeAdmin}})
	_, err = Parse(noSubject, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired := signToken(t, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(-time.Hour).Unix()})
	_, err = Parse(expired, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	var got *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	mw := NewMiddleware(testConfig, func(r *http.Request) bool {
		return r.URL.Path == "/healthz"
	})
	wrapped := mw.Wrap(next)

	// No header.
	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Skipped path.
	rr = httptest.NewRecorder()
	wrapped.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	// Valid bearer token.
	token := signToken(t, jwt.MapClaims{"sub": "participant-1", "health_code": "hc-1"})
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	wrapped.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, got)
	require.Equal(t, "hc-1", got.HealthCode)
}
