package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims, key any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":        "u1",
		"company_id": "c1",
		"role":       "company_admin",
		"exp":        time.Now().Add(time.Hour).Unix(),
	}
}

func request(headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/gatekeeper/profile", nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestAuthenticateToken(t *testing.T) {
	v := NewVerifier(Config{Secret: secret})

	p, err := v.Authenticate(request(map[string]string{
		"Authorization": "Bearer " + sign(t, jwt.SigningMethodHS256, validClaims(), []byte(secret)),
	}))
	require.NoError(t, err)
	assert.Equal(t, Principal{ActorID: "u1", TenantID: "c1", Role: "company_admin"}, p)
	assert.True(t, p.IsAdmin())
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	v := NewVerifier(Config{Secret: secret})

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	noExp := validClaims()
	delete(noExp, "exp")
	noTenant := validClaims()
	delete(noTenant, "company_id")

	cases := map[string]string{
		"wrong secret": sign(t, jwt.SigningMethodHS256, validClaims(), []byte("other")),
		"expired":      sign(t, jwt.SigningMethodHS256, expired, []byte(secret)),
		"no expiry":    sign(t, jwt.SigningMethodHS256, noExp, []byte(secret)),
		"no tenant":    sign(t, jwt.SigningMethodHS256, noTenant, []byte(secret)),
		"wrong alg":    sign(t, jwt.SigningMethodHS512, validClaims(), []byte(secret)),
		"garbage":      "not-a-token",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Authenticate(request(map[string]string{"Authorization": "Bearer " + token}))
			assert.True(t, errors.Is(err, ErrUnauthenticated), "got %v", err)
		})
	}
}

func TestAuthenticateDevHeaders(t *testing.T) {
	headers := map[string]string{"X-User-ID": "u9", "X-Company-ID": "c9"}

	_, err := NewVerifier(Config{Secret: secret}).Authenticate(request(headers))
	assert.ErrorIs(t, err, ErrUnauthenticated)

	p, err := NewVerifier(Config{AllowDevHeaders: true}).Authenticate(request(headers))
	require.NoError(t, err)
	assert.Equal(t, Principal{ActorID: "u9", TenantID: "c9", Role: "agent"}, p)
	assert.False(t, p.IsAdmin())
}

func TestMiddlewareStoresPrincipal(t *testing.T) {
	v := NewVerifier(Config{AllowDevHeaders: true})
	var seen Principal
	h := v.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, request(map[string]string{"X-User-ID": "u1", "X-Company-ID": "c1", "X-User-Role": "supervisor"}))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "supervisor", seen.Role)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, request(nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
