package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zettelhub/platform/autonomy/internal/models"
)

var ErrUnauthenticated = errors.New("authentication required")

// Principal is the caller of an API request.
type Principal struct {
	ActorID  string `json:"userId"`
	TenantID string `json:"companyId"`
	Role     string `json:"role"`
}

// IsAdmin reports whether the principal may change tenant policy.
func (p Principal) IsAdmin() bool {
	return p.Role == models.RoleCompanyAdmin || p.Role == models.RoleSuperAdmin
}

// Claims is the token payload issued by the platform's login flow.
type Claims struct {
	CompanyID string `json:"company_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret          string
	AllowDevHeaders bool
}

// Verifier resolves the principal of a request from a bearer token, or from
// X-User-ID / X-Company-ID / X-User-Role when dev headers are allowed.
type Verifier struct {
	secret []byte
	dev    bool
	parser *jwt.Parser
}

func NewVerifier(cfg Config) *Verifier {
	return &Verifier{
		secret: []byte(cfg.Secret),
		dev:    cfg.AllowDevHeaders,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

// Authenticate returns the principal for r.
func (v *Verifier) Authenticate(r *http.Request) (Principal, error) {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return v.verifyToken(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
	}
	if v.dev {
		p := Principal{
			ActorID:  strings.TrimSpace(r.Header.Get("X-User-ID")),
			TenantID: strings.TrimSpace(r.Header.Get("X-Company-ID")),
			Role:     strings.TrimSpace(r.Header.Get("X-User-Role")),
		}
		if p.ActorID != "" && p.TenantID != "" {
			if p.Role == "" {
				p.Role = models.RoleAgent
			}
			return p, nil
		}
	}
	return Principal{}, ErrUnauthenticated
}

func (v *Verifier) verifyToken(raw string) (Principal, error) {
	if len(v.secret) == 0 {
		return Principal{}, fmt.Errorf("%w: token auth is not configured", ErrUnauthenticated)
	}
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Subject == "" || claims.CompanyID == "" {
		return Principal{}, fmt.Errorf("%w: token is missing sub or company_id", ErrUnauthenticated)
	}
	return Principal{ActorID: claims.Subject, TenantID: claims.CompanyID, Role: claims.Role}, nil
}

type ctxKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by the middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Middleware authenticates every request and calls onError when that fails.
func (v *Verifier) Middleware(onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Authenticate(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
