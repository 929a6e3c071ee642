package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agritrace/pkg/domain"
)

// Header names accepted when no JWT secret is configured.
const (
	HeaderAddress = "X-Agritrace-Address"
	HeaderRole    = "X-Agritrace-Role"
	HeaderAdmin   = "X-Agritrace-Admin"
)

// Claims is the bearer token payload. Subject carries the participant address.
type Claims struct {
	Role  string `json:"role"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated requester.
type Principal struct {
	Caller domain.Caller
	Admin  bool
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by the authentication middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// IssueToken signs an HS256 token for address acting as role.
func IssueToken(secret []byte, address string, role domain.Role, admin bool, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is required")
	}
	now := time.Now()
	claims := Claims{
		Role:  string(role),
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			Issuer:    "agritrace",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

type authenticator struct {
	secret []byte
}

// principal resolves the requester. With a secret, a valid bearer token is
// required; without one, the X-Agritrace-* headers are trusted.
func (a authenticator) principal(r *http.Request) (Principal, error) {
	if len(a.secret) == 0 {
		return Principal{
			Caller: domain.Caller{
				Address: strings.TrimSpace(r.Header.Get(HeaderAddress)),
				Role:    domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderRole)))),
			},
			Admin: strings.EqualFold(r.Header.Get(HeaderAdmin), "true"),
		}, nil
	}
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return Principal{}, errors.New("missing bearer token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return Principal{}, errors.New("invalid token")
	}
	return Principal{
		Caller: domain.Caller{Address: claims.Subject, Role: domain.Role(strings.ToLower(claims.Role))},
		Admin:  claims.Admin,
	}, nil
}

// requireParticipant rejects requests without a caller address and known role.
func (a authenticator) requireParticipant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.principal(r)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		if p.Caller.Address == "" || !p.Caller.Role.Valid() {
			writeProblem(w, http.StatusUnauthorized, "UNAUTHENTICATED", "caller address and role are required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// requireAdmin rejects requests whose principal lacks the admin claim.
func (a authenticator) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.principal(r)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		if !p.Admin {
			writeProblem(w, http.StatusForbidden, string(domain.CodeUnauthorized), "administrator privileges required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}
