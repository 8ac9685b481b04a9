/*
auth.go - Caller identity from signed bearer tokens

PURPOSE:
  Authentication happens elsewhere. This middleware only verifies an HS256
  token issued by the identity service and maps its claims onto a
  credit.Caller. Authorization decisions stay in credit/policy.go.

CLAIMS:
  sub        caller id (required)
  role       franchisor_admin | tenant_admin | professor | student | system
  tenant_id  tenant the caller belongs to (absent for franchisor and system)

SEE ALSO:
  - credit/policy.go: Authorize, AuthorizeRead, AuthorizeAudit
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/credit-ledger/credit"
)

// Claims is the token payload understood by the ledger.
type Claims struct {
	Role     string `json:"role"`
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

type callerKey struct{}

// CallerFrom returns the caller stored by RequireCaller.
func CallerFrom(ctx context.Context) (credit.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(credit.Caller)
	return c, ok
}

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller credit.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// SignToken issues a token for claims. Used by tooling and tests; production
// tokens come from the identity service.
func SignToken(secret []byte, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseCaller verifies raw and converts its claims.
func ParseCaller(secret []byte, raw string) (credit.Caller, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return credit.Caller{}, err
	}
	if claims.Subject == "" {
		return credit.Caller{}, errors.New("token has no subject")
	}
	role, err := credit.ParseRole(claims.Role)
	if err != nil {
		return credit.Caller{}, err
	}
	return credit.Caller{
		ID:       claims.Subject,
		Role:     role,
		TenantID: credit.TenantID(claims.TenantID),
	}, nil
}

// RequireCaller rejects requests without a valid bearer token.
func RequireCaller(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			caller, err := ParseCaller(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// callerOf returns the request caller. A missing caller is the zero Caller,
// which every authorization check denies.
func callerOf(r *http.Request) credit.Caller {
	c, _ := CallerFrom(r.Context())
	return c
}
