/*
auth.go - Principal extraction from JWTs

PURPOSE:
  Turns a bearer token into the points.Principal the engine authorizes
  against. The engine itself never authenticates; this middleware is the
  only place a caller's identity is established.

TOKEN SOURCES (first match wins):
  1. Authorization: Bearer <jwt>
  2. access_token cookie

CLAIMS:
  sub   user id
  role  admin | tutor | student
  iss   checked when an issuer is configured

  Tokens are HS256 only. Anything else, an unknown role, or an expired
  token yields 401.

NOT HERE:
  Login, refresh and password handling. IssueToken exists so demo
  scenarios and tests can mint tokens for known users.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/tutortrack/points-engine/points"
)

const accessTokenCookie = "access_token"

// Claims is the token payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// IssueToken signs a token for p that expires after ttl.
func (a *Authenticator) IssueToken(p points.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(p.UserID),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a token and returns its principal.
func (a *Authenticator) Parse(raw string) (points.Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return points.Principal{}, err
	}

	role := points.Role(claims.Role)
	if claims.Subject == "" || !role.Valid() {
		return points.Principal{}, errors.New("token has no valid subject or role")
	}
	return points.Principal{UserID: points.UserID(claims.Subject), Role: role}, nil
}

// Middleware rejects requests without a valid token and stores the
// principal in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFromRequest(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing access token", nil)
			return
		}
		p, err := a.Parse(raw)
		if err != nil {
			logger(r).Debug().Err(err).Msg("rejected access token")
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid access token", nil)
			return
		}
		logger(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("user_id", string(p.UserID)).Str("role", string(p.Role))
		})
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(accessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p points.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller set by Middleware, or the zero
// Principal, which the engine treats as unauthenticated.
func PrincipalFrom(ctx context.Context) points.Principal {
	p, _ := ctx.Value(principalKey{}).(points.Principal)
	return p
}
