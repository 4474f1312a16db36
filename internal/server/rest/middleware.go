// Package rest provides the HTTP control API of the remotewatch agent.
// This file implements RS256 JWT bearer-token authentication middleware.
//
// # Authentication Flow
//
// All requests to protected routes must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// The middleware parses the token with github.com/golang-jwt/jwt/v5,
// accepting only RS256, verifies the signature against the configured public
// key, and validates exp/nbf/iat. Optional issuer and audience checks are
// enabled through JWTOption values. The verified [Claims] are injected into
// the request context and the "sub" claim becomes the actor recorded in the
// audit log.
//
// On any failure the middleware responds with HTTP 401 and a JSON error body;
// it does NOT call the next handler.
package rest

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is an unexported type used for context keys in this package to
// avoid collisions with keys defined in other packages.
type contextKey int

const claimsKey contextKey = 0

// Claims holds the verified JWT claims injected into the request context by
// [JWTMiddleware]. Retrieve them with [ClaimsFromContext].
type Claims = jwt.RegisteredClaims

// ClaimsFromContext retrieves the verified [Claims] injected by
// [JWTMiddleware]. It returns nil for unauthenticated requests.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// Actor returns the audit actor for the request: "api:<sub>" for an
// authenticated caller, "api:anonymous" otherwise.
func Actor(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil && c.Subject != "" {
		return "api:" + c.Subject
	}
	return "api:anonymous"
}

// ParseRSAPublicKey decodes a PEM-encoded RSA public key in PKCS#1 ("RSA
// PUBLIC KEY") or PKIX ("PUBLIC KEY") form.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("jwt: parse public key: %w", err)
	}
	return key, nil
}

type jwtOptions struct {
	logger *slog.Logger
	parser []jwt.ParserOption
}

// JWTOption configures [JWTMiddleware].
type JWTOption func(*jwtOptions)

// WithIssuer requires the "iss" claim to equal iss.
func WithIssuer(iss string) JWTOption {
	return func(o *jwtOptions) { o.parser = append(o.parser, jwt.WithIssuer(iss)) }
}

// WithAudience requires aud to appear in the "aud" claim.
func WithAudience(aud string) JWTOption {
	return func(o *jwtOptions) { o.parser = append(o.parser, jwt.WithAudience(aud)) }
}

// WithAuthLogger sets the logger used for authentication failures. When
// unset, slog.Default() is used.
func WithAuthLogger(l *slog.Logger) JWTOption {
	return func(o *jwtOptions) { o.logger = l }
}

// JWTMiddleware returns chi-compatible middleware that enforces RS256 JWT
// bearer-token authentication against pub.
func JWTMiddleware(pub *rsa.PublicKey, opts ...JWTOption) func(http.Handler) http.Handler {
	o := jwtOptions{
		parser: []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuedAt(),
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	parser := jwt.NewParser(o.parser...)
	keyFunc := func(*jwt.Token) (any, error) { return pub, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(r, parser, keyFunc)
			if err != nil {
				o.logger.Warn("jwt: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, parser *jwt.Parser, keyFunc jwt.Keyfunc) (*Claims, error) {
	raw := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok {
		return nil, errors.New("missing or malformed Authorization header")
	}
	if token == "" {
		return nil, errors.New("empty bearer token")
	}

	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, keyFunc); err != nil {
		return nil, err
	}
	return claims, nil
}

// writeJSONError writes an HTTP error response with a JSON body.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": detail})
}
