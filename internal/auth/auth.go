package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrBadHeader     = errors.New("invalid Authorization header format")
	ErrMissingToken  = errors.New("missing bearer token")
)

type claimsKey struct{}

// WithClaims stores validated token claims on the request context.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the claims stored by WithClaims.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}

// ExtractBearerToken reads the token from an "Authorization: Bearer <token>" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrBadHeader
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
