package auth

import (
	"context"
	"errors"
	"fmt"
)

type contextKey struct{}

// ErrForbidden is returned when valid claims do not grant access to the requested document.
var ErrForbidden = errors.New("forbidden")

// WithClaims stores claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// FromContext retrieves claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok && claims != nil
}

// Authorize returns the request claims when they belong to subject and carry scope.
// It fails with ErrMissingToken when no claims were attached and ErrForbidden otherwise.
func Authorize(ctx context.Context, subject, scope string) (*Claims, error) {
	claims, ok := FromContext(ctx)
	if !ok {
		return nil, ErrMissingToken
	}
	if claims.Subject != subject {
		return nil, fmt.Errorf("%w: token subject does not own this document", ErrForbidden)
	}
	if scope != "" && !claims.HasScope(scope) {
		return nil, fmt.Errorf("%w: scope %s required", ErrForbidden, scope)
	}
	return claims, nil
}
