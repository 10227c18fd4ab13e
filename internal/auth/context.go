// ABOUTME: Authentication context for tracking the caller through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the verified identity via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string // operator or dashboard name from the token
	Scope   Scope
}

// CanOperate reports whether the caller may change conversations.
func (a *AuthContext) CanOperate() bool {
	return a.Scope.Allows(ScopeOperator)
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// SubjectFromContext returns the caller's subject, or "anonymous" when the
// request was not authenticated (auth disabled).
func SubjectFromContext(ctx context.Context) string {
	if auth := FromContext(ctx); auth != nil {
		return auth.Subject
	}
	return "anonymous"
}
