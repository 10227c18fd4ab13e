// ABOUTME: HTTP middleware for JWT authentication on the operator API and event stream
// ABOUTME: Extracts the JWT from the Authorization header (or ?token= for websockets) and adds the caller to context

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// tokenFromRequest reads the bearer token, falling back to the token query
// parameter when allowQuery is set. Browsers cannot set headers on websocket
// upgrades.
func tokenFromRequest(r *http.Request, allowQuery bool) (string, string) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg == "" {
		return token, ""
	}
	if allowQuery {
		if q := r.URL.Query().Get("token"); q != "" {
			return q, ""
		}
	}
	return "", errMsg
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPAuthMiddleware creates an HTTP middleware that validates JWT tokens and
// requires the given scope. A nil verifier disables authentication.
func HTTPAuthMiddleware(verifier TokenVerifier, required Scope) func(http.Handler) http.Handler {
	return middleware(verifier, required, false)
}

// WebSocketAuthMiddleware is HTTPAuthMiddleware for websocket upgrades; it
// also accepts the token as a query parameter.
func WebSocketAuthMiddleware(verifier TokenVerifier, required Scope) func(http.Handler) http.Handler {
	return middleware(verifier, required, true)
}

func middleware(verifier TokenVerifier, required Scope, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := tokenFromRequest(r, allowQuery)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			if !claims.Scope.Allows(required) {
				writeAuthError(w, http.StatusForbidden, string(required)+" scope required")
				return
			}

			authCtx := &AuthContext{Subject: claims.Subject, Scope: claims.Scope}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
