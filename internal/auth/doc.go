// Package auth provides optional token authentication for switchboard's
// operator API and live event stream.
//
// When auth.jwt_secret is configured, every /api request needs an HS256
// bearer token and /ws needs one in the Authorization header or the token
// query parameter. Tokens carry a subject (the operator or dashboard name)
// and a scope:
//
//   - operator: read and change conversations, watch events
//   - observer: watch events only
//
// Mint a token with:
//
//	switchboard token --sub maria --scope operator --ttl 24h
//
// Without a secret the middleware passes every request through.
package auth
