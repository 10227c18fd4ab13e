// Package responder talks to the automated responder that answers clients
// while a conversation is in ai_active.
//
// # Backends
//
// A Backend sends a Request and returns the raw reply. WebhookBackend posts
// JSON to an automation endpoint such as an n8n workflow; OpenAIBackend asks
// an OpenAI-compatible chat completion API. ParseResponse accepts an object,
// a bare string, or a list of either.
//
// # Dispatcher
//
// Dispatcher wraps a Backend with retries and a circuit breaker and always
// returns a Response. Only connect failures and timeouts are retried (see
// IsTransient). After FailureThreshold failed dispatches the circuit opens
// and callers get the fallback reply until Cooldown has passed; then one
// trial call decides whether it closes again.
package responder
