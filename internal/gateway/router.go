// ABOUTME: HTTP route table for the health check, operator API, and observer stream
// ABOUTME: Wraps /api routes in operator-scope auth and /ws in observer-scope auth, and logs every request

package gateway

import (
	"net/http"

	"github.com/2389/switchboard/internal/auth"
)

// routes builds the gateway's HTTP handler.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("POST /telegram/webhook/{secret}", g.handleTelegramWebhook)

	operator := auth.HTTPAuthMiddleware(g.verifier, auth.ScopeOperator)
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, operator(h))
	}

	api("GET /api/conversations", g.handleListConversations)
	api("GET /api/conversations/{id}", g.handleGetConversation)
	api("GET /api/conversations/{id}/messages", g.handleListMessages)
	api("POST /api/conversations/{id}/messages", g.handleSendMessage)
	api("POST /api/conversations/{id}/files", g.handleSendFile)
	api("PUT /api/conversations/{id}/handover", g.handleSetHandover)
	api("PUT /api/conversations/{id}/ai", g.handleSetAI)
	api("POST /api/conversations/{id}/hide", g.handleHide)
	api("POST /api/conversations/{id}/tags", g.handleAddTag)
	api("DELETE /api/conversations/{id}/tags", g.handleRemoveTag)
	api("GET /api/stats", g.handleStats)
	api("GET /api/audit", g.handleListAudit)

	observer := auth.WebSocketAuthMiddleware(g.verifier, auth.ScopeObserver)
	mux.Handle("GET /ws", observer(http.HandlerFunc(g.handleEvents)))

	return g.logRequests(mux)
}
