// ABOUTME: Operator audit trail recording and the GET /api/audit listing endpoint
// ABOUTME: Audit write failures are logged and never fail the operator request

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/store"
)

// recordAudit appends an audit entry for the authenticated operator.
func (g *Gateway) recordAudit(r *http.Request, action store.AuditAction, conversationID int64, detail map[string]any) {
	if g.audit == nil {
		return
	}
	entry := &store.AuditEntry{
		Actor:          auth.SubjectFromContext(r.Context()),
		Action:         action,
		ConversationID: conversationID,
		Detail:         detail,
	}
	if err := g.audit.AppendAuditLog(r.Context(), entry); err != nil {
		g.logger.Warn("failed to record audit entry",
			"action", action,
			"conversation_id", conversationID,
			"error", err,
		)
	}
}

// handleListAudit serves GET /api/audit.
// Query parameters: conversation_id, actor, action, since (RFC 3339), limit.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.AuditFilter

	if v := q.Get("conversation_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid conversation_id")
			return
		}
		filter.ConversationID = &id
	}
	if v := q.Get("actor"); v != "" {
		filter.Actor = &v
	}
	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		if !action.Valid() {
			g.sendJSONError(w, http.StatusBadRequest, "invalid action")
			return
		}
		filter.Action = &action
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid since")
			return
		}
		filter.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	entries, err := g.audit.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list audit log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, entries)
}
