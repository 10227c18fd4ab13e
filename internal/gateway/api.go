// ABOUTME: Operator HTTP API handlers for listing, reading, and changing conversations
// ABOUTME: Maps conversation service errors to 404 for unknown ids and 400 for bad input

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/store"
)

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Body string `json:"body"`
}

// HandoverRequest is the JSON request body for PUT /api/conversations/{id}/handover.
type HandoverRequest struct {
	AwaitingManager bool `json:"awaiting_manager"`
}

// AIRequest is the JSON request body for PUT /api/conversations/{id}/ai.
type AIRequest struct {
	Enabled bool `json:"enabled"`
}

// TagRequest is the JSON request body for POST and DELETE /api/conversations/{id}/tags.
type TagRequest struct {
	Tag string `json:"tag"`
}

// ConversationSummaryResponse is one entry of GET /api/conversations.
type ConversationSummaryResponse struct {
	store.ConversationSummary
	AIEnabled       bool `json:"ai_enabled"`
	AwaitingManager bool `json:"awaiting_manager"`
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to encode response", "error", err)
	}
}

// sendServiceError maps a conversation service error to an HTTP status.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, conversation.ErrEmptyBody),
		errors.Is(err, conversation.ErrInvalidOrigin),
		errors.Is(err, conversation.ErrEmptyTag):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("conversation operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// conversationID parses the {id} path value. It writes a 400 and returns
// false when the id is not a positive integer.
func (g *Gateway) conversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return id, true
}

// decodeJSON decodes the request body into v, writing a 400 on failure.
func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// handleListConversations handles GET /api/conversations.
// Hidden conversations are included with ?hidden=true.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	includeHidden, _ := strconv.ParseBool(r.URL.Query().Get("hidden"))

	summaries, err := g.conversation.Conversations(r.Context(), includeHidden)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	resp := make([]ConversationSummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		resp = append(resp, ConversationSummaryResponse{
			ConversationSummary: *s,
			AIEnabled:           s.AIEnabled(),
			AwaitingManager:     s.AwaitingManager(),
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := g.conversationID(w, r)
	if !ok {
		return
	}

	conv, err := g.conversation.Conversation(r.Context(), id)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, conversation.NewConversationView(conv))
}

// handleListMessages handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := g.conversationID(w, r)
	if !ok {
		return
	}

	msgs, err := g.conversation.Messages(r.Context(), id)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	g.sendJSON(w, http.StatusOK, msgs)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
// The message is sent as the operator, which takes the conversation over.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := g.conversationID(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	msg, err := g.conversation.HandleOutbound(r.Context(), id, req.Body, store.OriginOperator)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	g.logger.Info("operator message sent",
		"conversation_id", id,
		"message_id", msg.ID,
		"operator", auth.SubjectFromContext(r.Context()),
	)
	g.recordAudit(r, store.AuditSendMessage, id, map[string]any{"message_id": msg.ID})
	g.sendJSON(w, http.StatusCreated, msg)
}

// handleSendFile handles POST /api/conversations/{id}/files.
// Expects a multipart form with the upload in the "file" field.
func (g *Gateway) handleSendFile(w http.ResponseWriter, r *http.Request) {
	id, ok := g.conversationID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, g.config.Server.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	filename := filepath.Base(header.Filename)
	path, err := spoolUpload(file)
	if err != nil {
		g.logger.Error("failed to store upload", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer os.Remove(path)

	msg, err := g.conversation.SendFile(r.Context(), id, path, filename)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	g.logger.Info("operator file sent",
		"conversation_id", id,
		"filename", filename,
		"size", header.Size,
		"operator", auth.SubjectFromContext(r.Context()),
	)
	g.recordAudit(r, store.AuditSendFile, id, map[string]any{"message_id": msg.ID, "filename": filename})
	g.sendJSON(w, http.StatusCreated, msg)
}

// spoolUpload copies an upload to a temp file and returns its path.
func spoolUpload(src io.Reader) (string, error) {
	tmp, err := os.CreateTemp("", "switchboard-upload-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return tmp.Name(), nil
}

// handleSetHandover handles PUT /api/conversations/{id}/handover.
func (g *Gateway) handleSetHandover(w http.ResponseWriter, r *http.Request) {
	id, ok := g.conversationID(w, r)
	if !ok {
		return
	}

	var req HandoverRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	conv, err := g.conversation.SetHandover(r.Context(), id, req.AwaitingManager)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	g.logger.Info("handover changed",
		"conversation_id", id,
		"state", conv.State,
		"operator", auth.SubjectFromContext(r.Context()),
	)
	g.recordAudit(r, store.AuditSetHandover, id, map[string]any{"awaiting_manager": req.AwaitingManager})
	g.sendJSON(w, http.StatusOK, conversation.NewConversationView(conv))
}

// handleSetAI handles PUT /api/conversations/{id}/ai.
func (g *Gateway) handleSetAI(w http.ResponseWriter, r *http.Request) {
	id, ok := g.conversationID(w, r)
	if !ok {
		return
	}

	var req AIRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	conv, err := g.conversation.SetAIEnabled(r.Context(), id, req.Enabled)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	g.logger.Info("automated answers toggled",
		"conversation_id", id,
		"enabled", req.Enabled,
		"state", conv.State,
		"operator", auth.SubjectFromContext(r.Context()),
	)
	g.recordAudit(r, store.AuditSetAI, id, map[string]any{"enabled": req.Enabled})
	g.sendJSON(w, http.StatusOK, conversation.NewConversationView(conv))
}

// handleHide handles POST /api/conversations/{id}/hide.
func (g *Gateway) handleHide(w http.ResponseWriter, r *http.Request) {
	id, ok := g.conversationID(w, r)
	if !ok {
		return
	}

	conv, err := g.conversation.Hide(r.Context(), id)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	g.logger.Info("conversation hidden", "conversation_id", id, "operator", auth.SubjectFromContext(r.Context()))
	g.recordAudit(r, store.AuditHide, id, nil)
	g.sendJSON(w, http.StatusOK, conversation.NewConversationView(conv))
}

// handleAddTag handles POST /api/conversations/{id}/tags.
func (g *Gateway) handleAddTag(w http.ResponseWriter, r *http.Request) {
	g.handleTag(w, r, store.AuditAddTag, g.conversation.AddTag)
}

// handleRemoveTag handles DELETE /api/conversations/{id}/tags.
func (g *Gateway) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	g.handleTag(w, r, store.AuditRemoveTag, g.conversation.RemoveTag)
}

type tagFunc func(ctx context.Context, conversationID int64, tag string) (*store.Conversation, error)

func (g *Gateway) handleTag(w http.ResponseWriter, r *http.Request, action store.AuditAction, apply tagFunc) {
	id, ok := g.conversationID(w, r)
	if !ok {
		return
	}

	var req TagRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Tag) == "" {
		g.sendJSONError(w, http.StatusBadRequest, conversation.ErrEmptyTag.Error())
		return
	}

	conv, err := apply(r.Context(), id, req.Tag)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.recordAudit(r, action, id, map[string]any{"tag": strings.TrimSpace(req.Tag)})
	g.sendJSON(w, http.StatusOK, conversation.NewConversationView(conv))
}

// handleStats handles GET /api/stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.conversation.Stats(r.Context())
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, stats)
}
