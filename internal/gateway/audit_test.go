// ABOUTME: Tests for the operator audit trail
// ABOUTME: Checks that mutating API calls are recorded and that GET /api/audit filters them

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/store"
)

func listAudit(t *testing.T, gw *Gateway, query string) []store.AuditEntry {
	t.Helper()
	rec := doJSON(t, gw, http.MethodGet, "/api/audit"+query, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var entries []store.AuditEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	return entries
}

func TestAudit_RecordsOperatorActions(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	conv := seedConversation(t, gw, "alice[1]", "hello")
	other := seedConversation(t, gw, "bob[2]", "hey")
	path := "/api/conversations/" + itoa(conv.ID)

	assert.Empty(t, listAudit(t, gw, ""))

	require.Equal(t, http.StatusCreated, doJSON(t, gw, http.MethodPost, path+"/messages", SendMessageRequest{Body: "hi"}).Code)
	require.Equal(t, http.StatusOK, doJSON(t, gw, http.MethodPut, path+"/ai", AIRequest{Enabled: true}).Code)
	require.Equal(t, http.StatusOK, doJSON(t, gw, http.MethodPost, path+"/tags", TagRequest{Tag: " vip "}).Code)
	require.Equal(t, http.StatusOK, doJSON(t, gw, http.MethodPost, "/api/conversations/"+itoa(other.ID)+"/hide", nil).Code)

	entries := listAudit(t, gw, "")
	require.Len(t, entries, 4)
	assert.Equal(t, store.AuditHide, entries[0].Action)
	assert.Equal(t, store.AuditAddTag, entries[1].Action)
	assert.Equal(t, "vip", entries[1].Detail["tag"])
	assert.Equal(t, store.AuditSetAI, entries[2].Action)
	assert.Equal(t, true, entries[2].Detail["enabled"])
	assert.Equal(t, store.AuditSendMessage, entries[3].Action)
	for _, e := range entries {
		assert.Equal(t, "anonymous", e.Actor)
		assert.NotEmpty(t, e.ID)
	}

	byConv := listAudit(t, gw, "?conversation_id="+itoa(conv.ID))
	assert.Len(t, byConv, 3)

	byAction := listAudit(t, gw, "?action=hide")
	require.Len(t, byAction, 1)
	assert.Equal(t, other.ID, byAction[0].ConversationID)

	assert.Len(t, listAudit(t, gw, "?limit=2"), 2)
	assert.Empty(t, listAudit(t, gw, "?since="+time.Now().Add(time.Hour).UTC().Format(time.RFC3339)))
}

func TestAudit_FailedActionsNotRecorded(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	conv := seedConversation(t, gw, "alice[1]", "hello")

	rec := doJSON(t, gw, http.MethodPost, "/api/conversations/"+itoa(conv.ID)+"/messages", SendMessageRequest{Body: "  "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, gw, http.MethodPost, "/api/conversations/999/tags", TagRequest{Tag: "vip"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Empty(t, listAudit(t, gw, ""))
}

func TestAudit_InvalidQuery(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	for _, query := range []string{
		"?conversation_id=abc",
		"?conversation_id=0",
		"?action=delete_everything",
		"?since=yesterday",
		"?limit=-1",
	} {
		rec := doJSON(t, gw, http.MethodGet, "/api/audit"+query, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestAudit_RecordsTokenSubject(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = routerTestSecret
	gw := newTestGateway(t, cfg)
	conv := seedConversation(t, gw, "alice[1]", "hello")

	verifier, err := auth.NewJWTVerifier([]byte(routerTestSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("maria", auth.ScopeOperator, time.Hour)
	require.NoError(t, err)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodPut, "/api/conversations/"+itoa(conv.ID)+"/handover", `{"awaiting_manager":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(http.MethodGet, "/api/audit?actor=maria", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []store.AuditEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditSetHandover, entries[0].Action)
	assert.Equal(t, true, entries[0].Detail["awaiting_manager"])
}
