// ABOUTME: Tests for the webhook and OpenAI backends against httptest servers
// ABOUTME: Verifies request encoding, status errors, and completion content handling

package responder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookBackend_PostsRequest(t *testing.T) {
	var received Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &received))
		w.Write([]byte(`{"answer":"pong","manager":"true"}`))
	}))
	defer srv.Close()

	backend := NewWebhookBackend(srv.URL)
	req := &Request{
		ConversationID: 7,
		ExternalID:     "alice[1]",
		Body:           "ping",
		Context:        RequestContext{ConversationID: 7, ExternalID: "alice[1]", Platform: "telegram", MessageCount: 3},
	}

	raw, err := backend.Call(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "ping", received.Body)
	assert.Equal(t, int64(7), received.ConversationID)
	assert.Equal(t, 3, received.Context.MessageCount)

	resp, err := ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Answer)
	assert.True(t, resp.HandoverRequested)
}

func TestWebhookBackend_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewWebhookBackend(srv.URL).Call(context.Background(), testRequest())
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "workflow crashed")
	assert.False(t, IsTransient(err))
}

func TestWebhookBackend_StatusBodyKeepsRunesWhole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("x" + strings.Repeat("é", 150)))
	}))
	defer srv.Close()

	_, err := NewWebhookBackend(srv.URL).Call(context.Background(), testRequest())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.True(t, utf8.ValidString(statusErr.Body))
	assert.Equal(t, "x"+strings.Repeat("é", 99)+"...", statusErr.Body)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"日本語", 4, "日..."},
		{"日本語", 2, "..."},
		{"aé", 2, "a..."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, truncate(tt.in, tt.n), "truncate(%q, %d)", tt.in, tt.n)
	}
}

func TestWebhookBackend_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewWebhookBackend(url).Call(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestWebhookBackend_InsecureTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"secure enough"`))
	}))
	defer srv.Close()

	_, err := NewWebhookBackend(srv.URL).Call(context.Background(), testRequest())
	assert.Error(t, err, "self-signed certificate rejected by default")

	raw, err := NewWebhookBackend(srv.URL, WithInsecureSkipVerify()).Call(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, `"secure enough"`, string(raw))
}

func completionServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
}

func TestOpenAIBackend_JSONContent(t *testing.T) {
	srv := completionServer(t, `{"answer":"from model","handover":true}`, http.StatusOK)
	defer srv.Close()

	backend := NewOpenAIBackend(OpenAIConfig{APIKey: "test", BaseURL: srv.URL})
	raw, err := backend.Call(context.Background(), testRequest())
	require.NoError(t, err)

	resp, err := ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "from model", resp.Answer)
	assert.True(t, resp.HandoverRequested)
}

func TestOpenAIBackend_PlainTextContent(t *testing.T) {
	srv := completionServer(t, "plain reply", http.StatusOK)
	defer srv.Close()

	raw, err := NewOpenAIBackend(OpenAIConfig{APIKey: "test", BaseURL: srv.URL}).Call(context.Background(), testRequest())
	require.NoError(t, err)

	resp, err := ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "plain reply", resp.Answer)
}

func TestOpenAIBackend_APIErrorIsTerminal(t *testing.T) {
	srv := completionServer(t, "", http.StatusUnauthorized)
	defer srv.Close()

	_, err := NewOpenAIBackend(OpenAIConfig{APIKey: "bad", BaseURL: srv.URL}).Call(context.Background(), testRequest())
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
