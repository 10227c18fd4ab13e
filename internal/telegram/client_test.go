// ABOUTME: Tests for the Telegram client against an httptest Bot API
// ABOUTME: Covers offsets, update mapping, sends, uploads, API errors, and token redaction

package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123:secret"

type fakeBotAPI struct {
	mu       sync.Mutex
	queries  []url.Values
	sent     []url.Values
	uploads  []string
	webhooks []string
	updates  string
	sendFail bool
	stall    chan struct{}
}

func (f *fakeBotAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bot"+testToken+"/getMe", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"Switchboard","username":"switchboard_bot"}}`))
	})
	mux.HandleFunc("/bot"+testToken+"/getUpdates", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.queries = append(f.queries, r.PostForm)
		updates, stall := f.updates, f.stall
		f.mu.Unlock()
		if stall != nil {
			select {
			case <-stall:
			case <-r.Context().Done():
			}
		}
		if updates == "" {
			updates = "[]"
		}
		w.Write([]byte(`{"ok":true,"result":` + updates + `}`))
	})
	mux.HandleFunc("/bot"+testToken+"/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.sendFail {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
			return
		}
		f.sent = append(f.sent, r.PostForm)
		w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":1700000000,"chat":{"id":42,"type":"private"}}}`))
	})
	mux.HandleFunc("/bot"+testToken+"/sendDocument", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("document")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		content, _ := io.ReadAll(file)
		f.mu.Lock()
		f.uploads = append(f.uploads, r.FormValue("chat_id")+"|"+header.Filename+"|"+string(content))
		f.mu.Unlock()
		w.Write([]byte(`{"ok":true,"result":{"message_id":2,"date":1700000000,"chat":{"id":42,"type":"private"}}}`))
	})
	mux.HandleFunc("/bot"+testToken+"/setWebhook", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.webhooks = append(f.webhooks, r.FormValue("url"))
		f.mu.Unlock()
		w.Write([]byte(`{"ok":true,"result":true,"description":"Webhook was set"}`))
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(testToken, WithAPIURL(srv.URL), WithRequestTimeout(time.Second), WithPollTimeout(time.Second))
	require.NoError(t, err)
	return c, api
}

func TestNewClient_RejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	_, err := NewClient(testToken, WithAPIURL(srv.URL))
	require.Error(t, err)
	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, 401, apiErr.Code)
}

func TestGetEvents_OffsetAndMapping(t *testing.T) {
	c, api := newTestClient(t)
	api.updates = `[
		{"update_id": 101, "message": {"message_id": 1, "date": 1700000000,
			"from": {"id": 9, "username": "alice"}, "chat": {"id": 1, "type": "private"}, "text": "hello"}},
		{"update_id": 102},
		{"update_id": 103, "message": {"message_id": 2, "date": 1700000001,
			"from": {"id": 9, "first_name": "Bob", "last_name": "Stone"}, "chat": {"id": 2, "type": "private"},
			"photo": [{"file_id": "small", "width": 10, "height": 10}, {"file_id": "large", "width": 90, "height": 90}],
			"caption": "look"}}
	]`

	events, err := c.GetEvents(context.Background(), 100, 0, 50)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, int64(101), events[0].ID)
	require.NotNil(t, events[0].Message)
	assert.Equal(t, "alice[1]", events[0].Message.ExternalID)
	assert.Equal(t, "alice", events[0].Message.Name)
	assert.Equal(t, "hello", events[0].Message.Body)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), events[0].Message.SentAt)

	assert.Nil(t, events[1].Message)

	photo := events[2].Message
	require.NotNil(t, photo)
	assert.Equal(t, "Bob Stone[2]", photo.ExternalID)
	assert.Equal(t, "look", photo.Body)
	require.NotNil(t, photo.Attachment)
	assert.Equal(t, "photo", photo.Attachment.Kind)
	assert.Equal(t, "large", photo.Attachment.FileID)

	require.Len(t, api.queries, 1)
	assert.Equal(t, "101", api.queries[0].Get("offset"))
	assert.Equal(t, "50", api.queries[0].Get("limit"))
	assert.Equal(t, `["message"]`, api.queries[0].Get("allowed_updates"))
}

func TestGetEvents_NoOffsetFromZero(t *testing.T) {
	c, api := newTestClient(t)

	events, err := c.GetEvents(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, api.queries[0].Get("offset"))
}

func TestGetEvents_ReturnsOnCancel(t *testing.T) {
	c, api := newTestClient(t)
	api.stall = make(chan struct{})
	defer close(api.stall)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.GetEvents(ctx, 0, time.Second, 10)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSendMessage(t *testing.T) {
	c, api := newTestClient(t)

	require.NoError(t, c.SendMessage(context.Background(), "alice[42]", "hi alice"))
	require.Len(t, api.sent, 1)
	assert.Equal(t, "42", api.sent[0].Get("chat_id"))
	assert.Equal(t, "hi alice", api.sent[0].Get("text"))
}

func TestSendMessage_SplitsLongText(t *testing.T) {
	c, api := newTestClient(t)

	long := strings.Repeat("é", maxMessageRunes+10)
	require.NoError(t, c.SendMessage(context.Background(), "alice[42]", long))
	require.Len(t, api.sent, 2)
	assert.Len(t, []rune(api.sent[0].Get("text")), maxMessageRunes)
	assert.Len(t, []rune(api.sent[1].Get("text")), 10)
}

func TestSendMessage_APIError(t *testing.T) {
	c, api := newTestClient(t)
	api.sendFail = true

	err := c.SendMessage(context.Background(), "alice[42]", "hi")
	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, 403, apiErr.Code)
	assert.Contains(t, apiErr.Message, "blocked")
}

func TestSendMessage_BadExternalID(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Error(t, c.SendMessage(context.Background(), "alice", "hi"))
}

func TestSendFile(t *testing.T) {
	c, api := newTestClient(t)

	path := filepath.Join(t.TempDir(), "upload.tmp")
	require.NoError(t, os.WriteFile(path, []byte("invoice body"), 0o600))

	require.NoError(t, c.SendFile(context.Background(), "alice[42]", path, "invoice.txt"))
	require.Len(t, api.uploads, 1)
	assert.Equal(t, "42|invoice.txt|invoice body", api.uploads[0])
}

func TestSetWebhook(t *testing.T) {
	c, api := newTestClient(t)

	require.NoError(t, c.SetWebhook(context.Background(), "https://bot.example.com/telegram/webhook/s3cret"))
	require.Len(t, api.webhooks, 1)
	assert.Equal(t, "https://bot.example.com/telegram/webhook/s3cret", api.webhooks[0])
}

func TestTransportErrorRedactsToken(t *testing.T) {
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api.handler(t))
	c, err := NewClient(testToken, WithAPIURL(srv.URL))
	require.NoError(t, err)
	srv.Close()

	err = c.SendMessage(context.Background(), "alice[1]", "hi")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}

func TestParseChatID(t *testing.T) {
	id, err := ParseChatID("alice[1]")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	id, err = ParseChatID("Team [chat] [-100200]")
	require.NoError(t, err)
	assert.Equal(t, int64(-100200), id)

	for _, bad := range []string{"alice", "alice[]", "alice[x]", "alice[1"} {
		_, err := ParseChatID(bad)
		assert.Error(t, err, bad)
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		msg  tgbotapi.Message
		want string
	}{
		{"username", tgbotapi.Message{From: &tgbotapi.User{ID: 1, UserName: "alice", FirstName: "Alice"}}, "alice"},
		{"full name", tgbotapi.Message{From: &tgbotapi.User{ID: 1, FirstName: "Alice", LastName: "Liddell"}}, "Alice Liddell"},
		{"chat title", tgbotapi.Message{From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: -5, Title: "Support"}}, "Support"},
		{"user id", tgbotapi.Message{From: &tgbotapi.User{ID: 77}}, "77"},
		{"chat id", tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 5}}, "5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(&tt.msg))
		})
	}
}

func TestToEvent_DocumentWithoutText(t *testing.T) {
	u := tgbotapi.Update{UpdateID: 5, Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: 1, UserName: "alice"},
		Chat:     &tgbotapi.Chat{ID: 1},
		Document: &tgbotapi.Document{FileID: "doc", FileName: "report.pdf"},
	}}

	ev := ToEvent(u)
	require.NotNil(t, ev.Message)
	assert.Empty(t, ev.Message.Body)
	assert.Equal(t, "report.pdf", ev.Message.Attachment.FileName)
}

func TestToEvent_EmptyMessage(t *testing.T) {
	u := tgbotapi.Update{UpdateID: 6, Message: &tgbotapi.Message{From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: 1}}}
	assert.Nil(t, ToEvent(u).Message)

	u = tgbotapi.Update{UpdateID: 7, Message: &tgbotapi.Message{Text: "no chat"}}
	assert.Nil(t, ToEvent(u).Message)
}
