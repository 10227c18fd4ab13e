// ABOUTME: Tests for the ingest-event bridge into the conversation engine
// ABOUTME: Covers skips, replay idempotency, invalid-event drops, storage errors, and webhook-pushed updates

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/ingest"
	"github.com/2389/switchboard/internal/store"
)

func TestHandleEvent_SkipsEventWithoutMessage(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	require.NoError(t, gw.HandleEvent(context.Background(), ingest.Event{ID: 7}))

	stats, err := gw.conversation.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestHandleEvent_ReplayIsIdempotent(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	ev := ingest.Event{ID: 101, Message: &ingest.Message{
		ExternalID: "alice[1]",
		Name:       "alice",
		Body:       "hello",
	}}
	require.NoError(t, gw.HandleEvent(ctx, ev))
	require.NoError(t, gw.HandleEvent(ctx, ev))

	conv, err := gw.store.GetConversationByExternalID(ctx, "alice[1]")
	require.NoError(t, err)
	assert.Equal(t, "alice", conv.Name)
	assert.Equal(t, store.StateAIActive, conv.State)

	msgs, err := gw.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].SourceEventID)
	assert.Equal(t, int64(101), *msgs[0].SourceEventID)
}

func TestHandleEvent_AttachmentPlaceholder(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	ev := ingest.Event{ID: 5, Message: &ingest.Message{
		ExternalID: "bob[2]",
		Name:       "bob",
		Attachment: &store.Attachment{Kind: "photo", FileID: "large"},
	}}
	require.NoError(t, gw.HandleEvent(ctx, ev))

	conv, err := gw.store.GetConversationByExternalID(ctx, "bob[2]")
	require.NoError(t, err)
	msgs, err := gw.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "[photo]", msgs[0].Body)
}

func TestHandleEvent_DropsInvalidEvents(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	empty := ingest.Event{ID: 8, Message: &ingest.Message{ExternalID: "alice[1]", Body: "  "}}
	assert.NoError(t, gw.HandleEvent(ctx, empty))

	anonymous := ingest.Event{ID: 9, Message: &ingest.Message{Body: "who am I"}}
	assert.NoError(t, gw.HandleEvent(ctx, anonymous))

	stats, err := gw.conversation.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestHandleEvent_StorageErrorIsReturned(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	require.NoError(t, gw.store.Close())

	err := gw.HandleEvent(context.Background(), ingest.Event{ID: 3, Message: &ingest.Message{
		ExternalID: "alice[1]",
		Body:       "hello",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingesting event 3")
}

const testWebhookSecret = "webhook-secret-0123456789"

// newWebhookGateway builds a gateway in Telegram webhook mode against a fake Bot API.
func newWebhookGateway(t *testing.T) *Gateway {
	t.Helper()
	api := httptest.NewServer((&fakeTelegram{}).handler())
	t.Cleanup(api.Close)

	cfg := testConfig(t)
	cfg.Telegram.Enabled = true
	cfg.Telegram.BotToken = testBotToken
	cfg.Telegram.APIURL = api.URL
	cfg.Telegram.Mode = "webhook"
	cfg.Telegram.WebhookSecret = testWebhookSecret

	gw := newTestGateway(t, cfg)
	require.Nil(t, gw.poller, "webhook mode must not poll")
	return gw
}

func pushUpdate(gw *Gateway, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook/"+secret, strings.NewReader(body))
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestTelegramWebhook_ReplayedUpdateIsIdempotent(t *testing.T) {
	gw := newWebhookGateway(t)
	ctx := context.Background()

	update := `{"update_id": 900, "message": {"message_id": 1, "date": 1700000000,
		"from": {"id": 9, "username": "alice"}, "chat": {"id": 1, "type": "private"}, "text": "hello"}}`

	require.Equal(t, http.StatusOK, pushUpdate(gw, testWebhookSecret, update).Code)
	require.Equal(t, http.StatusOK, pushUpdate(gw, testWebhookSecret, update).Code)

	conv, err := gw.store.GetConversationByExternalID(ctx, "alice[1]")
	require.NoError(t, err)
	msgs, err := gw.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
	require.NotNil(t, msgs[0].SourceEventID)
	assert.Equal(t, int64(900), *msgs[0].SourceEventID)
}

func TestTelegramWebhook_WrongSecret(t *testing.T) {
	gw := newWebhookGateway(t)

	rec := pushUpdate(gw, "guess", `{"update_id": 1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTelegramWebhook_DisabledInPollingMode(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := pushUpdate(gw, testWebhookSecret, `{"update_id": 1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTelegramWebhook_AcknowledgesJunk(t *testing.T) {
	gw := newWebhookGateway(t)

	assert.Equal(t, http.StatusOK, pushUpdate(gw, testWebhookSecret, `{not json`).Code)
	assert.Equal(t, http.StatusOK, pushUpdate(gw, testWebhookSecret, `{"update_id": 2}`).Code)

	stats, err := gw.conversation.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestTelegramWebhook_StorageErrorAsksForRedelivery(t *testing.T) {
	gw := newWebhookGateway(t)
	require.NoError(t, gw.store.Close())

	rec := pushUpdate(gw, testWebhookSecret, `{"update_id": 3, "message": {"message_id": 1, "date": 1700000000,
		"from": {"id": 9, "username": "alice"}, "chat": {"id": 1, "type": "private"}, "text": "hello"}}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
