// ABOUTME: Bridge from upstream ingest events (polled or pushed by webhook) to the state engine
// ABOUTME: Replayed events are absorbed by the engine's source-event idempotency

package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/ingest"
	"github.com/2389/switchboard/internal/telegram"
)

// maxUpdateBytes bounds a pushed webhook update.
const maxUpdateBytes = 1 << 20

// HandleEvent processes one upstream event for the ingestion poller.
// Events without a message are skipped. Validation failures are logged and
// swallowed so a malformed update never blocks the cursor; storage errors
// are returned and retried by the poller.
func (g *Gateway) HandleEvent(ctx context.Context, ev ingest.Event) error {
	if ev.Message == nil {
		g.logger.Debug("skipping event without message", "event_id", ev.ID)
		return nil
	}

	in := conversation.Inbound{
		ExternalID:    ev.Message.ExternalID,
		Name:          ev.Message.Name,
		Body:          ev.Message.Body,
		Attachment:    ev.Message.Attachment,
		SourceEventID: ev.ID,
	}

	conv, msg, err := g.conversation.HandleInbound(ctx, in)
	if err != nil {
		if errors.Is(err, conversation.ErrEmptyBody) || errors.Is(err, conversation.ErrMissingExternalID) {
			g.logger.Warn("dropping invalid upstream event", "event_id", ev.ID, "error", err)
			return nil
		}
		return fmt.Errorf("ingesting event %d: %w", ev.ID, err)
	}

	g.logger.Debug("upstream event ingested",
		"event_id", ev.ID,
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"state", conv.State,
	)
	return nil
}

// handleTelegramWebhook serves POST /telegram/webhook/{secret} in webhook mode.
// Telegram redelivers on any non-2xx reply, so only storage failures answer
// 500; malformed and content-free updates are acknowledged and dropped.
func (g *Gateway) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	secret := g.config.Telegram.WebhookSecret
	if g.telegram == nil || g.config.Telegram.Mode != "webhook" || secret == "" ||
		subtle.ConstantTimeCompare([]byte(r.PathValue("secret")), []byte(secret)) != 1 {
		http.NotFound(w, r)
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBytes)).Decode(&update); err != nil {
		g.logger.Warn("dropping undecodable webhook update", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := g.HandleEvent(r.Context(), telegram.ToEvent(update)); err != nil {
		g.logger.Error("failed to ingest webhook update", "update_id", update.UpdateID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusOK)
}
