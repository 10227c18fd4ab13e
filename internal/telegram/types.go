// ABOUTME: Mapping of Bot API updates onto ingestion events
// ABOUTME: Builds the composite external id "name[chat id]" and parses it back

package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/2389/switchboard/internal/ingest"
	"github.com/2389/switchboard/internal/store"
)

// ToEvent maps an update to an ingestion event. Updates without a message or
// without any content produce an event with a nil Message.
func ToEvent(u tgbotapi.Update) ingest.Event {
	ev := ingest.Event{ID: int64(u.UpdateID)}
	m := u.Message
	if m == nil || m.Chat == nil {
		return ev
	}

	body := m.Text
	if body == "" {
		body = m.Caption
	}
	attachment := attachmentOf(m)
	if body == "" && attachment == nil {
		return ev
	}

	externalID, name := ExternalID(m)
	ev.Message = &ingest.Message{
		ExternalID: externalID,
		Name:       name,
		Body:       body,
		Attachment: attachment,
		SentAt:     time.Unix(int64(m.Date), 0).UTC(),
	}
	return ev
}

func attachmentOf(m *tgbotapi.Message) *store.Attachment {
	switch {
	case len(m.Photo) > 0:
		// Sizes are ordered smallest first.
		return &store.Attachment{Kind: "photo", FileID: m.Photo[len(m.Photo)-1].FileID}
	case m.Document != nil:
		return &store.Attachment{Kind: "document", FileID: m.Document.FileID, FileName: m.Document.FileName}
	case m.Voice != nil:
		return &store.Attachment{Kind: "voice", FileID: m.Voice.FileID}
	case m.Video != nil:
		return &store.Attachment{Kind: "video", FileID: m.Video.FileID}
	case m.Sticker != nil:
		return &store.Attachment{Kind: "sticker", FileID: m.Sticker.FileID, FileName: m.Sticker.Emoji}
	}
	return nil
}

// DisplayName picks username, full name, chat title, or user id, in that order.
func DisplayName(m *tgbotapi.Message) string {
	if m.From != nil {
		if m.From.UserName != "" {
			return m.From.UserName
		}
		full := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		if full != "" {
			return full
		}
	}
	if m.Chat != nil && m.Chat.Title != "" {
		return m.Chat.Title
	}
	if m.From != nil {
		return strconv.FormatInt(m.From.ID, 10)
	}
	return strconv.FormatInt(chatID(m), 10)
}

// ExternalID returns the conversation identity "name[chat id]" and the name.
func ExternalID(m *tgbotapi.Message) (externalID, name string) {
	name = DisplayName(m)
	return fmt.Sprintf("%s[%d]", name, chatID(m)), name
}

func chatID(m *tgbotapi.Message) int64 {
	if m.Chat == nil {
		return 0
	}
	return m.Chat.ID
}

// ParseChatID extracts the numeric chat id from an external id.
func ParseChatID(externalID string) (int64, error) {
	open := strings.LastIndex(externalID, "[")
	if open < 0 || !strings.HasSuffix(externalID, "]") {
		return 0, fmt.Errorf("external id %q has no chat id", externalID)
	}
	id, err := strconv.ParseInt(externalID[open+1:len(externalID)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("external id %q: %w", externalID, err)
	}
	return id, nil
}
