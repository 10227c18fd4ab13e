// Package telegram connects the gateway to a Telegram bot.
//
// Client wraps go-telegram-bot-api. It is the ingest.Source for polling
// mode and the outbound sender for operator and responder replies:
//
//	client, err := telegram.NewClient(token, telegram.WithPollTimeout(30*time.Second))
//
// ToEvent maps a Bot API update onto an ingest.Event. It is shared by the
// poller and the webhook endpoint, so both modes produce identical events.
//
// A conversation is identified by the external id "name[chat id]";
// ParseChatID recovers the chat to reply to.
package telegram
