// ABOUTME: Observer event kinds and the snapshot payloads pushed to dashboards
// ABOUTME: Conversation views expose the derived ai_enabled/awaiting_manager flags

package conversation

import (
	"time"

	"github.com/2389/switchboard/internal/store"
)

// EventType names an observer event.
type EventType string

const (
	EventMessageCreated      EventType = "message_created"
	EventConversationUpdated EventType = "conversation_updated"
	EventConversationHidden  EventType = "conversation_hidden"
	EventStatsUpdated        EventType = "stats_updated"
)

// Event is one observer notification. Data is a full snapshot, never a diff.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationView is a conversation snapshot with its derived flags.
type ConversationView struct {
	store.Conversation
	AIEnabled       bool `json:"ai_enabled"`
	AwaitingManager bool `json:"awaiting_manager"`
}

// NewConversationView snapshots conv.
func NewConversationView(conv *store.Conversation) ConversationView {
	return ConversationView{
		Conversation:    *conv,
		AIEnabled:       conv.AIEnabled(),
		AwaitingManager: conv.AwaitingManager(),
	}
}

// MessageView is a message snapshot tagged with its conversation's identity.
type MessageView struct {
	store.Message
	ExternalID string `json:"external_id"`
}

// NewMessageView snapshots msg as part of conv.
func NewMessageView(conv *store.Conversation, msg *store.Message) MessageView {
	return MessageView{Message: *msg, ExternalID: conv.ExternalID}
}
