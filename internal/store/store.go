// ABOUTME: Domain types and storage interfaces for conversations and their messages
// ABOUTME: Defines the three-state handler enum, sessions, and transactional access

package store

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound              = errors.New("not found")
	ErrDuplicateConversation = errors.New("conversation already exists for external id")
	ErrDuplicateMessage      = errors.New("message already recorded for source event")
)

// State is the handling state of a conversation. The single enum replaces the
// aiEnabled/awaitingManager boolean pair so the invalid combination of both
// being true cannot be stored.
type State string

const (
	StateAIActive        State = "ai_active"
	StateAwaitingManager State = "awaiting_manager"
	StateManagerActive   State = "manager_active"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateAIActive, StateAwaitingManager, StateManagerActive:
		return true
	}
	return false
}

// AIEnabled reports whether the automated responder handles the conversation.
func (s State) AIEnabled() bool { return s == StateAIActive }

// AwaitingManager reports whether a human operator has been requested.
func (s State) AwaitingManager() bool { return s == StateAwaitingManager }

// Handover returns the state after a handover request or its release.
func (s State) Handover(awaiting bool) State {
	if awaiting {
		return StateAwaitingManager
	}
	return StateAIActive
}

// OperatorClaim returns the state after an operator sends a message.
// AI is switched off; a pending handover stays pending so silence can still
// return the conversation to the responder.
func (s State) OperatorClaim() State {
	if s == StateAIActive {
		return StateManagerActive
	}
	return s
}

// Reactivate returns the state after the silence timer fires.
func (s State) Reactivate() State {
	if s == StateAwaitingManager {
		return StateAIActive
	}
	return s
}

// WithAI returns the state after an operator toggles the responder directly.
func (s State) WithAI(enabled bool) State {
	if enabled {
		return StateAIActive
	}
	if s == StateAwaitingManager {
		return s
	}
	return StateManagerActive
}

// Origin identifies who authored a message.
type Origin string

const (
	OriginClient    Origin = "client"
	OriginAutomated Origin = "automated"
	OriginOperator  Origin = "operator"
)

// Valid reports whether o is one of the known origins.
func (o Origin) Valid() bool {
	switch o {
	case OriginClient, OriginAutomated, OriginOperator:
		return true
	}
	return false
}

// Conversation is one chat with one external party.
type Conversation struct {
	ID                  int64      `json:"id"`
	ExternalID          string     `json:"external_id"`
	Name                string     `json:"name"`
	Platform            string     `json:"platform"`
	State               State      `json:"state"`
	Hidden              bool       `json:"hidden"`
	Tags                []string   `json:"tags"`
	LastClientMessageAt *time.Time `json:"last_client_message_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// AIEnabled reports whether the automated responder handles the conversation.
func (c *Conversation) AIEnabled() bool { return c.State.AIEnabled() }

// AwaitingManager reports whether a human operator has been requested.
func (c *Conversation) AwaitingManager() bool { return c.State.AwaitingManager() }

// HasTag reports whether the conversation carries tag.
func (c *Conversation) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Attachment describes non-text content of a client message.
type Attachment struct {
	Kind     string `json:"kind"`
	FileID   string `json:"file_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Message is one immutable utterance within a conversation.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	Body           string      `json:"body"`
	Origin         Origin      `json:"origin"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	SourceEventID  *int64      `json:"source_event_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ConversationSummary is a conversation with its most recent message.
type ConversationSummary struct {
	Conversation
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	MessageCount  int        `json:"message_count"`
}

// Stats aggregates conversation counts by state.
type Stats struct {
	Total   int `json:"total"`
	AI      int `json:"ai"`
	Pending int `json:"pending"`
	Manager int `json:"manager"`
	Hidden  int `json:"hidden"`
}

// ListOptions filters ListConversations.
type ListOptions struct {
	IncludeHidden bool
	Limit         int
}

// Session is the set of operations available directly on a store and inside
// a transaction started with Store.InTx.
type Session interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	GetConversationByExternalID(ctx context.Context, externalID string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	ListConversations(ctx context.Context, opts ListOptions) ([]*ConversationSummary, error)
	ListAwaitingSilentSince(ctx context.Context, before time.Time) ([]*Conversation, error)

	SaveMessage(ctx context.Context, msg *Message) error
	GetMessageBySourceEvent(ctx context.Context, sourceEventID int64) (*Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]*Message, error)
	CountMessages(ctx context.Context, conversationID int64) (int, error)

	Stats(ctx context.Context) (*Stats, error)

	GetCursor(ctx context.Context, source string) (int64, error)
	SaveCursor(ctx context.Context, source string, value int64) error
}

// Store is the system of record.
type Store interface {
	Session

	// InTx runs fn inside a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Session) error) error

	Close() error
}
