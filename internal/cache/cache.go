// ABOUTME: Cache backend contract, key names, and default TTLs for read-through views
// ABOUTME: Backends store opaque bytes; Layer adds JSON encoding and invalidation ordering

package cache

import (
	"context"
	"fmt"
	"time"
)

// Backend is a byte-oriented key/value cache with per-entry expiry.
// A missing key is reported as ok=false, never as an error.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Key names shared by every reader and writer of the cache.
const (
	ConversationsKey       = "chats:all"
	HiddenConversationsKey = "chats:all:hidden"
	StatsKey               = "stats:global"
)

// Default TTLs per view.
const (
	DefaultTTL             = time.Hour
	DefaultConversationTTL = 30 * time.Minute
	DefaultListTTL         = 5 * time.Minute
	DefaultMessagesTTL     = 15 * time.Minute
	DefaultStatsTTL        = 5 * time.Minute
)

// ConversationKey names the cached snapshot of one conversation.
func ConversationKey(id int64) string {
	return fmt.Sprintf("chat:%d", id)
}

// MessagesKey names the cached message list of one conversation.
func MessagesKey(conversationID int64) string {
	return fmt.Sprintf("messages:%d", conversationID)
}

// ConversationKeys returns every key that a write to conversation id makes stale.
func ConversationKeys(id int64) []string {
	return []string{
		ConversationKey(id),
		MessagesKey(id),
		ConversationsKey,
		HiddenConversationsKey,
		StatsKey,
	}
}
