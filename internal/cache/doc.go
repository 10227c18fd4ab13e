// Package cache holds the read-through views served to the dashboard.
//
// # Backends
//
// A Backend stores opaque bytes with a per-key TTL. MemoryBackend is an
// in-process LRU used when no shared cache is configured; RedisBackend
// shares one cache between gateway instances.
//
// # Layer
//
// Layer adds JSON encoding on top of a Backend and never returns backend
// errors: a failed read is a miss and a failed write is logged. Load is the
// read-through entry point:
//
//	conv, err := cache.Load(ctx, layer, cache.ConversationKey(id), cache.DefaultConversationTTL,
//		func(ctx context.Context) (*store.Conversation, error) {
//			return db.GetConversation(ctx, id)
//		})
//
// Writers call Invalidate with ConversationKeys after committing. A fill
// that started before the invalidation is dropped, so a reader cannot put
// pre-write data back into the cache.
package cache
