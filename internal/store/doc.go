// Package store provides persistent storage for conversations using SQLite.
//
// # Data Models
//
//   - Conversation: one chat with one external party, keyed by ExternalID
//   - Message: an immutable utterance with an Origin (client, automated, operator)
//   - State: ai_active | awaiting_manager | manager_active
//   - Stats: conversation counts by state
//
// The handling state is a single enum. AIEnabled and AwaitingManager are
// views over it, so a conversation can never be both AI-handled and waiting
// for a manager. Transitions are methods on State (Handover, OperatorClaim,
// Reactivate, WithAI).
//
// # Sessions and Transactions
//
// Session holds the CRUD operations. SQLiteStore implements Session directly
// and hands a transaction-bound Session to the callback of InTx:
//
//	err := s.InTx(ctx, func(tx store.Session) error {
//		conv, err := tx.GetConversation(ctx, id)
//		if err != nil {
//			return err
//		}
//		conv.State = conv.State.Handover(true)
//		return tx.UpdateConversation(ctx, conv)
//	})
//
// The database uses a single connection, so transactions are serialized.
// Code running inside InTx must only use the Session it was given.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: external id already has a conversation
//   - ErrDuplicateMessage: the upstream event was already recorded
//
// # Audit Log
//
// AuditStore records operator actions (sends, handover, AI toggles, hiding,
// tags) with the acting subject. Entries are append-only and listed newest
// first through AuditFilter.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
package store
