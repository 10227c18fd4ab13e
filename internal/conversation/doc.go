// Package conversation is the chat-session state engine.
//
// # Service
//
// Every message and state change goes through a Service:
//
//	svc := conversation.New(conversation.Config{
//		Store:      db,
//		Cache:      layer,
//		Hub:        hub,
//		Dispatcher: dispatcher,
//		Sender:     telegramClient,
//	})
//
// Writes follow one order: commit the transaction, invalidate the cached
// views the write touched, broadcast snapshots to observers, then talk to
// the outside world (the responder or the upstream platform). Readers of
// the cache therefore never see data older than the last committed write.
//
// # States
//
// A conversation is in exactly one of three states:
//
//   - ai_active: the automated responder answers client messages
//   - awaiting_manager: a human was requested; nothing is answered
//   - manager_active: an operator owns the conversation
//
// An operator message moves ai_active to manager_active. A handover request
// from the responder or an operator moves to awaiting_manager. The
// Reactivator returns awaiting_manager conversations to ai_active after the
// client has been silent long enough.
//
// # Hub
//
// Hub fans events out to connected observers (dashboard websockets). Each
// send is bounded by a timeout and failing observers are dropped.
package conversation
