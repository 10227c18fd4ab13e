// Package gateway wires the switchboard server together.
//
// # Overview
//
// The Gateway owns every long-lived component: the SQLite store, the cache
// layer, the responder dispatcher, the Telegram client, the broadcast hub,
// the conversation service, the reactivation timer, and the HTTP server.
// New builds them from a config.Config; Run serves until its context is
// cancelled and then shuts everything down in order.
//
// # Background tasks
//
// Run supervises three tasks with an errgroup:
//
//   - the HTTP server (operator API, /health, /ws)
//   - the ingestion poller, when Telegram is enabled in polling mode
//   - the reactivation timer
//
// When any task fails or the context ends, the others are cancelled, in-flight
// responder dispatches are drained (or cancelled after
// server.shutdown_timeout), and the hub, cache, and store are closed.
//
// # HTTP API
//
//	GET    /health
//	GET    /api/conversations[?hidden=true]
//	GET    /api/conversations/{id}
//	GET    /api/conversations/{id}/messages
//	POST   /api/conversations/{id}/messages   {"body": "..."}
//	POST   /api/conversations/{id}/files      multipart field "file"
//	PUT    /api/conversations/{id}/handover   {"awaiting_manager": true}
//	PUT    /api/conversations/{id}/ai         {"enabled": false}
//	POST   /api/conversations/{id}/hide
//	POST   /api/conversations/{id}/tags       {"tag": "vip"}
//	DELETE /api/conversations/{id}/tags       {"tag": "vip"}
//	GET    /api/stats
//	GET    /api/audit[?conversation_id=&actor=&action=&since=&limit=]
//	GET    /ws
//	POST   /telegram/webhook/{secret}         a Bot API update
//
// With telegram.mode set to webhook no poller runs; Telegram pushes updates
// to the webhook route instead, which answers 404 unless the path carries
// telegram.webhook_secret. Both paths feed the same inbound handler, so a
// redelivered update is still stored once.
//
// Every request is logged with its method, route pattern, status, and
// duration.
//
// Unknown conversations map to 404 and invalid input to 400. With
// auth.jwt_secret set, /api requires an operator token and /ws an observer
// (or operator) token.
//
// # Observer stream
//
// GET /ws upgrades to a WebSocket. The socket first receives a stats_updated
// snapshot, then every hub event as a JSON text frame:
//
//	{"type": "message_created", "data": {...}, "timestamp": "..."}
//
// A socket that cannot take a frame within broadcast.send_timeout is dropped.
package gateway
