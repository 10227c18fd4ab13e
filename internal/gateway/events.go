// ABOUTME: WebSocket endpoint attaching dashboards to the broadcast hub as observers
// ABOUTME: Each socket receives a stats snapshot on connect, then every hub event as a text frame

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/conversation"
)

// wsObserver adapts a websocket connection to conversation.Observer.
type wsObserver struct {
	conn *websocket.Conn
}

// Send writes payload as one text frame.
func (o *wsObserver) Send(ctx context.Context, payload []byte) error {
	return o.conn.Write(ctx, websocket.MessageText, payload)
}

// Close closes the socket with a normal closure.
func (o *wsObserver) Close() error {
	return o.conn.Close(websocket.StatusNormalClosure, "")
}

// handleEvents handles GET /ws. The connection stays registered with the hub
// until the client goes away or the hub drops it.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}
	obs := &wsObserver{conn: conn}

	// Observers are write-only; CloseRead discards client frames and
	// cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())

	if err := g.sendSnapshot(ctx, obs); err != nil {
		g.logger.Debug("initial snapshot failed", "error", err)
		conn.CloseNow()
		return
	}

	handle := g.hub.Connect(obs)
	if handle == "" {
		return
	}
	defer g.hub.Disconnect(handle)

	g.logger.Info("observer connected",
		"handle", handle,
		"subject", auth.SubjectFromContext(r.Context()),
		"observers", g.hub.Len(),
	)

	<-ctx.Done()
	g.logger.Info("observer disconnected", "handle", handle)
}

// sendSnapshot sends the current stats to a newly connected observer.
func (g *Gateway) sendSnapshot(ctx context.Context, obs *wsObserver) error {
	stats, err := g.conversation.Stats(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(conversation.Event{
		Type:      conversation.EventStatsUpdated,
		Data:      stats,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, g.config.Broadcast.SendTimeout.D())
	defer cancel()
	return obs.Send(sendCtx, payload)
}
