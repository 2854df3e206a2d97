package runtime

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-wallet/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams session events from the bus to a websocket client,
// starting with a snapshot of the current session.
func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	if !r.bus.Healthy() {
		r.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream requires the bus"})
		return
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := r.bus.Conn().ChanSubscribe(protocol.SubjectSessionAll, msgs)
	if err != nil {
		r.logger.Warn("event stream subscribe failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	snapshot, err := protocol.NewSessionEvent(r.assistant.SessionID(), "session.snapshot", time.Now().UTC(), r.assistant.Snapshot())
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
	}

	// The read loop only watches for close frames and pongs.
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-req.Context().Done():
			return
		case msg := <-msgs:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				r.logger.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
