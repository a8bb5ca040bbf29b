package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

// handleWS streams events for a task over a WebSocket.
// GET /api/v1/research/{id}/ws?types=&last_event_id=
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request, id string) {
	sub, err := h.open(r, id, parseLastEventID(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer h.close(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.String("research_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	write := func(v interface{}) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	for _, ev := range sub.backlog {
		if sub.accept(ev) {
			if err := write(ev); err != nil {
				return
			}
		}
	}
	if sub.terminal {
		closeWS(conn)
		return
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Reader pump discards client messages and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.wsPing)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case ev, ok := <-sub.ch:
			if !ok {
				closeWS(conn)
				return
			}
			if sub.accept(ev) {
				if err := write(ev); err != nil {
					return
				}
			}
			if ev.IsTerminal() {
				closeWS(conn)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func closeWS(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
