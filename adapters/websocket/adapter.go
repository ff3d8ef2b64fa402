package websocket

import (
	"log/slog"
	"net/http"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"engagekit/core"
	"engagekit/engine"
	"engagekit/realtime"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	bufferSize = 256
)

// Handler returns an http.Handler that upgrades to WebSocket and streams events from the hub.
//
// Query parameters narrow the stream: user_id keeps events for one user and
// topic takes a bus pattern such as "gamification.points.*".
func Handler(hub *realtime.Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "websocket")
	upgrader := gorillaws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter, err := filterFrom(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		id, ch := hub.Subscribe(bufferSize, filter)
		defer hub.Unsubscribe(id)

		// The read loop only services control frames; it ends when the peer goes away.
		closed := make(chan struct{})
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data := realtime.MarshalJSON(ev)
				if data == nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
					logger.Debug("write failed", "error", err)
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}

func filterFrom(r *http.Request) (realtime.Filter, error) {
	var f realtime.Filter
	q := r.URL.Query()
	if raw := q.Get("user_id"); raw != "" {
		u, err := core.NormalizeUserID(core.UserID(raw))
		if err != nil {
			return f, err
		}
		f.UserID = u
	}
	if raw := q.Get("topic"); raw != "" {
		p, err := engine.ParsePattern(raw)
		if err != nil {
			return f, err
		}
		f.Pattern = &p
	}
	return f, nil
}
