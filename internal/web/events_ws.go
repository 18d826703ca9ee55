package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleEventsWS streams change events as JSON text messages. Events after
// ?after= are replayed from the ring buffer before live events.
//
// A slow reader misses events rather than slowing down writers; the
// event ids let it notice the gap and catch up with /api/v1/events.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeJSONWithStatus(w, http.StatusNotFound, map[string]any{"error": "change events are disabled"})
		return
	}
	after, err := parseAfter(r)
	if err != nil {
		writeJSONWithStatus(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	// Subscribe before replaying so nothing falls between the two.
	id, events := s.deps.Events.Subscribe(wsBufferSize)
	defer s.deps.Events.Unsubscribe(id)

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "subscriber", id, "after", after)

	// The read side only handles control frames and notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	last := after
	send := func(data []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	if r.URL.Query().Has("after") {
		for _, ev := range s.deps.Events.Since(after) {
			if !send(ev.JSON()) {
				return
			}
			last = ev.ID
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if ev.ID <= last {
				continue
			}
			if !send(ev.JSON()) {
				return
			}
			last = ev.ID
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
