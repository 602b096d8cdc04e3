package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleEvents upgrades to a websocket and streams sync lifecycle
// events. Auth already happened in ServeHTTP; a dropped or slow client
// only loses its own events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept already wrote the handshake failure.
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.manager.SubscribeEvents()
	defer cancel()

	ctx := r.Context()
	pingInterval := 30 * time.Second
	pingTimer := time.NewTicker(pingInterval)
	defer pingTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		case <-pingTimer.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "manager closed")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}
