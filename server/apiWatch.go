package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const wsPingInterval = 30 * time.Second

// wsReadPump discards incoming messages and closes 'closed' when the client
// disconnects. We never expect the client to send anything meaningful, but we
// must keep reading so that close frames and ping/pong are processed.
func wsReadPump(conn *websocket.Conn, closed chan bool) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			close(closed)
			return
		}
	}
}

// httpStreamWS pushes every new RiskResult for a stream over a websocket.
// Unlike the poll endpoint, a watcher does not consume the result queue, so
// pollers and websocket viewers can coexist on the same stream.
func (s *Server) httpStreamWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	streamID := params.ByName("streamID")
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("Websocket upgrade on stream %v failed: %v", streamID, err)
		return
	}
	defer conn.Close()

	results := s.Pool.AddWatcher(streamID)
	defer s.Pool.RemoveWatcher(streamID, results)

	closed := make(chan bool)
	go wsReadPump(conn, closed)

	s.Log.Infof("Websocket opened on stream %v", streamID)
	defer s.Log.Infof("Websocket closed on stream %v", streamID)

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-results:
			if err := conn.WriteJSON(res); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.ShutdownStarted:
			return
		}
	}
}

// httpAlertsWS pushes every alert event over a websocket.
func (s *Server) httpAlertsWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("Websocket upgrade on alerts failed: %v", err)
		return
	}
	defer conn.Close()

	events := s.Alerts.AddWatcher()
	defer s.Alerts.RemoveWatcher(events)

	closed := make(chan bool)
	go wsReadPump(conn, closed)

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.ShutdownStarted:
			return
		}
	}
}
