package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// handleUIWS streams the UIBroadcaster's run_started/test_case_*/
// run_finished feed to a dashboard client (spec.md §4.6 "UI broadcast
// interface"), mirroring handleViewerWS's replay-free relay loop since
// the dashboard already has its own query-driven initial state.
func (s *Server) handleUIWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("httpapi: ui upgrade failed")
		return
	}
	defer conn.Close()

	id, ch := s.ui.Register()
	defer s.ui.Unregister(id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
