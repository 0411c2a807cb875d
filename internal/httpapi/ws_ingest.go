package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/matgreaves/telemetryd/internal/session"
)

// handleIngestWS upgrades a runner connection and drives it with a
// session.Session, one per connection (spec.md §4.1). Grounded on
// internal/server/sse.go's "write, flush, loop until the client goes
// away" shape, adapted to a bidirectional gorilla/websocket connection
// since the wire protocol needs a reply frame for run_started.
func (s *Server) handleIngestWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("httpapi: ingest upgrade failed")
		return
	}
	defer conn.Close()

	s.metrics.activeIngestConns.Inc()
	defer s.metrics.activeIngestConns.Dec()

	// The only call path that writes to this connection is
	// handleRunStarted's reply, which already holds the session's own
	// lock, so a second mutex around the websocket write isn't needed here.
	sender := func(data []byte) error {
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}

	sess := session.New(s.newSessionDeps(), sender)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go sess.Watch(ctx)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		s.metrics.framesTotal.WithLabelValues("frame").Inc()
		sess.HandleFrame(data)
	}

	sess.CloseClean()
}
