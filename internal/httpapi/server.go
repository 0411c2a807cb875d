// Package httpapi exposes telemetryd over HTTP: a websocket upgrade for
// the runner ingest channel, a websocket upgrade for the live-log viewer
// channel, and a JSON route table over internal/query. It is grounded on
// internal/server/server.go's route table (one *http.ServeMux, one
// constructor that registers every route) and internal/server/sse.go's
// replay-then-stream handler, with the transport swapped from SSE to
// gorilla/websocket per SPEC_FULL.md §2 (the wire protocol is a single
// framed channel in both directions, not a server-only event stream).
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matgreaves/telemetryd/internal/diskstore"
	"github.com/matgreaves/telemetryd/internal/fanout"
	"github.com/matgreaves/telemetryd/internal/index"
	"github.com/matgreaves/telemetryd/internal/query"
	"github.com/matgreaves/telemetryd/internal/runstate"
	"github.com/matgreaves/telemetryd/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server wires together the ingest/viewer websocket endpoints and the
// JSON query API (spec.md §6).
type Server struct {
	mux *http.ServeMux

	idx    *index.Index
	disk   *diskstore.Store
	runs   *runstate.Store
	ui     *fanout.UIBroadcaster
	query  *query.Surface
	logger zerolog.Logger

	upgrader websocket.Upgrader

	metrics metrics
}

type metrics struct {
	framesTotal       *prometheus.CounterVec
	activeIngestConns prometheus.Gauge
	activeViewerConns prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) metrics {
	m := metrics{
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetryd_ingest_frames_total",
			Help: "Binary wire frames received on runner ingest connections; every frame is counted under type=\"frame\".",
		}, []string{"type"}),
		activeIngestConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetryd_ingest_connections",
			Help: "Currently open runner ingest connections.",
		}),
		activeViewerConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetryd_viewer_connections",
			Help: "Currently open live-log viewer connections.",
		}),
	}
	reg.MustRegister(m.framesTotal, m.activeIngestConns, m.activeViewerConns)
	return m
}

// NewServer builds the route table (spec.md §6). reg may be
// prometheus.DefaultRegisterer.
func NewServer(idx *index.Index, disk *diskstore.Store, runs *runstate.Store, ui *fanout.UIBroadcaster, logger zerolog.Logger, reg prometheus.Registerer) *Server {
	s := &Server{
		idx:    idx,
		disk:   disk,
		runs:   runs,
		ui:     ui,
		query:  query.New(idx, disk),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: newMetrics(reg),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /ws/ingest", s.handleIngestWS)
	s.mux.HandleFunc("GET /ws/viewer/{run_id}/{tc_id}", s.handleViewerWS)
	s.mux.HandleFunc("GET /ws/ui", s.handleUIWS)

	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/runs/{run_id}", s.handleRunDetails)
	s.mux.HandleFunc("GET /api/runs/{run_id}/test_cases", s.handleTestCasesForRun)
	s.mux.HandleFunc("GET /api/runs/{run_id}/classifications", s.handleClassifyRun)
	s.mux.HandleFunc("GET /api/runs/{run_id}/new_cases", s.handleIsNewTestCases)
	s.mux.HandleFunc("GET /api/runs-over-time", s.handleRunsOverTime)
	s.mux.HandleFunc("GET /api/test_cases/history", s.handleTestCaseHistory)
	s.mux.HandleFunc("GET /api/failures/recent", s.handleFailedRecent)
	s.mux.HandleFunc("GET /api/failures/top", s.handleTopFailures)
	s.mux.HandleFunc("GET /api/metadata/keys", s.handleMetadataKeys)
	s.mux.HandleFunc("GET /api/metadata/values", s.handleMetadataValues)
	s.mux.HandleFunc("GET /api/groups/{group_hash}/history", s.handleGroupHoverHistory)
	s.mux.HandleFunc("GET /api/test_cases/hover_history", s.handleTestCaseHoverHistory)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// newSessionDeps builds the Deps one ingest session needs, sharing the
// server's process-wide collaborators (spec.md §4.2 "one Store for the
// whole process").
func (s *Server) newSessionDeps() session.Deps {
	return session.Deps{
		Runs:   s.runs,
		Disk:   s.disk,
		Index:  s.idx,
		UI:     s.ui,
		Logger: s.logger,
		Clock:  time.Now,
	}
}
