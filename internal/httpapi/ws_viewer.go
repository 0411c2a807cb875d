package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matgreaves/telemetryd/internal/errs"
	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/matgreaves/telemetryd/internal/runstate"
	"github.com/matgreaves/telemetryd/internal/wire"
)

// viewerEvent is what handleViewerWS pushes down the wire: either the
// initial replay batch or a single live update relayed from
// runstate.TestCase.Publish (spec.md §4.6).
type viewerEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// stringTableFrame is the server->viewer connect-time frame carrying the
// run's interned strings so far (spec.md §4.6, §6 "receives a
// string_table frame"; wire.MsgStringTable/wire.StringTableFrame).
type stringTableFrame struct {
	T       int            `json:"t"`
	Strings map[int]string `json:"strings"`
}

// exceptionReplayItem is an exception tagged for the merged replay batch
// (spec.md §4.6: "existing stack entries as `{type: exception, …}`").
type exceptionReplayItem struct {
	Type string `json:"type"`
	model.Exception
}

// buildReplayBatch merges logs and exceptions into the single
// timestamp-ascending sequence spec.md §4.6 mandates: "concat(existing
// log entries, existing stack entries as {type: exception, …}), sorted
// by timestamp ASC".
func buildReplayBatch(logs []model.LogEntry, excs []model.Exception) []any {
	type item struct {
		ts    time.Time
		value any
	}
	items := make([]item, 0, len(logs)+len(excs))
	for _, l := range logs {
		items = append(items, item{ts: l.Timestamp, value: l})
	}
	for _, e := range excs {
		items = append(items, item{ts: e.Timestamp, value: exceptionReplayItem{Type: "exception", Exception: e}})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].ts.Before(items[j].ts) })

	batch := make([]any, len(items))
	for i, it := range items {
		batch[i] = it.value
	}
	return batch
}

// handleViewerWS streams one test case's logs and exceptions live,
// grounded on internal/server/sse.go's replay-then-stream handler:
// send the run's string table, then everything known so far as one
// ordered batch, then forward whatever arrives on the case's subscriber
// channel until the client disconnects.
func (s *Server) handleViewerWS(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	tcID := r.PathValue("tc_id")

	run, ok := s.runs.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, errs.ErrRunNotActive)
		return
	}
	tc, ok := run.TestCaseByID(tcID)
	if !ok {
		writeError(w, http.StatusNotFound, errs.ErrUnknownTestCase)
		return
	}

	logs, excs, err := s.disk.ReadCaseLive(runID, tcID, run.StringTable)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("httpapi: viewer upgrade failed")
		return
	}
	defer conn.Close()

	s.metrics.activeViewerConns.Inc()
	defer s.metrics.activeViewerConns.Dec()

	data, err := json.Marshal(stringTableFrame{T: int(wire.MsgStringTable), Strings: run.StringTable.Snapshot()})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}

	if err := writeViewerJSON(conn, viewerEvent{Type: "replay", Payload: map[string]any{
		"test_case": tc.Snapshot(),
		"batch":     buildReplayBatch(logs, excs),
	}}); err != nil {
		return
	}

	sub := runstate.NewSubscriber()
	tc.Subscribe(sub)
	defer tc.Unsubscribe(sub)

	// gorilla requires a reader to process control frames (ping/close);
	// this also detects client disconnect.
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
		case msg, ok := <-sub.Ch:
			if !ok {
				return
			}
			if err := writeViewerJSON(conn, viewerEvent{Type: "update", Payload: msg}); err != nil {
				return
			}
		}
	}
}

func writeViewerJSON(conn *websocket.Conn, ev viewerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
