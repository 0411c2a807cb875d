package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matgreaves/telemetryd/internal/diskstore"
	"github.com/matgreaves/telemetryd/internal/fanout"
	"github.com/matgreaves/telemetryd/internal/index"
	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/matgreaves/telemetryd/internal/runstate"
	"github.com/matgreaves/telemetryd/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func newTestServer(t *testing.T) (*Server, *index.Index, *diskstore.Store) {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	disk, err := diskstore.NewStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	runs := runstate.NewStore()
	ui := fanout.NewUIBroadcaster()
	s := NewServer(idx, disk, runs, ui, zerolog.Nop(), prometheus.NewRegistry())
	return s, idx, disk
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListRunsEndpoint(t *testing.T) {
	s, idx, _ := newTestServer(t)
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, idx.InsertRun(model.Run{RunID: "r1", RunName: "smoke", Status: model.RunFinished, StartTime: start}))

	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
}

func TestRunDetailsNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestIngestWebsocketRoundTrip drives a run_started frame over a real
// websocket connection and checks the run_started response and the
// resulting index row.
func TestIngestWebsocketRoundTrip(t *testing.T) {
	s, idx, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/ingest"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, mustPack(t, map[string]any{
		"t": 1, "run_name": "ws-smoke",
	})))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, msgpack.Unmarshal(data, &resp))
	runID, _ := resp["run_id"].(string)
	require.NotEmpty(t, runID)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, mustPack(t, map[string]any{
		"t": 7, "run_id": runID, "status": "finished", "ts": time.Now().UnixMilli(),
	})))

	require.Eventually(t, func() bool {
		listing, err := idx.RunByID(runID)
		return err == nil && listing != nil && listing.Run.Status == model.RunFinished
	}, 2*time.Second, 10*time.Millisecond)
}

// TestViewerWebsocketReplayThenLiveUpdate drives the live-log viewer
// contract (spec.md §4.6): on connect it replays existing entries, then
// forwards whatever the case publishes afterward.
func TestViewerWebsocketReplayThenLiveUpdate(t *testing.T) {
	s, _, disk := newTestServer(t)

	runID, tcID := "run-view-1", "tc-1"
	require.NoError(t, disk.CreateRunDir(runID))
	require.NoError(t, disk.EnsureCaseLogFile(runID, tcID))
	require.NoError(t, disk.AppendLogRecords(runID, tcID, []map[string]any{
		{"ts": int64(1000), "m": "existing entry"},
	}))

	run, created := s.runs.Create(model.Run{RunID: runID, RunName: "viewer-run", Status: model.RunRunning})
	require.True(t, created)
	tc, added := run.AddTestCase(model.TestCase{TCID: tcID, FullName: "pkg.Test1", Status: model.TCRunning})
	require.True(t, added)

	srv := httptest.NewServer(s)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/viewer/" + runID + "/" + tcID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var table stringTableFrame
	require.NoError(t, json.Unmarshal(data, &table))
	assert.Equal(t, int(wire.MsgStringTable), table.T)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var replay viewerEvent
	require.NoError(t, json.Unmarshal(data, &replay))
	assert.Equal(t, "replay", replay.Type)

	tc.Publish(map[string]any{"hello": "live"})

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var update viewerEvent
	require.NoError(t, json.Unmarshal(data, &update))
	assert.Equal(t, "update", update.Type)
}

func TestViewerWebsocketUnknownRunIs404(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/viewer/no-such-run/no-such-tc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestUIWebsocketRelaysBroadcast checks that a message given to the
// fanout.UIBroadcaster reaches a connected /ws/ui client verbatim.
func TestUIWebsocketRelaysBroadcast(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/ui"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Register() runs asynchronously inside the handler goroutine after
	// the websocket handshake completes, so retry the broadcast until a
	// client has actually registered to receive it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = s.ui.Broadcast(fanout.UIMessage{Type: "run_started", RunID: "r1"})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "run_started", msg["type"])
}

func mustPack(t *testing.T, v map[string]any) []byte {
	t.Helper()
	data, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return data
}
