package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matgreaves/telemetryd/internal/diskstore"
	"github.com/matgreaves/telemetryd/internal/fanout"
	"github.com/matgreaves/telemetryd/internal/index"
	"github.com/matgreaves/telemetryd/internal/runstate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type harness struct {
	t     *testing.T
	sess  *Session
	idx   *index.Index
	disk  *diskstore.Store
	runs  *runstate.Store
	clock time.Time
	sent  [][]byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	disk, err := diskstore.NewStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)

	h := &harness{
		t:     t,
		idx:   idx,
		disk:  disk,
		runs:  runstate.NewStore(),
		clock: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	deps := Deps{
		Runs:   h.runs,
		Disk:   disk,
		Index:  idx,
		UI:     fanout.NewUIBroadcaster(),
		Logger: zerolog.Nop(),
		Clock:  func() time.Time { return h.clock },
	}
	h.sess = New(deps, func(data []byte) error {
		h.sent = append(h.sent, data)
		return nil
	})
	return h
}

func (h *harness) send(fields map[string]any) {
	h.t.Helper()
	data, err := msgpack.Marshal(fields)
	require.NoError(h.t, err)
	h.sess.HandleFrame(data)
}

func (h *harness) lastResponse() map[string]any {
	h.t.Helper()
	require.NotEmpty(h.t, h.sent)
	var m map[string]any
	require.NoError(h.t, msgpack.Unmarshal(h.sent[len(h.sent)-1], &m))
	return m
}

func tsMillis(t time.Time) int64 { return t.UnixMilli() }

// Scenario A (spec.md §8): run_started, one passing case, run_finished —
// the minimal happy path, merged into an archive and indexed terminal.
func TestMinimalHappyPath(t *testing.T) {
	h := newHarness(t)

	h.send(map[string]any{"t": 1, "run_name": "smoke"})
	resp := h.lastResponse()
	runID, _ := resp["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, runID, h.sess.RunID())

	h.clock = h.clock.Add(time.Second)
	h.send(map[string]any{
		"t": 3, "run_id": runID, "tc_id": "tc1", "tc_full_name": "pkg.TestOne",
		"status": "running", "ts": tsMillis(h.clock),
	})

	h.clock = h.clock.Add(time.Second)
	h.send(map[string]any{
		"t": 6, "run_id": runID, "tc_id": "tc1",
		"status": "passed", "ts": tsMillis(h.clock),
	})

	h.clock = h.clock.Add(time.Second)
	h.send(map[string]any{
		"t": 7, "run_id": runID, "status": "finished", "ts": tsMillis(h.clock),
	})

	assert.False(t, h.runs.Has(runID))
	assert.True(t, h.disk.HasArchive(runID))

	listing, err := h.idx.RunByID(runID)
	require.NoError(t, err)
	require.NotNil(t, listing)
	assert.EqualValues(t, "finished", listing.Run.Status)
	assert.Equal(t, 1, listing.Counts.Passed)
}

// Scenario D (spec.md §8): a second run_started naming an already-active
// run_id is rejected; the session stays open and no duplicate is created.
func TestDuplicateRunIDRejected(t *testing.T) {
	h := newHarness(t)

	h.send(map[string]any{"t": 1, "run_id": "fixed-run-id", "run_name": "first"})
	first := h.lastResponse()
	assert.Nil(t, first["err"])
	assert.Equal(t, "fixed-run-id", h.sess.RunID())

	other := newHarness(t)
	other.idx = h.idx
	other.runs = h.runs
	other.sess.deps.Index = h.idx
	other.sess.deps.Runs = h.runs

	other.send(map[string]any{"t": 1, "run_id": "fixed-run-id", "run_name": "second"})
	second := other.lastResponse()
	require.NotNil(t, second["err"])
	assert.Empty(t, other.sess.RunID())
}

// Abort (spec.md §4.5): every still-running case is forced to aborted and
// the run is finalized with an abort reason, exactly once.
func TestAbortFinalizesRunningCases(t *testing.T) {
	h := newHarness(t)

	h.send(map[string]any{"t": 1, "run_name": "will-abort"})
	runID := h.sess.RunID()
	require.NotEmpty(t, runID)

	h.send(map[string]any{
		"t": 3, "run_id": runID, "tc_id": "tc1", "tc_full_name": "pkg.TestStuck",
		"status": "running", "ts": tsMillis(h.clock),
	})

	h.clock = h.clock.Add(45 * time.Second)
	h.sess.Abort("Connection timeout")

	assert.True(t, h.sess.IsTerminal())
	assert.False(t, h.runs.Has(runID))

	listing, err := h.idx.RunByID(runID)
	require.NoError(t, err)
	require.NotNil(t, listing)
	assert.EqualValues(t, "aborted", listing.Run.Status)
	assert.Equal(t, "Connection timeout", listing.Run.AbortReason)
	assert.Equal(t, 1, listing.Counts.Aborted)

	// A second Abort is a no-op, not a second index write.
	h.sess.Abort("should be ignored")
}

// Invalid run_id on run_started is rejected in-band; the session remains
// open with no run attached.
func TestInvalidRunIDRejected(t *testing.T) {
	h := newHarness(t)
	h.send(map[string]any{"t": 1, "run_id": "has/slash", "run_name": "bad"})
	resp := h.lastResponse()
	require.NotNil(t, resp["err"])
	assert.Empty(t, h.sess.RunID())
}
