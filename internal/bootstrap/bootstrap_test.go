package bootstrap

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matgreaves/telemetryd/internal/diskstore"
	"github.com/matgreaves/telemetryd/internal/index"
	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResyncFinalizesAbandonedRun(t *testing.T) {
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	disk, err := diskstore.NewStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)

	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	run := model.Run{RunID: "abandoned-1", RunName: "orphan", Status: model.RunRunning, StartTime: start}
	require.NoError(t, idx.InsertRun(run))
	require.NoError(t, disk.CreateRunDir(run.RunID))

	tc := model.TestCase{TCID: "tc1", FullName: "pkg.TestStuck", Status: model.TCRunning, StartTime: start.Add(time.Minute)}
	require.NoError(t, idx.InsertTestCase(run.RunID, tc))
	require.NoError(t, disk.EnsureCaseLogFile(run.RunID, tc.TCID))

	now := start.Add(time.Hour)
	swept, err := Resync(idx, disk, now, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "abandoned-1", swept[0].RunID)
	assert.Equal(t, 1, swept[0].AbortedCases)

	listing, err := idx.RunByID(run.RunID)
	require.NoError(t, err)
	assert.EqualValues(t, model.RunAborted, listing.Run.Status)
	assert.Equal(t, abandonedReason, listing.Run.AbortReason)
	assert.Equal(t, 1, listing.Counts.Aborted)
}

func TestResyncAbortsStragglersUnderAlreadyAbortedRun(t *testing.T) {
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	disk, err := diskstore.NewStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)

	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	run := model.Run{
		RunID: "already-aborted-1", RunName: "flaked", Status: model.RunAborted,
		StartTime: start, EndTime: end, AbortReason: "runner crashed",
	}
	require.NoError(t, idx.InsertRun(run))
	require.NoError(t, disk.CreateRunDir(run.RunID))

	tc := model.TestCase{TCID: "tc1", FullName: "pkg.TestStuck", Status: model.TCRunning, StartTime: start.Add(time.Minute)}
	require.NoError(t, idx.InsertTestCase(run.RunID, tc))
	require.NoError(t, disk.EnsureCaseLogFile(run.RunID, tc.TCID))

	now := start.Add(time.Hour)
	swept, err := Resync(idx, disk, now, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "already-aborted-1", swept[0].RunID)
	assert.Equal(t, 1, swept[0].AbortedCases)

	listing, err := idx.RunByID(run.RunID)
	require.NoError(t, err)
	assert.EqualValues(t, model.RunAborted, listing.Run.Status)
	assert.Equal(t, "runner crashed", listing.Run.AbortReason)
	assert.True(t, listing.Run.EndTime.Equal(end))
	assert.Equal(t, 1, listing.Counts.Aborted)
}

func TestResyncNoRunningRunsIsNoop(t *testing.T) {
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	disk, err := diskstore.NewStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)

	swept, err := Resync(idx, disk, time.Now(), zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, swept)
}
