package diskstore

import (
	"testing"

	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/matgreaves/telemetryd/internal/wire"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

// TestMergeThenReadFinishedCase exercises spec.md testable property 5:
// after run_finished, reading log_count+stack_count records at
// log_offset in the merged archive yields exactly what was broadcast
// live, for two cases each with two log entries and one exception
// (testable property F, "merge-on-finish").
func TestMergeThenReadFinishedCase(t *testing.T) {
	s := newTestStore(t)
	runID := "run-merge-1"
	require.NoError(t, s.CreateRunDir(runID))

	table := wire.NewStringTable()
	cases := []string{"tc-a", "tc-b"}
	for _, tcID := range cases {
		require.NoError(t, s.EnsureCaseLogFile(runID, tcID))
		require.NoError(t, s.AppendLogRecords(runID, tcID, []map[string]any{
			{"ts": int64(1000), "m": "first"},
			{"ts": int64(1001), "m": "second"},
		}))
		require.NoError(t, s.AppendStackRecord(runID, tcID, map[string]any{
			"ts": int64(1002), "message": "boom", "exception_type": "RuntimeError",
		}))
	}

	preLogs, preExcs, err := s.ReadCaseLive(runID, "tc-a", table)
	require.NoError(t, err)
	require.Len(t, preLogs, 2)
	require.Len(t, preExcs, 1)

	offsets, err := s.Merge(runID, cases)
	require.NoError(t, err)
	require.Len(t, offsets, 2)

	require.NoError(t, s.DeleteCaseFiles(runID))
	require.True(t, s.HasArchive(runID))

	for _, tcID := range cases {
		off := offsets[tcID]
		require.Equal(t, 2, off.LogCount)
		require.Equal(t, 1, off.StackCount)

		logs, excs, err := s.ReadFinishedCase(runID, off, table)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		require.Equal(t, "first", logs[0].Message)
		require.Equal(t, "second", logs[1].Message)
		require.Len(t, excs, 1)
		require.Equal(t, "boom", excs[0].Message)
		require.Equal(t, "RuntimeError", excs[0].ExceptionType)
	}

	// per-case files are gone; the run directory itself remains.
	liveLogs, liveExcs, err := s.ReadCaseLive(runID, "tc-a", table)
	require.NoError(t, err)
	require.Nil(t, liveLogs)
	require.Nil(t, liveExcs)
	require.True(t, s.RunDirExists(runID))
}

func TestSidecarRoundTrip(t *testing.T) {
	s := newTestStore(t)
	runID := "run-sidecar-1"
	require.NoError(t, s.CreateRunDir(runID))

	sc := Sidecar{
		Run: model.Run{RunID: runID, RunName: "nightly", Status: model.RunFinished},
		TestCases: map[string]model.TestCase{
			"tc-a": {TCID: "tc-a", FullName: "Ns.T1", Status: model.TCPassed},
		},
	}
	require.NoError(t, s.WriteSidecar(runID, sc))

	got, err := s.ReadSidecar(runID)
	require.NoError(t, err)
	require.Equal(t, runID, got.Run.RunID)
	require.Equal(t, model.RunFinished, got.Run.Status)
	require.Equal(t, "Ns.T1", got.TestCases["tc-a"].FullName)
}

func TestDeleteRunDirRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	runID := "run-delete-1"
	require.NoError(t, s.CreateRunDir(runID))
	require.NoError(t, s.EnsureCaseLogFile(runID, "tc-a"))
	require.True(t, s.RunDirExists(runID))

	require.NoError(t, s.DeleteRunDir(runID))
	require.False(t, s.RunDirExists(runID))
}

func TestReadCaseLiveMissingFilesReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	runID := "run-empty-1"
	require.NoError(t, s.CreateRunDir(runID))

	logs, excs, err := s.ReadCaseLive(runID, "tc-never-started", wire.NewStringTable())
	require.NoError(t, err)
	require.Nil(t, logs)
	require.Nil(t, excs)
}
