package retention

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matgreaves/telemetryd/internal/diskstore"
	"github.com/matgreaves/telemetryd/internal/index"
	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEligible(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, Eligible(model.Run{RetentionDays: 0, StartTime: now.Add(-48 * time.Hour)}, now))
	assert.False(t, Eligible(model.Run{RetentionDays: 2, StartTime: now.Add(-25 * time.Hour)}, now))
	assert.True(t, Eligible(model.Run{RetentionDays: 1, StartTime: now.Add(-48 * time.Hour)}, now))
}

func TestSweepOnceDeletesEligibleRunsAndRecordsDeletesAt(t *testing.T) {
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	disk, err := diskstore.NewStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	expired := model.Run{RunID: "run-expired", RunName: "nightly", Status: model.RunFinished, RetentionDays: 1, StartTime: now.Add(-48 * time.Hour)}
	fresh := model.Run{RunID: "run-fresh", RunName: "smoke", Status: model.RunFinished, RetentionDays: 7, StartTime: now.Add(-time.Hour)}
	for _, r := range []model.Run{expired, fresh} {
		require.NoError(t, idx.InsertRun(r))
		require.NoError(t, disk.CreateRunDir(r.RunID))
	}

	sw := NewSweeper(idx, disk)
	results := sw.SweepOnce([]model.Run{expired, fresh}, now)

	require.Len(t, results, 1)
	assert.Equal(t, "run-expired", results[0].RunID)
	assert.True(t, results[0].Deleted)
	assert.NoError(t, results[0].Err)

	assert.False(t, disk.RunDirExists("run-expired"))
	assert.True(t, disk.RunDirExists("run-fresh"))

	listing, err := idx.RunByID("run-fresh")
	require.NoError(t, err)
	require.NotNil(t, listing.Run.DeletesAt)
	assert.Equal(t, fresh.StartTime.Add(7*24*time.Hour), *listing.Run.DeletesAt)
}
