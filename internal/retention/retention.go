// Package retention provides the eligibility predicate and deletion
// primitive for on-disk run cleanup. The sweep schedule is an external
// concern (spec.md §5 "Retention decoupling") — this package takes an
// explicit clock input so it is testable without a real timer.
package retention

import (
	"fmt"
	"time"

	"github.com/matgreaves/telemetryd/internal/diskstore"
	"github.com/matgreaves/telemetryd/internal/index"
	"github.com/matgreaves/telemetryd/internal/model"
)

// Eligible reports whether a run is due for on-disk deletion: retention
// is set and now − start_time exceeds it (spec.md §5).
func Eligible(run model.Run, now time.Time) bool {
	if run.RetentionDays <= 0 {
		return false
	}
	return now.Sub(run.StartTime) > time.Duration(run.RetentionDays)*24*time.Hour
}

// Sweeper deletes on-disk artifacts for eligible runs; index rows are
// left untouched (spec.md §5 "index rows persist").
type Sweeper struct {
	idx  *index.Index
	disk *diskstore.Store
}

func NewSweeper(idx *index.Index, disk *diskstore.Store) *Sweeper {
	return &Sweeper{idx: idx, disk: disk}
}

// Result reports one sweep's outcome for a single run.
type Result struct {
	RunID   string
	Deleted bool
	Err     error
}

// SweepOnce runs one retention pass over a caller-supplied run listing,
// deleting the on-disk directory of every eligible run and recording
// deletes_at in the index for runs that don't have it set yet. The
// caller (an external scheduler, per spec.md §5) is responsible for
// periodicity; this call does one pass and returns.
func (sw *Sweeper) SweepOnce(runs []model.Run, now time.Time) []Result {
	results := make([]Result, 0, len(runs))
	for _, run := range runs {
		if run.RetentionDays > 0 && run.DeletesAt == nil {
			deletesAt := run.StartTime.Add(time.Duration(run.RetentionDays) * 24 * time.Hour)
			if err := sw.idx.SetDeletesAt(run.RunID, deletesAt); err != nil {
				results = append(results, Result{RunID: run.RunID, Err: fmt.Errorf("retention: set deletes_at: %w", err)})
				continue
			}
		}
		if !Eligible(run, now) {
			continue
		}
		if !sw.disk.RunDirExists(run.RunID) {
			continue
		}
		if err := sw.disk.DeleteRunDir(run.RunID); err != nil {
			results = append(results, Result{RunID: run.RunID, Err: fmt.Errorf("retention: delete run dir: %w", err)})
			continue
		}
		results = append(results, Result{RunID: run.RunID, Deleted: true})
	}
	return results
}
