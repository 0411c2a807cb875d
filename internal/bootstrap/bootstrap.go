// Package bootstrap runs the startup resync spec.md §5 requires: any run
// still marked "running" in the index when the process starts was
// abandoned by a prior process (its in-memory run-state is gone). It is
// grounded on cmd/rigd/main.go's startup sequencing — open every resource
// before serving a single request — generalized with a resync pass the
// teacher's stateless HTTP server never needed.
package bootstrap

import (
	"fmt"
	"time"

	"github.com/matgreaves/telemetryd/internal/diskstore"
	"github.com/matgreaves/telemetryd/internal/index"
	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/rs/zerolog"
)

const abandonedReason = "server restarted while run was in progress"

// Swept reports what the startup resync did to one abandoned run, for the
// caller's structured log line.
type Swept struct {
	RunID        string
	AbortedCases int
	Merged       bool
	EndTime      time.Time
}

// Resync finds every run still "running" in the index, forces its
// still-running test cases to aborted, sets its end_time to the latest
// test-case event time seen, merges whatever per-case files survive on
// disk, and marks the run terminal (spec.md §5 "Startup/shutdown
// behavior"). Runs with no on-disk directory left (already swept by
// retention) are finalized in the index only.
//
// It also sweeps runs already "aborted" for leftover test cases still
// marked running — a prior process can crash between aborting a run's
// stragglers and finishing that work. Those cases are forced to aborted
// too, but the run's own terminal status/end_time/abort_reason are left
// untouched since the run already reached a terminal state.
func Resync(idx *index.Index, disk *diskstore.Store, now time.Time, log zerolog.Logger) ([]Swept, error) {
	running, err := idx.ListRuns(index.Filter{Status: string(model.RunRunning), Limit: 1 << 20})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: list running runs: %w", err)
	}

	var swept []Swept
	for _, listing := range running {
		s, err := resyncOne(idx, disk, listing.Run, now)
		if err != nil {
			log.Error().Err(err).Str("run_id", listing.Run.RunID).Msg("bootstrap: resync run failed")
			continue
		}
		log.Warn().
			Str("run_id", s.RunID).
			Int("aborted_cases", s.AbortedCases).
			Bool("merged", s.Merged).
			Msg("bootstrap: finalized abandoned run")
		swept = append(swept, s)
	}

	aborted, err := idx.ListRuns(index.Filter{Status: string(model.RunAborted), Limit: 1 << 20})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: list aborted runs: %w", err)
	}
	for _, listing := range aborted {
		s, err := resyncAbortedStragglers(idx, listing.Run, now)
		if err != nil {
			log.Error().Err(err).Str("run_id", listing.Run.RunID).Msg("bootstrap: resync aborted run failed")
			continue
		}
		if s.AbortedCases == 0 {
			continue
		}
		log.Warn().
			Str("run_id", s.RunID).
			Int("aborted_cases", s.AbortedCases).
			Msg("bootstrap: aborted straggler test cases under already-aborted run")
		swept = append(swept, s)
	}
	return swept, nil
}

// resyncAbortedStragglers forces any still-running test case under an
// already-terminal aborted run to aborted, without touching the run's
// own status, end_time, or abort_reason.
func resyncAbortedStragglers(idx *index.Index, run model.Run, now time.Time) (Swept, error) {
	cases, err := idx.TestCasesForRun(run.RunID)
	if err != nil {
		return Swept{}, fmt.Errorf("test cases for %s: %w", run.RunID, err)
	}

	aborted := 0
	for _, tc := range cases {
		if tc.Status != model.TCRunning {
			continue
		}
		if err := idx.UpdateTestCaseStatus(run.RunID, tc.FullName, model.TCAborted, now); err != nil {
			return Swept{}, fmt.Errorf("abort straggler test case %s: %w", tc.TCID, err)
		}
		aborted++
	}
	return Swept{RunID: run.RunID, AbortedCases: aborted}, nil
}

func resyncOne(idx *index.Index, disk *diskstore.Store, run model.Run, now time.Time) (Swept, error) {
	cases, err := idx.TestCasesForRun(run.RunID)
	if err != nil {
		return Swept{}, fmt.Errorf("test cases for %s: %w", run.RunID, err)
	}

	endTime := run.StartTime
	aborted := 0
	tcIDs := make([]string, 0, len(cases))
	for _, tc := range cases {
		tcIDs = append(tcIDs, tc.TCID)
		if tc.Status == model.TCRunning {
			if err := idx.UpdateTestCaseStatus(run.RunID, tc.FullName, model.TCAborted, now); err != nil {
				return Swept{}, fmt.Errorf("abort test case %s: %w", tc.TCID, err)
			}
			aborted++
			tc.EndTime = now
		}
		if tc.EndTime.After(endTime) {
			endTime = tc.EndTime
		}
	}

	merged := false
	if disk.RunDirExists(run.RunID) && len(tcIDs) > 0 {
		offsets, err := disk.Merge(run.RunID, tcIDs)
		if err == nil {
			run.Status = model.RunAborted
			run.EndTime = endTime
			run.AbortReason = abandonedReason
			caseMap := make(map[string]model.TestCase, len(cases))
			for _, tc := range cases {
				if off, ok := offsets[tc.TCID]; ok {
					tc.LogOffset = off.LogOffset
					tc.LogCount = off.LogCount
					tc.StackCount = off.StackCount
				}
				caseMap[tc.TCID] = tc
			}
			if err := disk.WriteSidecar(run.RunID, diskstore.Sidecar{Run: run, TestCases: caseMap}); err == nil {
				_ = disk.DeleteCaseFiles(run.RunID)
				merged = true
			}
		}
	}

	if err := idx.UpdateRunTerminal(run.RunID, model.RunAborted, endTime, abandonedReason); err != nil {
		return Swept{}, fmt.Errorf("finalize run %s: %w", run.RunID, err)
	}

	return Swept{RunID: run.RunID, AbortedCases: aborted, Merged: merged, EndTime: endTime}, nil
}
