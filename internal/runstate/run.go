package runstate

import (
	"sort"

	"github.com/matgreaves/telemetryd/internal/model"
)

// Mutating methods below are called only by the owning ingest session
// (spec.md §4.2 contract). Reader methods (RunRecord, TestCaseByID,
// TestCaseByFullName, TestCasesInOrder, Counts) are safe for concurrent use
// by any goroutine.

// RunRecord returns a copy of the canonical Run record.
func (r *Run) RunRecord() model.Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.run
}

// SetRunRecord replaces the canonical Run record wholesale. Used by the
// session when transitioning status, setting end_time, or recording an
// abort reason.
func (r *Run) SetRunRecord(run model.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run = run
}

// AddTestCase registers a new running test case, keyed by both its full
// name and its tc_id (spec.md invariant 2). Returns false if either key
// already exists.
func (r *Run) AddTestCase(tc model.TestCase) (*TestCase, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byFullName[tc.FullName]; exists {
		return nil, false
	}
	if _, exists := r.byID[tc.TCID]; exists {
		return nil, false
	}
	entry := &TestCase{TC: tc}
	r.byFullName[tc.FullName] = entry
	r.byID[tc.TCID] = entry
	return entry, true
}

// TestCaseByID looks up a test case by its opaque tc_id.
func (r *Run) TestCaseByID(tcID string) (*TestCase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tc, ok := r.byID[tcID]
	return tc, ok
}

// TestCaseByFullName looks up a test case by its full name.
func (r *Run) TestCaseByFullName(fullName string) (*TestCase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tc, ok := r.byFullName[fullName]
	return tc, ok
}

// TestCasesInOrder returns every test case sorted by start time, then
// tc_id (insertion order is not tracked, so this gives a stable,
// deterministic merge order — spec.md §4.3 requires "iteration order over test_cases" for the
// merged archive without mandating insertion order specifically).
func (r *Run) TestCasesInOrder() []*TestCase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TestCase, 0, len(r.byFullName))
	for _, tc := range r.byFullName {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Snapshot(), out[j].Snapshot()
		if !si.StartTime.Equal(sj.StartTime) {
			return si.StartTime.Before(sj.StartTime)
		}
		return si.TCID < sj.TCID
	})
	return out
}

// UpdateTestCase applies fn to the test case's canonical record under
// lock and returns the updated copy.
func (tc *TestCase) UpdateTestCase(fn func(*model.TestCase)) model.TestCase {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	fn(&tc.TC)
	return tc.TC
}

// Counts aggregates the current status of every test case in the run
// (spec.md §4.4 "aggregated per-status counts", §4.6 broadcast counts).
func (r *Run) Counts() model.StatusCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c model.StatusCounts
	for _, tc := range r.byFullName {
		c.Add(tc.Snapshot().Status)
	}
	return c
}
