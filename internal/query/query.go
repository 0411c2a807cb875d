// Package query is the thin, cacheless read surface over internal/index,
// enriched with internal/classify labels and internal/diskstore
// has-log checks. It is grounded on server.go's buildResolvedEnvironment
// read-side assembly pattern: compose already-fetched pieces, mutate
// nothing.
package query

import (
	"time"

	"github.com/matgreaves/telemetryd/internal/classify"
	"github.com/matgreaves/telemetryd/internal/diskstore"
	"github.com/matgreaves/telemetryd/internal/index"
	"github.com/matgreaves/telemetryd/internal/model"
)

// Surface composes the index, disk store, and classification engine into
// the query operations spec.md §4.8 and §6's query interface describe.
type Surface struct {
	idx  *index.Index
	disk *diskstore.Store
}

func New(idx *index.Index, disk *diskstore.Store) *Surface {
	return &Surface{idx: idx, disk: disk}
}

// RunRow is a run listing row enriched with has_log.
type RunRow struct {
	Run    model.Run
	Counts model.StatusCounts
	HasLog bool
}

func (s *Surface) enrich(listings []index.RunListing) []RunRow {
	out := make([]RunRow, len(listings))
	for i, l := range listings {
		out[i] = RunRow{
			Run:    l.Run,
			Counts: l.Counts,
			HasLog: s.disk.RunDirExists(l.Run.RunID),
		}
	}
	return out
}

// ListRuns implements spec.md §4.8/§6's list-runs endpoint.
func (s *Surface) ListRuns(f index.Filter) ([]RunRow, error) {
	listings, err := s.idx.ListRuns(f)
	if err != nil {
		return nil, err
	}
	return s.enrich(listings), nil
}

// RunDetails implements spec.md §6's get-run-details endpoint.
func (s *Surface) RunDetails(runID string) (*RunRow, error) {
	listing, err := s.idx.RunByID(runID)
	if err != nil {
		return nil, err
	}
	rows := s.enrich([]index.RunListing{*listing})
	return &rows[0], nil
}

// TestResultsForRuns implements spec.md §6's bulk test-results-for-runs
// endpoint.
func (s *Surface) TestResultsForRuns(runIDs []string) (map[string][]model.TestCase, error) {
	return s.idx.TestCasesForRuns(runIDs)
}

// RunsOverTime implements spec.md §4.4 query 5 / §6's runs-over-time.
func (s *Surface) RunsOverTime(f index.Filter) ([]RunRow, error) {
	listings, err := s.idx.RunsOverTime(f)
	if err != nil {
		return nil, err
	}
	return s.enrich(listings), nil
}

// HistoryRow is one test-case history entry with its classification
// label, computed against the entries that follow it in the same slice.
type HistoryRow struct {
	index.HistoryEntry
	HasLog         bool
	Classification model.Classification
}

// TestCaseHistory implements spec.md §4.4 query 6 / §6's plain and
// with-log-enrichment test-case history endpoints, each row labeled by
// classify.Classify against the window of entries that precede it.
func (s *Surface) TestCaseHistory(fullName string, f index.HistoryFilter) ([]HistoryRow, error) {
	if f.Limit <= 0 || f.Limit > classify.HistoryLimit+1 {
		f.Limit = classify.HistoryLimit + 1
	}
	entries, err := s.idx.TestCaseHistory(fullName, f)
	if err != nil {
		return nil, err
	}

	rows := make([]HistoryRow, len(entries))
	for i, e := range entries {
		rest := make([]model.TestCaseStatus, 0, len(entries)-i-1)
		for _, later := range entries[i+1:] {
			rest = append(rest, later.TestCase.Status)
		}
		rows[i] = HistoryRow{
			HistoryEntry:   e,
			HasLog:         s.disk.RunDirExists(e.RunID),
			Classification: classify.Classify(e.TestCase.Status, rest),
		}
	}
	return rows, nil
}

// ClassifyRun computes per-test-case classifications for every test case
// in a run (spec.md §6 "classifications for a run"), using the run's own
// group_hash and start_time to scope each test case's history window.
func (s *Surface) ClassifyRun(runID string) (map[string]model.Classification, error) {
	run, err := s.idx.RunByID(runID)
	if err != nil {
		return nil, err
	}
	cases, err := s.idx.TestCasesForRun(runID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.Classification, len(cases))
	for _, tc := range cases {
		history, err := s.idx.TestCaseHistory(tc.FullName, index.HistoryFilter{
			GroupHash:   run.Run.GroupHash,
			ExcludeRun:  runID,
			BeforeStart: run.Run.StartTime,
			Limit:       classify.HistoryLimit,
		})
		if err != nil {
			return nil, err
		}
		statuses := make([]model.TestCaseStatus, len(history))
		for i, h := range history {
			statuses[i] = h.TestCase.Status
		}
		out[tc.FullName] = classify.Classify(tc.Status, statuses)
	}
	return out, nil
}

// IsNewTestCases reports, for every test case in a run, whether it is
// new to its group (spec.md §4.7's is_new predicate).
func (s *Surface) IsNewTestCases(runID string) (map[string]bool, error) {
	run, err := s.idx.RunByID(runID)
	if err != nil {
		return nil, err
	}
	cases, err := s.idx.TestCasesForRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Run.GroupHash == "" {
		out := make(map[string]bool, len(cases))
		for _, tc := range cases {
			out[tc.FullName] = false
		}
		return out, nil
	}

	prev, err := s.idx.PreviousRunInGroup(run.Run.GroupHash, run.Run.StartTime)
	prevNames := map[string]struct{}{}
	prevHadCases := false
	if err == nil {
		prevCases, err := s.idx.TestCasesForRun(prev.RunID)
		if err != nil {
			return nil, err
		}
		prevHadCases = len(prevCases) > 0
		for _, tc := range prevCases {
			prevNames[tc.FullName] = struct{}{}
		}
	}

	out := make(map[string]bool, len(cases))
	for _, tc := range cases {
		out[tc.FullName] = classify.IsNew(run.Run.GroupHash, prevHadCases, prevNames, tc.FullName)
	}
	return out, nil
}

// FailuresByTestCase implements spec.md §6's failure top-list "by
// test-case" variant.
func (s *Surface) FailuresByTestCase(f index.FailureFilter) ([]index.TopFailureRow, error) {
	return s.idx.TopFailures(f)
}

// FailedRecent implements spec.md §4.4 query 7(a).
func (s *Surface) FailedRecent(f index.FailureFilter) ([]index.FailedRow, error) {
	return s.idx.FailedRecent(f)
}

// MetadataKeys and MetadataValues implement spec.md §6's metadata
// keys/values endpoints.
func (s *Surface) MetadataKeys() ([]string, error) { return s.idx.MetadataKeys() }

func (s *Surface) MetadataValues(key string) ([]string, error) { return s.idx.MetadataValues(key) }

// GroupHoverHistory implements spec.md §6's per-group run hover history:
// recent runs in a group, newest first.
func (s *Surface) GroupHoverHistory(groupHash string, limit int) ([]RunRow, error) {
	return s.ListRuns(index.Filter{GroupHash: groupHash, Limit: limit})
}

// TestCaseHoverHistory implements spec.md §6's per-test-case hover
// history: the previous and latest results for a tc_full_name within a
// group.
func (s *Surface) TestCaseHoverHistory(fullName, groupHash string, before time.Time) ([]HistoryRow, error) {
	return s.TestCaseHistory(fullName, index.HistoryFilter{GroupHash: groupHash, BeforeStart: before, Limit: 2})
}
