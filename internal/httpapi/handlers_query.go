package httpapi

import (
	"errors"
	"net/http"

	"github.com/matgreaves/telemetryd/internal/index"
	"gorm.io/gorm"
)

// handleListRuns backs spec.md §4.4 query 1 (list runs, optionally
// filtered by group/status/metadata).
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	f := index.Filter{
		GroupHash: r.URL.Query().Get("group_hash"),
		Status:    r.URL.Query().Get("status"),
		Metadata:  queryMetadata(r),
		Limit:     queryInt(r, "limit", 50),
		Offset:    queryInt(r, "offset", 0),
	}
	rows, err := s.query.ListRuns(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleRunDetails backs spec.md §4.4 query 2 (single run plus counts).
func (s *Server) handleRunDetails(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	row, err := s.query.RunDetails(runID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// handleTestCasesForRun backs spec.md §4.4 query 3 (test case results for
// one run).
func (s *Server) handleTestCasesForRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	results, err := s.query.TestResultsForRuns([]string{runID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, results[runID])
}

// handleRunsOverTime backs spec.md §4.4 query 5 (trend chart data).
func (s *Server) handleRunsOverTime(w http.ResponseWriter, r *http.Request) {
	f := index.Filter{
		GroupHash: r.URL.Query().Get("group_hash"),
		Metadata:  queryMetadata(r),
		Limit:     queryInt(r, "limit", 200),
	}
	rows, err := s.query.RunsOverTime(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleTestCaseHistory backs spec.md §4.4 query 6 (one test case across
// runs).
func (s *Server) handleTestCaseHistory(w http.ResponseWriter, r *http.Request) {
	fullName := r.URL.Query().Get("tc_full_name")
	if fullName == "" {
		writeError(w, http.StatusBadRequest, errors.New("tc_full_name is required"))
		return
	}
	f := index.HistoryFilter{
		GroupHash:   r.URL.Query().Get("group_hash"),
		ExcludeRun:  r.URL.Query().Get("exclude_run"),
		BeforeStart: queryTime(r, "before_start"),
		Limit:       queryInt(r, "limit", 50),
	}
	rows, err := s.query.TestCaseHistory(fullName, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleClassifyRun backs spec.md §4.7 (flaky/fixed/regression
// classification per test case in a run; "" when no label applies).
func (s *Server) handleClassifyRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	classes, err := s.query.ClassifyRun(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, classes)
}

// handleIsNewTestCases backs spec.md §4.7's "is this the first time we've
// seen this test case" check, surfaced separately from full
// classification since it's cheaper to compute.
func (s *Server) handleIsNewTestCases(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	isNew, err := s.query.IsNewTestCases(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, isNew)
}

// handleFailedRecent backs spec.md §4.4 query 7 (recently failed cases).
func (s *Server) handleFailedRecent(w http.ResponseWriter, r *http.Request) {
	f := index.FailureFilter{
		Since:     queryTime(r, "since"),
		GroupHash: r.URL.Query().Get("group_hash"),
		Metadata:  queryMetadata(r),
		Limit:     queryInt(r, "limit", 50),
	}
	rows, err := s.query.FailedRecent(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleTopFailures backs spec.md §4.4 query 8 (failure counts grouped
// by test case over a window).
func (s *Server) handleTopFailures(w http.ResponseWriter, r *http.Request) {
	f := index.FailureFilter{
		Since:     queryTime(r, "since"),
		GroupHash: r.URL.Query().Get("group_hash"),
		Metadata:  queryMetadata(r),
		Limit:     queryInt(r, "limit", 20),
	}
	rows, err := s.query.FailuresByTestCase(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleMetadataKeys and handleMetadataValues back spec.md §4.4's
// metadata-facet endpoints used to populate filter dropdowns.
func (s *Server) handleMetadataKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.query.MetadataKeys()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleMetadataValues(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("key is required"))
		return
	}
	values, err := s.query.MetadataValues(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

// handleGroupHoverHistory backs spec.md §4.4's group-hover tooltip (most
// recent runs in a group).
func (s *Server) handleGroupHoverHistory(w http.ResponseWriter, r *http.Request) {
	groupHash := r.PathValue("group_hash")
	limit := queryInt(r, "limit", 10)
	rows, err := s.query.GroupHoverHistory(groupHash, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleTestCaseHoverHistory backs spec.md §4.4's test-case-hover
// tooltip (recent results for one test case, optionally scoped to a
// group and a reference time).
func (s *Server) handleTestCaseHoverHistory(w http.ResponseWriter, r *http.Request) {
	fullName := r.URL.Query().Get("tc_full_name")
	if fullName == "" {
		writeError(w, http.StatusBadRequest, errors.New("tc_full_name is required"))
		return
	}
	groupHash := r.URL.Query().Get("group_hash")
	before := queryTime(r, "before")
	rows, err := s.query.TestCaseHoverHistory(fullName, groupHash, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
