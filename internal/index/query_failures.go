package index

import (
	"fmt"
	"time"

	"github.com/matgreaves/telemetryd/internal/model"
)

// failureStatuses are the statuses counted as a failure for the §4.4
// query-7 aggregates, matching classify's fail := failed ∨ error rule
// (spec.md §4.7).
var failureStatuses = []string{string(model.TCFailed), string(model.TCError)}

// FailureFilter scopes the recent-window failure aggregates of spec.md
// §4.4 query 7.
type FailureFilter struct {
	Since     time.Time
	GroupHash string
	Metadata  map[string]string
	Limit     int
}

// failureWindowArgs builds the WHERE clause and bind args shared by
// FailedRecent and TopFailures, so the two queries never drift out of
// sync (DESIGN.md Open Question 2: the reference implementation
// duplicated this parameter list across two call sites).
func failureWindowArgs(f FailureFilter) (string, []any) {
	clause := "tc.status IN ? AND r.start_time >= ?"
	args := []any{failureStatuses, f.Since}
	if f.GroupHash != "" {
		clause += " AND r.group_hash = ?"
		args = append(args, f.GroupHash)
	}
	for key, value := range f.Metadata {
		clause += " AND EXISTS (SELECT 1 FROM user_metadata um WHERE um.run_id = tc.run_id AND um.key = ? AND um.value = ?)"
		args = append(args, key, value)
	}
	return clause, args
}

// FailedRow is one row of a recent-window failure listing.
type FailedRow struct {
	TestCase model.TestCase
	RunID    string
	RunName  string
}

// FailedRecent implements spec.md §4.4 query 7(a): failed test cases in
// a recent window, optionally scoped by group and metadata, newest first.
func (idx *Index) FailedRecent(f FailureFilter) ([]FailedRow, error) {
	where, args := failureWindowArgs(f)

	type row struct {
		TestCaseRow
		RRunName string `gorm:"column:r_run_name"`
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	db := idx.db.Table("test_cases tc").
		Select("tc.*, r.run_name as r_run_name").
		Joins("JOIN runs r ON r.run_id = tc.run_id").
		Where(where, args...).
		Order("tc.start_time DESC").
		Limit(limit)

	var rows []row
	if err := db.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("index: failed recent: %w", err)
	}

	out := make([]FailedRow, len(rows))
	for i, r := range rows {
		out[i] = FailedRow{
			TestCase: testCaseFromRow(r.TestCaseRow),
			RunID:    r.RunID,
			RunName:  r.RRunName,
		}
	}
	return out, nil
}

// TopFailureRow is one row of the top-N-by-failure-count aggregate, with
// the run_id/tc_id of the most recent failure of that tc_full_name.
type TopFailureRow struct {
	TCFullName   string
	FailureCount int
	LastRunID    string
	LastTCID     string
	LastFailedAt time.Time
}

// TopFailures implements spec.md §4.4 query 7(b): top-N tc_full_name by
// failure count in the window, each annotated with the run_id and tc_id
// of its most recent failure via a windowed rank over failed rows.
func (idx *Index) TopFailures(f FailureFilter) ([]TopFailureRow, error) {
	where, args := failureWindowArgs(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	// ROW_NUMBER() ranks each tc_full_name's failures newest-first; rn=1
	// carries the "most recent failure" run_id/tc_id the aggregate needs.
	query := fmt.Sprintf(`
		WITH ranked AS (
			SELECT tc.tc_full_name, tc.run_id, tc.tc_id, tc.start_time,
			       ROW_NUMBER() OVER (PARTITION BY tc.tc_full_name ORDER BY tc.start_time DESC) AS rn
			FROM test_cases tc
			JOIN runs r ON r.run_id = tc.run_id
			WHERE %s
		)
		SELECT tc_full_name,
		       COUNT(*) AS failure_count,
		       MAX(CASE WHEN rn = 1 THEN run_id END) AS last_run_id,
		       MAX(CASE WHEN rn = 1 THEN tc_id END) AS last_tc_id,
		       MAX(CASE WHEN rn = 1 THEN start_time END) AS last_failed_at
		FROM ranked
		GROUP BY tc_full_name
		ORDER BY failure_count DESC
		LIMIT ?
	`, where)
	args = append(args, limit)

	type row struct {
		TCFullName   string
		FailureCount int
		LastRunID    string
		LastTCID     string
		LastFailedAt time.Time
	}
	var rows []row
	if err := idx.db.Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("index: top failures: %w", err)
	}

	out := make([]TopFailureRow, len(rows))
	for i, r := range rows {
		out[i] = TopFailureRow{
			TCFullName:   r.TCFullName,
			FailureCount: r.FailureCount,
			LastRunID:    r.LastRunID,
			LastTCID:     r.LastTCID,
			LastFailedAt: r.LastFailedAt,
		}
	}
	return out, nil
}
