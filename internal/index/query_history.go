package index

import (
	"fmt"
	"time"

	"github.com/matgreaves/telemetryd/internal/model"
)

// HistoryEntry is one row of a test-case history lookup, carrying the
// parent run's denormalized fields a timeline view needs (spec.md §4.4
// query 6).
type HistoryEntry struct {
	TestCase     model.TestCase
	RunID        string
	RunStartTime time.Time
	RunStatus    model.RunStatus
	RunName      string
}

// HistoryFilter scopes a tc_full_name history lookup (spec.md §4.4 query
// 6 and §4.7's classification window).
type HistoryFilter struct {
	GroupHash   string
	ExcludeRun  string
	BeforeStart time.Time // zero means unbounded
	Limit       int
}

// TestCaseHistory returns a tc_full_name's results across runs, newest
// first, optionally scoped to a group, excluding a run, or restricted to
// runs that started at or before a reference time (spec.md §4.4 query 6,
// used directly by classify's recent-history window, §4.7).
func (idx *Index) TestCaseHistory(fullName string, f HistoryFilter) ([]HistoryEntry, error) {
	type row struct {
		TestCaseRow
		RRunStartTime time.Time `gorm:"column:r_start_time"`
		RRunStatus    string    `gorm:"column:r_status"`
		RRunName      string    `gorm:"column:r_run_name"`
	}

	db := idx.db.Table("test_cases tc").
		Select(`tc.*, r.start_time as r_start_time, r.status as r_status, r.run_name as r_run_name`).
		Joins("JOIN runs r ON r.run_id = tc.run_id").
		Where("tc.tc_full_name = ?", fullName)

	if f.GroupHash != "" {
		db = db.Where("r.group_hash = ?", f.GroupHash)
	}
	if f.ExcludeRun != "" {
		db = db.Where("tc.run_id <> ?", f.ExcludeRun)
	}
	if !f.BeforeStart.IsZero() {
		db = db.Where("r.start_time <= ?", f.BeforeStart)
	}
	db = db.Order("r.start_time DESC")
	if f.Limit > 0 {
		db = db.Limit(f.Limit)
	}

	var rows []row
	if err := db.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("index: test case history: %w", err)
	}

	out := make([]HistoryEntry, len(rows))
	for i, r := range rows {
		out[i] = HistoryEntry{
			TestCase:     testCaseFromRow(r.TestCaseRow),
			RunID:        r.RunID,
			RunStartTime: r.RRunStartTime,
			RunStatus:    model.RunStatus(r.RRunStatus),
			RunName:      r.RRunName,
		}
	}
	return out, nil
}
