package index

import (
	"fmt"
	"time"

	"github.com/matgreaves/telemetryd/internal/model"
	"gorm.io/gorm"
)

// Filter is the optional filter bundle the run listing queries of spec.md
// §4.4 accept: status, group scoping, metadata filters, and pagination. It
// carries no time window.
type Filter struct {
	GroupHash string
	Status    string
	Metadata  map[string]string
	Limit     int
	Offset    int
}

// RunListing is one row of a run listing, with aggregated per-status
// counts from test_cases (spec.md §4.4 query 1/2/5).
type RunListing struct {
	Run    model.Run
	Counts model.StatusCounts
}

func runFromRow(row RunRow) model.Run {
	run := model.Run{
		RunID:         row.RunID,
		RunName:       row.RunName,
		Status:        model.RunStatus(row.Status),
		StartTime:     row.StartTime,
		RetentionDays: row.RetentionDays,
		LocalRun:      row.LocalRun,
		Group:         row.GroupName,
		GroupHash:     row.GroupHash,
		AbortReason:   row.AbortReason,
		DeletesAt:     row.DeletesAt,
	}
	if row.EndTime != nil {
		run.EndTime = *row.EndTime
	}
	return run
}

// ListRuns implements spec.md §4.4 query 1: paginated run listing with
// optional status, group_hash, and metadata filters, each row carrying
// aggregated per-status test-case counts.
func (idx *Index) ListRuns(f Filter) ([]RunListing, error) {
	db := idx.db.Model(&RunRow{})
	db = whereFilter(db, f)

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var rows []RunRow
	if err := db.Order("start_time DESC").Limit(limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("index: list runs: %w", err)
	}
	return idx.attachCounts(rows)
}

// RunByID implements spec.md §4.4 query 2.
func (idx *Index) RunByID(runID string) (*RunListing, error) {
	var row RunRow
	if err := idx.db.Where("run_id = ?", runID).First(&row).Error; err != nil {
		return nil, fmt.Errorf("index: run by id: %w", err)
	}
	listings, err := idx.attachCounts([]RunRow{row})
	if err != nil {
		return nil, err
	}
	return &listings[0], nil
}

// RunsOverTime implements spec.md §4.4 query 5: finished runs only,
// ordered by start_time ASC.
func (idx *Index) RunsOverTime(f Filter) ([]RunListing, error) {
	db := idx.db.Model(&RunRow{}).Where("status = ?", string(model.RunFinished))
	db = whereFilter(db, f)

	var rows []RunRow
	if err := db.Order("start_time ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("index: runs over time: %w", err)
	}
	return idx.attachCounts(rows)
}

func whereFilter(db *gorm.DB, f Filter) *gorm.DB {
	if f.Status != "" {
		db = db.Where("status = ?", f.Status)
	}
	if f.GroupHash != "" {
		db = db.Where("group_hash = ?", f.GroupHash)
	}
	for key, value := range f.Metadata {
		db = db.Where(
			"EXISTS (SELECT 1 FROM user_metadata um WHERE um.run_id = runs.run_id AND um.key = ? AND um.value = ?)",
			key, value,
		)
	}
	return db
}

func (idx *Index) attachCounts(rows []RunRow) ([]RunListing, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	runIDs := make([]string, len(rows))
	for i, r := range rows {
		runIDs[i] = r.RunID
	}

	type agg struct {
		RunID  string
		Status string
		N      int
	}
	var aggs []agg
	if err := idx.db.Model(&TestCaseRow{}).
		Select("run_id, status, count(*) as n").
		Where("run_id IN ?", runIDs).
		Group("run_id, status").
		Scan(&aggs).Error; err != nil {
		return nil, fmt.Errorf("index: aggregate counts: %w", err)
	}

	counts := make(map[string]*model.StatusCounts, len(rows))
	for _, r := range rows {
		counts[r.RunID] = &model.StatusCounts{}
	}
	for _, a := range aggs {
		c := counts[a.RunID]
		for i := 0; i < a.N; i++ {
			c.Add(model.TestCaseStatus(a.Status))
		}
	}

	out := make([]RunListing, len(rows))
	for i, r := range rows {
		out[i] = RunListing{Run: runFromRow(r), Counts: *counts[r.RunID]}
	}
	return out, nil
}

// TestCasesForRun implements spec.md §4.4 query 3, ordered by start_time.
func (idx *Index) TestCasesForRun(runID string) ([]model.TestCase, error) {
	var rows []TestCaseRow
	if err := idx.db.Where("run_id = ?", runID).Order("start_time").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("index: test cases for run: %w", err)
	}
	return testCasesFromRows(rows), nil
}

// TestCasesForRuns implements spec.md §4.4 query 3's bulk form.
func (idx *Index) TestCasesForRuns(runIDs []string) (map[string][]model.TestCase, error) {
	var rows []TestCaseRow
	if err := idx.db.Where("run_id IN ?", runIDs).Order("start_time").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("index: test cases for runs: %w", err)
	}
	out := make(map[string][]model.TestCase)
	for _, row := range rows {
		out[row.RunID] = append(out[row.RunID], testCaseFromRow(row))
	}
	return out, nil
}

func testCaseFromRow(row TestCaseRow) model.TestCase {
	tc := model.TestCase{
		TCID:      row.TCID,
		FullName:  row.TCFullName,
		Status:    model.TestCaseStatus(row.Status),
		StartTime: row.StartTime,
	}
	if row.EndTime != nil {
		tc.EndTime = *row.EndTime
	}
	return tc
}

func testCasesFromRows(rows []TestCaseRow) []model.TestCase {
	out := make([]model.TestCase, len(rows))
	for i, r := range rows {
		out[i] = testCaseFromRow(r)
	}
	return out
}

// RunMetadata implements spec.md §4.4 query 4 for user_metadata.
func (idx *Index) RunMetadata(runID string) (map[string]model.MetadataValue, error) {
	return idx.metadataFor(runID, false)
}

// RunGroupMetadata implements spec.md §4.4 query 4 for group_metadata.
func (idx *Index) RunGroupMetadata(runID string) (map[string]model.MetadataValue, error) {
	return idx.metadataFor(runID, true)
}

func (idx *Index) metadataFor(runID string, group bool) (map[string]model.MetadataValue, error) {
	out := make(map[string]model.MetadataValue)
	if group {
		var rows []GroupMetadataRow
		if err := idx.db.Where("run_id = ?", runID).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("index: group metadata: %w", err)
		}
		for _, r := range rows {
			out[r.Key] = model.MetadataValue{Value: r.Value, URL: r.URL}
		}
		return out, nil
	}
	var rows []UserMetadataRow
	if err := idx.db.Where("run_id = ?", runID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("index: user metadata: %w", err)
	}
	for _, r := range rows {
		out[r.Key] = model.MetadataValue{Value: r.Value, URL: r.URL}
	}
	return out, nil
}

// PreviousRunInGroup implements spec.md §4.4 query 8.
func (idx *Index) PreviousRunInGroup(groupHash string, beforeStart time.Time) (*model.Run, error) {
	var row RunRow
	err := idx.db.Where("group_hash = ? AND start_time < ?", groupHash, beforeStart).
		Order("start_time DESC").
		First(&row).Error
	if err != nil {
		return nil, errNotFound
	}
	run := runFromRow(row)
	return &run, nil
}

// RunNamesWithPrefix implements spec.md §4.4 query 9, used for run-name
// uniquification (spec.md §4.5, invariant 6).
func (idx *Index) RunNamesWithPrefix(groupHash, base string) ([]string, error) {
	db := idx.db.Model(&RunRow{}).Where("run_name = ? OR run_name LIKE ?", base, base+" %")
	if groupHash == "" {
		db = db.Where("group_hash = ?", "")
	} else {
		db = db.Where("group_hash = ?", groupHash)
	}
	var names []string
	if err := db.Pluck("run_name", &names).Error; err != nil {
		return nil, fmt.Errorf("index: run names with prefix: %w", err)
	}
	return names, nil
}

// MetadataKeys implements spec.md §4.4 query 10.
func (idx *Index) MetadataKeys() ([]string, error) {
	var keys []string
	if err := idx.db.Model(&UserMetadataRow{}).Distinct().Pluck("key", &keys).Error; err != nil {
		return nil, fmt.Errorf("index: metadata keys: %w", err)
	}
	return keys, nil
}

// MetadataValues implements spec.md §4.4 query 10's per-key form.
func (idx *Index) MetadataValues(key string) ([]string, error) {
	var values []string
	if err := idx.db.Model(&UserMetadataRow{}).Where("key = ?", key).Distinct().Pluck("value", &values).Error; err != nil {
		return nil, fmt.Errorf("index: metadata values: %w", err)
	}
	return values, nil
}
