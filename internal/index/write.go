package index

import (
	"errors"
	"fmt"
	"time"

	"github.com/matgreaves/telemetryd/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func runRowFrom(run model.Run) RunRow {
	row := RunRow{
		RunID:         run.RunID,
		Status:        string(run.Status),
		StartTime:     run.StartTime,
		RetentionDays: run.RetentionDays,
		LocalRun:      run.LocalRun,
		RunName:       run.RunName,
		GroupName:     run.Group,
		GroupHash:     run.GroupHash,
		AbortReason:   run.AbortReason,
	}
	if !run.EndTime.IsZero() {
		t := run.EndTime
		row.EndTime = &t
	}
	if run.DeletesAt != nil {
		row.DeletesAt = run.DeletesAt
	}
	return row
}

// InsertRun inserts a new run row plus its user- and group-metadata rows
// in a single transaction (spec.md §4.4 "all writes are wrapped in a
// transaction; on exception, roll back and return failure").
func (idx *Index) InsertRun(run model.Run) error {
	row := runRowFrom(run)
	return idx.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("index: insert run: %w", err)
		}
		if err := upsertMetadata(tx, run.RunID, run.UserMetadata, false); err != nil {
			return err
		}
		if err := upsertMetadata(tx, run.RunID, run.GroupMetadata, true); err != nil {
			return err
		}
		return nil
	})
}

// RunIDExists reports whether run_id is already present in the index
// (spec.md invariant 1).
func (idx *Index) RunIDExists(runID string) (bool, error) {
	var count int64
	if err := idx.db.Model(&RunRow{}).Where("run_id = ?", runID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("index: check run_id: %w", err)
	}
	return count > 0, nil
}

// UpdateRunTerminal sets status, end_time, and optionally abort_reason on
// an existing run (spec.md §4.5 run_finished / abort effects).
func (idx *Index) UpdateRunTerminal(runID string, status model.RunStatus, endTime time.Time, abortReason string) error {
	updates := map[string]any{
		"status":   string(status),
		"end_time": endTime,
	}
	if abortReason != "" {
		updates["abort_reason"] = abortReason
	}
	res := idx.db.Model(&RunRow{}).Where("run_id = ?", runID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("index: update run terminal: %w", res.Error)
	}
	return nil
}

// SetDeletesAt updates a run's retention deadline.
func (idx *Index) SetDeletesAt(runID string, deletesAt time.Time) error {
	res := idx.db.Model(&RunRow{}).Where("run_id = ?", runID).Update("deletes_at", deletesAt)
	if res.Error != nil {
		return fmt.Errorf("index: set deletes_at: %w", res.Error)
	}
	return nil
}

// InsertTestCase inserts a new test_cases row. Foreign-key enforcement
// means this fails if run_id does not already exist (spec.md §4.4).
func (idx *Index) InsertTestCase(runID string, tc model.TestCase) error {
	row := TestCaseRow{
		RunID:      runID,
		TCFullName: tc.FullName,
		TCID:       tc.TCID,
		Status:     string(tc.Status),
		StartTime:  tc.StartTime,
	}
	if err := idx.db.Create(&row).Error; err != nil {
		return fmt.Errorf("index: insert test case: %w", err)
	}
	return nil
}

// UpdateTestCaseStatus updates a test case's status and end_time, looked
// up by (run_id, tc_full_name) per the UNIQUE(run_id, tc_full_name)
// constraint (spec.md §4.4).
func (idx *Index) UpdateTestCaseStatus(runID, fullName string, status model.TestCaseStatus, endTime time.Time) error {
	res := idx.db.Model(&TestCaseRow{}).
		Where("run_id = ? AND tc_full_name = ?", runID, fullName).
		Updates(map[string]any{"status": string(status), "end_time": endTime})
	if res.Error != nil {
		return fmt.Errorf("index: update test case status: %w", res.Error)
	}
	return nil
}

// upsertMetadata inserts or updates key/value/url rows for either the
// user_metadata or group_metadata table, keyed by UNIQUE(run_id, key).
func upsertMetadata(tx *gorm.DB, runID string, md map[string]model.MetadataValue, group bool) error {
	for key, mv := range md {
		if group {
			row := GroupMetadataRow{RunID: runID, Key: key, Value: mv.Value, URL: mv.URL}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "run_id"}, {Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "url"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("index: upsert group metadata %q: %w", key, err)
			}
		} else {
			row := UserMetadataRow{RunID: runID, Key: key, Value: mv.Value, URL: mv.URL}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "run_id"}, {Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "url"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("index: upsert user metadata %q: %w", key, err)
			}
		}
	}
	return nil
}

// errNotFound is returned by single-row lookups that find nothing; query
// callers translate it to their own not-found semantics.
var errNotFound = errors.New("index: not found")
