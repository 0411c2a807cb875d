// Package index implements the relational index (spec.md §4.4): runs,
// test cases, user- and group-scoped metadata, and the derived query
// surfaces listings/histories/failure aggregates are built from. It is
// grounded on eve's gorm.io/gorm usage, swapped to an embedded sqlite
// driver per SPEC_FULL.md §2 so the index is "a single database file in
// the data directory" (spec.md §6).
package index

import "time"

// RunRow is the runs table (spec.md §4.4).
type RunRow struct {
	RunID         string `gorm:"column:run_id;primaryKey"`
	Status        string `gorm:"column:status;index"`
	StartTime     time.Time `gorm:"column:start_time;index"`
	EndTime       *time.Time `gorm:"column:end_time"`
	RetentionDays int    `gorm:"column:retention_days"`
	LocalRun      bool   `gorm:"column:local_run"`
	// DUT is carried for compatibility with the table shape spec.md §4.4
	// names; no operation in this spec populates it.
	DUT         string `gorm:"column:dut"`
	RunName     string `gorm:"column:run_name"`
	GroupName   string `gorm:"column:group_name"`
	GroupHash   string `gorm:"column:group_hash;index"`
	AbortReason string `gorm:"column:abort_reason"`
	DeletesAt   *time.Time `gorm:"column:deletes_at"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (RunRow) TableName() string { return "runs" }

// TestCaseRow is the test_cases table (spec.md §4.4).
type TestCaseRow struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"column:run_id;uniqueIndex:idx_run_fullname;index"`
	TCFullName string `gorm:"column:tc_full_name;uniqueIndex:idx_run_fullname"`
	TCID       string `gorm:"column:tc_id"`
	Status     string `gorm:"column:status;index"`
	StartTime  time.Time  `gorm:"column:start_time"`
	EndTime    *time.Time `gorm:"column:end_time"`

	Run *RunRow `gorm:"foreignKey:RunID;references:RunID;constraint:OnDelete:CASCADE"`
}

func (TestCaseRow) TableName() string { return "test_cases" }

// UserMetadataRow is the user_metadata table (spec.md §4.4).
type UserMetadataRow struct {
	ID    uint   `gorm:"primaryKey"`
	RunID string `gorm:"column:run_id;uniqueIndex:idx_user_run_key;index"`
	Key   string `gorm:"column:key;uniqueIndex:idx_user_run_key;index"`
	Value string `gorm:"column:value"`
	URL   string `gorm:"column:url"`

	Run *RunRow `gorm:"foreignKey:RunID;references:RunID;constraint:OnDelete:CASCADE"`
}

func (UserMetadataRow) TableName() string { return "user_metadata" }

// GroupMetadataRow is the group_metadata table (spec.md §4.4).
type GroupMetadataRow struct {
	ID    uint   `gorm:"primaryKey"`
	RunID string `gorm:"column:run_id;uniqueIndex:idx_group_run_key;index"`
	Key   string `gorm:"column:key;uniqueIndex:idx_group_run_key;index"`
	Value string `gorm:"column:value"`
	URL   string `gorm:"column:url"`

	Run *RunRow `gorm:"foreignKey:RunID;references:RunID;constraint:OnDelete:CASCADE"`
}

func (GroupMetadataRow) TableName() string { return "group_metadata" }
