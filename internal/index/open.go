package index

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Index wraps the gorm handle to the single sqlite database file backing
// the relational index (spec.md §4.4, §6).
type Index struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the sqlite database at path, enables
// foreign-key enforcement (spec.md §4.4 "Foreign-key enforcement is on"),
// and runs the additive-only schema migration (spec.md §4.4 "Open-time
// migration is additive-only").
func Open(path string) (*Index, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		return nil, err
	}
	return idx, nil
}

// migrate creates the four tables if absent and adds any expected column
// that a prior schema version lacks. No destructive migrations ever run
// (spec.md §4.4).
func (idx *Index) migrate() error {
	if err := idx.db.AutoMigrate(&RunRow{}, &TestCaseRow{}, &UserMetadataRow{}, &GroupMetadataRow{}); err != nil {
		return fmt.Errorf("index: auto-migrate: %w", err)
	}

	// Explicit additive-column pass, mirroring spec.md §4.4's wording at a
	// finer grain than AutoMigrate's own column-diffing already provides.
	m := idx.db.Migrator()
	type column struct {
		model any
		field string
	}
	expected := []column{
		{&RunRow{}, "AbortReason"},
		{&RunRow{}, "DeletesAt"},
		{&RunRow{}, "DUT"},
	}
	for _, c := range expected {
		if !m.HasColumn(c.model, c.field) {
			if err := m.AddColumn(c.model, c.field); err != nil {
				return fmt.Errorf("index: add column %s: %w", c.field, err)
			}
		}
	}
	return nil
}

// Close releases the underlying sql.DB connection pool.
func (idx *Index) Close() error {
	sqlDB, err := idx.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
