package store

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// migration is one versioned schema step.
type migration struct {
	Version int
	Name    string
	Run     func(db *gorm.DB, dialect string) error
}

// migrations run in order exactly once; schema_migrations records them.
var migrations = []migration{
	{
		Version: 1,
		Name:    "base schema",
		Run: func(db *gorm.DB, dialect string) error {
			return db.AutoMigrate(
				&User{},
				&AIModel{},
				&FileInfo{},
				&Task{},
				&QueueEntry{},
				&QueueConfig{},
				&Issue{},
				&AIOutput{},
				&TaskLog{},
				&TaskShare{},
			)
		},
	},
	{
		Version: 2,
		Name:    "large text columns",
		Run:     widenLargeText,
	},
}

// Migrate applies pending migrations inside the version-tracking table.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("migrate version table: %w", err)
	}

	for _, m := range migrations {
		var applied int64
		if err := s.db.Model(&SchemaMigration{}).Where("version = ?", m.Version).Count(&applied).Error; err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if applied > 0 {
			continue
		}
		if err := m.Run(s.db, s.dialect); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		rec := SchemaMigration{Version: m.Version, Name: m.Name, AppliedAt: time.Now().UTC()}
		if err := s.db.Create(&rec).Error; err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		slog.Info("applied migration", "version", m.Version, "name", m.Name)
	}
	return nil
}

// largeTextColumns lists fields that must hold up to 4 GiB of logical text.
var largeTextColumns = []struct{ table, column string }{
	{"issues", "description"},
	{"issues", "original_text"},
	{"ai_outputs", "input_text"},
	{"ai_outputs", "raw_output"},
}

// widenLargeText emits dialect-appropriate DDL for the large text fields.
// sqlite's TEXT and postgres's text are already unbounded, so both engines
// reduce to a type assertion kept here for engines added later.
func widenLargeText(db *gorm.DB, dialect string) error {
	ddl := largeTextDDL(dialect)
	if ddl == "" {
		return nil
	}
	for _, c := range largeTextColumns {
		stmt := fmt.Sprintf(ddl, c.table, c.column)
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("widen %s.%s: %w", c.table, c.column, err)
		}
	}
	return nil
}

// largeTextDDL returns an ALTER template with %s placeholders for table
// and column, or "" when the engine's default text type already suffices.
func largeTextDDL(dialect string) string {
	switch dialect {
	case "postgres":
		return `ALTER TABLE %s ALTER COLUMN %s TYPE text`
	default:
		return ""
	}
}
