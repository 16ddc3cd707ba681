package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/doctrine-review/inkwell/internal/config"
)

// Store aggregates the repositories and owns the database handle.
type Store struct {
	db      *gorm.DB
	dialect string

	Users       *UserRepo
	Models      *ModelRepo
	Files       *FileRepo
	Tasks       *TaskRepo
	Queue       *QueueRepo
	QueueConfig *QueueConfigRepo
	Issues      *IssueRepo
	Outputs     *OutputRepo
	Logs        *LogRepo
	Shares      *ShareRepo
}

// Open connects to the configured engine, applies pool discipline, and
// runs pending migrations.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DSN + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("open store: unknown driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration())

	s := wrap(db, cfg.Driver)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	slog.Info("store opened", "driver", cfg.Driver, "max_open_conns", cfg.MaxOpenConns)
	return s, nil
}

// wrap binds a repository set to a database handle.
func wrap(db *gorm.DB, dialect string) *Store {
	return &Store{
		db:          db,
		dialect:     dialect,
		Users:       &UserRepo{db: db},
		Models:      &ModelRepo{db: db},
		Files:       &FileRepo{db: db},
		Tasks:       &TaskRepo{db: db},
		Queue:       &QueueRepo{db: db, dialect: dialect},
		QueueConfig: &QueueConfigRepo{db: db},
		Issues:      &IssueRepo{db: db},
		Outputs:     &OutputRepo{db: db},
		Logs:        &LogRepo{db: db},
		Shares:      &ShareRepo{db: db},
	}
}

// Dialect reports the active engine ("sqlite" or "postgres").
func (s *Store) Dialect() string { return s.dialect }

// DB exposes the raw handle for migration tooling only.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn against a Store bound to one transaction, with
// fail-fast rollback on error.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(wrap(tx, s.dialect))
	})
}

// CommitBatch performs the terminal single-transaction write at pipeline
// end: insert the issue batch and flip the task processing → completed.
// Any failure rolls back the whole batch.
func (s *Store) CommitBatch(ctx context.Context, taskID string, issues []Issue) error {
	now := time.Now().UTC()
	return s.Transaction(ctx, func(tx *Store) error {
		if len(issues) > 0 {
			if err := tx.Issues.CreateBatch(ctx, issues); err != nil {
				return fmt.Errorf("insert issue batch: %w", err)
			}
		}
		res := tx.db.WithContext(ctx).Model(&Task{}).
			Where("id = ? AND status = ?", taskID, TaskProcessing).
			Updates(map[string]any{
				"status":        TaskCompleted,
				"progress":      100.0,
				"current_stage": "complete",
				"completed_at":  now,
				"error_message": "",
			})
		if res.Error != nil {
			return fmt.Errorf("finalize task: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("finalize task %s: not in processing state", taskID)
		}
		if err := tx.Queue.DeleteByTask(ctx, taskID); err != nil {
			return fmt.Errorf("drop queue entry: %w", err)
		}
		return nil
	})
}
