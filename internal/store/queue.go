package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/doctrine-review/inkwell/internal/faults"
)

// QueueRepo persists the durable task queue.
type QueueRepo struct {
	db      *gorm.DB
	dialect string
}

// Enqueue inserts the entry, or returns the existing row for its task
// (enqueue is idempotent on task_id).
func (r *QueueRepo) Enqueue(ctx context.Context, e *QueueEntry) (*QueueEntry, error) {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = QueueQueued
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		DoNothing: true,
	}).Create(e).Error
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return r.ByTaskID(ctx, e.TaskID)
}

// ByTaskID fetches the entry for a task.
func (r *QueueRepo) ByTaskID(ctx context.Context, taskID string) (*QueueEntry, error) {
	var e QueueEntry
	if err := r.db.WithContext(ctx).First(&e, "task_id = ?", taskID).Error; err != nil {
		return nil, notFound(err, "queue_entry_not_found", "no queue entry for task")
	}
	return &e, nil
}

// CountQueued counts entries waiting for a worker.
func (r *QueueRepo) CountQueued(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&QueueEntry{}).Where("status = ?", QueueQueued).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count queued: %w", err)
	}
	return n, nil
}

// CountsByStatus returns entry counts per status.
func (r *QueueRepo) CountsByStatus(ctx context.Context) (map[QueueStatus]int64, error) {
	type row struct {
		Status QueueStatus
		N      int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&QueueEntry{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	counts := make(map[QueueStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// CountProcessingForUser counts a user's in-flight entries.
func (r *QueueRepo) CountProcessingForUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&QueueEntry{}).
		Where("status = ? AND user_id = ?", QueueProcessing, userID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count processing: %w", err)
	}
	return n, nil
}

// ClaimNext atomically selects and claims the best eligible entry:
// highest priority first, oldest first within a priority, skipping users
// already at their concurrency cap and entries parked in the future by
// retry backoff. Returns faults.ErrNoWork when nothing is eligible.
//
// The claim itself is a compare-and-swap on status, so no two workers
// can take the same entry on either engine; postgres additionally locks
// candidate rows with SKIP LOCKED to avoid claim races under load.
func (r *QueueRepo) ClaimNext(ctx context.Context, workerID string) (*QueueEntry, error) {
	var claimed *QueueEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		// A raced candidate is skipped and the next one tried; three
		// misses in a row means the caller should back off and re-poll.
		for attempt := 0; attempt < 3; attempt++ {
			var entry QueueEntry
			q := tx.Model(&QueueEntry{}).
				Select("task_queue.*").
				Joins("JOIN users ON users.id = task_queue.user_id").
				Where("task_queue.status = ?", QueueQueued).
				Where("task_queue.queued_at <= ?", now).
				Where("(SELECT COUNT(*) FROM task_queue p WHERE p.status = ? AND p.user_id = task_queue.user_id) < users.max_concurrent_tasks", QueueProcessing).
				Order("task_queue.priority DESC, task_queue.queued_at ASC")
			if r.dialect == "postgres" {
				q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED", Table: clause.Table{Name: "task_queue"}})
			}
			if err := q.First(&entry).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					return faults.ErrNoWork
				}
				return fmt.Errorf("select candidate: %w", err)
			}

			res := tx.Model(&QueueEntry{}).
				Where("id = ? AND status = ?", entry.ID, QueueQueued).
				Updates(map[string]any{
					"status":     QueueProcessing,
					"worker_id":  workerID,
					"started_at": now,
				})
			if res.Error != nil {
				return fmt.Errorf("claim entry: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				entry.Status = QueueProcessing
				entry.WorkerID = workerID
				entry.StartedAt = &now
				claimed = &entry
				return nil
			}
		}
		return faults.ErrNoWork
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Release reverts a processing entry to queued for another attempt,
// parking it delay into the future.
func (r *QueueRepo) Release(ctx context.Context, taskID string, delay time.Duration) error {
	res := r.db.WithContext(ctx).Model(&QueueEntry{}).
		Where("task_id = ?", taskID).
		Updates(map[string]any{
			"status":     QueueQueued,
			"worker_id":  "",
			"started_at": nil,
			"attempts":   gorm.Expr("attempts + 1"),
			"queued_at":  time.Now().UTC().Add(delay),
		})
	if res.Error != nil {
		return fmt.Errorf("release entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.NotFound("queue_entry_not_found", "no queue entry for task")
	}
	return nil
}

// MarkFailed records a terminal failure on the entry.
func (r *QueueRepo) MarkFailed(ctx context.Context, taskID string) error {
	return r.finish(ctx, taskID, QueueFailed)
}

// MarkCancelled records a cancellation on the entry.
func (r *QueueRepo) MarkCancelled(ctx context.Context, taskID string) error {
	return r.finish(ctx, taskID, QueueCancelled)
}

func (r *QueueRepo) finish(ctx context.Context, taskID string, status QueueStatus) error {
	res := r.db.WithContext(ctx).Model(&QueueEntry{}).
		Where("task_id = ?", taskID).
		Updates(map[string]any{
			"status":       status,
			"completed_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("finish entry: %w", res.Error)
	}
	return nil
}

// DeleteByTask removes the entry on terminal completion or task deletion.
func (r *QueueRepo) DeleteByTask(ctx context.Context, taskID string) error {
	if err := r.db.WithContext(ctx).Delete(&QueueEntry{}, "task_id = ?", taskID).Error; err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// Requeue resets an entry to queued with explicit attempts, used by
// retry and crash recovery.
func (r *QueueRepo) Requeue(ctx context.Context, taskID string, attempts int) error {
	res := r.db.WithContext(ctx).Model(&QueueEntry{}).
		Where("task_id = ?", taskID).
		Updates(map[string]any{
			"status":       QueueQueued,
			"worker_id":    "",
			"started_at":   nil,
			"completed_at": nil,
			"attempts":     attempts,
			"queued_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("requeue entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.NotFound("queue_entry_not_found", "no queue entry for task")
	}
	return nil
}

// BoostStale bumps the stored priority of entries waiting longer than
// threshold, capped at 10. Run once per threshold interval so each pass
// adds one point.
func (r *QueueRepo) BoostStale(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	res := r.db.WithContext(ctx).Model(&QueueEntry{}).
		Where("status = ? AND priority < 10 AND queued_at <= ?", QueueQueued, cutoff).
		UpdateColumn("priority", gorm.Expr("priority + 1"))
	if res.Error != nil {
		return 0, fmt.Errorf("boost stale entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Processing returns every entry currently marked processing. At startup
// these are all stranded by a prior crash.
func (r *QueueRepo) Processing(ctx context.Context) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := r.db.WithContext(ctx).Where("status = ?", QueueProcessing).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list processing entries: %w", err)
	}
	return entries, nil
}
