package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// LogRepo persists task log entries, append-only.
type LogRepo struct {
	db *gorm.DB
}

// AppendBatch inserts a batch of entries from the async persister.
func (r *LogRepo) AppendBatch(ctx context.Context, entries []TaskLog) error {
	if len(entries) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(entries, 200).Error; err != nil {
		return fmt.Errorf("append task logs: %w", err)
	}
	return nil
}

// History returns up to limit entries for a task, oldest first.
func (r *LogRepo) History(ctx context.Context, taskID string, limit int) ([]TaskLog, error) {
	if limit <= 0 {
		limit = 1000
	}
	// Take the newest N, then flip to chronological order.
	var newest []TaskLog
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).
		Order("seq DESC").Limit(limit).Find(&newest).Error
	if err != nil {
		return nil, fmt.Errorf("log history: %w", err)
	}
	for i, j := 0, len(newest)-1; i < j; i, j = i+1, j-1 {
		newest[i], newest[j] = newest[j], newest[i]
	}
	return newest, nil
}

// MaxSeq returns the highest entry id recorded for a task, 0 when none.
func (r *LogRepo) MaxSeq(ctx context.Context, taskID string) (int64, error) {
	var max *int64
	err := r.db.WithContext(ctx).Model(&TaskLog{}).
		Where("task_id = ?", taskID).Select("MAX(seq)").Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("max log seq: %w", err)
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// CountByTask counts persisted entries for a task.
func (r *LogRepo) CountByTask(ctx context.Context, taskID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&TaskLog{}).Where("task_id = ?", taskID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count task logs: %w", err)
	}
	return n, nil
}

// DeleteOrphans removes log rows whose task no longer exists.
func (r *LogRepo) DeleteOrphans(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("task_id NOT IN (?)", r.db.Model(&Task{}).Select("id")).
		Delete(&TaskLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete orphan logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
