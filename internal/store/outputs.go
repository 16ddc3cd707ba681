package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// OutputRepo persists per-chunk model invocations. The unique run index
// (task, stage, chunk, fingerprint) is what makes Detect idempotent.
type OutputRepo struct {
	db *gorm.DB
}

// Create inserts one invocation record as soon as its chunk succeeds.
func (r *OutputRepo) Create(ctx context.Context, o *AIOutput) error {
	if o.ID == "" {
		o.ID = NewID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(o).Error; err != nil {
		return fmt.Errorf("create ai output: %w", err)
	}
	return nil
}

// ByFingerprint fetches a stored invocation for exact reuse.
func (r *OutputRepo) ByFingerprint(ctx context.Context, taskID, stage string, chunkIndex int, fingerprint string) (*AIOutput, error) {
	var o AIOutput
	err := r.db.WithContext(ctx).First(&o,
		"task_id = ? AND stage = ? AND chunk_index = ? AND prompt_fingerprint = ?",
		taskID, stage, chunkIndex, fingerprint).Error
	if err != nil {
		return nil, notFound(err, "output_not_found", "no stored output for fingerprint")
	}
	return &o, nil
}

// ListByTask returns all stored invocations for a task in chunk order.
func (r *OutputRepo) ListByTask(ctx context.Context, taskID string) ([]AIOutput, error) {
	var outputs []AIOutput
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).
		Order("stage ASC, chunk_index ASC").Find(&outputs).Error
	if err != nil {
		return nil, fmt.Errorf("list ai outputs: %w", err)
	}
	return outputs, nil
}

// CountByTask counts stored invocations for a task.
func (r *OutputRepo) CountByTask(ctx context.Context, taskID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&AIOutput{}).Where("task_id = ?", taskID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count ai outputs: %w", err)
	}
	return n, nil
}

// DeleteOrphans removes outputs whose task no longer exists.
func (r *OutputRepo) DeleteOrphans(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("task_id NOT IN (?)", r.db.Model(&Task{}).Select("id")).
		Delete(&AIOutput{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete orphan outputs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
