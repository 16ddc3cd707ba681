package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/doctrine-review/inkwell/internal/faults"
)

// ShareRepo persists task shares. At most one active share exists per
// (task, grantee); Create revokes any previous active grant first.
type ShareRepo struct {
	db *gorm.DB
}

// Create grants access, replacing an existing active share atomically.
func (r *ShareRepo) Create(ctx context.Context, s *TaskShare) error {
	if s.ID == "" {
		s.ID = NewID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.Active = true
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		err := tx.Model(&TaskShare{}).
			Where("task_id = ? AND shared_with = ? AND active = ?", s.TaskID, s.SharedWith, true).
			Updates(map[string]any{"active": false, "revoked_at": now}).Error
		if err != nil {
			return fmt.Errorf("revoke previous share: %w", err)
		}
		if err := tx.Create(s).Error; err != nil {
			return fmt.Errorf("create share: %w", err)
		}
		return nil
	})
}

// ActiveFor returns the grantee's active share for a task, if any.
func (r *ShareRepo) ActiveFor(ctx context.Context, taskID, userID string) (*TaskShare, error) {
	var s TaskShare
	err := r.db.WithContext(ctx).
		First(&s, "task_id = ? AND shared_with = ? AND active = ?", taskID, userID, true).Error
	if err != nil {
		return nil, notFound(err, "share_not_found", "no active share")
	}
	return &s, nil
}

// ListByTask returns every share row for a task, newest first.
func (r *ShareRepo) ListByTask(ctx context.Context, taskID string) ([]TaskShare, error) {
	var shares []TaskShare
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).
		Order("created_at DESC").Find(&shares).Error
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	return shares, nil
}

// Revoke deactivates a share by id.
func (r *ShareRepo) Revoke(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&TaskShare{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]any{"active": false, "revoked_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("revoke share: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.NotFound("share_not_found", "no active share")
	}
	return nil
}
