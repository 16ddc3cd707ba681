package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// QueueConfigRepo persists the single-row queue tuning table.
type QueueConfigRepo struct {
	db *gorm.DB
}

// Load returns the stored tuning row, inserting the given defaults when
// the table is empty (first boot).
func (r *QueueConfigRepo) Load(ctx context.Context, defaults QueueConfig) (*QueueConfig, error) {
	var qc QueueConfig
	err := r.db.WithContext(ctx).First(&qc, "id = ?", 1).Error
	if err == nil {
		return &qc, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load queue config: %w", err)
	}

	defaults.ID = 1
	defaults.UpdatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Create(&defaults).Error; err != nil {
		return nil, fmt.Errorf("seed queue config: %w", err)
	}
	return &defaults, nil
}

// Save overwrites the tuning row.
func (r *QueueConfigRepo) Save(ctx context.Context, qc *QueueConfig) error {
	qc.ID = 1
	qc.UpdatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Save(qc).Error; err != nil {
		return fmt.Errorf("save queue config: %w", err)
	}
	return nil
}
