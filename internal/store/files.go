package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// FileRepo persists content-addressed upload metadata. A FileInfo may
// back several tasks; callers check TasksReferencing before deleting.
type FileRepo struct {
	db *gorm.DB
}

// Create inserts file metadata, assigning ID and timestamp.
func (r *FileRepo) Create(ctx context.Context, f *FileInfo) error {
	if f.ID == "" {
		f.ID = NewID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(f).Error; err != nil {
		return fmt.Errorf("create file info: %w", err)
	}
	return nil
}

// ByID fetches file metadata by primary key.
func (r *FileRepo) ByID(ctx context.Context, id string) (*FileInfo, error) {
	var f FileInfo
	if err := r.db.WithContext(ctx).First(&f, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "file_not_found", "file does not exist")
	}
	return &f, nil
}

// BySHA256 fetches file metadata by content hash.
func (r *FileRepo) BySHA256(ctx context.Context, sum string) (*FileInfo, error) {
	var f FileInfo
	if err := r.db.WithContext(ctx).First(&f, "sha256 = ?", sum).Error; err != nil {
		return nil, notFound(err, "file_not_found", "file does not exist")
	}
	return &f, nil
}

// TasksReferencing counts tasks still backed by this file.
func (r *FileRepo) TasksReferencing(ctx context.Context, fileID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Task{}).Where("file_info_id = ?", fileID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count file references: %w", err)
	}
	return n, nil
}

// Delete removes file metadata once nothing references it.
func (r *FileRepo) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&FileInfo{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete file info: %w", err)
	}
	return nil
}
