package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ModelRepo persists the configured AI models. Rows are seeded at boot
// and read-only afterwards.
type ModelRepo struct {
	db *gorm.DB
}

// Seed upserts models by key, preserving row IDs across restarts.
func (r *ModelRepo) Seed(ctx context.Context, models []AIModel) error {
	for i := range models {
		m := &models[i]
		if m.ID == "" {
			m.ID = NewID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"provider", "config", "is_default"}),
		}).Create(m).Error
		if err != nil {
			return fmt.Errorf("seed model %s: %w", m.Key, err)
		}
	}
	return nil
}

// List returns all models, default first.
func (r *ModelRepo) List(ctx context.Context) ([]AIModel, error) {
	var models []AIModel
	if err := r.db.WithContext(ctx).Order("is_default DESC, key ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return models, nil
}

// ByKey fetches a model by its configured key.
func (r *ModelRepo) ByKey(ctx context.Context, key string) (*AIModel, error) {
	var m AIModel
	if err := r.db.WithContext(ctx).First(&m, "key = ?", key).Error; err != nil {
		return nil, notFound(err, "model_not_found", "AI model does not exist")
	}
	return &m, nil
}

// ByID fetches a model by primary key.
func (r *ModelRepo) ByID(ctx context.Context, id string) (*AIModel, error) {
	var m AIModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "model_not_found", "AI model does not exist")
	}
	return &m, nil
}

// Default returns the model flagged default, or the first by key.
func (r *ModelRepo) Default(ctx context.Context) (*AIModel, error) {
	var m AIModel
	err := r.db.WithContext(ctx).Order("is_default DESC, key ASC").First(&m).Error
	if err != nil {
		return nil, notFound(err, "model_not_found", "no AI models configured")
	}
	return &m, nil
}
