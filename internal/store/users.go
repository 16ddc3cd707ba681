package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/doctrine-review/inkwell/internal/faults"
)

// notFound converts gorm's sentinel into a boundary fault.
func notFound(err error, code, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return faults.NotFound(code, message)
	}
	return err
}

// UserRepo persists accounts.
type UserRepo struct {
	db *gorm.DB
}

// Create inserts a user, assigning ID and timestamps.
func (r *UserRepo) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// ByID fetches a user by primary key.
func (r *UserRepo) ByID(ctx context.Context, id string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "user_not_found", "user does not exist")
	}
	return &u, nil
}

// ByUID fetches a user by its stable external uid.
func (r *UserRepo) ByUID(ctx context.Context, uid string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, "uid = ?", uid).Error; err != nil {
		return nil, notFound(err, "user_not_found", "user does not exist")
	}
	return &u, nil
}

// EnsureByUID returns the user for uid, creating it on first sight the
// way an OAuth first-login would.
func (r *UserRepo) EnsureByUID(ctx context.Context, uid, name, email string, role Role, maxConcurrent int) (*User, error) {
	u, err := r.ByUID(ctx, uid)
	if err == nil {
		return u, nil
	}
	if faults.KindOf(err) != faults.KindNotFound {
		return nil, err
	}
	fresh := &User{
		UID:                uid,
		Name:               name,
		Email:              email,
		Role:               role,
		MaxConcurrentTasks: maxConcurrent,
	}
	if err := r.Create(ctx, fresh); err == nil {
		return fresh, nil
	}
	// Lost a creation race: the row exists now.
	return r.ByUID(ctx, uid)
}

// SetRole updates role and the matching concurrency budget.
func (r *UserRepo) SetRole(ctx context.Context, id string, role Role, maxConcurrent int) error {
	res := r.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).
		Updates(map[string]any{"role": role, "max_concurrent_tasks": maxConcurrent})
	if res.Error != nil {
		return fmt.Errorf("set role: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.NotFound("user_not_found", "user does not exist")
	}
	return nil
}

// List returns every account, oldest first.
func (r *UserRepo) List(ctx context.Context) ([]User, error) {
	var users []User
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}
