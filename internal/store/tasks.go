package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/doctrine-review/inkwell/internal/faults"
)

// TaskRepo persists review tasks.
type TaskRepo struct {
	db *gorm.DB
}

// TaskFilter narrows and orders a paginated listing.
type TaskFilter struct {
	UserID    string // empty = all users (admin listing)
	Search    string // title substring
	Status    TaskStatus
	SortBy    string // created_at | title | status | progress
	SortOrder string // asc | desc
	Page      int
	PageSize  int
}

// Create inserts a task, assigning ID and timestamps.
func (r *TaskRepo) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// ByID fetches a task by primary key.
func (r *TaskRepo) ByID(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "task_not_found", "task does not exist")
	}
	return &t, nil
}

// Detail fetches a task with its user, file, and model rows preloaded.
func (r *TaskRepo) Detail(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := r.db.WithContext(ctx).
		Preload("User").Preload("FileInfo").Preload("AIModel").
		First(&t, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "task_not_found", "task does not exist")
	}
	return &t, nil
}

// SetQueued transitions a pending or failed task back into the queue.
func (r *TaskRepo) SetQueued(ctx context.Context, id string) error {
	return r.update(ctx, id, map[string]any{
		"status":        TaskQueued,
		"error_message": "",
	})
}

// SetProcessing records the start of a pipeline run.
func (r *TaskRepo) SetProcessing(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.update(ctx, id, map[string]any{
		"status":        TaskProcessing,
		"started_at":    now,
		"progress":      0.0,
		"current_stage": "",
	})
}

// UpdateProgress writes the composed global progress and current stage.
func (r *TaskRepo) UpdateProgress(ctx context.Context, id string, progress float64, stage string) error {
	return r.update(ctx, id, map[string]any{
		"progress":      progress,
		"current_stage": stage,
	})
}

// SetFailed records a terminal failure with its message.
func (r *TaskRepo) SetFailed(ctx context.Context, id, message string) error {
	now := time.Now().UTC()
	return r.update(ctx, id, map[string]any{
		"status":        TaskFailed,
		"error_message": message,
		"completed_at":  now,
	})
}

// SetCancelled records a user cancellation.
func (r *TaskRepo) SetCancelled(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.update(ctx, id, map[string]any{
		"status":       TaskCancelled,
		"completed_at": now,
	})
}

// IncrementRetry bumps the retry counter on a transient failure.
func (r *TaskRepo) IncrementRetry(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&Task{}).Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("increment retry: %w", res.Error)
	}
	return nil
}

func (r *TaskRepo) update(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.NotFound("task_not_found", "task does not exist")
	}
	return nil
}

// Paginate lists tasks for the filter and reports the unpaged total.
func (r *TaskRepo) Paginate(ctx context.Context, f TaskFilter) ([]Task, int64, error) {
	q := r.db.WithContext(ctx).Model(&Task{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Search != "" {
		q = q.Where("title LIKE ?", "%"+f.Search+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size < 1 || size > 100 {
		size = 20
	}

	var tasks []Task
	err := q.Order(orderClause(f.SortBy, f.SortOrder)).
		Offset((page - 1) * size).Limit(size).
		Find(&tasks).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, total, nil
}

// orderClause whitelists sortable columns; everything else falls back to
// newest first.
func orderClause(sortBy, sortOrder string) string {
	col := "created_at"
	switch sortBy {
	case "title", "status", "progress", "created_at":
		col = sortBy
	}
	dir := "DESC"
	if strings.EqualFold(sortOrder, "asc") {
		dir = "ASC"
	}
	return col + " " + dir
}

// ListByStatus returns all tasks in one state, oldest first.
func (r *TaskRepo) ListByStatus(ctx context.Context, status TaskStatus) ([]Task, error) {
	var tasks []Task
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", status, err)
	}
	return tasks, nil
}

// Statistics returns task counts by status.
func (r *TaskRepo) Statistics(ctx context.Context) (map[TaskStatus]int64, error) {
	type row struct {
		Status TaskStatus
		N      int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&Task{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("task statistics: %w", err)
	}
	stats := make(map[TaskStatus]int64, len(rows))
	for _, r := range rows {
		stats[r.Status] = r.N
	}
	return stats, nil
}

// Delete removes a task; child rows go with it via FK cascade.
func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&Task{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.NotFound("task_not_found", "task does not exist")
	}
	return nil
}
