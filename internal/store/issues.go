package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/doctrine-review/inkwell/internal/faults"
)

// IssueRepo persists detected issues and user feedback on them.
type IssueRepo struct {
	db *gorm.DB
}

// CreateBatch inserts issues in chunks inside the ambient transaction.
func (r *IssueRepo) CreateBatch(ctx context.Context, issues []Issue) error {
	now := time.Now().UTC()
	for i := range issues {
		if issues[i].ID == "" {
			issues[i].ID = NewID()
		}
		if issues[i].CreatedAt.IsZero() {
			issues[i].CreatedAt = now
		}
		issues[i].UpdatedAt = now
	}
	if err := r.db.WithContext(ctx).CreateInBatches(issues, 100).Error; err != nil {
		return fmt.Errorf("create issues: %w", err)
	}
	return nil
}

// ByID fetches an issue by primary key.
func (r *IssueRepo) ByID(ctx context.Context, id string) (*Issue, error) {
	var is Issue
	if err := r.db.WithContext(ctx).First(&is, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "issue_not_found", "issue does not exist")
	}
	return &is, nil
}

// ListByTask returns a task's issues ordered by severity then creation.
func (r *IssueRepo) ListByTask(ctx context.Context, taskID string) ([]Issue, error) {
	var issues []Issue
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).
		Order("CASE severity WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, created_at ASC").
		Find(&issues).Error
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	return issues, nil
}

// CountByTask counts a task's issues.
func (r *IssueRepo) CountByTask(ctx context.Context, taskID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Issue{}).Where("task_id = ?", taskID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count issues: %w", err)
	}
	return n, nil
}

// CountBySeverity returns per-severity counts for a task.
func (r *IssueRepo) CountBySeverity(ctx context.Context, taskID string) (map[Severity]int64, error) {
	type row struct {
		Severity Severity
		N        int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&Issue{}).
		Select("severity, COUNT(*) AS n").Where("task_id = ?", taskID).
		Group("severity").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count by severity: %w", err)
	}
	counts := make(map[Severity]int64, len(rows))
	for _, r := range rows {
		counts[r.Severity] = r.N
	}
	return counts, nil
}

// SetFeedback records accept/reject (or clears with FeedbackUnset) and,
// when a comment is supplied, updates it in the same write.
func (r *IssueRepo) SetFeedback(ctx context.Context, id string, fb Feedback, comment *string) error {
	fields := map[string]any{
		"user_feedback": fb,
		"updated_at":    time.Now().UTC(),
	}
	if comment != nil {
		fields["feedback_comment"] = *comment
	}
	return r.update(ctx, id, fields)
}

// SetComment updates only the comment. It never touches user_feedback,
// so a comment-only edit cannot flip a verdict.
func (r *IssueRepo) SetComment(ctx context.Context, id, comment string) error {
	return r.update(ctx, id, map[string]any{
		"feedback_comment": comment,
		"updated_at":       time.Now().UTC(),
	})
}

// SetSatisfaction records a 1..5 rating.
func (r *IssueRepo) SetSatisfaction(ctx context.Context, id string, rating int) error {
	return r.update(ctx, id, map[string]any{
		"satisfaction_rating": rating,
		"updated_at":          time.Now().UTC(),
	})
}

func (r *IssueRepo) update(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&Issue{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update issue: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.NotFound("issue_not_found", "issue does not exist")
	}
	return nil
}

// DeleteOrphans removes issues whose task no longer exists. Kept for
// schemas upgraded from a pre-cascade era; a no-op afterwards.
func (r *IssueRepo) DeleteOrphans(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("task_id NOT IN (?)", r.db.Model(&Task{}).Select("id")).
		Delete(&Issue{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete orphan issues: %w", res.Error)
	}
	return res.RowsAffected, nil
}
