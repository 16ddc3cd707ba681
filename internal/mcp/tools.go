package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/store"
)

type submitArgs struct {
	FilePath   string `json:"file_path"`
	Title      string `json:"title"`
	ModelIndex *int   `json:"model_index"`
	Priority   int    `json:"priority"`
}

type taskArgs struct {
	TaskID string `json:"task_id"`
}

type issuesArgs struct {
	TaskID   string `json:"task_id"`
	Severity string `json:"severity"`
}

func (d Deps) submitReview(ctx context.Context, args submitArgs) (any, error) {
	if args.FilePath == "" {
		return nil, faults.Validation("missing_file_path", "file_path is required")
	}
	name := filepath.Base(args.FilePath)
	if !d.Parse.Supported(name, "") {
		return nil, faults.Validation("unsupported_file_type", name+": file type not supported")
	}

	f, err := os.Open(args.FilePath)
	if err != nil {
		return nil, faults.Validation("unreadable_file", fmt.Sprintf("cannot open %s: %v", args.FilePath, err))
	}
	defer f.Close()
	if d.MaxFileSizeBytes > 0 {
		st, err := f.Stat()
		if err != nil {
			return nil, faults.Validation("unreadable_file", err.Error())
		}
		if st.Size() > d.MaxFileSizeBytes {
			return nil, faults.Validation("file_too_large", fmt.Sprintf("%s exceeds the %s limit",
				humanize.IBytes(uint64(st.Size())), humanize.IBytes(uint64(d.MaxFileSizeBytes))))
		}
	}

	user, err := d.Store.Users.EnsureByUID(ctx, d.UserUID, d.UserUID, "", store.RoleUser, d.UserCap)
	if err != nil {
		return nil, err
	}

	info, err := d.Blobs.Put(ctx, f)
	if err != nil {
		return nil, err
	}
	fi, err := d.Store.Files.BySHA256(ctx, info.SHA256)
	if faults.KindOf(err) == faults.KindNotFound {
		fi = &store.FileInfo{
			SHA256:       info.SHA256,
			Path:         info.Key,
			OriginalName: name,
			Size:         info.Size,
		}
		err = d.Store.Files.Create(ctx, fi)
	}
	if err != nil {
		return nil, err
	}

	model, err := d.resolveModel(ctx, args.ModelIndex)
	if err != nil {
		return nil, err
	}
	priority := args.Priority
	if priority == 0 {
		priority = 5
	}
	if priority < 1 || priority > 10 {
		return nil, faults.Validation("bad_priority", "priority must be between 1 and 10")
	}
	title := args.Title
	if title == "" {
		title = name
	}

	task := &store.Task{
		UserID:     user.ID,
		FileInfoID: fi.ID,
		AIModelID:  model.ID,
		Title:      title,
		Status:     store.TaskPending,
	}
	if err := d.Store.Tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	if _, err := d.Queue.Enqueue(ctx, task.ID, user.ID, priority); err != nil {
		_ = d.Store.Tasks.Delete(ctx, task.ID)
		return nil, err
	}
	if err := d.Store.Tasks.SetQueued(ctx, task.ID); err != nil {
		return nil, err
	}

	return map[string]any{
		"task_id": task.ID,
		"title":   title,
		"status":  store.TaskQueued,
		"model":   model.Key,
	}, nil
}

func (d Deps) resolveModel(ctx context.Context, idx *int) (*store.AIModel, error) {
	if idx == nil {
		return d.Store.Models.Default(ctx)
	}
	models, err := d.Store.Models.List(ctx)
	if err != nil {
		return nil, err
	}
	if *idx < 0 || *idx >= len(models) {
		return nil, faults.Validation("bad_model_index",
			fmt.Sprintf("model_index %d out of range, %d models configured", *idx, len(models)))
	}
	return &models[*idx], nil
}

func (d Deps) reviewStatus(ctx context.Context, args taskArgs) (any, error) {
	task, err := d.Store.Tasks.ByID(ctx, args.TaskID)
	if err != nil {
		return nil, err
	}
	count, err := d.Store.Issues.CountByTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"task_id":     task.ID,
		"title":       task.Title,
		"status":      task.Status,
		"progress":    task.Progress,
		"issue_count": count,
	}
	if task.CurrentStage != "" {
		body["stage"] = task.CurrentStage
	}
	if task.ErrorMessage != "" {
		body["error"] = task.ErrorMessage
	}
	if task.CompletedAt != nil {
		body["completed_at"] = task.CompletedAt.UTC().Format(time.RFC3339)
	}
	return body, nil
}

func (d Deps) listIssues(ctx context.Context, args issuesArgs) (any, error) {
	task, err := d.Store.Tasks.ByID(ctx, args.TaskID)
	if err != nil {
		return nil, err
	}

	var filter store.Severity
	if args.Severity != "" {
		switch store.Severity(args.Severity) {
		case store.SeverityCritical, store.SeverityHigh, store.SeverityMedium, store.SeverityLow:
			filter = store.Severity(args.Severity)
		default:
			return nil, faults.Validation("bad_severity", "severity must be critical, high, medium, or low")
		}
	}

	issues, err := d.Store.Issues.ListByTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if filter != "" {
		kept := issues[:0]
		for _, is := range issues {
			if is.Severity == filter {
				kept = append(kept, is)
			}
		}
		issues = kept
	}

	return map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
		"total":   len(issues),
		"issues":  issues,
	}, nil
}
