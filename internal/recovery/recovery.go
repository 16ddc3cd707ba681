// Package recovery reconciles persistent state left behind by a crash.
// It runs once at startup, before the worker pool, so no entry it sees
// in processing state can belong to a live worker.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/doctrine-review/inkwell/internal/store"
)

// exhaustedReason is recorded on tasks whose retry budget ran out
// across restarts.
const exhaustedReason = "exceeded_retries_after_restart"

// Queue is the slice of the queue repository recovery drives.
type Queue interface {
	Processing(ctx context.Context) ([]store.QueueEntry, error)
	Requeue(ctx context.Context, taskID string, attempts int) error
	MarkFailed(ctx context.Context, taskID string) error
	ByTaskID(ctx context.Context, taskID string) (*store.QueueEntry, error)
	Enqueue(ctx context.Context, e *store.QueueEntry) (*store.QueueEntry, error)
}

// Tasks is the slice of the task repository recovery transitions.
type Tasks interface {
	ListByStatus(ctx context.Context, status store.TaskStatus) ([]store.Task, error)
	SetQueued(ctx context.Context, id string) error
	SetFailed(ctx context.Context, id, message string) error
}

// Orphans removes child rows whose task no longer exists.
type Orphans interface {
	DeleteOrphans(ctx context.Context) (int64, error)
}

// Manager runs the startup reconciliation passes.
type Manager struct {
	queue      Queue
	tasks      Tasks
	orphans    []Orphans
	maxRetries int
}

// Report summarizes what one recovery run changed.
type Report struct {
	Requeued       int   // stranded entries returned to the queue
	Exhausted      int   // stranded entries out of attempts, failed
	Reconciled     int   // processing tasks re-enqueued without an entry
	OrphansDeleted int64 // child rows whose task was gone
}

// New builds a manager. orphans are the repositories to sweep for rows
// whose parent task disappeared (issues, outputs, logs).
func New(queue Queue, tasks Tasks, maxRetries int, orphans ...Orphans) *Manager {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Manager{queue: queue, tasks: tasks, orphans: orphans, maxRetries: maxRetries}
}

// Run executes the three passes: requeue stranded processing entries,
// re-enqueue processing tasks that lost their entry, and drop orphaned
// child rows. Idempotent; a second run finds nothing to do.
func (m *Manager) Run(ctx context.Context) (*Report, error) {
	rep := &Report{}

	if err := m.requeueStranded(ctx, rep); err != nil {
		return rep, err
	}
	if err := m.reconcileTasks(ctx, rep); err != nil {
		return rep, err
	}
	for _, o := range m.orphans {
		n, err := o.DeleteOrphans(ctx)
		if err != nil {
			return rep, fmt.Errorf("delete orphans: %w", err)
		}
		rep.OrphansDeleted += n
	}

	slog.Info("recovery complete",
		"requeued", rep.Requeued,
		"exhausted", rep.Exhausted,
		"reconciled", rep.Reconciled,
		"orphans_deleted", rep.OrphansDeleted)
	return rep, nil
}

// requeueStranded returns crashed processing entries to the queue with
// one more attempt on the clock, or fails them when the budget is gone.
func (m *Manager) requeueStranded(ctx context.Context, rep *Report) error {
	stranded, err := m.queue.Processing(ctx)
	if err != nil {
		return fmt.Errorf("list stranded entries: %w", err)
	}

	for _, e := range stranded {
		limit := e.MaxAttempts
		if limit <= 0 {
			limit = m.maxRetries
		}
		attempts := e.Attempts + 1

		if attempts > limit {
			if err := m.queue.MarkFailed(ctx, e.TaskID); err != nil {
				return fmt.Errorf("fail exhausted entry %s: %w", e.TaskID, err)
			}
			if err := m.tasks.SetFailed(ctx, e.TaskID, exhaustedReason); err != nil {
				slog.Warn("fail exhausted task", "task_id", e.TaskID, "error", err)
			}
			rep.Exhausted++
			continue
		}

		if err := m.queue.Requeue(ctx, e.TaskID, attempts); err != nil {
			return fmt.Errorf("requeue stranded entry %s: %w", e.TaskID, err)
		}
		if err := m.tasks.SetQueued(ctx, e.TaskID); err != nil {
			slog.Warn("requeue stranded task", "task_id", e.TaskID, "error", err)
		}
		rep.Requeued++
	}
	return nil
}

// reconcileTasks re-enqueues processing tasks whose queue entry vanished,
// at default priority with a fresh attempt budget.
func (m *Manager) reconcileTasks(ctx context.Context, rep *Report) error {
	processing, err := m.tasks.ListByStatus(ctx, store.TaskProcessing)
	if err != nil {
		return fmt.Errorf("list processing tasks: %w", err)
	}

	for _, t := range processing {
		if _, err := m.queue.ByTaskID(ctx, t.ID); err == nil {
			// requeueStranded already handled this one.
			continue
		}
		_, err := m.queue.Enqueue(ctx, &store.QueueEntry{
			TaskID:      t.ID,
			UserID:      t.UserID,
			Priority:    5,
			MaxAttempts: m.maxRetries,
		})
		if err != nil {
			return fmt.Errorf("re-enqueue task %s: %w", t.ID, err)
		}
		if err := m.tasks.SetQueued(ctx, t.ID); err != nil {
			slog.Warn("requeue reconciled task", "task_id", t.ID, "error", err)
		}
		rep.Reconciled++
	}
	return nil
}
