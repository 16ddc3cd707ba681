// Package queue fronts the durable task queue: admission against the
// length cap, worker claims, retry backoff, and starvation control.
// All ordering and claim atomicity live in the store; this layer adds
// policy and the wake signal that lets an idle worker react to an
// enqueue without waiting out its poll interval.
package queue

import (
	"context"
	"time"

	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/metrics"
	"github.com/doctrine-review/inkwell/internal/store"
)

// Retry delays by attempt count. Attempts past the table reuse the
// last step.
var backoffSteps = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// Repo is the slice of the store the service drives.
type Repo interface {
	Enqueue(ctx context.Context, e *store.QueueEntry) (*store.QueueEntry, error)
	ByTaskID(ctx context.Context, taskID string) (*store.QueueEntry, error)
	CountQueued(ctx context.Context) (int64, error)
	CountsByStatus(ctx context.Context) (map[store.QueueStatus]int64, error)
	ClaimNext(ctx context.Context, workerID string) (*store.QueueEntry, error)
	Release(ctx context.Context, taskID string, delay time.Duration) error
	MarkFailed(ctx context.Context, taskID string) error
	MarkCancelled(ctx context.Context, taskID string) error
	DeleteByTask(ctx context.Context, taskID string) error
	Requeue(ctx context.Context, taskID string, attempts int) error
	BoostStale(ctx context.Context, threshold time.Duration) (int64, error)
}

// Stats is the per-status entry count for the statistics endpoint and
// the queue depth gauge.
type Stats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// Service applies queue policy on top of the repo. The effective
// tuning comes from the queue_config table, loaded once at boot.
type Service struct {
	repo Repo
	cfg  store.QueueConfig
	wake chan struct{}
}

// New builds the service around the repo with the effective tuning row.
func New(repo Repo, cfg store.QueueConfig) *Service {
	return &Service{
		repo: repo,
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
}

// Enqueue admits a task into the queue. Idempotent on task ID; a full
// queue rejects with faults.ErrQueueFull. The length check and the
// insert are separate statements, so a burst of concurrent submissions
// can overshoot the cap by a few entries; the cap is a safety valve,
// not an exact limit.
func (s *Service) Enqueue(ctx context.Context, taskID, userID string, priority int) (*store.QueueEntry, error) {
	n, err := s.repo.CountQueued(ctx)
	if err != nil {
		return nil, err
	}
	if n >= int64(s.cfg.MaxQueueLength) {
		return nil, faults.ErrQueueFull
	}

	entry, err := s.repo.Enqueue(ctx, &store.QueueEntry{
		TaskID:      taskID,
		UserID:      userID,
		Priority:    priority,
		MaxAttempts: s.cfg.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	s.signal()
	return entry, nil
}

// Wake returns the channel workers select on to claim immediately
// after an enqueue instead of sleeping out their poll interval.
func (s *Service) Wake() <-chan struct{} { return s.wake }

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Claim hands the best eligible entry to a worker, or faults.ErrNoWork.
func (s *Service) Claim(ctx context.Context, workerID string) (*store.QueueEntry, error) {
	return s.repo.ClaimNext(ctx, workerID)
}

// ByTaskID fetches the entry for a task.
func (s *Service) ByTaskID(ctx context.Context, taskID string) (*store.QueueEntry, error) {
	return s.repo.ByTaskID(ctx, taskID)
}

// Release schedules another attempt for a transiently failed entry,
// parking it in the future by the backoff for the attempt it just
// finished.
func (s *Service) Release(ctx context.Context, entry *store.QueueEntry) error {
	return s.repo.Release(ctx, entry.TaskID, backoffFor(entry.Attempts+1))
}

// Exhausted reports whether the entry has no attempts left.
func (s *Service) Exhausted(entry *store.QueueEntry) bool {
	limit := entry.MaxAttempts
	if limit <= 0 {
		limit = s.cfg.MaxRetries
	}
	return entry.Attempts+1 >= limit
}

// MarkFailed records a terminal failure on the entry.
func (s *Service) MarkFailed(ctx context.Context, taskID string) error {
	return s.repo.MarkFailed(ctx, taskID)
}

// MarkCancelled records a cancellation on the entry.
func (s *Service) MarkCancelled(ctx context.Context, taskID string) error {
	return s.repo.MarkCancelled(ctx, taskID)
}

// Drop removes the entry entirely, as on task deletion.
func (s *Service) Drop(ctx context.Context, taskID string) error {
	return s.repo.DeleteByTask(ctx, taskID)
}

// Requeue puts an existing entry back at the queue tail with a fresh
// attempt budget, as on an explicit user retry.
func (s *Service) Requeue(ctx context.Context, taskID string) error {
	if err := s.repo.Requeue(ctx, taskID, 0); err != nil {
		return err
	}
	s.signal()
	return nil
}

// Restore puts a claimed entry back as queued with its attempt count
// untouched, as when shutdown interrupts a claim before the run starts.
func (s *Service) Restore(ctx context.Context, entry *store.QueueEntry) error {
	return s.repo.Requeue(ctx, entry.TaskID, entry.Attempts)
}

// BoostStale bumps the priority of entries waiting past the configured
// threshold. Returns how many were boosted.
func (s *Service) BoostStale(ctx context.Context) (int64, error) {
	return s.repo.BoostStale(ctx, s.BoostThreshold())
}

// Stats returns entry counts by status and refreshes the depth gauge.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.repo.CountsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Queued:     counts[store.QueueQueued],
		Processing: counts[store.QueueProcessing],
		Completed:  counts[store.QueueCompleted],
		Failed:     counts[store.QueueFailed],
		Cancelled:  counts[store.QueueCancelled],
	}
	metrics.QueueDepth.WithLabelValues(string(store.QueueQueued)).Set(float64(st.Queued))
	metrics.QueueDepth.WithLabelValues(string(store.QueueProcessing)).Set(float64(st.Processing))
	metrics.QueueDepth.WithLabelValues(string(store.QueueFailed)).Set(float64(st.Failed))
	return st, nil
}

// CheckInterval is the worker poll cap from the tuning row.
func (s *Service) CheckInterval() time.Duration {
	if s.cfg.QueueCheckIntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.cfg.QueueCheckIntervalSec) * time.Second
}

// BoostThreshold is the starvation threshold from the tuning row.
func (s *Service) BoostThreshold() time.Duration {
	if s.cfg.PriorityBoostThresholdSec <= 0 {
		return 300 * time.Second
	}
	return time.Duration(s.cfg.PriorityBoostThresholdSec) * time.Second
}

func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoffSteps) {
		attempt = len(backoffSteps)
	}
	return backoffSteps[attempt-1]
}
