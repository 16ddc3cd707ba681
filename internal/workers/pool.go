// Package workers drains the task queue with a fixed pool of
// long-lived workers. Each claim runs the pipeline under a governor
// token and a task deadline; the worker alone decides the terminal
// queue and task transition from the run's outcome.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/governor"
	"github.com/doctrine-review/inkwell/internal/logbus"
	"github.com/doctrine-review/inkwell/internal/metrics"
	"github.com/doctrine-review/inkwell/internal/store"
)

const (
	defaultPoolSize      = 20
	defaultTaskTimeout   = 600 * time.Second
	defaultShutdownGrace = 30 * time.Second
	defaultUserCap       = 3
	idleMin              = time.Second
)

// Queue is the claim and terminal surface of the queue service.
type Queue interface {
	Claim(ctx context.Context, workerID string) (*store.QueueEntry, error)
	Wake() <-chan struct{}
	CheckInterval() time.Duration
	Release(ctx context.Context, entry *store.QueueEntry) error
	Restore(ctx context.Context, entry *store.QueueEntry) error
	Exhausted(entry *store.QueueEntry) bool
	MarkFailed(ctx context.Context, taskID string) error
	MarkCancelled(ctx context.Context, taskID string) error
	Drop(ctx context.Context, taskID string) error
}

// Tasks is the slice of the task repository the pool transitions.
type Tasks interface {
	SetProcessing(ctx context.Context, id string) error
	SetQueued(ctx context.Context, id string) error
	SetFailed(ctx context.Context, id, message string) error
	SetCancelled(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string) error
}

// Users resolves per-user concurrency caps for the governor.
type Users interface {
	ByID(ctx context.Context, id string) (*store.User, error)
}

// Runner executes one claimed task to completion.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// Deps wires the pool's collaborators.
type Deps struct {
	Queue    Queue
	Tasks    Tasks
	Users    Users
	Governor *governor.Governor
	Runner   Runner
	Bus      *logbus.Bus
}

// Pool is the fixed worker set. Start launches the workers; Stop first
// blocks new claims, then cancels whatever outlives the grace period.
type Pool struct {
	deps        Deps
	cfg         config.WorkersConfig
	userDefault int

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc // task id → in-flight cancel

	loopCtx    context.Context
	loopCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelCauseFunc
	wg         sync.WaitGroup
}

// New builds a stopped pool. defaultUserCap applies to users without an
// explicit concurrency cap.
func New(deps Deps, cfg config.WorkersConfig, userCap int) *Pool {
	if userCap <= 0 {
		userCap = defaultUserCap
	}
	return &Pool{
		deps:        deps,
		cfg:         cfg,
		userDefault: userCap,
		running:     make(map[string]context.CancelCauseFunc),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.loopCtx, p.loopCancel = context.WithCancel(context.Background())
	p.runCtx, p.runCancel = context.WithCancelCause(context.Background())

	n := p.cfg.WorkerPoolSize
	if n <= 0 {
		n = defaultPoolSize
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(fmt.Sprintf("worker-%d", i))
	}
	slog.Info("worker pool started", "workers", n)
}

// Stop blocks new claims, waits out the grace period for in-flight
// runs, then cancels the stragglers with a shutdown cause and waits
// for them to settle.
func (p *Pool) Stop() {
	if p.loopCancel == nil {
		return
	}
	p.loopCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := p.cfg.ShutdownGrace.Duration()
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("shutdown grace expired, cancelling in-flight tasks")
		p.runCancel(faults.ErrShutdown)
		<-done
	}
	p.runCancel(faults.ErrShutdown)
	slog.Info("worker pool stopped")
}

// Cancel aborts the named task if this pool is running it. The cause
// reaches the pipeline's context and decides the terminal transition.
func (p *Pool) Cancel(taskID string, cause error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[taskID]; ok {
		cancel(cause)
		return true
	}
	return false
}

// Running reports whether the pool currently executes the task.
func (p *Pool) Running(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[taskID]
	return ok
}

// worker claims and processes until shutdown. An empty queue backs off
// exponentially from 1s up to the queue check interval; an enqueue
// wake resets the backoff.
func (p *Pool) worker(id string) {
	defer p.wg.Done()

	idle := idleMin
	for {
		if p.loopCtx.Err() != nil {
			return
		}

		entry, err := p.deps.Queue.Claim(p.loopCtx, id)
		switch {
		case err == nil:
			idle = idleMin
			p.process(entry, id)
			continue
		case errors.Is(err, faults.ErrNoWork):
		case p.loopCtx.Err() != nil:
			return
		default:
			slog.Warn("queue claim failed", "worker", id, "error", err)
		}

		select {
		case <-p.loopCtx.Done():
			return
		case <-p.deps.Queue.Wake():
			idle = idleMin
		case <-time.After(idle):
			idle *= 2
			if limit := p.deps.Queue.CheckInterval(); idle > limit {
				idle = limit
			}
		}
	}
}

// process runs one claimed entry end to end. A panic anywhere in the
// iteration fails the task and lets the worker loop continue.
func (p *Pool) process(entry *store.QueueEntry, workerID string) {
	taskID := entry.TaskID
	sctx := context.WithoutCancel(p.runCtx)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "worker", workerID, "task_id", taskID, "panic", r)
			if err := p.deps.Queue.MarkFailed(sctx, taskID); err != nil {
				slog.Error("mark panicked entry failed", "task_id", taskID, "error", err)
			}
			if err := p.deps.Tasks.SetFailed(sctx, taskID, "internal error"); err != nil {
				slog.Error("mark panicked task failed", "task_id", taskID, "error", err)
			}
			p.deps.Bus.PublishStatus(taskID, store.TaskFailed)
			metrics.TasksProcessedTotal.WithLabelValues("failed").Inc()
		}
	}()

	token, err := p.deps.Governor.Acquire(p.runCtx, entry.UserID, p.userCap(sctx, entry.UserID))
	if err != nil {
		// Shutdown while waiting for a slot: the claim goes back
		// untouched for the next boot or worker.
		if rerr := p.deps.Queue.Restore(sctx, entry); rerr != nil {
			slog.Error("restore claimed entry", "task_id", taskID, "error", rerr)
		}
		return
	}
	defer token.Release()

	if p.loopCtx.Err() != nil {
		if rerr := p.deps.Queue.Restore(sctx, entry); rerr != nil {
			slog.Error("restore claimed entry", "task_id", taskID, "error", rerr)
		}
		return
	}

	if err := p.deps.Tasks.SetProcessing(sctx, taskID); err != nil {
		// Task row gone, usually deleted between enqueue and claim.
		slog.Warn("task missing at claim", "task_id", taskID, "error", err)
		if derr := p.deps.Queue.Drop(sctx, taskID); derr != nil {
			slog.Error("drop orphaned entry", "task_id", taskID, "error", derr)
		}
		return
	}
	p.deps.Bus.PublishStatus(taskID, store.TaskProcessing)

	runCtx, cancel := context.WithCancelCause(p.runCtx)
	runCtx, cancelTimeout := context.WithTimeoutCause(runCtx, p.taskTimeout(), faults.ErrTimeout)
	p.mu.Lock()
	p.running[taskID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, taskID)
		p.mu.Unlock()
		cancelTimeout()
		cancel(nil)
	}()

	slog.Info("task started", "worker", workerID, "task_id", taskID, "attempt", entry.Attempts+1)
	start := time.Now()
	runErr := p.deps.Runner.Run(runCtx, taskID)
	cause := context.Cause(runCtx)

	p.settle(sctx, entry, runErr, cause, time.Since(start))
}

// settle maps the run outcome to the terminal queue and task writes.
func (p *Pool) settle(ctx context.Context, entry *store.QueueEntry, runErr, cause error, elapsed time.Duration) {
	taskID := entry.TaskID

	if runErr == nil {
		// The pipeline committed issues, the completed status, and the
		// queue row removal in one transaction.
		slog.Info("task completed", "task_id", taskID, "elapsed", elapsed)
		metrics.TasksProcessedTotal.WithLabelValues("completed").Inc()
		return
	}

	switch {
	case errors.Is(cause, faults.ErrCancelled):
		p.finish(ctx, taskID, store.TaskCancelled, "cancelled by user", p.deps.Queue.MarkCancelled)
		slog.Info("task cancelled", "task_id", taskID, "elapsed", elapsed)
		return
	case errors.Is(cause, faults.ErrShutdown):
		p.finish(ctx, taskID, store.TaskFailed, "shutdown", p.deps.Queue.MarkFailed)
		slog.Warn("task interrupted by shutdown", "task_id", taskID)
		return
	}

	retryable := faults.IsRetryable(runErr) || errors.Is(cause, faults.ErrTimeout)
	if retryable && !p.deps.Queue.Exhausted(entry) {
		if err := p.deps.Queue.Release(ctx, entry); err != nil {
			slog.Error("release entry for retry", "task_id", taskID, "error", err)
		}
		if err := p.deps.Tasks.SetQueued(ctx, taskID); err != nil {
			slog.Error("requeue task", "task_id", taskID, "error", err)
		}
		if err := p.deps.Tasks.IncrementRetry(ctx, taskID); err != nil {
			slog.Error("count retry", "task_id", taskID, "error", err)
		}
		p.deps.Bus.PublishStatus(taskID, store.TaskQueued)
		slog.Info("task scheduled for retry",
			"task_id", taskID, "attempt", entry.Attempts+1, "error", runErr)
		return
	}

	msg := runErr.Error()
	if retryable {
		msg = "max retries exceeded: " + msg
	}
	p.finish(ctx, taskID, store.TaskFailed, msg, p.deps.Queue.MarkFailed)
	slog.Warn("task failed", "task_id", taskID, "elapsed", elapsed, "error", runErr)
}

func (p *Pool) finish(ctx context.Context, taskID string, status store.TaskStatus, msg string, mark func(context.Context, string) error) {
	if err := mark(ctx, taskID); err != nil {
		slog.Error("finish queue entry", "task_id", taskID, "error", err)
	}
	var err error
	if status == store.TaskCancelled {
		err = p.deps.Tasks.SetCancelled(ctx, taskID)
	} else {
		err = p.deps.Tasks.SetFailed(ctx, taskID, msg)
	}
	if err != nil {
		slog.Error("finish task", "task_id", taskID, "error", err)
	}
	p.deps.Bus.PublishStatus(taskID, status)
	metrics.TasksProcessedTotal.WithLabelValues(string(status)).Inc()
}

func (p *Pool) userCap(ctx context.Context, userID string) int {
	u, err := p.deps.Users.ByID(ctx, userID)
	if err != nil || u.MaxConcurrentTasks <= 0 {
		return p.userDefault
	}
	return u.MaxConcurrentTasks
}

func (p *Pool) taskTimeout() time.Duration {
	if p.cfg.TaskTimeoutSec <= 0 {
		return defaultTaskTimeout
	}
	return time.Duration(p.cfg.TaskTimeoutSec) * time.Second
}
