package workers

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/governor"
	"github.com/doctrine-review/inkwell/internal/logbus"
	"github.com/doctrine-review/inkwell/internal/queue"
	"github.com/doctrine-review/inkwell/internal/store"
)

// stubRunner scripts the pipeline by task ID and signals run starts.
type stubRunner struct {
	mu      sync.Mutex
	runs    map[string]int
	fn      func(ctx context.Context, taskID string) error
	started chan string
}

func (r *stubRunner) Run(ctx context.Context, taskID string) error {
	r.mu.Lock()
	r.runs[taskID]++
	r.mu.Unlock()
	select {
	case r.started <- taskID:
	default:
	}
	return r.fn(ctx, taskID)
}

func (r *stubRunner) runCount(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[taskID]
}

type poolTest struct {
	mem  *store.Memory
	q    *queue.Service
	run  *stubRunner
	pool *Pool
}

func newPoolTest(t *testing.T, wcfg config.WorkersConfig, qcfg store.QueueConfig) *poolTest {
	t.Helper()

	mem := store.NewMemory()
	if qcfg.MaxQueueLength == 0 {
		qcfg.MaxQueueLength = 50
	}
	if qcfg.MaxRetries == 0 {
		qcfg.MaxRetries = 3
	}
	q := queue.New(mem.Queue, qcfg)

	bus := logbus.New(mem.Logs, config.LogBusConfig{PerSubBufferMax: 16, ReplayLimit: 50, PersistBuffer: 64})
	t.Cleanup(bus.Close)

	gov := governor.New(config.GovernorConfig{SystemMaxConcurrentTasks: 8, UserDefaultMaxConcurrentTasks: 4}, 16)

	if err := mem.Users.Create(context.Background(), &store.User{
		ID: "u-1", UID: "u-1", Name: "worker-test", MaxConcurrentTasks: 4,
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	run := &stubRunner{runs: make(map[string]int), started: make(chan string, 8)}
	if wcfg.WorkerPoolSize == 0 {
		wcfg.WorkerPoolSize = 2
	}
	pool := New(Deps{
		Queue:    q,
		Tasks:    mem.Tasks,
		Users:    mem.Users,
		Governor: gov,
		Runner:   run,
		Bus:      bus,
	}, wcfg, 4)

	return &poolTest{mem: mem, q: q, run: run, pool: pool}
}

func (h *poolTest) addTask(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	err := h.mem.Tasks.Create(ctx, &store.Task{
		ID: id, UserID: "u-1", FileInfoID: "f-1", AIModelID: "m-1",
		Title: id, Status: store.TaskQueued,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := h.q.Enqueue(ctx, id, "u-1", 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func (h *poolTest) taskStatus(t *testing.T, id string) store.TaskStatus {
	t.Helper()
	task, err := h.mem.Tasks.ByID(context.Background(), id)
	if err != nil {
		t.Fatalf("task %s: %v", id, err)
	}
	return task.Status
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPoolProcessesTask(t *testing.T) {
	h := newPoolTest(t, config.WorkersConfig{WorkerPoolSize: 1}, store.QueueConfig{})
	h.run.fn = func(ctx context.Context, taskID string) error {
		return h.mem.CommitBatch(ctx, taskID, nil)
	}

	h.pool.Start()
	t.Cleanup(h.pool.Stop)
	h.addTask(t, "t-1")

	waitFor(t, "completion", func() bool {
		return h.taskStatus(t, "t-1") == store.TaskCompleted
	})
	if got := h.run.runCount("t-1"); got != 1 {
		t.Errorf("runs: got %d, want 1", got)
	}
	if _, err := h.q.ByTaskID(context.Background(), "t-1"); faults.KindOf(err) != faults.KindNotFound {
		t.Errorf("queue row after completion: err = %v", err)
	}
}

func TestPoolSchedulesRetryOnTransient(t *testing.T) {
	h := newPoolTest(t, config.WorkersConfig{WorkerPoolSize: 1}, store.QueueConfig{MaxRetries: 3})
	h.run.fn = func(ctx context.Context, taskID string) error {
		return faults.Transient("model_connection", "connection reset", nil)
	}

	h.pool.Start()
	t.Cleanup(h.pool.Stop)
	h.addTask(t, "t-1")

	waitFor(t, "requeue", func() bool {
		return h.taskStatus(t, "t-1") == store.TaskQueued
	})

	task, _ := h.mem.Tasks.ByID(context.Background(), "t-1")
	if task.RetryCount != 1 {
		t.Errorf("retry count: got %d, want 1", task.RetryCount)
	}
	entry, err := h.q.ByTaskID(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("ByTaskID: %v", err)
	}
	if entry.Status != store.QueueQueued || entry.Attempts != 1 {
		t.Errorf("entry: status %q attempts %d, want queued/1", entry.Status, entry.Attempts)
	}
	if !entry.QueuedAt.After(time.Now().UTC()) {
		t.Error("entry not parked in the future")
	}
}

func TestPoolFailsWhenRetriesExhausted(t *testing.T) {
	h := newPoolTest(t, config.WorkersConfig{WorkerPoolSize: 1}, store.QueueConfig{MaxRetries: 1})
	h.run.fn = func(ctx context.Context, taskID string) error {
		return faults.Transient("model_connection", "connection reset", nil)
	}

	h.pool.Start()
	t.Cleanup(h.pool.Stop)
	h.addTask(t, "t-1")

	waitFor(t, "terminal failure", func() bool {
		return h.taskStatus(t, "t-1") == store.TaskFailed
	})

	task, _ := h.mem.Tasks.ByID(context.Background(), "t-1")
	if !strings.Contains(task.ErrorMessage, "max retries exceeded") {
		t.Errorf("error message: got %q", task.ErrorMessage)
	}
	entry, _ := h.q.ByTaskID(context.Background(), "t-1")
	if entry.Status != store.QueueFailed {
		t.Errorf("entry status: got %q, want failed", entry.Status)
	}
}

func TestPoolFailsFatalWithoutRetry(t *testing.T) {
	h := newPoolTest(t, config.WorkersConfig{WorkerPoolSize: 1}, store.QueueConfig{MaxRetries: 3})
	h.run.fn = func(ctx context.Context, taskID string) error {
		return faults.Fatal("parse_failed", "document could not be parsed", nil)
	}

	h.pool.Start()
	t.Cleanup(h.pool.Stop)
	h.addTask(t, "t-1")

	waitFor(t, "terminal failure", func() bool {
		return h.taskStatus(t, "t-1") == store.TaskFailed
	})
	if got := h.run.runCount("t-1"); got != 1 {
		t.Errorf("runs: got %d, want 1", got)
	}
	task, _ := h.mem.Tasks.ByID(context.Background(), "t-1")
	if !strings.Contains(task.ErrorMessage, "parse_failed") {
		t.Errorf("error message: got %q", task.ErrorMessage)
	}
}

func TestPoolCancelRunningTask(t *testing.T) {
	h := newPoolTest(t, config.WorkersConfig{WorkerPoolSize: 1}, store.QueueConfig{})
	h.run.fn = func(ctx context.Context, taskID string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	h.pool.Start()
	t.Cleanup(h.pool.Stop)
	h.addTask(t, "t-1")

	started := <-h.run.started
	if started != "t-1" {
		t.Fatalf("started: got %q", started)
	}
	waitFor(t, "running registration", func() bool { return h.pool.Running("t-1") })

	if !h.pool.Cancel("t-1", faults.ErrCancelled) {
		t.Fatal("Cancel: task not running")
	}

	waitFor(t, "cancellation", func() bool {
		return h.taskStatus(t, "t-1") == store.TaskCancelled
	})
	entry, _ := h.q.ByTaskID(context.Background(), "t-1")
	if entry.Status != store.QueueCancelled {
		t.Errorf("entry status: got %q, want cancelled", entry.Status)
	}
	waitFor(t, "running cleanup", func() bool { return !h.pool.Running("t-1") })
}

func TestPoolShutdownFailsStragglers(t *testing.T) {
	h := newPoolTest(t, config.WorkersConfig{
		WorkerPoolSize: 1,
		ShutdownGrace:  config.Duration(50 * time.Millisecond),
	}, store.QueueConfig{})
	h.run.fn = func(ctx context.Context, taskID string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	h.pool.Start()
	h.addTask(t, "t-1")
	<-h.run.started

	h.pool.Stop()

	if got := h.taskStatus(t, "t-1"); got != store.TaskFailed {
		t.Fatalf("status after shutdown: got %q, want failed", got)
	}
	task, _ := h.mem.Tasks.ByID(context.Background(), "t-1")
	if task.ErrorMessage != "shutdown" {
		t.Errorf("error message: got %q, want shutdown", task.ErrorMessage)
	}
}

func TestPoolTimeoutSchedulesRetry(t *testing.T) {
	h := newPoolTest(t, config.WorkersConfig{WorkerPoolSize: 1, TaskTimeoutSec: 1}, store.QueueConfig{MaxRetries: 3})
	h.run.fn = func(ctx context.Context, taskID string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	h.pool.Start()
	t.Cleanup(h.pool.Stop)
	h.addTask(t, "t-1")

	waitFor(t, "timeout requeue", func() bool {
		return h.taskStatus(t, "t-1") == store.TaskQueued
	})
	task, _ := h.mem.Tasks.ByID(context.Background(), "t-1")
	if task.RetryCount != 1 {
		t.Errorf("retry count: got %d, want 1", task.RetryCount)
	}
}

func TestPoolSurvivesRunnerPanic(t *testing.T) {
	h := newPoolTest(t, config.WorkersConfig{WorkerPoolSize: 1}, store.QueueConfig{})
	h.run.fn = func(ctx context.Context, taskID string) error {
		if taskID == "t-explodes" {
			panic("boom")
		}
		return h.mem.CommitBatch(ctx, taskID, nil)
	}

	h.pool.Start()
	t.Cleanup(h.pool.Stop)

	h.addTask(t, "t-explodes")
	waitFor(t, "panic bookkeeping", func() bool {
		return h.taskStatus(t, "t-explodes") == store.TaskFailed
	})
	task, _ := h.mem.Tasks.ByID(context.Background(), "t-explodes")
	if task.ErrorMessage != "internal error" {
		t.Errorf("error message: got %q", task.ErrorMessage)
	}

	// The worker loop is still alive after the panic.
	h.addTask(t, "t-2")
	waitFor(t, "post-panic completion", func() bool {
		return h.taskStatus(t, "t-2") == store.TaskCompleted
	})
}
