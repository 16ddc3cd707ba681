// Package pipeline executes the staged review of one claimed task:
// parse the document, structure it, merge sections into model-sized
// chunks, detect issues, then commit the result atomically.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doctrine-review/inkwell/internal/blob"
	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/docparse"
	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/logbus"
	"github.com/doctrine-review/inkwell/internal/metrics"
	"github.com/doctrine-review/inkwell/internal/models"
	"github.com/doctrine-review/inkwell/internal/store"
)

// TaskStore is the slice of the task repository the pipeline touches.
type TaskStore interface {
	ByID(ctx context.Context, id string) (*store.Task, error)
	UpdateProgress(ctx context.Context, id string, progress float64, stage string) error
}

// FileStore resolves the uploaded file behind a task.
type FileStore interface {
	ByID(ctx context.Context, id string) (*store.FileInfo, error)
}

// ModelStore resolves the model row behind a task.
type ModelStore interface {
	ByID(ctx context.Context, id string) (*store.AIModel, error)
}

// OutputStore persists per-chunk model invocations for resumption.
type OutputStore interface {
	Create(ctx context.Context, o *store.AIOutput) error
	ByFingerprint(ctx context.Context, taskID, stage string, chunkIndex int, fingerprint string) (*store.AIOutput, error)
}

// Committer finalizes a successful run in one transaction.
type Committer interface {
	CommitBatch(ctx context.Context, taskID string, issues []store.Issue) error
}

// Detector is the slice of the analyzer the detect stage needs.
type Detector interface {
	Analyze(ctx context.Context, modelID string, c models.Chunk) (*models.Review, error)
	Reparse(raw string) ([]models.ReviewIssue, error)
}

// Deps wires the pipeline's collaborators.
type Deps struct {
	Tasks    TaskStore
	Files    FileStore
	Models   ModelStore
	Outputs  OutputStore
	Commit   Committer
	Blobs    blob.Store
	Parser   *docparse.Service
	Detector Detector
	Bus      *logbus.Bus
}

// Pipeline runs reviews. It is stateless between runs; all per-run
// data lives in the Context created inside Run.
type Pipeline struct {
	deps Deps
	cfg  config.PipelineConfig
}

// New builds a pipeline from its dependencies.
func New(deps Deps, cfg config.PipelineConfig) *Pipeline {
	return &Pipeline{deps: deps, cfg: cfg}
}

// Stage is one step of the run, reporting local progress in [0,100].
type Stage struct {
	Name string
	Run  func(ctx context.Context, pc *Context) error
}

// Context is the in-memory carrier handed from stage to stage. It
// lives for exactly one Run call and never escapes it.
type Context struct {
	Task     *store.Task
	File     *store.FileInfo
	Model    *store.AIModel
	Tree     *docparse.DocumentTree
	Sections []Section
	Chunks   []Chunk
	Issues   []store.Issue

	progress func(pct float64) // bound to the running stage
}

func (p *Pipeline) stages() []Stage {
	return []Stage{
		{Name: "parse", Run: p.runParse},
		{Name: "structure", Run: p.runStructure},
		{Name: "merge", Run: p.runMerge},
		{Name: "detect", Run: p.runDetect},
	}
}

// Run reviews one task that is already in processing state. On success
// the task is committed to completed; any error is returned to the
// worker, which owns the failed/retry transition.
func (p *Pipeline) Run(ctx context.Context, taskID string) error {
	ctx = logbus.ContextWithTaskID(ctx, taskID)

	task, err := p.deps.Tasks.ByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status != store.TaskProcessing {
		return faults.New(faults.KindValidation, "not_processing", "task is not in processing state")
	}
	file, err := p.deps.Files.ByID(ctx, task.FileInfoID)
	if err != nil {
		return fmt.Errorf("load file: %w", err)
	}
	model, err := p.deps.Models.ByID(ctx, task.AIModelID)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}

	pc := &Context{Task: task, File: file, Model: model}
	stages := p.stages()
	reporter := newReporter(p.deps.Tasks, p.deps.Bus, taskID, len(stages), p.cfg.ProgressInterval.Duration())

	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.deps.Bus.Publish(ctx, taskID, logbus.Entry{
			Level:   store.LevelInfo,
			Module:  "pipeline",
			Stage:   stage.Name,
			Message: fmt.Sprintf("stage %s started", stage.Name),
		})

		idx := i
		pc.progress = func(pct float64) {
			reporter.report(ctx, idx, stage.Name, pct, false)
		}

		start := time.Now()
		err := stage.Run(ctx, pc)
		metrics.StageDuration.WithLabelValues(stage.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			slog.Warn("pipeline stage failed",
				"task_id", taskID, "stage", stage.Name, "error", err)
			p.deps.Bus.Publish(ctx, taskID, logbus.Entry{
				Level:    store.LevelError,
				Module:   "pipeline",
				Stage:    stage.Name,
				Message:  fmt.Sprintf("stage %s failed: %v", stage.Name, err),
				Metadata: map[string]any{"code": faults.CodeOf(err)},
			})
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}

		// Stage boundaries always flush, keeping the wire monotone even
		// for stages that finish inside one throttle window.
		reporter.report(ctx, idx, stage.Name, 100, true)
	}

	if err := p.deps.Commit.CommitBatch(ctx, taskID, pc.Issues); err != nil {
		return faults.Wrap(faults.KindTransient, "commit_failed", "persist review results", err)
	}

	p.deps.Bus.Publish(ctx, taskID, logbus.Entry{
		Level:   store.LevelInfo,
		Module:  "pipeline",
		Stage:   "complete",
		Message: fmt.Sprintf("review complete: %d issues across %d chunks", len(pc.Issues), len(pc.Chunks)),
		Metadata: map[string]any{
			"issues": len(pc.Issues),
			"chunks": len(pc.Chunks),
		},
	})
	p.deps.Bus.PublishStatus(taskID, store.TaskCompleted)
	return nil
}

// reporter throttles progress to one store write and one PROGRESS bus
// entry per interval. Stage-end flushes bypass the throttle.
type reporter struct {
	tasks     TaskStore
	bus       *logbus.Bus
	taskID    string
	numStages int
	interval  time.Duration

	mu      sync.Mutex // detect reports from fanout goroutines
	last    time.Time
	lastPct float64
}

func newReporter(tasks TaskStore, bus *logbus.Bus, taskID string, numStages int, interval time.Duration) *reporter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &reporter{
		tasks:     tasks,
		bus:       bus,
		taskID:    taskID,
		numStages: numStages,
		interval:  interval,
		lastPct:   -1,
	}
}

func (r *reporter) report(ctx context.Context, stageIdx int, stageName string, stagePct float64, force bool) {
	if stagePct < 0 {
		stagePct = 0
	}
	if stagePct > 100 {
		stagePct = 100
	}
	global := (float64(stageIdx) + stagePct/100) / float64(r.numStages) * 100

	r.mu.Lock()
	if global <= r.lastPct && !(force && global == 100) {
		r.mu.Unlock()
		return
	}
	if !force && time.Since(r.last) < r.interval {
		r.mu.Unlock()
		return
	}
	r.last = time.Now()
	r.lastPct = global
	r.mu.Unlock()

	if err := r.tasks.UpdateProgress(ctx, r.taskID, global, stageName); err != nil {
		slog.Warn("progress update failed", "task_id", r.taskID, "error", err)
	}
	r.bus.Publish(ctx, r.taskID, logbus.Entry{
		Level:    store.LevelProgress,
		Module:   "pipeline",
		Stage:    stageName,
		Progress: &global,
		Message:  fmt.Sprintf("%s %.0f%%", stageName, stagePct),
	})
}
