package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/doctrine-review/inkwell/internal/blob"
	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/docparse"
	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/logbus"
	"github.com/doctrine-review/inkwell/internal/models"
	"github.com/doctrine-review/inkwell/internal/store"
)

// Around 60 runes per paragraph, so a budget of 80 yields one chunk
// per paragraph.
const testDoc = `# Service Agreement

This agreement governs the engagement between the parties.

## Payment

Invoices are due within 30 days and late payments accrue interest.

## Termination

Either party may terminate with sixty days advance written notice.
`

// scriptDetector answers every chunk with one issue and supports
// scripted failures keyed by call order.
type scriptDetector struct {
	mu     sync.Mutex
	calls  int
	failOn map[int]error  // 1-based call index
	after  func(call int) // runs when Analyze returns
}

func (d *scriptDetector) Analyze(ctx context.Context, modelID string, c models.Chunk) (*models.Review, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	err := d.failOn[call]
	d.mu.Unlock()
	if d.after != nil {
		defer d.after(call)
	}
	if err != nil {
		return nil, err
	}

	issues := []models.ReviewIssue{{
		Type:        "logic",
		Severity:    "medium",
		Title:       fmt.Sprintf("finding in chunk %d", c.Index),
		Description: "scripted finding",
	}}
	raw, _ := json.Marshal(map[string]any{"issues": issues})
	return &models.Review{
		ModelKey:   "stub",
		Issues:     issues,
		RawOutput:  string(raw),
		TokenUsage: 10,
		LatencyMS:  1,
	}, nil
}

func (d *scriptDetector) Reparse(raw string) ([]models.ReviewIssue, error) {
	var env struct {
		Issues []models.ReviewIssue `json:"issues"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	return env.Issues, nil
}

func (d *scriptDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type pipeTest struct {
	mem  *store.Memory
	bus  *logbus.Bus
	det  *scriptDetector
	pipe *Pipeline
	task *store.Task
}

func newPipeTest(t *testing.T, doc string, cfg config.PipelineConfig) *pipeTest {
	return newPipeTestFile(t, doc, "agreement.md", "text/markdown", cfg)
}

func newPipeTestFile(t *testing.T, doc, name, mime string, cfg config.PipelineConfig) *pipeTest {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	blobs, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("blob.NewLocal: %v", err)
	}
	parser, err := docparse.New(docparse.Config{})
	if err != nil {
		t.Fatalf("docparse.New: %v", err)
	}
	bus := logbus.New(mem.Logs, config.LogBusConfig{PerSubBufferMax: 64, ReplayLimit: 100, PersistBuffer: 64})
	t.Cleanup(bus.Close)

	info, err := blobs.Put(ctx, strings.NewReader(doc))
	if err != nil {
		t.Fatalf("blob.Put: %v", err)
	}
	file := &store.FileInfo{SHA256: info.SHA256, Path: info.Key, OriginalName: name, Size: info.Size, MIME: mime}
	if err := mem.Files.Create(ctx, file); err != nil {
		t.Fatalf("create file: %v", err)
	}

	rows := []store.AIModel{{Key: "stub", Provider: "ollama", Config: `{"model":"test"}`}}
	if err := mem.Models.Seed(ctx, rows); err != nil {
		t.Fatalf("seed models: %v", err)
	}

	task := &store.Task{
		UserID:     "u-1",
		FileInfoID: file.ID,
		AIModelID:  rows[0].ID,
		Title:      "Agreement review",
		Status:     store.TaskProcessing,
	}
	if err := mem.Tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	det := &scriptDetector{failOn: map[int]error{}}
	pipe := New(Deps{
		Tasks:    mem.Tasks,
		Files:    mem.Files,
		Models:   mem.Models,
		Outputs:  mem.Outputs,
		Commit:   mem,
		Blobs:    blobs,
		Parser:   parser,
		Detector: det,
		Bus:      bus,
	}, cfg)
	return &pipeTest{mem: mem, bus: bus, det: det, pipe: pipe, task: task}
}

func TestRunCompletesTask(t *testing.T) {
	h := newPipeTest(t, testDoc, config.PipelineConfig{ChunkRuneBudget: 80})
	ctx := context.Background()

	if _, err := h.mem.Queue.Enqueue(ctx, &store.QueueEntry{TaskID: h.task.ID, UserID: "u-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := h.pipe.Run(ctx, h.task.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, err := h.mem.Tasks.ByID(ctx, h.task.ID)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if task.Status != store.TaskCompleted {
		t.Errorf("status: got %q, want completed", task.Status)
	}
	if task.Progress != 100 {
		t.Errorf("progress: got %v, want 100", task.Progress)
	}

	issues, err := h.mem.Issues.ListByTask(ctx, h.task.ID)
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(issues) != 3 {
		t.Fatalf("issues: got %d, want 3", len(issues))
	}
	if issues[0].Type != store.IssueLogic || issues[0].Severity != store.SeverityMedium {
		t.Errorf("issue fields: got %q/%q", issues[0].Type, issues[0].Severity)
	}

	outputs, err := h.mem.Outputs.ListByTask(ctx, h.task.ID)
	if err != nil {
		t.Fatalf("outputs: %v", err)
	}
	if len(outputs) != 3 {
		t.Errorf("outputs: got %d, want 3", len(outputs))
	}
	if got := h.det.callCount(); got != 3 {
		t.Errorf("model calls: got %d, want 3", got)
	}

	// Commit removed the queue row along with the status flip.
	if _, err := h.mem.Queue.ByTaskID(ctx, h.task.ID); faults.KindOf(err) != faults.KindNotFound {
		t.Errorf("queue row after commit: err = %v", err)
	}
}

func TestRunResumesFromStoredOutputs(t *testing.T) {
	cfg := config.PipelineConfig{ChunkRuneBudget: 80, PerTaskDetectFanout: 1}
	h := newPipeTest(t, testDoc, cfg)
	ctx := context.Background()

	h.det.failOn[3] = faults.Transient("model_rate_limited", "429 from provider", nil)

	err := h.pipe.Run(ctx, h.task.ID)
	if err == nil {
		t.Fatal("Run: expected scripted failure")
	}
	if faults.KindOf(err) != faults.KindTransient {
		t.Errorf("kind: got %q, want transient", faults.KindOf(err))
	}

	task, _ := h.mem.Tasks.ByID(ctx, h.task.ID)
	if task.Status != store.TaskProcessing {
		t.Errorf("status after failure: got %q, want processing", task.Status)
	}
	outputs, _ := h.mem.Outputs.ListByTask(ctx, h.task.ID)
	if len(outputs) != 2 {
		t.Fatalf("outputs after failure: got %d, want 2", len(outputs))
	}

	// Second pass answers only the missing chunk.
	h.det.failOn = map[int]error{}
	if err := h.pipe.Run(ctx, h.task.ID); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if got := h.det.callCount(); got != 4 {
		t.Errorf("model calls: got %d, want 4", got)
	}

	task, _ = h.mem.Tasks.ByID(ctx, h.task.ID)
	if task.Status != store.TaskCompleted {
		t.Errorf("status after rerun: got %q, want completed", task.Status)
	}
	issues, _ := h.mem.Issues.ListByTask(ctx, h.task.ID)
	if len(issues) != 3 {
		t.Errorf("issues: got %d, want 3", len(issues))
	}
}

func TestRunFatalOnUnsupportedFormat(t *testing.T) {
	h := newPipeTestFile(t, "binary junk", "scan.xyz", "application/octet-stream", config.PipelineConfig{})
	ctx := context.Background()

	err := h.pipe.Run(ctx, h.task.ID)
	if err == nil {
		t.Fatal("Run: expected parse failure")
	}
	if faults.KindOf(err) != faults.KindFatal {
		t.Errorf("kind: got %q, want fatal", faults.KindOf(err))
	}
	if faults.CodeOf(err) != "unsupported_format" {
		t.Errorf("code: got %q", faults.CodeOf(err))
	}
	if got := h.det.callCount(); got != 0 {
		t.Errorf("model calls: got %d, want 0", got)
	}
}

func TestRunFatalOnEmptyDocument(t *testing.T) {
	h := newPipeTest(t, "   \n\n   \n", config.PipelineConfig{})
	ctx := context.Background()

	err := h.pipe.Run(ctx, h.task.ID)
	if err == nil {
		t.Fatal("Run: expected empty document failure")
	}
	if faults.CodeOf(err) != "empty_document" {
		t.Errorf("code: got %q", faults.CodeOf(err))
	}
	if faults.KindOf(err) != faults.KindFatal {
		t.Errorf("kind: got %q, want fatal", faults.KindOf(err))
	}
}

func TestRunRejectsNonProcessingTask(t *testing.T) {
	h := newPipeTest(t, testDoc, config.PipelineConfig{})
	ctx := context.Background()

	pending := &store.Task{
		UserID:     "u-1",
		FileInfoID: h.task.FileInfoID,
		AIModelID:  h.task.AIModelID,
		Title:      "still pending",
		Status:     store.TaskPending,
	}
	if err := h.mem.Tasks.Create(ctx, pending); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := h.pipe.Run(ctx, pending.ID)
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("kind: got %q, want validation", faults.KindOf(err))
	}
	if faults.CodeOf(err) != "not_processing" {
		t.Errorf("code: got %q", faults.CodeOf(err))
	}
}

func TestRunCancelKeepsFinishedChunks(t *testing.T) {
	cfg := config.PipelineConfig{ChunkRuneBudget: 80, PerTaskDetectFanout: 1}
	h := newPipeTest(t, testDoc, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.det.after = func(call int) {
		if call == 1 {
			cancel()
		}
	}

	err := h.pipe.Run(ctx, h.task.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: got %v, want context.Canceled", err)
	}

	// The in-flight chunk finished and its output survived the cancel.
	outputs, _ := h.mem.Outputs.ListByTask(context.Background(), h.task.ID)
	if len(outputs) != 1 {
		t.Errorf("outputs: got %d, want 1", len(outputs))
	}
	if got := h.det.callCount(); got != 1 {
		t.Errorf("model calls: got %d, want 1", got)
	}
	task, _ := h.mem.Tasks.ByID(context.Background(), h.task.ID)
	if task.Status != store.TaskProcessing {
		t.Errorf("status: got %q, want processing", task.Status)
	}
}

func TestRunProgressIsMonotone(t *testing.T) {
	h := newPipeTest(t, testDoc, config.PipelineConfig{ChunkRuneBudget: 80})
	ctx := context.Background()

	sub, err := h.bus.Subscribe(ctx, h.task.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := h.pipe.Run(ctx, h.task.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var progress []float64
collect:
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind == logbus.KindStatus {
				if ev.Status != store.TaskCompleted {
					t.Fatalf("status event: got %q", ev.Status)
				}
				break collect
			}
			if ev.Entry.Level == store.LevelProgress && ev.Entry.Progress != nil {
				progress = append(progress, *ev.Entry.Progress)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for completion status")
		}
	}
	if len(progress) == 0 {
		t.Fatal("no progress entries published")
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress went backwards: %v", progress)
		}
	}
	if last := progress[len(progress)-1]; last != 100 {
		t.Errorf("final progress: got %v, want 100", last)
	}
}

func TestFingerprint(t *testing.T) {
	base := fingerprint("detect", "some text", "model-a")
	if len(base) != 64 {
		t.Fatalf("fingerprint length: got %d, want 64", len(base))
	}
	if fingerprint("detect", "some text", "model-b") == base {
		t.Error("model key does not affect fingerprint")
	}
	if fingerprint("detect", "other text", "model-a") == base {
		t.Error("chunk text does not affect fingerprint")
	}
	if fingerprint("detect", "some text", "model-a") != base {
		t.Error("fingerprint is not deterministic")
	}
}
