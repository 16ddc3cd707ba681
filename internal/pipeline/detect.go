package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/logbus"
	"github.com/doctrine-review/inkwell/internal/metrics"
	"github.com/doctrine-review/inkwell/internal/models"
	"github.com/doctrine-review/inkwell/internal/store"
)

const detectStage = "detect"

const defaultDetectFanout = 4

// fingerprint identifies one model invocation: same stage, chunk text
// and model key always hash the same, which is what makes re-runs skip
// already-answered chunks.
func fingerprint(stage, chunkText, modelKey string) string {
	h := sha256.New()
	io.WriteString(h, stage)
	io.WriteString(h, chunkText)
	io.WriteString(h, modelKey)
	return hex.EncodeToString(h.Sum(nil))
}

// runDetect reviews every chunk, reusing stored outputs and persisting
// fresh ones as each chunk succeeds so an interrupted run resumes
// where it stopped.
func (p *Pipeline) runDetect(ctx context.Context, pc *Context) error {
	fanout := p.cfg.PerTaskDetectFanout
	if fanout <= 0 {
		fanout = defaultDetectFanout
	}
	if fanout > len(pc.Chunks) {
		fanout = len(pc.Chunks)
	}

	results := make([][]models.ReviewIssue, len(pc.Chunks))
	errs := make([]error, len(pc.Chunks))
	var done atomic.Int64

	slots := make(chan struct{}, fanout)
	var wg sync.WaitGroup
	for i := range pc.Chunks {
		if ctx.Err() != nil {
			errs[i] = ctx.Err()
			continue
		}
		slots <- struct{}{}
		wg.Add(1)
		go func(i int, chunk Chunk) {
			defer wg.Done()
			defer func() { <-slots }()

			issues, err := p.detectChunk(ctx, pc, chunk)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = issues
			pc.progress(float64(done.Add(1)) / float64(len(pc.Chunks)) * 100)
		}(i, pc.Chunks[i])
	}
	wg.Wait()

	// A fatal chunk error would recur on retry, so it wins over
	// transient ones when both happened in the same pass.
	var firstErr error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		if faults.KindOf(err) == faults.KindFatal {
			firstErr = err
			break
		}
	}
	if firstErr != nil {
		return firstErr
	}

	for i, chunk := range pc.Chunks {
		for _, ri := range results[i] {
			pc.Issues = append(pc.Issues, store.Issue{
				TaskID:       pc.Task.ID,
				Type:         store.IssueType(ri.Type),
				Severity:     store.Severity(ri.Severity),
				Title:        ri.Title,
				Description:  ri.Description,
				OriginalText: ri.OriginalText,
				UserImpact:   ri.UserImpact,
				Reasoning:    ri.Reasoning,
				LocationHint: locationHint(ri, chunk),
			})
		}
	}
	return nil
}

// detectChunk answers one chunk, from the store when a matching
// invocation already exists, from the model otherwise.
func (p *Pipeline) detectChunk(ctx context.Context, pc *Context, chunk Chunk) ([]models.ReviewIssue, error) {
	fp := fingerprint(detectStage, chunk.Text, pc.Model.Key)

	stored, err := p.deps.Outputs.ByFingerprint(ctx, pc.Task.ID, detectStage, chunk.Index, fp)
	if err == nil {
		issues, perr := p.deps.Detector.Reparse(stored.RawOutput)
		if perr != nil {
			return nil, faults.Transient("stored_output_invalid", "stored chunk output failed validation", perr)
		}
		metrics.AICallsTotal.WithLabelValues("reused").Inc()
		p.deps.Bus.Publish(ctx, pc.Task.ID, logbus.Entry{
			Level:    store.LevelDebug,
			Module:   "pipeline",
			Stage:    detectStage,
			Message:  "chunk reused from stored output",
			Metadata: map[string]any{"chunk": chunk.Index},
		})
		return issues, nil
	}
	if faults.KindOf(err) != faults.KindNotFound {
		return nil, faults.Transient("output_lookup_failed", "look up stored chunk output", err)
	}

	// Last cancellation check before committing to a model call.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	title := pc.Tree.Title
	if title == "" {
		title = pc.Task.Title
	}
	review, err := p.deps.Detector.Analyze(ctx, pc.Task.AIModelID, models.Chunk{
		Index:       chunk.Index,
		Title:       title,
		SectionPath: strings.Join(chunk.Sections, "; "),
		Text:        chunk.Text,
	})
	if err != nil {
		return nil, err
	}

	// Persist immediately, even when the run is being cancelled: a
	// finished call is paid for and its answer must survive for resume.
	out := &store.AIOutput{
		TaskID:            pc.Task.ID,
		Stage:             detectStage,
		ChunkIndex:        chunk.Index,
		PromptFingerprint: fp,
		InputText:         chunk.Text,
		RawOutput:         review.RawOutput,
		TokenUsage:        review.TokenUsage,
		LatencyMS:         review.LatencyMS,
	}
	if err := p.deps.Outputs.Create(context.WithoutCancel(ctx), out); err != nil {
		return nil, faults.Transient("output_persist_failed", "store chunk output", err)
	}
	return review.Issues, nil
}

func locationHint(ri models.ReviewIssue, chunk Chunk) string {
	if ri.LocationHint != "" {
		return ri.LocationHint
	}
	return strings.Join(chunk.Sections, "; ")
}
