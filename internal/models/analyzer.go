package models

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/xeipuuv/gojsonschema"

	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/metrics"
)

// issueSchema is what a detect answer must look like before any issue
// row is created from it.
const issueSchema = `{
	"type": "object",
	"required": ["issues"],
	"properties": {
		"issues": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type", "severity", "title", "description"],
				"properties": {
					"type": {"enum": ["grammar", "logic", "completeness", "other"]},
					"severity": {"enum": ["critical", "high", "medium", "low"]},
					"title": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"original_text": {"type": "string"},
					"user_impact": {"type": "string"},
					"reasoning": {"type": "string"},
					"location_hint": {"type": "string"}
				}
			}
		}
	}
}`

// Chunk is one merged document excerpt sent for review.
type Chunk struct {
	Index       int
	Title       string
	SectionPath string
	Text        string
}

// ReviewIssue is one defect reported by the model.
type ReviewIssue struct {
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	OriginalText string `json:"original_text,omitempty"`
	UserImpact   string `json:"user_impact,omitempty"`
	Reasoning    string `json:"reasoning,omitempty"`
	LocationHint string `json:"location_hint,omitempty"`
}

// Review is the outcome of one analyze call.
type Review struct {
	ModelKey   string
	Issues     []ReviewIssue
	RawOutput  string
	TokenUsage int
	LatencyMS  int64
}

// ChatSource resolves a stored model ID to a ready chat model.
// *Registry satisfies it; tests substitute a stub.
type ChatSource interface {
	ByID(ctx context.Context, id string) (*Resolved, error)
}

// Analyzer runs the detect call for one chunk and turns the model's
// JSON answer into review issues.
type Analyzer struct {
	source  ChatSource
	handler callbacks.Handler
	schema  *gojsonschema.Schema
}

// NewAnalyzer compiles the output schema. handler may be nil; when set
// it receives eino model callbacks for every call.
func NewAnalyzer(source ChatSource, handler callbacks.Handler) (*Analyzer, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(issueSchema))
	if err != nil {
		return nil, fmt.Errorf("compile issue schema: %w", err)
	}
	return &Analyzer{source: source, handler: handler, schema: compiled}, nil
}

// Analyze sends one chunk to the model identified by modelID and
// returns the validated issues. Errors are classified: transport and
// rate trouble is retryable, misconfiguration is not.
func (a *Analyzer) Analyze(ctx context.Context, modelID string, c Chunk) (*Review, error) {
	resolved, err := a.source.ByID(ctx, modelID)
	if err != nil {
		metrics.AICallsTotal.WithLabelValues("error").Inc()
		return nil, Classify(err)
	}

	if a.handler != nil {
		ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
			Name:      resolved.Key,
			Component: components.ComponentOfChatModel,
		}, a.handler)
	}

	start := time.Now()
	msg, err := resolved.Model.Generate(ctx, DetectMessages(c))
	latency := time.Since(start)
	if err != nil {
		metrics.AICallsTotal.WithLabelValues("error").Inc()
		return nil, Classify(err)
	}

	review := &Review{
		ModelKey:  resolved.Key,
		RawOutput: msg.Content,
		LatencyMS: latency.Milliseconds(),
	}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		review.TokenUsage = msg.ResponseMeta.Usage.TotalTokens
		if review.TokenUsage == 0 {
			review.TokenUsage = msg.ResponseMeta.Usage.PromptTokens + msg.ResponseMeta.Usage.CompletionTokens
		}
	}

	issues, err := a.parseIssues(msg.Content)
	if err != nil {
		metrics.AICallsTotal.WithLabelValues("invalid").Inc()
		// Models are stochastic; a malformed answer this run may be
		// well-formed on retry.
		return nil, faults.Transient("invalid_model_output", "model answer failed validation", err)
	}
	review.Issues = issues

	metrics.AICallsTotal.WithLabelValues("ok").Inc()
	return review, nil
}

// Reparse re-reads a previously persisted raw answer. Reuse goes
// through the same validation as a fresh call.
func (a *Analyzer) Reparse(raw string) ([]ReviewIssue, error) {
	return a.parseIssues(raw)
}

type issueEnvelope struct {
	Issues []ReviewIssue `json:"issues"`
}

func (a *Analyzer) parseIssues(raw string) ([]ReviewIssue, error) {
	payload, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	result, err := a.schema.Validate(gojsonschema.NewStringLoader(payload))
	if err != nil {
		return nil, fmt.Errorf("validate answer: %w", err)
	}
	if !result.Valid() {
		descs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			descs = append(descs, e.String())
		}
		return nil, fmt.Errorf("answer violates issue schema: %s", strings.Join(descs, "; "))
	}

	var env issueEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("decode answer: %w", err)
	}
	return env.Issues, nil
}

// extractJSON tolerates code fences and prose around the JSON object.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in answer")
	}
	return s[start : end+1], nil
}
