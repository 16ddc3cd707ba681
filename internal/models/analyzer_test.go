package models

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/doctrine-review/inkwell/internal/faults"
)

type stubChatModel struct {
	reply *schema.Message
	err   error
	calls int
}

func (m *stubChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.reply, nil
}

func (m *stubChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported")
}

type stubSource struct {
	key   string
	model *stubChatModel
	err   error
}

func (s *stubSource) ByID(ctx context.Context, id string) (*Resolved, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &Resolved{ID: id, Key: s.key, Model: s.model}, nil
}

func reply(content string, tokens int) *schema.Message {
	msg := schema.AssistantMessage(content, nil)
	if tokens > 0 {
		msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{TotalTokens: tokens}}
	}
	return msg
}

func newTestAnalyzer(t *testing.T, src ChatSource) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(src, nil)
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	return a
}

func TestAnalyzeParsesFencedAnswer(t *testing.T) {
	raw := "```json\n{\"issues\":[{\"type\":\"grammar\",\"severity\":\"low\",\"title\":\"Typo\",\"description\":\"'teh' should be 'the'\",\"original_text\":\"teh\"}]}\n```"
	src := &stubSource{key: "reviewer", model: &stubChatModel{reply: reply(raw, 42)}}
	a := newTestAnalyzer(t, src)

	review, err := a.Analyze(context.Background(), "model-1", Chunk{Index: 0, Text: "teh quick fox"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if review.ModelKey != "reviewer" {
		t.Errorf("model key: got %q, want %q", review.ModelKey, "reviewer")
	}
	if review.TokenUsage != 42 {
		t.Errorf("token usage: got %d, want 42", review.TokenUsage)
	}
	if review.RawOutput != raw {
		t.Error("raw output should keep the answer verbatim, fences included")
	}
	if len(review.Issues) != 1 {
		t.Fatalf("issues: got %d, want 1", len(review.Issues))
	}
	issue := review.Issues[0]
	if issue.Type != "grammar" || issue.Severity != "low" {
		t.Errorf("issue: got %s/%s, want grammar/low", issue.Type, issue.Severity)
	}
	if issue.OriginalText != "teh" {
		t.Errorf("original_text: got %q, want %q", issue.OriginalText, "teh")
	}
}

func TestAnalyzeAcceptsCleanExcerpt(t *testing.T) {
	src := &stubSource{key: "reviewer", model: &stubChatModel{reply: reply(`{"issues":[]}`, 0)}}
	a := newTestAnalyzer(t, src)

	review, err := a.Analyze(context.Background(), "model-1", Chunk{Text: "All fine here."})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(review.Issues) != 0 {
		t.Errorf("issues: got %d, want 0", len(review.Issues))
	}
}

func TestAnalyzeRejectsInvalidAnswers(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"prose only", "I found nothing wrong with this text."},
		{"bad severity", `{"issues":[{"type":"grammar","severity":"huge","title":"x","description":"y"}]}`},
		{"missing title", `{"issues":[{"type":"logic","severity":"high","description":"y"}]}`},
		{"wrong shape", `{"problems":[]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &stubSource{key: "reviewer", model: &stubChatModel{reply: reply(tc.raw, 0)}}
			a := newTestAnalyzer(t, src)

			_, err := a.Analyze(context.Background(), "model-1", Chunk{Text: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if faults.KindOf(err) != faults.KindTransient {
				t.Errorf("kind: got %s, want transient", faults.KindOf(err))
			}
			if faults.CodeOf(err) != "invalid_model_output" {
				t.Errorf("code: got %q, want invalid_model_output", faults.CodeOf(err))
			}
		})
	}
}

func TestAnalyzeClassifiesCallErrors(t *testing.T) {
	src := &stubSource{key: "reviewer", model: &stubChatModel{err: &ErrModelUnavailable{Provider: "ollama", Body: "no available server"}}}
	a := newTestAnalyzer(t, src)

	_, err := a.Analyze(context.Background(), "model-1", Chunk{Text: "x"})
	if faults.KindOf(err) != faults.KindTransient {
		t.Errorf("kind: got %s, want transient", faults.KindOf(err))
	}
	if faults.CodeOf(err) != "model_unavailable" {
		t.Errorf("code: got %q, want model_unavailable", faults.CodeOf(err))
	}

	src.model.err = errors.New("401 unauthorized")
	if _, err := a.Analyze(context.Background(), "model-1", Chunk{Text: "x"}); faults.KindOf(err) != faults.KindFatal {
		t.Errorf("auth error should be fatal, got %s", faults.KindOf(err))
	}
}

func TestReparseMatchesAnalyze(t *testing.T) {
	raw := `{"issues":[{"type":"completeness","severity":"medium","title":"Dangling reference","description":"Section 4 is referenced but missing"}]}`
	a := newTestAnalyzer(t, &stubSource{})

	issues, err := a.Reparse(raw)
	if err != nil {
		t.Fatalf("Reparse: %v", err)
	}
	if len(issues) != 1 || issues[0].Type != "completeness" {
		t.Fatalf("unexpected issues: %+v", issues)
	}

	if _, err := a.Reparse("garbage"); err == nil {
		t.Fatal("expected error for garbage raw output")
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"bare", `{"issues":[]}`, `{"issues":[]}`, false},
		{"fenced", "```json\n{\"issues\":[]}\n```", `{"issues":[]}`, false},
		{"prose around", `Here you go: {"issues":[]} hope that helps`, `{"issues":[]}`, false},
		{"no object", "nothing to see", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractJSON(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("extractJSON: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
