package models

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// NewOllama creates an Ollama ChatModel.
func NewOllama(ctx context.Context, cfg ModelConfig) (model.ToolCallingChatModel, error) {
	timeout := 300 * time.Second
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	mc := &einoollama.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: timeout,
		Options: ollamaOptions(cfg),
		// The validating transport surfaces non-JSON answers (e.g. a
		// reverse proxy replying "no available server" as plain text)
		// as structured errors instead of decode failures.
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: &ollamaTransport{inner: http.DefaultTransport, provider: ProviderOllama},
		},
	}
	if mc.BaseURL == "" {
		mc.BaseURL = defaultOllamaBaseURL
	}

	return einoollama.NewChatModel(ctx, mc)
}

// ollamaOptions maps the generic model row onto Ollama sampling knobs.
// Raw Options values arrive as float64 after JSON decoding.
func ollamaOptions(cfg ModelConfig) *einoollama.Options {
	opts := &einoollama.Options{}
	if cfg.MaxTokens > 0 {
		opts.NumPredict = cfg.MaxTokens
	}
	if cfg.Temperature != nil {
		opts.Temperature = *cfg.Temperature
	}
	if v, ok := numOpt(cfg.Options, "num_ctx"); ok {
		opts.NumCtx = int(v)
	}
	if v, ok := numOpt(cfg.Options, "top_p"); ok {
		opts.TopP = float32(v)
	}
	if v, ok := numOpt(cfg.Options, "top_k"); ok {
		opts.TopK = int(v)
	}
	return opts
}

func numOpt(opts map[string]any, key string) (float64, bool) {
	v, ok := opts[key].(float64)
	return v, ok
}

// ollamaTransport wraps an http.RoundTripper to surface non-JSON error
// responses from Ollama backends as structured errors.
type ollamaTransport struct {
	inner    http.RoundTripper
	provider string
}

func (t *ollamaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, &ErrModelUnavailable{Provider: t.provider, Cause: err}
	}

	if resp.StatusCode >= 400 {
		return nil, t.unavailable(resp)
	}

	// Ollama sends application/x-ndjson for streaming, application/json
	// otherwise. Anything else is not an Ollama answer.
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "json") && !strings.Contains(ct, "ndjson") {
		return nil, t.unavailable(resp)
	}

	return resp, nil
}

// unavailable consumes the response into a structured error, keeping a
// short body prefix for diagnosis.
func (t *ollamaTransport) unavailable(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return &ErrModelUnavailable{
		Provider:   t.provider,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
