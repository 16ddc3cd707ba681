package models

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestLoadSeed(t *testing.T) {
	path := writeSeed(t, `
models:
  - key: reviewer-fast
    provider: openai
    config:
      model: gpt-4o-mini
      api_key: ${OPENAI_API_KEY}
      max_tokens: 2048
  - key: reviewer-deep
    provider: claude
    default: true
    config:
      model: claude-sonnet-4-5
      max_tokens: 8192
      temperature: 0.2
`)

	rows, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows: got %d, want 2", len(rows))
	}
	if rows[0].IsDefault {
		t.Error("first row should not be default when another is flagged")
	}
	if !rows[1].IsDefault {
		t.Error("flagged row lost its default")
	}
	if rows[1].Provider != ProviderClaude {
		t.Errorf("provider: got %q, want %q", rows[1].Provider, ProviderClaude)
	}

	cfg, err := ParseConfig(rows[0].Config)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Model != "gpt-4o-mini" {
		t.Errorf("model: got %q, want %q", cfg.Model, "gpt-4o-mini")
	}
	if cfg.APIKey != "${OPENAI_API_KEY}" {
		t.Errorf("api_key: got %q, want env reference preserved", cfg.APIKey)
	}
	if cfg.MaxTokens != 2048 {
		t.Errorf("max_tokens: got %d, want 2048", cfg.MaxTokens)
	}

	deep, err := ParseConfig(rows[1].Config)
	if err != nil {
		t.Fatalf("ParseConfig deep: %v", err)
	}
	if deep.Temperature == nil || *deep.Temperature != 0.2 {
		t.Errorf("temperature: got %v, want 0.2", deep.Temperature)
	}
}

func TestLoadSeedFirstModelBecomesDefault(t *testing.T) {
	path := writeSeed(t, `
models:
  - key: a
    provider: ollama
    config:
      model: llama3
  - key: b
    provider: ollama
    config:
      model: mistral
`)

	rows, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if !rows[0].IsDefault {
		t.Error("first row should become default when none is flagged")
	}
	if rows[1].IsDefault {
		t.Error("second row must not be default")
	}
}

func TestLoadSeedRejectsBadFiles(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty", "models: []\n"},
		{"no key", "models:\n  - provider: openai\n    config:\n      model: gpt-4o\n"},
		{"duplicate key", "models:\n  - key: x\n    provider: ollama\n    config:\n      model: a\n  - key: x\n    provider: ollama\n    config:\n      model: b\n"},
		{"unknown provider", "models:\n  - key: x\n    provider: cohere\n    config:\n      model: a\n"},
		{"no model", "models:\n  - key: x\n    provider: openai\n    config:\n      max_tokens: 10\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeSeed(t, tc.content)
			if _, err := LoadSeed(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
