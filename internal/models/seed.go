// Package models resolves configured AI models into ready eino chat
// models and runs the review analysis call against them.
package models

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/doctrine-review/inkwell/internal/store"
)

// Supported provider names.
const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// KnownProvider reports whether the provider name has a factory.
func KnownProvider(p string) bool {
	switch p {
	case ProviderOpenAI, ProviderClaude, ProviderOllama, ProviderGemini:
		return true
	}
	return false
}

// ModelConfig is the per-model tuning stored as the ai_models.config
// JSON blob. APIKey may be a plain key, a ${ENV_VAR} reference, or an
// ENC[age:...] blob.
type ModelConfig struct {
	Model       string         `json:"model" yaml:"model"`
	APIKey      string         `json:"api_key,omitempty" yaml:"api_key"`
	BaseURL     string         `json:"base_url,omitempty" yaml:"base_url"`
	MaxTokens   int            `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature *float32       `json:"temperature,omitempty" yaml:"temperature"`
	TimeoutSec  int            `json:"timeout_sec,omitempty" yaml:"timeout_sec"`
	Options     map[string]any `json:"options,omitempty" yaml:"options"`
}

// ParseConfig decodes an ai_models.config blob.
func ParseConfig(blob string) (ModelConfig, error) {
	var cfg ModelConfig
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("parse model config: %w", err)
	}
	return cfg, nil
}

type seedEntry struct {
	Key      string      `yaml:"key"`
	Provider string      `yaml:"provider"`
	Default  bool        `yaml:"default"`
	Config   ModelConfig `yaml:"config"`
}

type seedFile struct {
	Models []seedEntry `yaml:"models"`
}

// LoadSeed reads a models.yaml file and converts it into rows for
// ModelRepo.Seed. Exactly the first entry flagged default keeps the
// flag; with none flagged the first entry becomes the default.
func LoadSeed(path string) ([]store.AIModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model seed: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse model seed: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("model seed %s: no models defined", path)
	}

	seen := make(map[string]bool, len(f.Models))
	rows := make([]store.AIModel, 0, len(f.Models))
	defaulted := false
	for i, e := range f.Models {
		if e.Key == "" {
			return nil, fmt.Errorf("model seed %s: entry %d has no key", path, i)
		}
		if seen[e.Key] {
			return nil, fmt.Errorf("model seed %s: duplicate key %q", path, e.Key)
		}
		seen[e.Key] = true
		if !KnownProvider(e.Provider) {
			return nil, fmt.Errorf("model seed %s: model %q has unknown provider %q", path, e.Key, e.Provider)
		}
		if e.Config.Model == "" {
			return nil, fmt.Errorf("model seed %s: model %q has no config.model", path, e.Key)
		}

		blob, err := json.Marshal(e.Config)
		if err != nil {
			return nil, fmt.Errorf("encode config for %q: %w", e.Key, err)
		}

		isDefault := e.Default && !defaulted
		if isDefault {
			defaulted = true
		}
		rows = append(rows, store.AIModel{
			Key:       e.Key,
			Provider:  e.Provider,
			Config:    string(blob),
			IsDefault: isDefault,
		})
	}
	if !defaulted {
		rows[0].IsDefault = true
	}
	return rows, nil
}
