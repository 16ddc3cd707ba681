package models

import (
	"context"

	einoclaude "github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"
)

const defaultClaudeMaxTokens = 4096

// NewClaude creates an Anthropic ChatModel. The claude component
// requires max_tokens, so an unset value falls back to a sane default.
func NewClaude(ctx context.Context, cfg ModelConfig, apiKey string) (model.ToolCallingChatModel, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultClaudeMaxTokens
	}

	modelConfig := &einoclaude.Config{
		APIKey:    apiKey,
		Model:     cfg.Model,
		MaxTokens: maxTokens,
	}

	if cfg.BaseURL != "" {
		baseURL := cfg.BaseURL
		modelConfig.BaseURL = &baseURL
	}

	if cfg.Temperature != nil {
		t := *cfg.Temperature
		modelConfig.Temperature = &t
	}

	return einoclaude.NewChatModel(ctx, modelConfig)
}
