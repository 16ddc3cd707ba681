package models

import (
	"context"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
)

const defaultTimeout = 120 * time.Second

// NewOpenAI creates an OpenAI ChatModel. BaseURL overrides allow any
// OpenAI-compatible endpoint.
func NewOpenAI(ctx context.Context, cfg ModelConfig, apiKey string) (model.ToolCallingChatModel, error) {
	modelConfig := &einoopenai.ChatModelConfig{
		APIKey: apiKey,
		Model:  cfg.Model,
	}

	if cfg.BaseURL != "" {
		modelConfig.BaseURL = cfg.BaseURL
	}

	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		modelConfig.MaxCompletionTokens = &maxTokens
	}

	if cfg.TimeoutSec > 0 {
		modelConfig.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	} else {
		modelConfig.Timeout = defaultTimeout
	}

	if cfg.Temperature != nil {
		t := *cfg.Temperature
		modelConfig.Temperature = &t
	}

	return einoopenai.NewChatModel(ctx, modelConfig)
}
