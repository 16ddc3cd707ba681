package models

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/doctrine-review/inkwell/internal/secrets"
)

// CreateModel builds a chat model for a provider from its stored config.
func CreateModel(ctx context.Context, keeper *secrets.Keeper, provider string, cfg ModelConfig) (model.ToolCallingChatModel, error) {
	apiKey, err := resolveAPIKey(keeper, provider, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	switch provider {
	case ProviderOpenAI:
		return NewOpenAI(ctx, cfg, apiKey)
	case ProviderClaude:
		return NewClaude(ctx, cfg, apiKey)
	case ProviderOllama:
		return NewOllama(ctx, cfg)
	case ProviderGemini:
		return NewGemini(ctx, cfg, apiKey)
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}
