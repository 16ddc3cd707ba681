package models

import (
	"context"
	"fmt"

	einogemini "github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

// NewGemini creates a Gemini ChatModel over the Google GenAI API.
func NewGemini(ctx context.Context, cfg ModelConfig, apiKey string) (model.ToolCallingChatModel, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	modelConfig := &einogemini.Config{
		Client: client,
		Model:  cfg.Model,
	}

	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		modelConfig.MaxTokens = &maxTokens
	}
	if cfg.Temperature != nil {
		t := *cfg.Temperature
		modelConfig.Temperature = &t
	}

	return einogemini.NewChatModel(ctx, modelConfig)
}
