package nlu

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
)

// ModelConfig configures the OpenAI-compatible chat model endpoint. Empty
// fields fall back to the TERRACHAT_MODEL_* environment variables.
type ModelConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewOpenAIModel builds the chat model used for parameter extraction and
// free-form answers.
func NewOpenAIModel(ctx context.Context, cfg ModelConfig) (model.ToolCallingChatModel, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("TERRACHAT_MODEL_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("TERRACHAT_MODEL_BASE_URL")
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("TERRACHAT_MODEL_NAME")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("no model API key configured (set TERRACHAT_MODEL_API_KEY)")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing chat model: %w", err)
	}
	return cm, nil
}
