package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
)

// newOpenAI builds the eino-ext chat model. Any OpenAI-compatible
// endpoint works through BaseURL.
func newOpenAI(ctx context.Context, cfg Config) (ChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}
	conf := &openai.ChatModelConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		BaseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		Model:   modelName,
		Timeout: cfg.Timeout,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		conf.MaxTokens = &maxTokens
	}
	chatModel, err := openai.NewChatModel(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("create openai chat model: %w", err)
	}
	return chatModel, nil
}
