package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderStatic    = "static"
)

// ErrModelUnavailable marks transport, quota and provider errors.
var ErrModelUnavailable = errors.New("model unavailable")

// ChatModel is the subset of the eino chat model contract the
// synthesizers need. Per-call model and temperature arrive as options.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

type Config struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

func New(ctx context.Context, cfg Config) (ChatModel, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOpenAI:
		return newOpenAI(ctx, cfg)
	case ProviderAnthropic:
		return NewAnthropic(cfg)
	case ProviderOllama:
		return NewOllama(cfg), nil
	case ProviderStatic:
		return NewStatic(), nil
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
}

// RequiresAPIKey reports whether provider refuses to start without a key.
func RequiresAPIKey(provider string) bool {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderOpenAI, ProviderAnthropic:
		return true
	default:
		return false
	}
}

func callOptions(defaultModel string, maxTokens int, opts []model.Option) *model.Options {
	base := &model.Options{Model: &defaultModel}
	if maxTokens > 0 {
		base.MaxTokens = &maxTokens
	}
	return model.GetCommonOptions(base, opts...)
}
