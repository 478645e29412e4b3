package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type Ollama struct {
	host   string
	model  string
	client *http.Client
}

func NewOllama(cfg Config) *Ollama {
	host := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if host == "" || strings.Contains(host, "api.openai.com") {
		host = "http://localhost:11434"
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = "llama3.2"
	}
	return &Ollama{host: host, model: modelName, client: &http.Client{Timeout: cfg.Timeout}}
}

func (o *Ollama) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := callOptions(o.model, 0, opts)

	type chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	messages := make([]chatMessage, 0, len(input))
	for _, msg := range input {
		messages = append(messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	body := map[string]any{
		"model":    *options.Model,
		"messages": messages,
		"stream":   false,
	}
	if options.Temperature != nil {
		body["options"] = map[string]any{"temperature": *options.Temperature}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed (is Ollama running at %s?): %w", o.host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("ollama chat failed status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	return schema.AssistantMessage(parsed.Message.Content, nil), nil
}
