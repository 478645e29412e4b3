package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

func TestNewSelectsProvider(t *testing.T) {
	ctx := context.Background()

	if _, err := New(ctx, Config{Provider: "static"}); err != nil {
		t.Fatalf("New(static) error = %v", err)
	}
	if _, err := New(ctx, Config{Provider: "ollama"}); err != nil {
		t.Fatalf("New(ollama) error = %v", err)
	}
	if _, err := New(ctx, Config{Provider: "anthropic"}); err == nil {
		t.Fatal("expected missing api key error for anthropic")
	}
	if _, err := New(ctx, Config{Provider: "openai"}); err == nil {
		t.Fatal("expected missing api key error for openai")
	}
	if _, err := New(ctx, Config{Provider: "gemini"}); err == nil {
		t.Fatal("expected unsupported provider error")
	}
}

func TestRequiresAPIKey(t *testing.T) {
	if !RequiresAPIKey("OpenAI") || !RequiresAPIKey("anthropic") {
		t.Fatal("hosted providers should require a key")
	}
	if RequiresAPIKey("ollama") || RequiresAPIKey("static") {
		t.Fatal("local providers should not require a key")
	}
}

func TestAnthropicGenerate(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "secret" || r.Header.Get("anthropic-version") == "" {
			t.Fatalf("missing auth headers: %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"query_result = "},{"type":"text","text":"SELECT 1"}]}`))
	}))
	defer server.Close()

	client, err := NewAnthropic(Config{BaseURL: server.URL, APIKey: "secret", Model: "default-model", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewAnthropic() error = %v", err)
	}
	msg, err := client.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("be terse"),
		schema.UserMessage("how many rows?"),
	}, model.WithModel("override"), model.WithTemperature(0.5))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if msg.Content != "query_result = SELECT 1" {
		t.Fatalf("Content = %q", msg.Content)
	}
	if got["system"] != "be terse" || got["model"] != "override" || got["temperature"] != 0.5 {
		t.Fatalf("request = %#v", got)
	}
	if messages, _ := got["messages"].([]any); len(messages) != 1 {
		t.Fatalf("messages = %#v", got["messages"])
	}
}

func TestAnthropicGenerateErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewAnthropic(Config{BaseURL: server.URL, APIKey: "secret", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewAnthropic() error = %v", err)
	}
	_, err = client.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	if err == nil || !strings.Contains(err.Error(), "status=503") {
		t.Fatalf("error = %v", err)
	}
}

func TestOllamaGenerate(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hello"}}`))
	}))
	defer server.Close()

	client := NewOllama(Config{BaseURL: server.URL, Model: "llama3.2", Timeout: time.Second})
	msg, err := client.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if msg.Content != "hello" {
		t.Fatalf("Content = %q", msg.Content)
	}
	if got["stream"] != false || got["model"] != "llama3.2" {
		t.Fatalf("request = %#v", got)
	}
}

func TestStaticScriptThenFallback(t *testing.T) {
	static := NewStatic("scripted")
	ctx := context.Background()

	first, _ := static.Generate(ctx, []*schema.Message{schema.UserMessage("q")})
	if first.Content != "scripted" {
		t.Fatalf("first = %q", first.Content)
	}
	second, _ := static.Generate(ctx, []*schema.Message{
		schema.SystemMessage("Bind the result to query_result."),
		schema.UserMessage("q"),
	}, model.WithTemperature(0))
	if second.Content != "query_result = SELECT * FROM df LIMIT 5" {
		t.Fatalf("second = %q", second.Content)
	}
	answer, _ := static.Generate(ctx, []*schema.Message{
		schema.SystemMessage("Answer the question."),
		schema.UserMessage("Question: q\n\nResult:\n10\n\nDataset summary:\nrows: 10"),
	})
	if answer.Content != "The result is:\n10" {
		t.Fatalf("answer = %q", answer.Content)
	}
	if len(static.Requests()) != 3 {
		t.Fatalf("len(Requests()) = %d", len(static.Requests()))
	}
	if opts := static.Options(); opts[1].Temperature == nil || *opts[1].Temperature != 0 {
		t.Fatalf("options = %#v", opts[1])
	}
}
