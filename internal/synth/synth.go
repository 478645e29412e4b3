package synth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"

	"github.com/tabletalk/tabletalk/internal/llm"
	"github.com/tabletalk/tabletalk/internal/observability"
)

// ErrSynthesisFailure means the model answered with nothing usable.
var ErrSynthesisFailure = errors.New("synthesis failure")

const (
	KindQuery  = "query"
	KindChart  = "chart"
	KindAnswer = "answer"
)

type Options struct {
	Provider          string
	QueryModel        string
	AnswerModel       string
	ChartModel        string
	QueryTemperature  float64
	AnswerTemperature float64
	ChartTemperature  float64
}

type QueryInput struct {
	Question   string
	Profile    string
	Dictionary string
}

type AnswerInput struct {
	Question string
	Result   string
	Summary  string
}

// Code is a synthesized fragment plus the model that wrote it.
type Code struct {
	Text     string
	Provider string
	Model    string
}

// Synthesizer makes one model call per operation. It never retries.
type Synthesizer struct {
	model  llm.ChatModel
	opts   Options
	query  prompt.ChatTemplate
	chart  prompt.ChatTemplate
	answer prompt.ChatTemplate
}

func New(chatModel llm.ChatModel, opts Options) *Synthesizer {
	return &Synthesizer{
		model:  chatModel,
		opts:   opts,
		query:  newQueryTemplate(),
		chart:  newChartTemplate(),
		answer: newAnswerTemplate(),
	}
}

func (s *Synthesizer) Query(ctx context.Context, in QueryInput) (Code, error) {
	text, err := s.generate(ctx, KindQuery, s.query, datasetVars(in), s.opts.QueryModel, s.opts.QueryTemperature)
	if err != nil {
		return Code{}, err
	}
	return Code{Text: stripCodeFence(text), Provider: s.opts.Provider, Model: s.opts.QueryModel}, nil
}

func (s *Synthesizer) Chart(ctx context.Context, in QueryInput) (Code, error) {
	text, err := s.generate(ctx, KindChart, s.chart, datasetVars(in), s.opts.ChartModel, s.opts.ChartTemperature)
	if err != nil {
		return Code{}, err
	}
	return Code{Text: stripCodeFence(text), Provider: s.opts.Provider, Model: s.opts.ChartModel}, nil
}

func (s *Synthesizer) Answer(ctx context.Context, in AnswerInput) (string, error) {
	vars := map[string]any{
		"question": strings.TrimSpace(in.Question),
		"result":   in.Result,
		"summary":  in.Summary,
	}
	return s.generate(ctx, KindAnswer, s.answer, vars, s.opts.AnswerModel, s.opts.AnswerTemperature)
}

func (s *Synthesizer) generate(ctx context.Context, kind string, tpl prompt.ChatTemplate, vars map[string]any, modelName string, temperature float64) (string, error) {
	if s.model == nil {
		return "", fmt.Errorf("%w: no chat model configured", llm.ErrModelUnavailable)
	}
	messages, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("format %s prompt: %w", kind, err)
	}

	opts := []model.Option{model.WithTemperature(float32(temperature))}
	if modelName != "" {
		opts = append(opts, model.WithModel(modelName))
	}

	start := time.Now()
	msg, err := s.model.Generate(ctx, messages, opts...)
	if err != nil {
		observability.ObserveSynthesis(kind, s.opts.Provider, "model_error", time.Since(start))
		return "", fmt.Errorf("%w: %s synthesis: %v", llm.ErrModelUnavailable, kind, err)
	}
	text := ""
	if msg != nil {
		text = strings.TrimSpace(msg.Content)
	}
	if stripCodeFence(text) == "" {
		observability.ObserveSynthesis(kind, s.opts.Provider, "empty", time.Since(start))
		return "", fmt.Errorf("%w: model returned an empty %s", ErrSynthesisFailure, kind)
	}
	observability.ObserveSynthesis(kind, s.opts.Provider, "ok", time.Since(start))
	return text, nil
}

func datasetVars(in QueryInput) map[string]any {
	return map[string]any{
		"question":   strings.TrimSpace(in.Question),
		"profile":    in.Profile,
		"dictionary": strings.TrimSpace(in.Dictionary),
	}
}

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n(.*?)```")

// stripCodeFence returns the first fenced block of value, or value itself
// when it has no fence.
func stripCodeFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if match := fencePattern.FindStringSubmatch(trimmed); match != nil {
		return strings.TrimSpace(match[1])
	}
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
	}
	return strings.TrimSpace(trimmed)
}
