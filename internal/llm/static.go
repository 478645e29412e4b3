package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Static answers from a script, then falls back to canned fragments that
// follow the head-of-data convention. It backs the test profile and
// offline development.
type Static struct {
	mu        sync.Mutex
	responses []string
	next      int
	requests  [][]*schema.Message
	options   []*model.Options
}

func NewStatic(responses ...string) *Static {
	return &Static{responses: responses}
}

func (s *Static) Generate(_ context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, input)
	s.options = append(s.options, model.GetCommonOptions(&model.Options{}, opts...))
	if s.next < len(s.responses) {
		response := s.responses[s.next]
		s.next++
		return schema.AssistantMessage(response, nil), nil
	}
	return schema.AssistantMessage(fallbackResponse(input), nil), nil
}

// Requests returns the message lists received so far.
func (s *Static) Requests() [][]*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]*schema.Message(nil), s.requests...)
}

// Options returns the resolved per-call options received so far.
func (s *Static) Options() []*model.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Options(nil), s.options...)
}

func fallbackResponse(input []*schema.Message) string {
	var system, user string
	for _, msg := range input {
		switch msg.Role {
		case schema.System:
			system += msg.Content
		case schema.User:
			user = msg.Content
		}
	}
	switch {
	case strings.Contains(system, "chart_data"):
		return "chart_data = SELECT * FROM df LIMIT 50;\nfig = {\"type\": \"bar\"}"
	case strings.Contains(system, "query_result"):
		return "query_result = SELECT * FROM df LIMIT 5"
	default:
		if _, result, ok := strings.Cut(user, "Result:\n"); ok {
			result, _, _ = strings.Cut(result, "\n\nDataset summary:")
			return "The result is:\n" + strings.TrimSpace(result)
		}
		return "No answer available."
	}
}
