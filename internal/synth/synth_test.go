package synth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/tabletalk/tabletalk/internal/llm"
)

type failingModel struct{}

func (failingModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, errors.New("connection refused")
}

func TestQueryRendersProfileDictionaryAndQuestion(t *testing.T) {
	static := llm.NewStatic("```sql\nquery_result = SELECT COUNT(*) FROM df\n```")
	s := New(static, Options{Provider: "static", QueryModel: "query-model", QueryTemperature: 0})

	code, err := s.Query(context.Background(), QueryInput{
		Question:   "  how many rows?  ",
		Profile:    "Columns: region (VARCHAR)",
		Dictionary: "region: sales region",
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if code.Text != "query_result = SELECT COUNT(*) FROM df" {
		t.Fatalf("Text = %q", code.Text)
	}
	if code.Model != "query-model" || code.Provider != "static" {
		t.Fatalf("code = %#v", code)
	}

	requests := static.Requests()
	if len(requests) != 1 || len(requests[0]) != 2 {
		t.Fatalf("requests = %#v", requests)
	}
	system, user := requests[0][0].Content, requests[0][1].Content
	if !strings.Contains(system, "query_result = SELECT * FROM df LIMIT 5") {
		t.Fatalf("system prompt missing head-of-data convention: %s", system)
	}
	for _, want := range []string{"Columns: region (VARCHAR)", "Data dictionary:\nregion: sales region", "Question: how many rows?"} {
		if !strings.Contains(user, want) {
			t.Fatalf("user prompt missing %q:\n%s", want, user)
		}
	}
	opts := static.Options()[0]
	if opts.Model == nil || *opts.Model != "query-model" || opts.Temperature == nil {
		t.Fatalf("options = %#v", opts)
	}
}

func TestQueryOmitsEmptyDictionary(t *testing.T) {
	static := llm.NewStatic("query_result = SELECT 1")
	s := New(static, Options{})

	if _, err := s.Query(context.Background(), QueryInput{Question: "q", Profile: "p"}); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if strings.Contains(static.Requests()[0][1].Content, "Data dictionary") {
		t.Fatal("empty dictionary should not be rendered")
	}
}

func TestChartPromptAsksForFigure(t *testing.T) {
	static := llm.NewStatic(`chart_data = SELECT region, SUM(amount) AS total FROM df GROUP BY region;
fig = {"type": "bar", "x": "region", "y": "total"}`)
	s := New(static, Options{ChartModel: "chart-model"})

	code, err := s.Chart(context.Background(), QueryInput{Question: "plot totals", Profile: "p"})
	if err != nil {
		t.Fatalf("Chart() error = %v", err)
	}
	if !strings.Contains(code.Text, "fig = ") {
		t.Fatalf("Text = %q", code.Text)
	}
	if !strings.Contains(static.Requests()[0][0].Content, "chart_data") {
		t.Fatal("chart system prompt should name chart_data")
	}
}

func TestAnswerPassesResultAndSummary(t *testing.T) {
	static := llm.NewStatic("There are 10 rows.")
	s := New(static, Options{AnswerModel: "answer-model", AnswerTemperature: 0.5})

	answer, err := s.Answer(context.Background(), AnswerInput{Question: "how many rows?", Result: "10", Summary: "rows: 10"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer != "There are 10 rows." {
		t.Fatalf("answer = %q", answer)
	}
	user := static.Requests()[0][1].Content
	if !strings.Contains(user, "Result:\n10") || !strings.Contains(user, "Dataset summary:\nrows: 10") {
		t.Fatalf("user prompt = %q", user)
	}
}

func TestEmptyResponseIsSynthesisFailure(t *testing.T) {
	s := New(llm.NewStatic("   ", "```\n```"), Options{})

	if _, err := s.Query(context.Background(), QueryInput{Question: "q"}); !errors.Is(err, ErrSynthesisFailure) {
		t.Fatalf("blank error = %v, want ErrSynthesisFailure", err)
	}
	if _, err := s.Query(context.Background(), QueryInput{Question: "q"}); !errors.Is(err, ErrSynthesisFailure) {
		t.Fatalf("empty fence error = %v, want ErrSynthesisFailure", err)
	}
}

func TestModelErrorIsModelUnavailable(t *testing.T) {
	s := New(failingModel{}, Options{})

	_, err := s.Answer(context.Background(), AnswerInput{Question: "q"})
	if !errors.Is(err, llm.ErrModelUnavailable) {
		t.Fatalf("error = %v, want ErrModelUnavailable", err)
	}
	if errors.Is(err, ErrSynthesisFailure) {
		t.Fatal("model errors should not be reported as synthesis failures")
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "```sql\nSELECT 1;\n```", want: "SELECT 1;"},
		{in: "Here you go:\n```\nquery_result = 1\n```", want: "query_result = 1"},
		{in: "plain text", want: "plain text"},
		{in: "```python\nx\n```", want: "x"},
	}
	for _, tc := range tests {
		if got := stripCodeFence(tc.in); got != tc.want {
			t.Fatalf("stripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
