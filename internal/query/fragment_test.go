package query

import (
	"errors"
	"strings"
	"testing"
)

func TestParseFragmentBindsRelationsAndLiterals(t *testing.T) {
	source := `
-- totals per region
totals = SELECT region, SUM(amount) AS total FROM df GROUP BY region;
chart_data = SELECT * FROM totals ORDER BY total DESC;
fig = {"type": "bar", "x": "region", "y": "total", "title": "Totals; by region"}
`
	fragment, err := ParseFragment(source)
	if err != nil {
		t.Fatalf("ParseFragment() error = %v", err)
	}
	if len(fragment.Statements) != 3 {
		t.Fatalf("len(Statements) = %d, want 3", len(fragment.Statements))
	}
	if fragment.Statements[0].Target != "totals" || fragment.Statements[0].Kind != StatementRelation {
		t.Fatalf("first statement = %#v", fragment.Statements[0])
	}
	fig, ok := fragment.Binding("fig")
	if !ok || fig.Kind != StatementLiteral {
		t.Fatalf("fig binding = %#v, ok=%v", fig, ok)
	}
	if fragment.String() != source {
		t.Fatal("String() should return the original source")
	}
}

func TestParseFragmentRespectsQuotedSemicolons(t *testing.T) {
	fragment, err := ParseFragment(`query_result = SELECT * FROM df WHERE note = 'a;b' AND "odd;col" > 1`)
	if err != nil {
		t.Fatalf("ParseFragment() error = %v", err)
	}
	if len(fragment.Statements) != 1 {
		t.Fatalf("len(Statements) = %d, want 1", len(fragment.Statements))
	}
}

func TestParseFragmentBareStatement(t *testing.T) {
	fragment, err := ParseFragment("SELECT COUNT(*) FROM df;\nquery_result = FROM df LIMIT 5")
	if err != nil {
		t.Fatalf("ParseFragment() error = %v", err)
	}
	if fragment.Statements[0].Kind != StatementBare || fragment.Statements[0].Target != "" {
		t.Fatalf("first statement = %#v", fragment.Statements[0])
	}
	if _, ok := fragment.Binding("QUERY_RESULT"); !ok {
		t.Fatal("expected case-insensitive binding lookup")
	}
}

func TestParseFragmentLastBindingWins(t *testing.T) {
	fragment, err := ParseFragment("query_result = SELECT 1; query_result = SELECT 2 AS two")
	if err != nil {
		t.Fatalf("ParseFragment() error = %v", err)
	}
	binding, _ := fragment.Binding("query_result")
	if binding.Body != "SELECT 2 AS two" {
		t.Fatalf("Body = %q", binding.Body)
	}
}

func TestParseFragmentEmptySourceHasNoStatements(t *testing.T) {
	fragment, err := ParseFragment("  -- nothing here\n ; ")
	if err != nil {
		t.Fatalf("ParseFragment() error = %v", err)
	}
	if len(fragment.Statements) != 0 {
		t.Fatalf("Statements = %#v", fragment.Statements)
	}
}

func TestParseFragmentRejectsUnsafeStatements(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{name: "drop", source: "DROP TABLE df"},
		{name: "delete", source: "query_result = DELETE FROM df"},
		{name: "attach in select", source: "query_result = SELECT * FROM df; ATTACH 'x.db'"},
		{name: "copy", source: "COPY df TO 'out.csv'"},
		{name: "rebind df", source: "df = SELECT 1"},
		{name: "python", source: "query_result = df.head()"},
		{name: "bad json", source: "fig = {not json}"},
		{name: "double equals", source: "query_result == SELECT 1"},
		{name: "unterminated", source: "query_result = SELECT 'abc FROM df"},
		{name: "unbalanced", source: "query_result = SELECT (1 FROM df"},
		{name: "open comment", source: "query_result = SELECT 1 /* trailing"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFragment(tc.source)
			if !errors.Is(err, ErrExecutionFailure) {
				t.Fatalf("error = %v, want ErrExecutionFailure", err)
			}
		})
	}
}

func TestParseFragmentAllowsKeywordsInsideStrings(t *testing.T) {
	_, err := ParseFragment(`query_result = SELECT * FROM df WHERE action = 'DELETE' OR "drop" = 1`)
	if err != nil {
		t.Fatalf("ParseFragment() error = %v", err)
	}
}

func TestResultTextScalarAndTable(t *testing.T) {
	scalar := Result{Columns: []string{"n"}, Rows: [][]any{{int64(42)}}, Cardinality: 1}
	if got := scalar.Text(); got != "42" {
		t.Fatalf("scalar Text() = %q, want 42", got)
	}

	table := Result{
		Columns:     []string{"region", "total"},
		Rows:        [][]any{{"East", 1.5}, {nil, 2.0}},
		Cardinality: 3,
		Truncated:   true,
	}
	text := table.Text()
	for _, want := range []string{"region", "East", "NULL", "(2 of 3 rows shown)"} {
		if !strings.Contains(text, want) {
			t.Fatalf("Text() missing %q:\n%s", want, text)
		}
	}
}

func TestParseFragmentWrapsDescribeStatements(t *testing.T) {
	fragment, err := ParseFragment("stats = SUMMARIZE df; query_result = describe df; SUMMARIZE SELECT amount FROM df")
	if err != nil {
		t.Fatalf("ParseFragment() error = %v", err)
	}
	if len(fragment.Statements) != 3 {
		t.Fatalf("Statements = %#v", fragment.Statements)
	}
	if got := fragment.Statements[0].Body; got != "SELECT * FROM (SUMMARIZE df)" {
		t.Fatalf("stats body = %q", got)
	}
	if got := fragment.Statements[1].Body; got != "SELECT * FROM (describe df)" {
		t.Fatalf("query_result body = %q", got)
	}
	if bare := fragment.Statements[2]; bare.Kind != StatementBare || bare.Body != "SUMMARIZE SELECT amount FROM df" {
		t.Fatalf("bare statement = %#v", bare)
	}
}
