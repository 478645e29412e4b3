package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

type StatementKind string

const (
	// StatementRelation binds a name to the relation produced by a SELECT.
	StatementRelation StatementKind = "relation"
	// StatementLiteral binds a name to a JSON literal.
	StatementLiteral StatementKind = "literal"
	// StatementBare is evaluated and its result discarded.
	StatementBare StatementKind = "bare"
)

type Statement struct {
	Target string
	Kind   StatementKind
	Body   string
}

// Fragment is a parsed program in the restricted query language: a
// sequence of read-only statements separated by semicolons, each either
// `name = <select>`, `name = <json>` or a bare select.
type Fragment struct {
	Source     string
	Statements []Statement
}

var assignmentPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*`)

var readOnlyLeads = map[string]bool{
	"SELECT":    true,
	"WITH":      true,
	"FROM":      true,
	"VALUES":    true,
	"SUMMARIZE": true,
	"DESCRIBE":  true,
}

// subqueryLeads only compose with other SQL when wrapped as a subquery.
var subqueryLeads = map[string]bool{
	"SUMMARIZE": true,
	"DESCRIBE":  true,
}

var forbiddenKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true, "CREATE": true,
	"ALTER": true, "TRUNCATE": true, "COPY": true, "ATTACH": true, "DETACH": true,
	"INSTALL": true, "PRAGMA": true, "EXPORT": true, "IMPORT": true, "CHECKPOINT": true,
	"VACUUM": true, "GRANT": true, "REVOKE": true,
}

// ParseFragment splits source into statements and rejects anything that
// is not a read-only query or a JSON literal binding.
func ParseFragment(source string) (Fragment, error) {
	parts, err := splitStatements(source)
	if err != nil {
		return Fragment{}, fmt.Errorf("%w: %v", ErrExecutionFailure, err)
	}

	fragment := Fragment{Source: source}
	for i, part := range parts {
		statement, err := parseStatement(part)
		if err != nil {
			return Fragment{}, fmt.Errorf("%w: statement %d: %v", ErrExecutionFailure, i+1, err)
		}
		fragment.Statements = append(fragment.Statements, statement)
	}
	return fragment, nil
}

// Binding returns the last statement bound to name.
func (f Fragment) Binding(name string) (Statement, bool) {
	name = strings.ToLower(name)
	for i := len(f.Statements) - 1; i >= 0; i-- {
		if f.Statements[i].Target == name {
			return f.Statements[i], true
		}
	}
	return Statement{}, false
}

func (f Fragment) String() string {
	return f.Source
}

func parseStatement(text string) (Statement, error) {
	if match := assignmentPattern.FindStringSubmatchIndex(text); match != nil {
		target := strings.ToLower(text[match[2]:match[3]])
		body := strings.TrimSpace(text[match[1]:])
		if target == InputRelation {
			return Statement{}, fmt.Errorf("%s is the input dataset and cannot be rebound", InputRelation)
		}
		if body == "" || strings.HasPrefix(body, "=") {
			return Statement{}, fmt.Errorf("invalid assignment to %s", target)
		}
		if strings.HasPrefix(body, "{") {
			if !json.Valid([]byte(body)) {
				return Statement{}, fmt.Errorf("%s is not a valid JSON literal", target)
			}
			return Statement{Target: target, Kind: StatementLiteral, Body: body}, nil
		}
		if err := checkReadOnly(body); err != nil {
			return Statement{}, err
		}
		if subqueryLeads[firstWord(body)] {
			body = "SELECT * FROM (" + body + ")"
		}
		return Statement{Target: target, Kind: StatementRelation, Body: body}, nil
	}

	if err := checkReadOnly(text); err != nil {
		return Statement{}, err
	}
	return Statement{Kind: StatementBare, Body: text}, nil
}

func checkReadOnly(body string) error {
	words := keywords(body)
	lead := strings.TrimLeft(body, "( \t\r\n")
	if len(words) == 0 || !readOnlyLeads[firstWord(lead)] {
		return fmt.Errorf("only SELECT statements are allowed")
	}
	for _, word := range words {
		if forbiddenKeywords[word] {
			return fmt.Errorf("%s is not allowed", word)
		}
	}
	return nil
}

func firstWord(text string) string {
	end := strings.IndexFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
	if end < 0 {
		end = len(text)
	}
	return strings.ToUpper(text[:end])
}

// keywords returns the upper-cased bare words of text, skipping string
// literals and quoted identifiers.
func keywords(text string) []string {
	var (
		words []string
		word  strings.Builder
		quote rune
	)
	flush := func() {
		if word.Len() > 0 {
			words = append(words, strings.ToUpper(word.String()))
			word.Reset()
		}
	}
	for _, r := range text {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			flush()
			quote = r
		case unicode.IsLetter(r) || r == '_' || (word.Len() > 0 && unicode.IsDigit(r)):
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return words
}

// splitStatements splits on top-level semicolons. Quotes, brackets and
// comments are respected; comments are dropped.
func splitStatements(source string) ([]string, error) {
	var (
		statements []string
		current    strings.Builder
		depth      int
		quote      rune
	)
	flush := func() {
		if text := strings.TrimSpace(current.String()); text != "" {
			statements = append(statements, text)
		}
		current.Reset()
	}

	runes := []rune(source)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch {
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == '-' && next == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			current.WriteRune('\n')
		case r == '/' && next == '*':
			end := -1
			for j := i + 2; j+1 < len(runes); j++ {
				if runes[j] == '*' && runes[j+1] == '/' {
					end = j + 1
					break
				}
			}
			if end < 0 {
				return nil, fmt.Errorf("unterminated comment")
			}
			i = end
			current.WriteRune(' ')
		case r == '(' || r == '[' || r == '{':
			depth++
			current.WriteRune(r)
		case r == ')' || r == ']' || r == '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced %q", r)
			}
			current.WriteRune(r)
		case r == ';' && depth == 0:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quoted text")
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced brackets")
	}
	flush()
	return statements, nil
}
