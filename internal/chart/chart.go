package chart

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tabletalk/tabletalk/internal/query"
)

// ErrRenderFailure means a figure could not be built from a Spec and a result.
var ErrRenderFailure = errors.New("render failure")

const (
	TypeBar       = "bar"
	TypeLine      = "line"
	TypeScatter   = "scatter"
	TypePie       = "pie"
	TypeHistogram = "histogram"
	TypeArea      = "area"
)

var supportedTypes = map[string]bool{
	TypeBar: true, TypeLine: true, TypeScatter: true, TypePie: true, TypeHistogram: true, TypeArea: true,
}

// Spec is the figure description a chart fragment binds to fig.
type Spec struct {
	Type        string `json:"type"`
	X           string `json:"x"`
	Y           string `json:"y"`
	Color       string `json:"color"`
	Title       string `json:"title"`
	Orientation string `json:"orientation"`
}

type Trace map[string]any

// Figure is a Plotly figure document.
type Figure struct {
	Data   []Trace        `json:"data"`
	Layout map[string]any `json:"layout"`
}

func (f Figure) JSON() ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: encode figure: %v", ErrRenderFailure, err)
	}
	return raw, nil
}

func ParseSpec(literal string) (Spec, error) {
	var spec Spec
	if err := json.Unmarshal([]byte(literal), &spec); err != nil {
		return Spec{}, fmt.Errorf("%w: decode figure spec: %v", ErrRenderFailure, err)
	}
	spec.Type = strings.ToLower(strings.TrimSpace(spec.Type))
	if spec.Type == "" {
		spec.Type = TypeBar
	}
	if !supportedTypes[spec.Type] {
		return Spec{}, fmt.Errorf("%w: unsupported chart type %q", ErrRenderFailure, spec.Type)
	}
	spec.Orientation = strings.ToLower(strings.TrimSpace(spec.Orientation))
	return spec, nil
}

// Build lays out result as traces for spec. Rows are grouped into one
// trace per distinct value of the color column, in order of appearance.
func Build(spec Spec, result query.Result) (Figure, error) {
	figure := Figure{Data: []Trace{}, Layout: map[string]any{}}
	if spec.Title != "" {
		figure.Layout["title"] = map[string]any{"text": spec.Title}
	}
	if len(result.Columns) == 0 && len(result.Rows) == 0 {
		return figure, nil
	}

	xIdx, err := resolveColumn(result.Columns, spec.X, 0)
	if err != nil {
		return Figure{}, err
	}
	yIdx := -1
	if spec.Type != TypeHistogram || spec.Y != "" {
		yIdx, err = resolveColumn(result.Columns, spec.Y, 1)
		if err != nil {
			return Figure{}, err
		}
	}
	colorIdx := -1
	if spec.Color != "" && spec.Type != TypePie {
		colorIdx, err = resolveColumn(result.Columns, spec.Color, -1)
		if err != nil {
			return Figure{}, err
		}
	}

	if spec.Type != TypePie {
		figure.Layout["xaxis"] = map[string]any{"title": map[string]any{"text": result.Columns[xIdx]}}
		if yIdx >= 0 {
			figure.Layout["yaxis"] = map[string]any{"title": map[string]any{"text": result.Columns[yIdx]}}
		}
	}
	if len(result.Rows) == 0 {
		return figure, nil
	}

	for _, group := range groupRows(result.Rows, colorIdx) {
		figure.Data = append(figure.Data, buildTrace(spec, group, xIdx, yIdx))
	}
	if colorIdx >= 0 && spec.Type == TypeBar {
		figure.Layout["barmode"] = "group"
	}
	return figure, nil
}

type rowGroup struct {
	name string
	rows [][]any
}

func groupRows(rows [][]any, colorIdx int) []rowGroup {
	if colorIdx < 0 {
		return []rowGroup{{rows: rows}}
	}
	order := make([]string, 0)
	groups := map[string]*rowGroup{}
	for _, row := range rows {
		name := query.FormatValue(row[colorIdx])
		group, ok := groups[name]
		if !ok {
			group = &rowGroup{name: name}
			groups[name] = group
			order = append(order, name)
		}
		group.rows = append(group.rows, row)
	}
	out := make([]rowGroup, 0, len(order))
	for _, name := range order {
		out = append(out, *groups[name])
	}
	return out
}

func buildTrace(spec Spec, group rowGroup, xIdx, yIdx int) Trace {
	xs := column(group.rows, xIdx)
	trace := Trace{}
	if group.name != "" {
		trace["name"] = group.name
	}

	switch spec.Type {
	case TypePie:
		trace["type"] = "pie"
		trace["labels"] = xs
		trace["values"] = column(group.rows, yIdx)
		return trace
	case TypeHistogram:
		trace["type"] = "histogram"
		trace["x"] = xs
		if yIdx >= 0 {
			trace["y"] = column(group.rows, yIdx)
			trace["histfunc"] = "sum"
		}
		return trace
	}

	ys := column(group.rows, yIdx)
	switch spec.Type {
	case TypeBar:
		trace["type"] = "bar"
		if spec.Orientation == "h" {
			trace["orientation"] = "h"
			xs, ys = ys, xs
		}
	case TypeLine:
		trace["type"] = "scatter"
		trace["mode"] = "lines"
	case TypeScatter:
		trace["type"] = "scatter"
		trace["mode"] = "markers"
	case TypeArea:
		trace["type"] = "scatter"
		trace["mode"] = "lines"
		trace["fill"] = "tozeroy"
	}
	trace["x"] = xs
	trace["y"] = ys
	return trace
}

// resolveColumn finds name in columns. An empty name falls back to the
// column at position fallback; a negative fallback makes the name required.
func resolveColumn(columns []string, name string, fallback int) (int, error) {
	if name == "" {
		if fallback >= 0 && fallback < len(columns) {
			return fallback, nil
		}
		return -1, fmt.Errorf("%w: chart_data has %d columns, cannot infer axis", ErrRenderFailure, len(columns))
	}
	for i, column := range columns {
		if column == name {
			return i, nil
		}
	}
	for i, column := range columns {
		if strings.EqualFold(column, name) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: column %q not in chart_data", ErrRenderFailure, name)
}

func column(rows [][]any, idx int) []any {
	values := make([]any, len(rows))
	for i, row := range rows {
		values[i] = row[idx]
	}
	return values
}
