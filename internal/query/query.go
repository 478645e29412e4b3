package query

import (
	"context"
	"errors"
	"time"

	"github.com/tabletalk/tabletalk/internal/profile"
)

// Reserved names a fragment must bind for each interaction kind.
const (
	InputRelation = "df"
	OutputQuery   = "query_result"
	OutputChart   = "chart_data"
	LiteralFigure = "fig"
)

var (
	// ErrMissingResult means the fragment ran but never bound a required name.
	ErrMissingResult = errors.New("missing result")
	// ErrExecutionFailure means a statement was rejected or failed at run time.
	ErrExecutionFailure = errors.New("execution failure")
)

type Mode string

const (
	// ModePreview runs the fragment and reports only the result cardinality.
	ModePreview Mode = "preview"
	// ModeCommit runs the fragment and materializes the result rows.
	ModeCommit Mode = "commit"
)

type Dataset struct {
	Name       string
	ObjectPath string
	SizeBytes  int64
}

type Request struct {
	Dataset  Dataset
	Fragment Fragment
	Output   string
	Literals []string
	Mode     Mode
	RowLimit int
	Timeout  time.Duration
}

type Result struct {
	Output       string
	Columns      []string
	Rows         [][]any
	Cardinality  int64
	Truncated    bool
	Literals     map[string]string
	ScannedBytes int64
	Duration     time.Duration
}

// Scalar reports whether the result is a single value.
func (r Result) Scalar() bool {
	return len(r.Columns) == 1 && r.Cardinality == 1
}

type InspectOptions struct {
	MaxDistinct int
	Ignore      []string
}

type Inspection struct {
	Columns []profile.ColumnStats
	Summary profile.Summary
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
	Inspect(ctx context.Context, dataset Dataset, opts InspectOptions) (Inspection, error)
}
