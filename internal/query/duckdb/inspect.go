package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tabletalk/tabletalk/internal/profile"
	"github.com/tabletalk/tabletalk/internal/query"
)

// Inspect computes the per-column statistics the schema profile is built
// from, plus the dataset-wide summary.
func (e *Engine) Inspect(ctx context.Context, dataset query.Dataset, opts query.InspectOptions) (query.Inspection, error) {
	if e.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Options.Timeout)
		defer cancel()
	}

	sandbox, err := e.open(ctx, dataset)
	if err != nil {
		return query.Inspection{}, err
	}
	defer sandbox.close()

	skip := make(map[string]bool, len(opts.Ignore))
	for _, name := range opts.Ignore {
		skip[strings.ToLower(strings.TrimSpace(name))] = true
	}

	described, err := sandbox.describe(ctx)
	if err != nil {
		return query.Inspection{}, err
	}

	var inspection query.Inspection
	for _, column := range described {
		if skip[strings.ToLower(column.Name)] {
			continue
		}
		bucket := profile.Classify(column.Type)
		switch {
		case bucket == profile.BucketNumeric:
			column.Mean, column.Std, err = sandbox.moments(ctx, column.Name)
		case bucket.NeedsDistinct():
			column.Distinct, column.Omitted, err = sandbox.distinct(ctx, column.Name, opts.MaxDistinct)
		}
		if err != nil {
			return query.Inspection{}, fmt.Errorf("inspect column %q: %w", column.Name, err)
		}
		inspection.Columns = append(inspection.Columns, column)
	}

	if err := sandbox.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quoteIdent(query.InputRelation)).Scan(&inspection.Summary.RowCount); err != nil {
		return query.Inspection{}, fmt.Errorf("count dataset rows: %w", err)
	}
	inspection.Summary.Rows, err = sandbox.summarize(ctx, skip)
	if err != nil {
		return query.Inspection{}, err
	}
	return inspection, nil
}

func (s *sandbox) describe(ctx context.Context) ([]profile.ColumnStats, error) {
	columns, rows, err := s.rows(ctx, `DESCRIBE `+quoteIdent(query.InputRelation))
	if err != nil {
		return nil, fmt.Errorf("describe dataset: %w", err)
	}
	nameIdx, typeIdx := indexOf(columns, "column_name"), indexOf(columns, "column_type")
	if nameIdx < 0 || typeIdx < 0 {
		return nil, fmt.Errorf("describe dataset: unexpected columns %v", columns)
	}
	out := make([]profile.ColumnStats, 0, len(rows))
	for _, row := range rows {
		out = append(out, profile.ColumnStats{
			Name: fmt.Sprint(row[nameIdx]),
			Type: fmt.Sprint(row[typeIdx]),
		})
	}
	return out, nil
}

func (s *sandbox) moments(ctx context.Context, column string) (*float64, *float64, error) {
	ident := quoteIdent(column)
	var mean, std sql.NullFloat64
	sqlText := fmt.Sprintf(`SELECT avg(%s)::DOUBLE, stddev_samp(%s)::DOUBLE FROM %s`, ident, ident, quoteIdent(query.InputRelation))
	if err := s.db.QueryRowContext(ctx, sqlText).Scan(&mean, &std); err != nil {
		return nil, nil, err
	}
	return nullFloat(mean), nullFloat(std), nil
}

func (s *sandbox) distinct(ctx context.Context, column string, max int) ([]string, int64, error) {
	ident := quoteIdent(column)
	sqlText := fmt.Sprintf(`SELECT DISTINCT CAST(%s AS VARCHAR) AS v FROM %s WHERE %s IS NOT NULL ORDER BY v`, ident, quoteIdent(query.InputRelation), ident)
	if max > 0 {
		sqlText = fmt.Sprintf("%s LIMIT %d", sqlText, max+1)
	}
	rows, err := s.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, 0, err
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if max <= 0 || len(values) <= max {
		return values, 0, nil
	}

	var total int64
	countSQL := fmt.Sprintf(`SELECT COUNT(DISTINCT %s) FROM %s`, ident, quoteIdent(query.InputRelation))
	if err := s.db.QueryRowContext(ctx, countSQL).Scan(&total); err != nil {
		return nil, 0, err
	}
	return values[:max], total - int64(max), nil
}

func (s *sandbox) summarize(ctx context.Context, skip map[string]bool) ([]profile.SummaryRow, error) {
	columns, rows, err := s.rows(ctx, `SUMMARIZE `+quoteIdent(query.InputRelation))
	if err != nil {
		return nil, fmt.Errorf("summarize dataset: %w", err)
	}
	field := func(row []any, name string) string {
		idx := indexOf(columns, name)
		if idx < 0 || row[idx] == nil {
			return ""
		}
		return query.FormatValue(row[idx])
	}

	out := make([]profile.SummaryRow, 0, len(rows))
	for _, row := range rows {
		summary := profile.SummaryRow{
			Column:      field(row, "column_name"),
			Type:        field(row, "column_type"),
			Mean:        field(row, "avg"),
			Std:         field(row, "std"),
			Min:         field(row, "min"),
			Q25:         field(row, "q25"),
			Q50:         field(row, "q50"),
			Q75:         field(row, "q75"),
			Max:         field(row, "max"),
			NullPercent: field(row, "null_percentage"),
		}
		if skip[strings.ToLower(summary.Column)] {
			continue
		}
		summary.Count = toInt64(row, indexOf(columns, "count"))
		summary.Distinct = toInt64(row, indexOf(columns, "approx_unique"))
		out = append(out, summary)
	}
	return out, nil
}

func indexOf(columns []string, name string) int {
	for i, column := range columns {
		if column == name {
			return i
		}
	}
	return -1
}

func toInt64(row []any, idx int) int64 {
	if idx < 0 {
		return 0
	}
	switch typed := row[idx].(type) {
	case int64:
		return typed
	case int32:
		return int64(typed)
	case int:
		return int64(typed)
	case uint64:
		return int64(typed)
	case float64:
		return int64(typed)
	default:
		return 0
	}
}

func nullFloat(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	v := value.Float64
	return &v
}
