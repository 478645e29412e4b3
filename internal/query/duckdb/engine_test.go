package duckdb

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/storage"
	"github.com/tabletalk/tabletalk/internal/storage/memory"
)

type row struct {
	ID     int64   `parquet:"id"`
	Region string  `parquet:"region"`
	Amount float64 `parquet:"amount"`
	Active bool    `parquet:"active"`
}

const objectPath = "tenant=t1/datasets/sales/v1.parquet"

func newTestEngine(t *testing.T, rows []row) (*Engine, query.Dataset) {
	t.Helper()
	parquetBytes, err := buildParquet(rows)
	if err != nil {
		t.Fatalf("buildParquet() error = %v", err)
	}
	store := memory.New()
	if _, err := store.Put(context.Background(), objectPath, bytes.NewReader(parquetBytes), int64(len(parquetBytes)), storage.PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	engine := NewEngine(store, Options{Timeout: 30 * time.Second, ScratchDir: t.TempDir()})
	return engine, query.Dataset{Name: "sales", ObjectPath: objectPath, SizeBytes: int64(len(parquetBytes))}
}

func salesRows() []row {
	return []row{
		{ID: 1, Region: "East", Amount: 10, Active: true},
		{ID: 2, Region: "West", Amount: 20, Active: false},
		{ID: 3, Region: "East", Amount: 30, Active: true},
	}
}

func mustParse(t *testing.T, source string) query.Fragment {
	t.Helper()
	fragment, err := query.ParseFragment(source)
	if err != nil {
		t.Fatalf("ParseFragment() error = %v", err)
	}
	return fragment
}

func TestExecuteCommitMaterializesOutput(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	result, err := engine.Execute(context.Background(), query.Request{
		Dataset: dataset,
		Fragment: mustParse(t, `
totals = SELECT region, SUM(amount) AS total FROM df GROUP BY region;
query_result = SELECT * FROM totals ORDER BY region`),
		Output: query.OutputQuery,
		Mode:   query.ModeCommit,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Cardinality != 2 || len(result.Rows) != 2 {
		t.Fatalf("Cardinality = %d, rows = %d", result.Cardinality, len(result.Rows))
	}
	if result.Rows[0][0] != "East" || result.Rows[0][1] != float64(40) {
		t.Fatalf("first row = %#v", result.Rows[0])
	}
	if result.Truncated {
		t.Fatal("result should not be truncated")
	}
	if result.ScannedBytes != dataset.SizeBytes {
		t.Fatalf("ScannedBytes = %d", result.ScannedBytes)
	}
}

func TestExecutePreviewReportsCardinalityOnly(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	result, err := engine.Execute(context.Background(), query.Request{
		Dataset:  dataset,
		Fragment: mustParse(t, `query_result = SELECT COUNT(*) AS n FROM df`),
		Output:   query.OutputQuery,
		Mode:     query.ModePreview,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Cardinality != 1 {
		t.Fatalf("Cardinality = %d, want 1", result.Cardinality)
	}
	if result.Rows != nil {
		t.Fatalf("preview should not materialize rows: %#v", result.Rows)
	}
}

func TestExecuteRowLimitMarksTruncated(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	result, err := engine.Execute(context.Background(), query.Request{
		Dataset:  dataset,
		Fragment: mustParse(t, `query_result = SELECT * FROM df`),
		Output:   query.OutputQuery,
		RowLimit: 2,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Cardinality != 3 || len(result.Rows) != 2 || !result.Truncated {
		t.Fatalf("Cardinality = %d rows = %d truncated = %v", result.Cardinality, len(result.Rows), result.Truncated)
	}
}

func TestExecuteMissingOutputReturnsMissingResult(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	_, err := engine.Execute(context.Background(), query.Request{
		Dataset:  dataset,
		Fragment: mustParse(t, `result = SELECT * FROM df`),
		Output:   query.OutputQuery,
	})
	if !errors.Is(err, query.ErrMissingResult) {
		t.Fatalf("error = %v, want ErrMissingResult", err)
	}
}

func TestExecuteMissingLiteralReturnsMissingResult(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	_, err := engine.Execute(context.Background(), query.Request{
		Dataset:  dataset,
		Fragment: mustParse(t, `chart_data = SELECT region, amount FROM df`),
		Output:   query.OutputChart,
		Literals: []string{query.LiteralFigure},
	})
	if !errors.Is(err, query.ErrMissingResult) {
		t.Fatalf("error = %v, want ErrMissingResult", err)
	}
}

func TestExecuteReturnsLiterals(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	result, err := engine.Execute(context.Background(), query.Request{
		Dataset: dataset,
		Fragment: mustParse(t, `chart_data = SELECT region, amount FROM df;
fig = {"type": "bar", "x": "region", "y": "amount"}`),
		Output:   query.OutputChart,
		Literals: []string{query.LiteralFigure},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Literals["fig"] == "" {
		t.Fatalf("Literals = %#v", result.Literals)
	}
}

func TestExecuteRuntimeErrorReturnsExecutionFailure(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	_, err := engine.Execute(context.Background(), query.Request{
		Dataset:  dataset,
		Fragment: mustParse(t, `query_result = SELECT no_such_column FROM df`),
		Output:   query.OutputQuery,
	})
	if !errors.Is(err, query.ErrExecutionFailure) {
		t.Fatalf("error = %v, want ErrExecutionFailure", err)
	}
}

func TestExecuteBlocksExternalAccess(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	_, err := engine.Execute(context.Background(), query.Request{
		Dataset:  dataset,
		Fragment: mustParse(t, `query_result = SELECT * FROM read_csv('/etc/passwd')`),
		Output:   query.OutputQuery,
	})
	if !errors.Is(err, query.ErrExecutionFailure) {
		t.Fatalf("error = %v, want ErrExecutionFailure", err)
	}
}

func TestExecuteBindingsDoNotLeakBetweenCalls(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	if _, err := engine.Execute(context.Background(), query.Request{
		Dataset:  dataset,
		Fragment: mustParse(t, `helper = SELECT 1 AS one; query_result = SELECT * FROM helper`),
		Output:   query.OutputQuery,
	}); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}

	_, err := engine.Execute(context.Background(), query.Request{
		Dataset:  dataset,
		Fragment: mustParse(t, `query_result = SELECT * FROM helper`),
		Output:   query.OutputQuery,
	})
	if !errors.Is(err, query.ErrExecutionFailure) {
		t.Fatalf("error = %v, want ErrExecutionFailure", err)
	}
}

func TestExecuteRebindingLeavesEarlierRelationsAlone(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	result, err := engine.Execute(context.Background(), query.Request{
		Dataset: dataset,
		Fragment: mustParse(t, `
a = SELECT * FROM df WHERE region = 'East';
query_result = SELECT * FROM a;
a = SELECT * FROM df LIMIT 0`),
		Output: query.OutputQuery,
		Mode:   query.ModePreview,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Cardinality != 2 {
		t.Fatalf("Cardinality = %d, want 2", result.Cardinality)
	}
}

func TestExecuteBindingCanReadItsPreviousValue(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	result, err := engine.Execute(context.Background(), query.Request{
		Dataset: dataset,
		Fragment: mustParse(t, `
query_result = SELECT * FROM df ORDER BY id;
query_result = SELECT * FROM query_result LIMIT 2`),
		Output: query.OutputQuery,
		Mode:   query.ModeCommit,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Cardinality != 2 || len(result.Rows) != 2 {
		t.Fatalf("Cardinality = %d, rows = %d", result.Cardinality, len(result.Rows))
	}
	if result.Rows[0][0] != int64(1) {
		t.Fatalf("first row = %#v", result.Rows[0])
	}
}

func TestExecuteSummarizeBinding(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	result, err := engine.Execute(context.Background(), query.Request{
		Dataset:  dataset,
		Fragment: mustParse(t, `query_result = SUMMARIZE df`),
		Output:   query.OutputQuery,
		Mode:     query.ModeCommit,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Cardinality != 4 {
		t.Fatalf("Cardinality = %d, want one row per column", result.Cardinality)
	}
}

func TestExecuteNonFiniteFloatsBecomeNull(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	result, err := engine.Execute(context.Background(), query.Request{
		Dataset:  dataset,
		Fragment: mustParse(t, `query_result = SELECT 'nan'::DOUBLE AS a, 'inf'::DOUBLE AS b, stddev(amount) FILTER (WHERE id = 1) AS c FROM df`),
		Output:   query.OutputQuery,
		Mode:     query.ModeCommit,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for i, value := range result.Rows[0] {
		if value != nil {
			t.Fatalf("column %s = %#v, want nil", result.Columns[i], value)
		}
	}
}

func TestExecuteUnknownObjectFails(t *testing.T) {
	engine, _ := newTestEngine(t, salesRows())

	_, err := engine.Execute(context.Background(), query.Request{
		Dataset:  query.Dataset{Name: "gone", ObjectPath: "tenant=t1/datasets/gone/v1.parquet"},
		Fragment: mustParse(t, `query_result = SELECT * FROM df`),
		Output:   query.OutputQuery,
	})
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("error = %v, want ErrObjectNotFound", err)
	}
}

func TestInspectBuildsColumnStats(t *testing.T) {
	engine, dataset := newTestEngine(t, salesRows())

	inspection, err := engine.Inspect(context.Background(), dataset, query.InspectOptions{Ignore: []string{"id"}})
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if len(inspection.Columns) != 3 {
		t.Fatalf("Columns = %#v", inspection.Columns)
	}
	byName := map[string]int{}
	for i, column := range inspection.Columns {
		byName[column.Name] = i
	}
	amount := inspection.Columns[byName["amount"]]
	if amount.Mean == nil || *amount.Mean != 20 {
		t.Fatalf("amount mean = %v", amount.Mean)
	}
	region := inspection.Columns[byName["region"]]
	if len(region.Distinct) != 2 || region.Distinct[0] != "East" || region.Distinct[1] != "West" {
		t.Fatalf("region distinct = %#v", region.Distinct)
	}
	active := inspection.Columns[byName["active"]]
	if len(active.Distinct) != 2 {
		t.Fatalf("active distinct = %#v", active.Distinct)
	}
	if inspection.Summary.RowCount != 3 {
		t.Fatalf("RowCount = %d", inspection.Summary.RowCount)
	}
	for _, summary := range inspection.Summary.Rows {
		if summary.Column == "id" {
			t.Fatal("ignored column present in summary")
		}
	}
}

func TestInspectCapsDistinctValues(t *testing.T) {
	engine, dataset := newTestEngine(t, []row{
		{ID: 1, Region: "A"}, {ID: 2, Region: "B"}, {ID: 3, Region: "C"}, {ID: 4, Region: "D"},
	})

	inspection, err := engine.Inspect(context.Background(), dataset, query.InspectOptions{MaxDistinct: 2})
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	for _, column := range inspection.Columns {
		if column.Name != "region" {
			continue
		}
		if len(column.Distinct) != 2 || column.Omitted != 2 {
			t.Fatalf("region Distinct = %#v Omitted = %d", column.Distinct, column.Omitted)
		}
		return
	}
	t.Fatal("region column missing")
}

func buildParquet(rows []row) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[row](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
