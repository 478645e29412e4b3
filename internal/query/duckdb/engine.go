package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/storage"
)

type Options struct {
	// MemoryLimit is passed to DuckDB verbatim, e.g. "1GB".
	MemoryLimit string
	Threads     int
	Timeout     time.Duration
	ScratchDir  string
}

// Engine evaluates fragments against one dataset at a time. Every call
// gets its own in-memory database holding a private copy of the dataset,
// so nothing a fragment binds outlives the call.
type Engine struct {
	Store   storage.ObjectStore
	Options Options
}

var _ query.Engine = (*Engine)(nil)

func NewEngine(store storage.ObjectStore, opts Options) *Engine {
	return &Engine{Store: store, Options: opts}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	output := strings.ToLower(strings.TrimSpace(request.Output))
	if output == "" {
		return query.Result{}, fmt.Errorf("output name is required")
	}
	mode := request.Mode
	if mode == "" {
		mode = query.ModeCommit
	}
	if mode != query.ModePreview && mode != query.ModeCommit {
		return query.Result{}, fmt.Errorf("unsupported mode %q", mode)
	}

	timeout := request.Timeout
	if timeout <= 0 {
		timeout = e.Options.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	sandbox, err := e.open(ctx, request.Dataset)
	if err != nil {
		return query.Result{}, err
	}
	defer sandbox.close()

	literals := map[string]string{}
	for i, statement := range request.Fragment.Statements {
		if err := sandbox.run(ctx, statement, literals); err != nil {
			return query.Result{}, executionError(ctx, timeout, fmt.Sprintf("statement %d", i+1), err)
		}
	}

	binding, ok := request.Fragment.Binding(output)
	if !ok || binding.Kind != query.StatementRelation {
		return query.Result{}, fmt.Errorf("%w: %s was not bound to a query", query.ErrMissingResult, output)
	}
	for _, name := range request.Literals {
		if _, ok := literals[strings.ToLower(name)]; !ok {
			return query.Result{}, fmt.Errorf("%w: %s was not bound", query.ErrMissingResult, name)
		}
	}

	result := query.Result{
		Output:       output,
		Literals:     literals,
		ScannedBytes: request.Dataset.SizeBytes,
	}
	if err := sandbox.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quoteIdent(output)).Scan(&result.Cardinality); err != nil {
		return query.Result{}, executionError(ctx, timeout, "count "+output, err)
	}

	if mode == query.ModeCommit {
		limit := request.RowLimit
		sqlText := `SELECT * FROM ` + quoteIdent(output)
		if limit > 0 {
			sqlText = fmt.Sprintf("%s LIMIT %d", sqlText, limit)
		}
		columns, rows, err := sandbox.rows(ctx, sqlText)
		if err != nil {
			return query.Result{}, executionError(ctx, timeout, "read "+output, err)
		}
		result.Columns = columns
		result.Rows = rows
		result.Truncated = int64(len(rows)) < result.Cardinality
	}

	result.Duration = time.Since(start)
	return result, nil
}

func executionError(ctx context.Context, timeout time.Duration, step string, err error) error {
	if errors.Is(err, query.ErrExecutionFailure) || errors.Is(err, query.ErrMissingResult) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: timed out after %s", query.ErrExecutionFailure, step, timeout)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %v", query.ErrExecutionFailure, step, err)
}

const stagingPrefix = "__tabletalk_stage_"

type sandbox struct {
	db      *sql.DB
	workDir string
}

// open downloads the dataset, loads it as table df and then locks the
// database down so fragments cannot reach the filesystem or network.
func (e *Engine) open(ctx context.Context, dataset query.Dataset) (*sandbox, error) {
	if e.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if strings.TrimSpace(dataset.ObjectPath) == "" {
		return nil, fmt.Errorf("dataset object path is required")
	}

	workDir, err := os.MkdirTemp(e.Options.ScratchDir, "tabletalk-query-")
	if err != nil {
		return nil, fmt.Errorf("create query temp dir: %w", err)
	}
	s := &sandbox{workDir: workDir}

	reader, err := e.Store.Get(ctx, dataset.ObjectPath)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("get object %q: %w", dataset.ObjectPath, err)
	}
	localPath := filepath.Join(workDir, sanitizeFileComponent(dataset.Name)+".parquet")
	if err := writeFile(localPath, reader); err != nil {
		_ = reader.Close()
		s.close()
		return nil, fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	if err := reader.Close(); err != nil {
		s.close()
		return nil, fmt.Errorf("close object %q: %w", dataset.ObjectPath, err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db

	setup := make([]string, 0, 6)
	if e.Options.MemoryLimit != "" {
		setup = append(setup, `SET memory_limit = `+quoteString(e.Options.MemoryLimit))
	}
	if e.Options.Threads > 0 {
		setup = append(setup, fmt.Sprintf(`SET threads = %d`, e.Options.Threads))
	}
	setup = append(setup,
		fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(query.InputRelation), quoteString(localPath)),
		`SET enable_external_access = false`,
		`SET lock_configuration = true`,
	)
	for _, statement := range setup {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			s.close()
			return nil, fmt.Errorf("prepare dataset %q: %w", dataset.Name, err)
		}
	}
	return s, nil
}

func (s *sandbox) run(ctx context.Context, statement query.Statement, literals map[string]string) error {
	switch statement.Kind {
	case query.StatementLiteral:
		literals[statement.Target] = statement.Body
		return nil
	case query.StatementRelation:
		delete(literals, statement.Target)
		return s.bind(ctx, statement.Target, statement.Body)
	default:
		rows, err := s.db.QueryContext(ctx, statement.Body)
		if err != nil {
			return err
		}
		for rows.Next() {
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		return rows.Close()
	}
}

// bind materializes body as a temp table named target. The body is
// evaluated before the old binding is dropped, so it may read it, and
// rebinding a name later leaves relations built from it untouched.
func (s *sandbox) bind(ctx context.Context, target, body string) error {
	stage := `temp.` + quoteIdent(stagingPrefix+target)
	steps := []string{
		fmt.Sprintf(`CREATE OR REPLACE TEMP TABLE %s AS %s`, quoteIdent(stagingPrefix+target), body),
		`DROP TABLE IF EXISTS temp.` + quoteIdent(target),
		fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, stage, quoteIdent(target)),
	}
	for _, step := range steps {
		if _, err := s.db.ExecContext(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (s *sandbox) rows(ctx context.Context, sqlText string) ([]string, [][]any, error) {
	rows, err := s.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, resultRows, nil
}

func (s *sandbox) close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	_ = os.RemoveAll(s.workDir)
}
