package dataset

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"

	"github.com/tabletalk/tabletalk/internal/catalog"
)

type normalized struct {
	Columns  []catalog.Column
	RowCount int64
	Size     int64
}

// normalize rewrites sourcePath as a single Parquet file at outPath.
func normalize(ctx context.Context, sourcePath string, format Format, outPath string) (normalized, error) {
	if format == FormatXLSX {
		csvPath := sourcePath + ".csv"
		if err := convertWorkbook(sourcePath, csvPath); err != nil {
			return normalized{}, err
		}
		sourcePath, format = csvPath, FormatCSV
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return normalized{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	copySQL := fmt.Sprintf(`COPY (SELECT * FROM %s) TO %s (FORMAT PARQUET)`, readerExpr(format, sourcePath), quoteString(outPath))
	if _, err := db.ExecContext(ctx, copySQL); err != nil {
		return normalized{}, fmt.Errorf("%w: read %s content: %v", ErrLoadFailure, format, err)
	}

	rows, err := db.QueryContext(ctx, `DESCRIBE SELECT * FROM read_parquet(`+quoteString(outPath)+`)`)
	if err != nil {
		return normalized{}, fmt.Errorf("describe normalized dataset: %w", err)
	}
	defer func() { _ = rows.Close() }()

	fields, err := rows.Columns()
	if err != nil {
		return normalized{}, fmt.Errorf("describe columns: %w", err)
	}
	var out normalized
	for rows.Next() {
		values := make([]any, len(fields))
		targets := make([]any, len(fields))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return normalized{}, fmt.Errorf("scan describe row: %w", err)
		}
		// DESCRIBE yields column_name, column_type first.
		out.Columns = append(out.Columns, catalog.Column{Name: asString(values[0]), Type: asString(values[1])})
	}
	if err := rows.Err(); err != nil {
		return normalized{}, fmt.Errorf("iterate describe rows: %w", err)
	}

	count, names, size, err := inspectParquet(outPath)
	if err != nil {
		return normalized{}, err
	}
	if len(names) == 0 || len(out.Columns) == 0 {
		return normalized{}, fmt.Errorf("%w: dataset has no columns", ErrLoadFailure)
	}
	if len(names) != len(out.Columns) {
		return normalized{}, fmt.Errorf("normalized dataset has %d parquet columns, %d described", len(names), len(out.Columns))
	}
	out.RowCount = count
	out.Size = size
	return out, nil
}

func inspectParquet(path string) (int64, []string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("open normalized parquet: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return 0, nil, 0, fmt.Errorf("stat normalized parquet: %w", err)
	}
	parquetFile, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return 0, nil, 0, fmt.Errorf("read normalized parquet: %w", err)
	}
	fields := parquetFile.Schema().Fields()
	names := make([]string, 0, len(fields))
	for _, field := range fields {
		names = append(names, field.Name())
	}
	return parquetFile.NumRows(), names, info.Size(), nil
}

// convertWorkbook writes the first sheet of an XLSX workbook as CSV. The
// first row is the header; short rows are padded to the widest row.
func convertWorkbook(xlsxPath, csvPath string) error {
	workbook, err := excelize.OpenFile(xlsxPath)
	if err != nil {
		return fmt.Errorf("%w: open workbook: %v", ErrLoadFailure, err)
	}
	defer func() { _ = workbook.Close() }()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return fmt.Errorf("%w: workbook has no sheets", ErrLoadFailure)
	}
	rows, err := workbook.GetRows(sheets[0])
	if err != nil {
		return fmt.Errorf("%w: read sheet %q: %v", ErrLoadFailure, sheets[0], err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: sheet %q is empty", ErrLoadFailure, sheets[0])
	}

	width := 0
	for _, row := range rows {
		width = max(width, len(row))
	}
	if width == 0 {
		return fmt.Errorf("%w: sheet %q has no columns", ErrLoadFailure, sheets[0])
	}

	out, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("create converted csv: %w", err)
	}
	defer func() { _ = out.Close() }()

	writer := csv.NewWriter(out)
	for i, row := range rows {
		record := make([]string, width)
		copy(record, row)
		if i == 0 {
			for col := range record {
				if record[col] == "" {
					record[col] = "column" + strconv.Itoa(col)
				}
			}
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write converted csv: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush converted csv: %w", err)
	}
	return out.Close()
}

func asString(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	case nil:
		return ""
	default:
		return fmt.Sprint(typed)
	}
}
