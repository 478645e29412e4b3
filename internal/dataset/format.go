package dataset

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Format string

const (
	FormatCSV     Format = "csv"
	FormatTSV     Format = "tsv"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
	FormatXLSX    Format = "xlsx"
)

var extensionFormats = map[string]Format{
	".csv":     FormatCSV,
	".txt":     FormatCSV,
	".tsv":     FormatTSV,
	".tab":     FormatTSV,
	".json":    FormatJSON,
	".jsonl":   FormatJSON,
	".ndjson":  FormatJSON,
	".parquet": FormatParquet,
	".pq":      FormatParquet,
	".xlsx":    FormatXLSX,
	".xlsm":    FormatXLSX,
}

// DetectFormat picks the reader for an uploaded file from its extension.
func DetectFormat(filename string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	format, ok := extensionFormats[ext]
	if !ok {
		return "", fmt.Errorf("%w: unsupported file extension %q", ErrLoadFailure, ext)
	}
	return format, nil
}

// readerExpr returns the DuckDB table function that scans path.
func readerExpr(format Format, path string) string {
	quoted := quoteString(path)
	switch format {
	case FormatTSV:
		return fmt.Sprintf("read_csv_auto(%s, delim = '\\t', header = true)", quoted)
	case FormatJSON:
		return fmt.Sprintf("read_json_auto(%s)", quoted)
	case FormatParquet:
		return fmt.Sprintf("read_parquet(%s)", quoted)
	default:
		return fmt.Sprintf("read_csv_auto(%s, header = true)", quoted)
	}
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}
