package profile

import (
	"strconv"
	"strings"
)

type Bucket string

const (
	BucketNumeric     Bucket = "numeric"
	BucketCategorical Bucket = "categorical"
	BucketBoolean     Bucket = "boolean"
	BucketDate        Bucket = "date"
	BucketOther       Bucket = "other"
)

var numericTypes = map[string]bool{
	"TINYINT": true, "SMALLINT": true, "INTEGER": true, "BIGINT": true, "HUGEINT": true,
	"UTINYINT": true, "USMALLINT": true, "UINTEGER": true, "UBIGINT": true, "UHUGEINT": true,
	"FLOAT": true, "DOUBLE": true, "REAL": true, "DECIMAL": true, "NUMERIC": true,
	"INT": true, "INT1": true, "INT2": true, "INT4": true, "INT8": true, "FLOAT4": true, "FLOAT8": true,
}

var categoricalTypes = map[string]bool{
	"VARCHAR": true, "TEXT": true, "STRING": true, "CHAR": true, "BPCHAR": true, "ENUM": true, "UUID": true,
}

var dateTypes = map[string]bool{
	"DATE": true, "TIME": true, "TIMESTAMP": true, "TIMESTAMPTZ": true, "TIMESTAMP WITH TIME ZONE": true,
	"TIMESTAMP_S": true, "TIMESTAMP_MS": true, "TIMESTAMP_NS": true, "DATETIME": true, "TIME WITH TIME ZONE": true,
}

// Classify maps a DuckDB column type onto its profile bucket.
func Classify(columnType string) Bucket {
	upper := strings.ToUpper(strings.TrimSpace(columnType))
	if strings.HasSuffix(upper, "]") || strings.HasPrefix(upper, "STRUCT") || strings.HasPrefix(upper, "MAP") || strings.HasPrefix(upper, "UNION") {
		return BucketOther
	}
	if idx := strings.Index(upper, "("); idx >= 0 {
		upper = strings.TrimSpace(upper[:idx])
	}
	switch {
	case numericTypes[upper]:
		return BucketNumeric
	case categoricalTypes[upper]:
		return BucketCategorical
	case upper == "BOOLEAN" || upper == "BOOL":
		return BucketBoolean
	case dateTypes[upper]:
		return BucketDate
	default:
		return BucketOther
	}
}

// NeedsDistinct reports whether the bucket is described by its value set.
func (b Bucket) NeedsDistinct() bool {
	return b == BucketCategorical || b == BucketBoolean || b == BucketDate
}

type ColumnStats struct {
	Name     string
	Type     string
	Mean     *float64
	Std      *float64
	Distinct []string
	// Omitted counts distinct values left out by a configured cap.
	Omitted int64
}

type Column struct {
	Name   string
	Type   string
	Bucket Bucket
}

type Profile struct {
	Columns     []Column
	Numeric     []ColumnStats
	Categorical []ColumnStats
	Boolean     []ColumnStats
	Date        []ColumnStats
}

// Build places every column not named in ignore into exactly one bucket.
// Ignore matching is case-insensitive.
func Build(stats []ColumnStats, ignore []string) Profile {
	skip := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		skip[strings.ToLower(strings.TrimSpace(name))] = true
	}

	var p Profile
	for _, column := range stats {
		if skip[strings.ToLower(column.Name)] {
			continue
		}
		bucket := Classify(column.Type)
		p.Columns = append(p.Columns, Column{Name: column.Name, Type: column.Type, Bucket: bucket})
		switch bucket {
		case BucketNumeric:
			p.Numeric = append(p.Numeric, column)
		case BucketCategorical:
			p.Categorical = append(p.Categorical, column)
		case BucketBoolean:
			p.Boolean = append(p.Boolean, column)
		case BucketDate:
			p.Date = append(p.Date, column)
		}
	}
	return p
}

func (p Profile) Text() string {
	var b strings.Builder
	b.WriteString("Columns:")
	if len(p.Columns) == 0 {
		b.WriteString(" (none)")
	}
	for i, column := range p.Columns {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(" ")
		b.WriteString(column.Name)
		b.WriteString(" (")
		b.WriteString(column.Type)
		b.WriteString(")")
	}
	b.WriteString("\n")

	writeSection(&b, "Numeric columns", p.Numeric, func(column ColumnStats) string {
		return "mean=" + formatFloat(column.Mean) + ", std=" + formatFloat(column.Std)
	})
	writeSection(&b, "Categorical columns", p.Categorical, distinctLine)
	writeSection(&b, "Boolean columns", p.Boolean, distinctLine)
	writeSection(&b, "Date columns", p.Date, distinctLine)
	return b.String()
}

func writeSection(b *strings.Builder, title string, columns []ColumnStats, detail func(ColumnStats) string) {
	b.WriteString("\n")
	b.WriteString(title)
	b.WriteString(":\n")
	if len(columns) == 0 {
		b.WriteString("(none)\n")
		return
	}
	for _, column := range columns {
		b.WriteString("- ")
		b.WriteString(column.Name)
		b.WriteString(" (")
		b.WriteString(column.Type)
		b.WriteString("): ")
		b.WriteString(detail(column))
		b.WriteString("\n")
	}
}

func distinctLine(column ColumnStats) string {
	quoted := make([]string, 0, len(column.Distinct))
	for _, value := range column.Distinct {
		quoted = append(quoted, strconv.Quote(value))
	}
	line := "values [" + strings.Join(quoted, ", ") + "]"
	if column.Omitted > 0 {
		line += " (+" + strconv.FormatInt(column.Omitted, 10) + " more)"
	}
	return line
}

func formatFloat(value *float64) string {
	if value == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*value, 'g', 6, 64)
}
