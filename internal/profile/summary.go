package profile

import (
	"strconv"
	"strings"
	"text/tabwriter"
)

// SummaryRow is one column of the dataset-wide descriptive summary.
type SummaryRow struct {
	Column      string
	Type        string
	Count       int64
	Distinct    int64
	NullPercent string
	Mean        string
	Std         string
	Min         string
	Q25         string
	Q50         string
	Q75         string
	Max         string
}

type Summary struct {
	RowCount int64
	Rows     []SummaryRow
}

func (s Summary) Text() string {
	var b strings.Builder
	b.WriteString("rows: ")
	b.WriteString(strconv.FormatInt(s.RowCount, 10))
	b.WriteString("\n")
	if len(s.Rows) == 0 {
		return b.String()
	}

	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	_, _ = w.Write([]byte("column\ttype\tcount\tmean\tstd\tmin\t25%\t50%\t75%\tmax\tdistinct\tnull%\n"))
	for _, row := range s.Rows {
		fields := []string{
			row.Column,
			row.Type,
			strconv.FormatInt(row.Count, 10),
			orNA(row.Mean),
			orNA(row.Std),
			orNA(row.Min),
			orNA(row.Q25),
			orNA(row.Q50),
			orNA(row.Q75),
			orNA(row.Max),
			strconv.FormatInt(row.Distinct, 10),
			orNA(row.NullPercent),
		}
		_, _ = w.Write([]byte(strings.Join(fields, "\t") + "\n"))
	}
	_ = w.Flush()
	return b.String()
}

func orNA(value string) string {
	if strings.TrimSpace(value) == "" {
		return "n/a"
	}
	return value
}
