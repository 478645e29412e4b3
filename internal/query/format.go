package query

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

// Text renders the materialized result the way it is shown to the answer
// synthesizer: the bare value for a scalar, an aligned table otherwise.
func (r Result) Text() string {
	if r.Scalar() && len(r.Rows) == 1 {
		return FormatValue(r.Rows[0][0])
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(r.Columns, "\t"))
	for _, row := range r.Rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = FormatValue(value)
		}
		_, _ = fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()
	if r.Truncated {
		fmt.Fprintf(&b, "(%d of %d rows shown)\n", len(r.Rows), r.Cardinality)
	}
	return b.String()
}

func FormatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case string:
		return typed
	case time.Time:
		if typed.Hour() == 0 && typed.Minute() == 0 && typed.Second() == 0 && typed.Nanosecond() == 0 {
			return typed.Format(time.DateOnly)
		}
		return typed.Format(time.RFC3339)
	case float64:
		return fmt.Sprintf("%g", typed)
	case float32:
		return fmt.Sprintf("%g", typed)
	default:
		return fmt.Sprint(typed)
	}
}
