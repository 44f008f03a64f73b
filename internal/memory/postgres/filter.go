package postgres

import (
	"fmt"
	"strings"
)

// filter is a structured field→value equality mapping compiled into a SQL
// WHERE clause in exactly one place. Conditions are added once per call and
// the placeholder numbering is derived from the bound values, so the
// placeholder count can never drift from the argument count.
type filter struct {
	columns []string
	values  []any
}

func newFilter() *filter {
	return &filter{}
}

// add appends an equality condition on column.
func (f *filter) add(column string, value any) {
	f.columns = append(f.columns, column)
	f.values = append(f.values, value)
}

// clause renders the conditions as "col1 = $n AND col2 = $n+1 ..." starting
// at placeholder index start, and returns the bound values in matching
// order. With no conditions it renders the neutral TRUE.
func (f *filter) clause(start int) (string, []any) {
	if len(f.columns) == 0 {
		return "TRUE", nil
	}

	parts := make([]string, len(f.columns))
	for i, col := range f.columns {
		parts[i] = fmt.Sprintf("%s = $%d", col, start+i)
	}
	return strings.Join(parts, " AND "), f.values
}
