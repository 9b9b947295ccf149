// Package querybuilder builds parameterized PostgreSQL SELECT statements for
// the filtered list queries of the stores.
package querybuilder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Op is a comparison operator allowed in a WHERE predicate
type Op string

const (
	Eq  Op = "="
	Gt  Op = ">"
	Gte Op = ">="
	Lt  Op = "<"
	Lte Op = "<="
)

func (o Op) valid() bool {
	switch o {
	case Eq, Gt, Gte, Lt, Lte:
		return true
	}
	return false
}

type predicate struct {
	column string
	op     Op
	value  any
}

// Select is a single-table SELECT whose predicates are joined with AND.
// Rows are always returned in ascending order of the order columns.
type Select struct {
	table      string
	columns    []string
	predicates []predicate
	order      []string
	limit      int
}

// From starts a SELECT of columns from table; no columns selects *
func From(table string, columns ...string) *Select {
	return &Select{table: table, columns: columns}
}

// Where adds column op value
func (s *Select) Where(column string, op Op, value any) *Select {
	s.predicates = append(s.predicates, predicate{column: column, op: op, value: value})
	return s
}

// EqIf adds column = value only when value is not the zero string. Filters
// use empty strings for "any".
func (s *Select) EqIf(column string, value string) *Select {
	if value == "" {
		return s
	}
	return s.Where(column, Eq, value)
}

// Within bounds column to [since, until]; nil ends are open
func (s *Select) Within(column string, since, until *time.Time) *Select {
	if since != nil {
		s.Where(column, Gte, *since)
	}
	if until != nil {
		s.Where(column, Lte, *until)
	}
	return s
}

// OrderBy appends ascending sort columns
func (s *Select) OrderBy(columns ...string) *Select {
	s.order = append(s.order, columns...)
	return s
}

// Limit caps the row count; n <= 0 leaves the query unbounded
func (s *Select) Limit(n int) *Select {
	s.limit = n
	return s
}

// Build renders the statement with $n placeholders and the matching arguments
func (s *Select) Build() (string, []any, error) {
	if s.table == "" {
		return "", nil, fmt.Errorf("select requires a table")
	}

	var b strings.Builder
	args := make([]any, 0, len(s.predicates)+1)
	bind := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	b.WriteString("SELECT ")
	if len(s.columns) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(s.columns, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(s.table)

	for i, p := range s.predicates {
		if !p.op.valid() {
			return "", nil, fmt.Errorf("unsupported operator %q on %s", p.op, p.column)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(p.column + " " + string(p.op) + " " + bind(p.value))
	}

	if len(s.order) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(s.order, " ASC, "))
		b.WriteString(" ASC")
	}

	if s.limit > 0 {
		b.WriteString(" LIMIT " + bind(s.limit))
	}

	return b.String(), args, nil
}
