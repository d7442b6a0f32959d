package store

import (
	"fmt"
	"strings"
)

// Cond is a composable, typed WHERE-clause fragment. Conditions are
// assembled from comparisons and boolean combinators, then rendered to
// positional placeholders in one pass, so query text is never built by
// concatenating caller input.
type Cond interface {
	build(b *condBuilder) string
}

type condBuilder struct {
	args []any
}

func (b *condBuilder) bind(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

type cmpCond struct {
	column string
	op     string
	value  any
}

func (c cmpCond) build(b *condBuilder) string {
	return c.column + " " + c.op + " " + b.bind(c.value)
}

type boolCond struct {
	op    string
	conds []Cond
}

func (c boolCond) build(b *condBuilder) string {
	parts := make([]string, 0, len(c.conds))
	for _, cond := range c.conds {
		parts = append(parts, cond.build(b))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " "+c.op+" ") + ")"
}

func Eq(column string, value any) Cond { return cmpCond{column, "=", value} }
func Lt(column string, value any) Cond { return cmpCond{column, "<", value} }

func And(conds ...Cond) Cond { return boolCond{"AND", conds} }
func Or(conds ...Cond) Cond  { return boolCond{"OR", conds} }

// BuildWhere renders cond to a WHERE clause starting at the given
// argument list. Returns the clause text and the full argument slice.
func BuildWhere(cond Cond, args ...any) (string, []any) {
	b := &condBuilder{args: args}
	clause := cond.build(b)
	return "WHERE " + clause, b.args
}
