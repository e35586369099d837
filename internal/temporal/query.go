// Package temporal rewrites queries over versioned tables so that every
// table touched by a query, including tables reached through joins, is
// restricted to the rows valid at one reference time. The rewrite is an
// explicit builder pass over the join graph rather than introspection of a
// finished query.
package temporal

import (
	"fmt"
	"strings"

	"github.com/chronicle-db/chronicle/internal/domain"
)

type joinKind string

const (
	joinInner joinKind = "JOIN"
	joinLeft  joinKind = "LEFT JOIN"
)

type table struct {
	name      string
	alias     string
	versioned bool
	kind      joinKind // empty for the FROM table
	on        []string
	scope     []string
	pinned    bool
}

// Query builds a SELECT over one root table and any number of joined
// tables. Tables flagged versioned receive interval predicates when a
// QueryTime is applied; plain tables are left untouched. Interval
// predicates land in the JOIN condition for joined tables and in the WHERE
// clause for the root, mirroring how a point-in-time join must pair only
// contemporaneous versions.
type Query struct {
	b      *Builder
	tables []*table
	where  []string
	order  string
	limit  string
	offset string
}

// NewQuery starts a query whose root table is versioned.
func NewQuery(name, alias string) *Query {
	return &Query{
		b:      NewBuilder(),
		tables: []*table{{name: name, alias: alias, versioned: true}},
	}
}

// NewPlainQuery starts a query whose root table carries no version columns.
func NewPlainQuery(name, alias string) *Query {
	q := NewQuery(name, alias)
	q.tables[0].versioned = false
	return q
}

// Arg registers a query argument and returns its placeholder.
func (q *Query) Arg(value any) string {
	return q.b.Placeholder(q.b.AddArg(value))
}

// Join adds an inner join against a versioned table.
func (q *Query) Join(name, alias, on string) *Query {
	q.tables = append(q.tables, &table{name: name, alias: alias, versioned: true, kind: joinInner, on: []string{on}})
	return q
}

// JoinPlain adds an inner join against an unversioned table.
func (q *Query) JoinPlain(name, alias, on string) *Query {
	q.tables = append(q.tables, &table{name: name, alias: alias, kind: joinInner, on: []string{on}})
	return q
}

// LeftJoin adds a left join against a versioned table.
func (q *Query) LeftJoin(name, alias, on string) *Query {
	q.tables = append(q.tables, &table{name: name, alias: alias, versioned: true, kind: joinLeft, on: []string{on}})
	return q
}

// Where appends a predicate to the WHERE clause.
func (q *Query) Where(cond string) *Query {
	q.where = append(q.where, cond)
	return q
}

// OrderBy sets the ORDER BY clause.
func (q *Query) OrderBy(expr string) *Query {
	q.order = expr
	return q
}

// Limit adds a LIMIT bound as a query argument.
func (q *Query) Limit(n int) *Query {
	q.limit = q.Arg(n)
	return q
}

// Offset adds an OFFSET as a query argument.
func (q *Query) Offset(n int) *Query {
	q.offset = q.Arg(n)
	return q
}

// Apply restricts every versioned table that has not been pinned yet to
// the rows valid at qt. Applying the same or another QueryTime again is a
// no-op for tables already pinned, which makes the pass idempotent and
// lets filters chained through several relationship hops share one
// reference time.
func (q *Query) Apply(qt domain.QueryTime) *Query {
	for _, t := range q.tables {
		q.pin(t, qt)
	}
	return q
}

// ApplyTo pins a single table to its own reference time, overriding the
// time a later Apply would use. Unknown aliases are reported so a typo
// cannot silently leave a table unrestricted.
func (q *Query) ApplyTo(alias string, qt domain.QueryTime) error {
	for _, t := range q.tables {
		if t.alias == alias {
			if !t.versioned {
				return fmt.Errorf("table %s (%s) is not versioned", t.name, alias)
			}
			q.pin(t, qt)
			return nil
		}
	}
	return fmt.Errorf("no table with alias %s in query", alias)
}

func (q *Query) pin(t *table, qt domain.QueryTime) {
	if !t.versioned || t.pinned {
		return
	}
	t.scope = intervalPredicates(qt, t.alias, q.b)
	t.pinned = true
}

// intervalPredicates renders the validity restriction for one table alias.
// Current mode keeps only open rows; as-of mode keeps rows whose interval
// contains the instant; unrestricted mode adds nothing.
func intervalPredicates(qt domain.QueryTime, alias string, b *Builder) []string {
	if qt.IsUnrestricted() {
		return nil
	}
	if at, ok := qt.Time(); ok {
		ph := b.Placeholder(b.AddArg(at))
		return []string{
			fmt.Sprintf("%s.version_start_date <= %s", alias, ph),
			fmt.Sprintf("(%s.version_end_date IS NULL OR %s.version_end_date > %s)", alias, alias, ph),
		}
	}
	return []string{fmt.Sprintf("%s.version_end_date IS NULL", alias)}
}

// SQL renders the final statement for the given select list, together with
// the arguments in placeholder order.
func (q *Query) SQL(selectList string) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(selectList)
	sb.WriteString(" ")
	sb.WriteString(q.fromClause())

	if q.order != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(q.order)
	}
	if q.limit != "" {
		sb.WriteString(" LIMIT ")
		sb.WriteString(q.limit)
	}
	if q.offset != "" {
		sb.WriteString(" OFFSET ")
		sb.WriteString(q.offset)
	}

	return sb.String(), q.b.Args()
}

// CountSQL renders a COUNT(*) variant without ordering or pagination. The
// returned arguments include any LIMIT and OFFSET values registered on the
// query, so CountSQL must be rendered from a query without them, or before
// they are added.
func (q *Query) CountSQL() (string, []any) {
	return "SELECT COUNT(*) " + q.fromClause(), q.b.Args()
}

func (q *Query) fromClause() string {
	var sb strings.Builder

	root := q.tables[0]
	sb.WriteString("FROM ")
	sb.WriteString(root.name)
	sb.WriteString(" ")
	sb.WriteString(root.alias)

	for _, t := range q.tables[1:] {
		sb.WriteString(" ")
		sb.WriteString(string(t.kind))
		sb.WriteString(" ")
		sb.WriteString(t.name)
		sb.WriteString(" ")
		sb.WriteString(t.alias)
		sb.WriteString(" ON ")
		conds := append(append([]string{}, t.on...), t.scope...)
		sb.WriteString(strings.Join(conds, " AND "))
	}

	where := append(append([]string{}, q.where...), root.scope...)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}

	return sb.String()
}
