package postgres

import (
	"strconv"
	"strings"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// listQuery assembles a filtered, paginated SELECT with positional args.
type listQuery struct {
	sb    strings.Builder
	args  []any
	where bool
}

func newListQuery(selectFrom string) *listQuery {
	q := &listQuery{}
	q.sb.WriteString(selectFrom)
	return q
}

// arg registers v and returns its placeholder.
func (q *listQuery) arg(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

// and adds "expr <op> $n" to the WHERE clause.
func (q *listQuery) and(expr, op string, v any) {
	if q.where {
		q.sb.WriteString(" AND ")
	} else {
		q.sb.WriteString(" WHERE ")
		q.where = true
	}
	q.sb.WriteString(expr + " " + op + " " + q.arg(v))
}

// filter applies the owner and time-window parts of opts. ownerExpr or
// timeCol may be empty to skip that filter.
func (q *listQuery) filter(opts domain.ListOpts, ownerExpr, timeCol string) {
	if opts.Owner != "" && ownerExpr != "" {
		q.and(ownerExpr, "=", opts.Owner)
	}
	if opts.Since != nil {
		q.and(timeCol, ">=", *opts.Since)
	}
	if opts.Until != nil {
		q.and(timeCol, "<=", *opts.Until)
	}
}

// page appends ORDER BY and the optional LIMIT/OFFSET.
func (q *listQuery) page(opts domain.ListOpts, orderBy string) {
	q.sb.WriteString(" ORDER BY " + orderBy)
	if opts.Limit > 0 {
		q.sb.WriteString(" LIMIT " + q.arg(opts.Limit))
	}
	if opts.Offset > 0 {
		q.sb.WriteString(" OFFSET " + q.arg(opts.Offset))
	}
}

func (q *listQuery) String() string { return q.sb.String() }
