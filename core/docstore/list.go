package docstore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/relabs-tech/hotelier/core/csql"
)

// Filter operators
const (
	OperatorEqual = "="
	OperatorLike  = "~"
)

var propertyNameExpression = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Filter restricts a list to documents whose property matches a value.
//
// With OperatorLike the match is a case insensitive substring match, unless the
// value contains its own '%' wildcards.
type Filter struct {
	Property string
	Operator string
	Value    string
}

// ParseFilter parses "property=value" or "property~value"
func ParseFilter(s string) (Filter, error) {
	i := strings.IndexAny(s, "=~")
	if i < 1 {
		return Filter{}, fmt.Errorf("cannot parse filter, must be of type property=value or property~value")
	}
	f := Filter{Property: s[:i], Operator: s[i : i+1], Value: s[i+1:]}
	if !propertyNameExpression.MatchString(f.Property) {
		return Filter{}, fmt.Errorf("invalid filter property '%s'", f.Property)
	}
	return f, nil
}

// Equal is a shortcut for an equality filter
func Equal(property, value string) Filter {
	return Filter{Property: property, Operator: OperatorEqual, Value: value}
}

// ListOptions controls List
type ListOptions struct {
	Filters []Filter
	// Limit is the page size, 1 to 100. Zero means 100.
	Limit int
	// Page starts at 1. Zero means 1.
	Page int
	// From and Until restrict the creation timestamp, zero values are ignored
	From      time.Time
	Until     time.Time
	Ascending bool
}

// Pagination describes the page returned by List
type Pagination struct {
	Limit       int
	TotalCount  int
	PageCount   int
	CurrentPage int
	Until       time.Time
}

func (o ListOptions) normalized() ListOptions {
	if o.Limit < 1 || o.Limit > 100 {
		o.Limit = 100
	}
	if o.Page < 1 {
		o.Page = 1
	}
	return o
}

func (c *Collection) isColumn(property string) bool {
	if property == c.idColumn {
		return true
	}
	for _, column := range c.columns {
		if column == property {
			return true
		}
	}
	return false
}

// whereClause builds the filter conditions, starting at parameter index first
func (c *Collection) whereClause(filters []Filter, first int) (string, []interface{}, error) {
	var (
		conditions []string
		args       []interface{}
	)
	for i, f := range filters {
		if !propertyNameExpression.MatchString(f.Property) {
			return "", nil, fmt.Errorf("invalid filter property '%s'", f.Property)
		}
		target := fmt.Sprintf("properties->>'%s'", f.Property)
		if c.isColumn(f.Property) {
			target = `"` + f.Property + `"`
			if f.Property == c.idColumn {
				target += "::text"
			}
		}
		value := f.Value
		switch f.Operator {
		case OperatorEqual:
			conditions = append(conditions, fmt.Sprintf("(%s=$%d)", target, first+i))
		case OperatorLike:
			if !strings.Contains(value, "%") {
				value = "%" + value + "%"
			}
			conditions = append(conditions, fmt.Sprintf("(%s ILIKE $%d)", target, first+i))
		default:
			return "", nil, fmt.Errorf("unknown filter operator '%s'", f.Operator)
		}
		args = append(args, value)
	}
	return strings.Join(conditions, " AND "), args, nil
}

func (c *Collection) listQuery(opts ListOptions) (string, []interface{}, error) {
	opts = opts.normalized()
	query := fmt.Sprintf("SELECT %s, count(*) OVER() AS full_count FROM %s WHERE ($1 OR timestamp<=$2) AND ($3 OR timestamp>=$4) ",
		c.selectColumns, c.table)
	args := []interface{}{opts.Until.IsZero(), opts.Until.UTC(), opts.From.IsZero(), opts.From.UTC()}

	where, filterArgs, err := c.whereClause(opts.Filters, len(args)+1)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		query += "AND " + where + " "
	}
	args = append(args, filterArgs...)

	order := "DESC"
	if opts.Ascending {
		order = "ASC"
	}
	query += fmt.Sprintf("ORDER BY timestamp %s,%s %s LIMIT $%d OFFSET $%d;", order, c.idColumn, order, len(args)+1, len(args)+2)
	args = append(args, opts.Limit, (opts.Page-1)*opts.Limit)
	return query, args, nil
}

// List returns one page of documents matching the options, newest first unless
// Ascending is set.
func (c *Collection) List(ctx context.Context, q csql.Querier, opts ListOptions) ([]Document, Pagination, error) {
	opts = opts.normalized()
	pagination := Pagination{Limit: opts.Limit, CurrentPage: opts.Page, Until: opts.Until}

	query, args, err := c.listQuery(opts)
	if err != nil {
		return nil, pagination, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pagination, fmt.Errorf("cannot list %s: %w", c.config.Resource, err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var doc Document
		values, columnValues := c.scanValues(&doc, &pagination.TotalCount)
		if err := rows.Scan(values...); err != nil {
			return nil, pagination, fmt.Errorf("cannot scan %s: %w", c.config.Resource, err)
		}
		c.assignColumns(&doc, columnValues)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, pagination, err
	}

	if len(docs) == 0 && opts.Page > 1 {
		// the window function does not report a total beyond the last page
		pagination.TotalCount, err = c.Count(ctx, q, opts.Filters...)
		if err != nil {
			return nil, pagination, err
		}
	}
	pagination.PageCount = ((pagination.TotalCount - 1) / opts.Limit) + 1
	return docs, pagination, nil
}

// Count returns the number of documents matching all filters
func (c *Collection) Count(ctx context.Context, q csql.Querier, filters ...Filter) (int, error) {
	query := fmt.Sprintf("SELECT count(*) FROM %s", c.table)
	where, args, err := c.whereClause(filters, 1)
	if err != nil {
		return 0, err
	}
	if where != "" {
		query += " WHERE " + where
	}
	var count int
	if err := q.QueryRowContext(ctx, query+";", args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("cannot count %s: %w", c.config.Resource, err)
	}
	return count, nil
}

// Select returns all documents matching the filters, oldest first. With forUpdate
// the rows stay locked until the transaction ends. The rows are fully read before
// Select returns, so the caller may issue further queries on the same transaction.
func (c *Collection) Select(ctx context.Context, q csql.Querier, forUpdate bool, filters ...Filter) ([]Document, error) {
	where, args, err := c.whereClause(filters, 1)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s", c.selectColumns, c.table)
	if where != "" {
		query += " WHERE " + where
	}
	query += fmt.Sprintf(" ORDER BY timestamp ASC,%s ASC", c.idColumn)
	if forUpdate {
		query += " FOR UPDATE"
	}
	rows, err := q.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("cannot select %s: %w", c.config.Resource, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		values, columnValues := c.scanValues(&doc)
		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("cannot scan %s: %w", c.config.Resource, err)
		}
		c.assignColumns(&doc, columnValues)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ForEach calls fn for every document matching the filters, oldest first. It
// stops at the first error fn returns.
func (c *Collection) ForEach(ctx context.Context, q csql.Querier, fn func(doc Document) error, filters ...Filter) error {
	docs, err := c.Select(ctx, q, false, filters...)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}
