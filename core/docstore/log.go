package docstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core/csql"
)

// LogQuery selects entries from a collection's revision log
type LogQuery struct {
	// ID restricts the log to a single document
	ID uuid.UUID
	// Cursor continues a previous query, see LogPage.Next
	Cursor string
	Limit  int
}

// LogPage is one page of log entries, newest first
type LogPage struct {
	Entries []Document
	// Next is the cursor for the following page, empty on the last page
	Next string
}

// ListLog pages backwards through the revision log. The collection must have
// been configured WithLog.
func (c *Collection) ListLog(ctx context.Context, q csql.Querier, lq LogQuery) (LogPage, error) {
	page := LogPage{Entries: []Document{}}
	if !c.config.WithLog {
		return page, fmt.Errorf("%s keeps no log", c.config.Resource)
	}
	if lq.Limit < 1 || lq.Limit > 100 {
		lq.Limit = 100
	}

	var (
		conditions = "TRUE"
		args       []interface{}
	)
	if lq.ID != uuid.Nil {
		args = append(args, lq.ID)
		conditions += fmt.Sprintf(" AND %s=$%d", c.idColumn, len(args))
	}
	if lq.Cursor != "" {
		cursor, err := DecodePaginationCursor(lq.Cursor)
		if err != nil {
			return page, err
		}
		args = append(args, cursor.Timestamp, cursor.ID, cursor.Revision)
		conditions += fmt.Sprintf(" AND (timestamp,%s,revision) < ($%d,$%d,$%d)", c.idColumn, len(args)-2, len(args)-1, len(args))
	}
	args = append(args, lq.Limit+1)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY timestamp DESC,%s DESC,revision DESC LIMIT $%d;",
		c.selectColumns, c.logTable, conditions, c.idColumn, len(args))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return page, fmt.Errorf("cannot list %s log: %w", c.config.Resource, err)
	}
	defer rows.Close()
	for rows.Next() {
		var doc Document
		values, columnValues := c.scanValues(&doc)
		if err := rows.Scan(values...); err != nil {
			return page, err
		}
		c.assignColumns(&doc, columnValues)
		page.Entries = append(page.Entries, doc)
	}
	if err := rows.Err(); err != nil {
		return page, err
	}

	if len(page.Entries) > lq.Limit {
		page.Entries = page.Entries[:lq.Limit]
		last := page.Entries[lq.Limit-1]
		page.Next = PaginationCursor{Timestamp: last.Timestamp, ID: last.ID, Revision: last.Revision}.Encode()
	}
	return page, nil
}
