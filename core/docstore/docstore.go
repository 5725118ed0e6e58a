/*Package docstore stores JSON documents in postgres tables.

Every resource gets its own table:

	<resource>_id uuid PRIMARY KEY
	timestamp     creation time, used for sorting and time range queries
	revision      incremented with every update
	properties    the JSON document
	<searchable>  varchar columns with an index, one per searchable property
	<external>    optional varchar column with a unique index for non-empty values

With WithLog, every written revision is also appended to "<resource>/log".

All operations take a csql.Querier, so callers decide whether they run inside a
transaction or not.
*/
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/schema"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a unique external index
	ErrConflict = errors.New("conflict")
	// ErrRevisionMismatch is returned when an update was based on an outdated revision
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Configuration describes one document collection
type Configuration struct {
	// Resource is the singular resource name, e.g. "item". The primary key is "<resource>_id".
	Resource string
	// ExternalIndex is an optional unique property, e.g. "sku"
	ExternalIndex string
	// SearchableProperties get their own indexed column
	SearchableProperties []string
	// SchemaID of the JSON schema each document is validated against. Empty disables validation.
	SchemaID string
	// WithLog keeps every revision in a log table
	WithLog bool
}

// Document is the stored form of one object
type Document struct {
	ID         uuid.UUID
	Timestamp  time.Time
	Revision   int
	Properties []byte
	// Columns holds the values of the searchable properties and the external index
	Columns map[string]string
}

// Collection gives access to the documents of one resource
type Collection struct {
	config    Configuration
	schema    string
	validator *schema.Validator

	table    string
	logTable string
	idColumn string
	columns  []string

	selectColumns string
	insertQuery   string
	updateQuery   string
	logQuery      string
}

// New returns a collection for the given database schema. Call CreateTable once
// before the collection is used against a fresh database.
func New(dbSchema string, validator *schema.Validator, config Configuration) *Collection {
	if dbSchema == "" {
		dbSchema = "public"
	}
	c := &Collection{
		config:    config,
		schema:    dbSchema,
		validator: validator,
		table:     fmt.Sprintf(`%s."%s"`, dbSchema, config.Resource),
		logTable:  fmt.Sprintf(`%s."%s/log"`, dbSchema, config.Resource),
		idColumn:  config.Resource + "_id",
	}
	c.columns = append(c.columns, config.SearchableProperties...)
	if config.ExternalIndex != "" {
		c.columns = append(c.columns, config.ExternalIndex)
	}

	if config.SchemaID != "" && !validator.HasSchema(config.SchemaID) {
		logger.Default().Errorf("invalid configuration for resource %s, schemaID %s is unknown. Validation is deactivated for this resource",
			config.Resource, config.SchemaID)
	}

	quoted := make([]string, len(c.columns))
	for i, column := range c.columns {
		quoted[i] = `"` + column + `"`
	}
	c.selectColumns = strings.Join(append([]string{c.idColumn, "timestamp", "revision", "properties"}, quoted...), ", ")

	insertColumns := append([]string{c.idColumn, "timestamp", "revision", "properties"}, quoted...)
	placeholders := []string{"$1", "$2", "1", "$3"}
	sets := []string{"revision=revision+1", "properties=$2"}
	for i := range c.columns {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+4))
		sets = append(sets, fmt.Sprintf("%s=$%d", quoted[i], i+3))
	}
	c.insertQuery = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING revision;",
		c.table, strings.Join(insertColumns, ", "), strings.Join(placeholders, ","))
	c.updateQuery = fmt.Sprintf("UPDATE %s SET %s WHERE %s=$1 AND ($%d=0 OR revision=$%d) RETURNING timestamp, revision;",
		c.table, strings.Join(sets, ", "), c.idColumn, len(c.columns)+3, len(c.columns)+3)

	logPlaceholders := []string{"$1", "$2", "$3", "$4"}
	for i := range c.columns {
		logPlaceholders = append(logPlaceholders, fmt.Sprintf("$%d", i+5))
	}
	c.logQuery = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		c.logTable, strings.Join(insertColumns, ", "), strings.Join(logPlaceholders, ","))
	return c
}

// Resource returns the resource name of the collection
func (c *Collection) Resource() string {
	return c.config.Resource
}

// CreateTable creates the table, its indices and the log table if they do not exist yet
func (c *Collection) CreateTable(ctx context.Context, q csql.Querier) error {
	this := c.config.Resource
	query := fmt.Sprintf(`CREATE table IF NOT EXISTS %s (%s uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
timestamp timestamp NOT NULL DEFAULT now(),
revision INTEGER NOT NULL DEFAULT 1,
properties json NOT NULL DEFAULT '{}'::jsonb);`, c.table, c.idColumn)
	query += fmt.Sprintf("CREATE index IF NOT EXISTS sort_index_%s_timestamp ON %s(timestamp);", this, c.table)

	for _, property := range c.config.SearchableProperties {
		query += fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS "%s" varchar NOT NULL DEFAULT '';`, c.table, property)
		query += fmt.Sprintf(`CREATE index IF NOT EXISTS searchable_property_%s_%s ON %s("%s");`, this, property, c.table, property)
	}
	if name := c.config.ExternalIndex; name != "" {
		query += fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS "%s" varchar NOT NULL DEFAULT '';`, c.table, name)
		query += fmt.Sprintf(`CREATE UNIQUE index IF NOT EXISTS external_index_%s_%s ON %s("%s") WHERE "%s" <> '';`,
			this, name, c.table, name, name)
	}

	if c.config.WithLog {
		query += fmt.Sprintf(`CREATE table IF NOT EXISTS %s (%s uuid NOT NULL,
timestamp timestamp NOT NULL DEFAULT now(),
revision INTEGER NOT NULL,
properties json NOT NULL);`, c.logTable, c.idColumn)
		query += fmt.Sprintf("CREATE index IF NOT EXISTS sort_index_%s_log_id ON %s(%s);", this, c.logTable, c.idColumn)
		query += fmt.Sprintf("CREATE index IF NOT EXISTS sort_index_%s_log_timestamp ON %s(timestamp);", this, c.logTable)
		for _, column := range c.columns {
			query += fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS "%s" varchar NOT NULL DEFAULT '';`, c.logTable, column)
		}
	}

	if _, err := q.ExecContext(ctx, query); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error while updating schema when running: %s", query)
		return fmt.Errorf("cannot create table for %s: %w", this, err)
	}
	return nil
}

func (c *Collection) validate(properties []byte) error {
	if c.config.SchemaID == "" || !c.validator.HasSchema(c.config.SchemaID) {
		return nil
	}
	return c.validator.ValidateString(string(properties), c.config.SchemaID)
}

func (c *Collection) columnValues(doc Document) []interface{} {
	values := make([]interface{}, len(c.columns))
	for i, column := range c.columns {
		values[i] = doc.Columns[column]
	}
	return values
}

func (c *Collection) scanValues(doc *Document, extra ...interface{}) ([]interface{}, []string) {
	columnValues := make([]string, len(c.columns))
	values := []interface{}{&doc.ID, &doc.Timestamp, &doc.Revision, &doc.Properties}
	for i := range columnValues {
		values = append(values, &columnValues[i])
	}
	return append(values, extra...), columnValues
}

func (c *Collection) assignColumns(doc *Document, columnValues []string) {
	doc.Columns = make(map[string]string, len(c.columns))
	for i, column := range c.columns {
		doc.Columns[column] = columnValues[i]
	}
}

// mapError translates driver errors into the package's sentinel errors
func (c *Collection) mapError(err error) error {
	if err == csql.ErrNoRows {
		return fmt.Errorf("no such %s: %w", c.config.Resource, ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s with this %s already exists: %w", c.config.Resource, c.config.ExternalIndex, ErrConflict)
		case "22P02": // invalid_text_representation, e.g. a malformed uuid
			return fmt.Errorf("no such %s: %w", c.config.Resource, ErrNotFound)
		}
	}
	return err
}

// Insert stores a new document. A nil ID is replaced with a fresh one, a zero
// timestamp with the current time. The returned document carries revision 1.
func (c *Collection) Insert(ctx context.Context, q csql.Querier, doc Document) (Document, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}
	if err := c.validate(doc.Properties); err != nil {
		return doc, err
	}
	args := append([]interface{}{doc.ID, doc.Timestamp, string(doc.Properties)}, c.columnValues(doc)...)
	if err := q.QueryRowContext(ctx, c.insertQuery, args...).Scan(&doc.Revision); err != nil {
		return doc, c.mapError(err)
	}
	return doc, c.appendLog(ctx, q, doc)
}

// Read returns the document with the given id
func (c *Collection) Read(ctx context.Context, q csql.Querier, id uuid.UUID) (Document, error) {
	return c.readWhere(ctx, q, c.idColumn+"=$1", "", id)
}

// ReadForUpdate reads the document and locks its row until the transaction ends
func (c *Collection) ReadForUpdate(ctx context.Context, q csql.Querier, id uuid.UUID) (Document, error) {
	return c.readWhere(ctx, q, c.idColumn+"=$1", " FOR UPDATE", id)
}

// ReadByExternalIndex returns the document whose external index equals value
func (c *Collection) ReadByExternalIndex(ctx context.Context, q csql.Querier, value string) (Document, error) {
	if c.config.ExternalIndex == "" {
		return Document{}, fmt.Errorf("%s has no external index", c.config.Resource)
	}
	return c.readWhere(ctx, q, `"`+c.config.ExternalIndex+`"=$1`, "", value)
}

func (c *Collection) readWhere(ctx context.Context, q csql.Querier, where, suffix string, arg interface{}) (Document, error) {
	var doc Document
	values, columnValues := c.scanValues(&doc)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s%s;", c.selectColumns, c.table, where, suffix)
	if err := q.QueryRowContext(ctx, query, arg).Scan(values...); err != nil {
		return doc, c.mapError(err)
	}
	c.assignColumns(&doc, columnValues)
	return doc, nil
}

// Update replaces the properties and columns of an existing document and increments
// its revision. If doc.Revision is not zero, it must match the stored revision.
func (c *Collection) Update(ctx context.Context, q csql.Querier, doc Document) (Document, error) {
	if err := c.validate(doc.Properties); err != nil {
		return doc, err
	}
	args := append([]interface{}{doc.ID, string(doc.Properties)}, c.columnValues(doc)...)
	args = append(args, doc.Revision)
	err := q.QueryRowContext(ctx, c.updateQuery, args...).Scan(&doc.Timestamp, &doc.Revision)
	if err == csql.ErrNoRows && doc.Revision != 0 {
		var revision int
		existsQuery := fmt.Sprintf("SELECT revision FROM %s WHERE %s=$1;", c.table, c.idColumn)
		if err := q.QueryRowContext(ctx, existsQuery, doc.ID).Scan(&revision); err == nil {
			return doc, fmt.Errorf("%s is at revision %d, not %d: %w", c.config.Resource, revision, doc.Revision, ErrRevisionMismatch)
		}
	}
	if err != nil {
		return doc, c.mapError(err)
	}
	return doc, c.appendLog(ctx, q, doc)
}

// Delete removes the document with the given id
func (c *Collection) Delete(ctx context.Context, q csql.Querier, id uuid.UUID) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s=$1 RETURNING %s;", c.table, c.idColumn, c.idColumn)
	var deleted uuid.UUID
	if err := q.QueryRowContext(ctx, query, id).Scan(&deleted); err != nil {
		return c.mapError(err)
	}
	return nil
}

func (c *Collection) appendLog(ctx context.Context, q csql.Querier, doc Document) error {
	if !c.config.WithLog {
		return nil
	}
	args := append([]interface{}{doc.ID, time.Now().UTC(), doc.Revision, string(doc.Properties)}, c.columnValues(doc)...)
	if _, err := q.ExecContext(ctx, c.logQuery, args...); err != nil {
		return fmt.Errorf("cannot append %s to log: %w", c.config.Resource, err)
	}
	return nil
}
