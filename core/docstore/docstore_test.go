package docstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/hotelier/core/schema"
)

func itemCollection(validator *schema.Validator) *Collection {
	return New("hotel", validator, Configuration{
		Resource:             "item",
		ExternalIndex:        "sku",
		SearchableProperties: []string{"category_id", "status"},
		SchemaID:             "https://hotelier.example/schemas/item.json",
		WithLog:              true,
	})
}

var itemColumns = []string{"item_id", "timestamp", "revision", "properties", "category_id", "status", "sku"}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("status=low_stock")
	require.NoError(t, err)
	assert.Equal(t, Filter{Property: "status", Operator: OperatorEqual, Value: "low_stock"}, f)

	f, err = ParseFilter("name~tow=el")
	require.NoError(t, err)
	assert.Equal(t, Filter{Property: "name", Operator: OperatorLike, Value: "tow=el"}, f)

	for _, invalid := range []string{"status", "=x", "name'; drop table x;--=1", "Name=x"} {
		_, err = ParseFilter(invalid)
		assert.Error(t, err, invalid)
	}
}

func TestListQuery(t *testing.T) {
	c := itemCollection(nil)
	query, args, err := c.listQuery(ListOptions{
		Filters: []Filter{Equal("status", "low_stock"), {Property: "name", Operator: OperatorLike, Value: "towel"}},
		Limit:   20,
		Page:    3,
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT item_id, timestamp, revision, properties, "category_id", "status", "sku", count(*) OVER() AS full_count `+
		`FROM hotel."item" WHERE ($1 OR timestamp<=$2) AND ($3 OR timestamp>=$4) `+
		`AND ("status"=$5) AND (properties->>'name' ILIKE $6) ORDER BY timestamp DESC,item_id DESC LIMIT $7 OFFSET $8;`, query)
	require.Len(t, args, 8)
	assert.Equal(t, "low_stock", args[4])
	assert.Equal(t, "%towel%", args[5])
	assert.Equal(t, 20, args[6])
	assert.Equal(t, 40, args[7])

	_, _, err = c.listQuery(ListOptions{Filters: []Filter{{Property: "name", Operator: ">", Value: "x"}}})
	assert.Error(t, err)
}

func TestInsertConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := itemCollection(nil)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO hotel."item"`)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err = c.Insert(context.Background(), db, Document{
		Properties: []byte(`{"sku":"TWL-1"}`),
		Columns:    map[string]string{"sku": "TWL-1"},
	})
	assert.True(t, errors.Is(err, ErrConflict), "expected conflict, got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWritesLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := itemCollection(nil)
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO hotel."item" (item_id, timestamp, revision, properties, "category_id", "status", "sku") VALUES ($1,$2,1,$3,$4,$5,$6) RETURNING revision;`)).
		WithArgs(id, sqlmock.AnyArg(), `{"name":"Towel"}`, "", "in_stock", "TWL-1").
		WillReturnRows(sqlmock.NewRows([]string{"revision"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO hotel."item/log"`)).
		WithArgs(id, sqlmock.AnyArg(), 1, `{"name":"Towel"}`, "", "in_stock", "TWL-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	doc, err := c.Insert(context.Background(), db, Document{
		ID:         id,
		Properties: []byte(`{"name":"Towel"}`),
		Columns:    map[string]string{"status": "in_stock", "sku": "TWL-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Revision)
	assert.False(t, doc.Timestamp.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := itemCollection(nil)
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM hotel."item" WHERE item_id=$1 FOR UPDATE;`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(itemColumns))

	_, err = c.ReadForUpdate(context.Background(), db, id)
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := itemCollection(nil)
	id := uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE "sku"=$1;`)).
		WithArgs("TWL-1").
		WillReturnRows(sqlmock.NewRows(itemColumns).AddRow(id.String(), now, 3, []byte(`{"name":"Towel"}`), "c1", "low_stock", "TWL-1"))

	doc, err := c.ReadByExternalIndex(context.Background(), db, "TWL-1")
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, 3, doc.Revision)
	assert.Equal(t, "low_stock", doc.Columns["status"])
	assert.JSONEq(t, `{"name":"Towel"}`, string(doc.Properties))
}

func TestUpdateRevisionMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := itemCollection(nil)
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE hotel."item" SET revision=revision+1, properties=$2, "category_id"=$3, "status"=$4, "sku"=$5 WHERE item_id=$1 AND ($6=0 OR revision=$6)`)).
		WithArgs(id, `{}`, "", "", "", 2).
		WillReturnRows(sqlmock.NewRows([]string{"timestamp", "revision"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT revision FROM hotel."item" WHERE item_id=$1;`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"revision"}).AddRow(5))

	_, err = c.Update(context.Background(), db, Document{ID: id, Revision: 2, Properties: []byte(`{}`)})
	assert.True(t, errors.Is(err, ErrRevisionMismatch), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := itemCollection(nil)
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM hotel."item" WHERE item_id=$1 RETURNING item_id;`)).
		WillReturnRows(sqlmock.NewRows([]string{"item_id"}))
	err = c.Delete(context.Background(), db, uuid.New())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListPagination(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := itemCollection(nil)
	now := time.Now().UTC()
	rows := sqlmock.NewRows(append(itemColumns, "full_count")).
		AddRow(uuid.New().String(), now, 1, []byte(`{}`), "", "in_stock", "A", 5).
		AddRow(uuid.New().String(), now, 1, []byte(`{}`), "", "in_stock", "B", 5)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM hotel."item" WHERE`)).WillReturnRows(rows)

	docs, pagination, err := c.List(context.Background(), db, ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.Equal(t, 5, pagination.TotalCount)
	assert.Equal(t, 3, pagination.PageCount)
	assert.Equal(t, 1, pagination.CurrentPage)
}

func TestValidationRejectsDocument(t *testing.T) {
	validator, err := schema.NewValidator([]string{`{
		"$id": "https://hotelier.example/schemas/item.json",
		"type": "object",
		"required": ["name"],
		"properties": {"quantity": {"type": "integer", "minimum": 0}}
	}`}, nil)
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := itemCollection(validator)
	_, err = c.Insert(context.Background(), db, Document{Properties: []byte(`{"name":"Towel","quantity":-1}`)})
	var verr *schema.ValidationError
	assert.True(t, errors.As(err, &verr))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorEncoding(t *testing.T) {
	original := PaginationCursor{
		Timestamp: time.Date(2025, 6, 17, 10, 30, 0, 0, time.UTC),
		ID:        uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		Revision:  7,
	}
	encoded := original.Encode()
	if encoded == "" {
		t.Fatal("Expected non-empty encoded cursor")
	}
	decoded, err := DecodePaginationCursor(encoded)
	if err != nil {
		t.Fatalf("Failed to decode cursor: %v", err)
	}
	if !decoded.Timestamp.Equal(original.Timestamp) || decoded.ID != original.ID || decoded.Revision != 7 {
		t.Fatalf("Expected %+v, got %+v", original, decoded)
	}

	if _, err := DecodePaginationCursor("not-a-cursor"); err == nil {
		t.Fatal("Expected error for invalid cursor")
	}
}
