package inventory

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/client"
	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/registry"
	"github.com/relabs-tech/hotelier/hotel/settings"
)

var itemColumns = []string{"item_id", "timestamp", "revision", "properties", "category_id", "supplier_id", "status", "active", "sku"}

func newTestAPI(t *testing.T) (*API, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(regexp.QuoteMeta(`CREATE table IF NOT EXISTS hotel."_job_"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	for _, table := range []string{"category", "item", "adjustment"} {
		mock.ExpectExec(regexp.QuoteMeta(`CREATE table IF NOT EXISTS hotel."` + table + `"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	csqlDB := &csql.DB{DB: db, Schema: "hotel"}
	reg := registry.NewWithQuerier(db, "hotel")
	api, err := New(context.Background(), &Builder{
		DB:       csqlDB,
		Queue:    jobs.New(&jobs.Builder{DB: csqlDB, Concurrency: 1}),
		Settings: settings.NewStore(reg),
		Registry: reg,
	})
	require.NoError(t, err)
	return api, mock
}

func itemRow(item *Item) *sqlmock.Rows {
	properties, _ := json.Marshal(item)
	return sqlmock.NewRows(itemColumns).AddRow(item.ItemID.String(), item.CreatedAt, item.Revision, properties,
		item.CategoryID.String(), "", item.Status, "true", item.SKU)
}

func TestAdjustStockRaisesAlert(t *testing.T) {
	api, mock := newTestAPI(t)
	item := towels()
	item.CategoryID = uuid.New()
	item.CreatedAt = time.Now().UTC().Add(-time.Hour)
	item.Revision = 3

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM hotel."item" WHERE item_id=$1 FOR UPDATE;`)).
		WithArgs(item.ItemID).
		WillReturnRows(itemRow(item))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE hotel."item" SET`)).
		WillReturnRows(sqlmock.NewRows([]string{"timestamp", "revision"}).AddRow(item.CreatedAt, 4))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO hotel."item/log"`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO hotel."adjustment"`)).
		WillReturnRows(sqlmock.NewRows([]string{"revision"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO hotel."_job_"`)).
		WithArgs("event", EventLowStockAlert, "", "item", item.ItemID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows([]string{"serial"}).AddRow(1))
	mock.ExpectCommit()

	updated, adjustment, err := api.AdjustStock(context.Background(), item.ItemID,
		AdjustmentRequest{Type: AdjustmentUsage, Quantity: 5, Reference: "room 204"})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.Quantity)
	assert.Equal(t, StatusLowStock, updated.Status)
	assert.Equal(t, 4, updated.Revision)
	assert.Equal(t, -5, adjustment.Quantity)
	assert.NotEqual(t, uuid.Nil, adjustment.AdjustmentID)
	assert.True(t, api.queue.HasJobsToProcess())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustStockInsufficient(t *testing.T) {
	api, mock := newTestAPI(t)
	item := towels()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM hotel."item" WHERE item_id=$1 FOR UPDATE;`)).
		WithArgs(item.ItemID).
		WillReturnRows(itemRow(item))
	mock.ExpectRollback()

	_, _, err := api.AdjustStock(context.Background(), item.ItemID, AdjustmentRequest{Type: AdjustmentDamaged, Quantity: 20})
	assert.True(t, errors.Is(err, ErrInsufficientStock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustStockUnknownItem(t *testing.T) {
	api, mock := newTestAPI(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM hotel."item" WHERE item_id=$1 FOR UPDATE;`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(itemColumns))
	mock.ExpectRollback()

	_, _, err := api.AdjustStock(context.Background(), id, AdjustmentRequest{Type: AdjustmentRestock, Quantity: 1})
	assert.True(t, errors.Is(err, docstore.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCascadeActive(t *testing.T) {
	api, mock := newTestAPI(t)
	categoryID := uuid.New()
	active, inactive := towels(), towels()
	active.CategoryID, inactive.CategoryID = categoryID, categoryID
	inactive.Active = false

	rows := sqlmock.NewRows(itemColumns)
	for _, item := range []*Item{active, inactive} {
		properties, _ := json.Marshal(item)
		rows.AddRow(item.ItemID.String(), time.Now(), 1, properties, categoryID.String(), "", item.Status, "", item.SKU)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM hotel."item" WHERE ("category_id"=$1) ORDER BY timestamp ASC,item_id ASC FOR UPDATE;`)).
		WithArgs(categoryID.String()).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE hotel."item" SET`)).
		WithArgs(active.ItemID, sqlmock.AnyArg(), categoryID.String(), "", StatusInStock, "false", active.SKU, 0).
		WillReturnRows(sqlmock.NewRows([]string{"timestamp", "revision"}).AddRow(time.Now(), 2))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO hotel."item/log"`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var changed int
	err := api.db.WithTx(context.Background(), func(tx *sql.Tx) (err error) {
		changed, err = api.CascadeActive(context.Background(), tx, docstore.Equal("category_id", categoryID.String()), false)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, changed, "only the active item changes")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustmentRoute(t *testing.T) {
	api, mock := newTestAPI(t)
	router := mux.NewRouter()
	api.HandleRoutes(router)
	item := towels()
	path := "/items/" + item.ItemID.String() + "/adjustments"

	anonymous := client.NewWithRouter(router)
	status, _, _, err := anonymous.Do(http.MethodPost, path, nil, AdjustmentRequest{Type: AdjustmentUsage, Quantity: 1})
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM hotel."item" WHERE item_id=$1 FOR UPDATE;`)).
		WithArgs(item.ItemID).
		WillReturnRows(itemRow(item))
	mock.ExpectRollback()

	housekeeping := client.NewWithRouter(router).WithRole(access.RoleHousekeeping)
	status, _, _, err = housekeeping.Do(http.MethodPost, path, nil, AdjustmentRequest{Type: AdjustmentUsage, Quantity: 50})
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)

	status, _, _, err = housekeeping.Do(http.MethodPost, "/items/not-a-uuid/adjustments", nil, AdjustmentRequest{Type: AdjustmentUsage, Quantity: 1})
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, _, err = housekeeping.Do(http.MethodPost, "/items", nil, Item{SKU: "X"})
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status, "housekeeping cannot create items")
	require.NoError(t, mock.ExpectationsWereMet())
}
