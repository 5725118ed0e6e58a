package guest

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/kss"
	"github.com/relabs-tech/hotelier/core/registry"
	"github.com/relabs-tech/hotelier/hotel/inventory"
	"github.com/relabs-tech/hotelier/hotel/settings"
)

func TestBeforeSave(t *testing.T) {
	r := &Request{Type: TypeAmenity, RoomNumber: " 204 ", Description: "two extra pillows"}
	require.NoError(t, r.beforeSave())
	assert.Equal(t, "204", r.RoomNumber)
	assert.Equal(t, PriorityNormal, r.Priority)

	assert.Error(t, (&Request{Type: "laundry", RoomNumber: "1", Description: "x"}).beforeSave())
	assert.Error(t, (&Request{Type: TypeMaintenance, RoomNumber: "", Description: "x"}).beforeSave())
	assert.Error(t, (&Request{Type: TypeMaintenance, RoomNumber: "1", Description: "x", Priority: "asap"}).beforeSave())
	assert.Error(t, (&Request{Type: TypeMaintenance, RoomNumber: "1", Description: "leaking tap",
		Items: []RequestItem{{ItemID: uuid.New(), Quantity: 1}}}).beforeSave(), "items only for amenities")
	assert.Error(t, (&Request{Type: TypeAmenity, RoomNumber: "1", Description: "soap",
		Items: []RequestItem{{ItemID: uuid.New(), Quantity: 0}}}).beforeSave())
}

func TestTransitions(t *testing.T) {
	at := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	r := &Request{Status: StatusOpen, RequestedAt: at.Add(-30 * time.Minute)}

	assert.Error(t, r.transition(StatusAssigned, "", at), "assigning needs an assignee")
	require.NoError(t, r.transition(StatusAssigned, "maria", at))
	assert.Equal(t, "maria", r.AssignedTo)
	require.NotNil(t, r.AssignedAt)

	require.NoError(t, r.transition(StatusInProgress, "", at.Add(5*time.Minute)))
	assert.Equal(t, at.Add(5*time.Minute), *r.StartedAt)
	assert.True(t, r.Active())

	err := r.transition(StatusOpen, "", at)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, r.transition(StatusCompleted, "", at.Add(20*time.Minute)))
	assert.False(t, r.Active())
	d, ok := r.CompletionTime()
	require.True(t, ok)
	assert.Equal(t, 50*time.Minute, d)

	assert.True(t, errors.Is(r.transition(StatusCancelled, "", at), ErrInvalidTransition))
}

func TestCompleteFromOpenSetsStart(t *testing.T) {
	at := time.Now().UTC()
	r := &Request{Status: StatusOpen}
	require.NoError(t, r.transition(StatusCompleted, "", at))
	assert.Equal(t, at, *r.StartedAt)
	assert.Equal(t, at, *r.CompletedAt)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "broken_lamp.jpg", sanitizeFilename("broken lamp.jpg"))
	assert.Equal(t, "passwd", sanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "photo.png", sanitizeFilename(`C:\Users\front\photo.png`))
}

var requestColumns = []string{"guest_request_id", "timestamp", "revision", "properties", "type", "room_number", "priority", "status", "assigned_to"}

type testEnv struct {
	api  *API
	mock sqlmock.Sqlmock
}

func newTestEnv(t *testing.T, driver kss.Driver) testEnv {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(regexp.QuoteMeta(`CREATE table IF NOT EXISTS hotel."_job_"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	for _, table := range []string{"category", "item", "adjustment", "guest_request"} {
		mock.ExpectExec(regexp.QuoteMeta(`CREATE table IF NOT EXISTS hotel."` + table + `"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	csqlDB := &csql.DB{DB: db, Schema: "hotel"}
	queue := jobs.New(&jobs.Builder{DB: csqlDB, Concurrency: 1})
	reg := registry.NewWithQuerier(db, "hotel")
	inv, err := inventory.New(context.Background(), &inventory.Builder{DB: csqlDB, Queue: queue, Settings: settings.NewStore(reg), Registry: reg})
	require.NoError(t, err)
	api, err := New(context.Background(), &Builder{DB: csqlDB, Queue: queue, Inventory: inv, KSS: driver})
	require.NoError(t, err)
	return testEnv{api: api, mock: mock}
}

func requestRows(r *Request) *sqlmock.Rows {
	properties, _ := json.Marshal(r)
	return sqlmock.NewRows(requestColumns).AddRow(r.RequestID.String(), r.RequestedAt, 1, properties,
		r.Type, r.RoomNumber, r.Priority, r.Status, r.AssignedTo)
}

func TestCompletingAmenityConsumesStock(t *testing.T) {
	env := newTestEnv(t, nil)
	item := inventory.Item{ItemID: uuid.New(), SKU: "AMN-PILLOW", Name: "Pillow", Unit: "piece", Quantity: 30,
		ReorderLevel: 5, Active: true, Status: inventory.StatusInStock, CategoryID: uuid.New()}
	itemProperties, _ := json.Marshal(item)
	request := &Request{RequestID: uuid.New(), Type: TypeAmenity, RoomNumber: "204", Description: "pillows",
		Priority: PriorityNormal, Status: StatusAssigned, AssignedTo: "maria", RequestedAt: time.Now().UTC().Add(-time.Hour),
		Items: []RequestItem{{ItemID: item.ItemID, Quantity: 2}}}

	mock := env.mock
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM hotel."guest_request" WHERE guest_request_id=$1 FOR UPDATE;`)).
		WithArgs(request.RequestID).
		WillReturnRows(requestRows(request))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM hotel."item" WHERE item_id=$1 FOR UPDATE;`)).
		WithArgs(item.ItemID).
		WillReturnRows(sqlmock.NewRows([]string{"item_id", "timestamp", "revision", "properties", "category_id", "supplier_id", "status", "active", "sku"}).
			AddRow(item.ItemID.String(), time.Now(), 1, itemProperties, item.CategoryID.String(), "", "in_stock", "true", item.SKU))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE hotel."item" SET`)).
		WillReturnRows(sqlmock.NewRows([]string{"timestamp", "revision"}).AddRow(time.Now(), 2))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO hotel."item/log"`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO hotel."adjustment"`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), item.ItemID.String(), inventory.AdjustmentUsage, "request:"+request.RequestID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"revision"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE hotel."guest_request" SET`)).
		WillReturnRows(sqlmock.NewRows([]string{"timestamp", "revision"}).AddRow(request.RequestedAt, 2))
	mock.ExpectCommit()

	completed, err := env.api.Transition(context.Background(), request.RequestID, StatusChange{Status: StatusCompleted, Resolution: "delivered"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, "delivered", completed.Resolution)
	require.NotNil(t, completed.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachments(t *testing.T) {
	publicURL, _ := url.Parse("https://hotel.example")
	driver, err := kss.NewLocalFilesystem(mux.NewRouter(), kss.LocalConfiguration{BasePath: t.TempDir()}, *publicURL)
	require.NoError(t, err)
	env := newTestEnv(t, driver)
	request := &Request{RequestID: uuid.New(), Type: TypeMaintenance, RoomNumber: "310", Description: "broken lamp",
		Priority: PriorityHigh, Status: StatusOpen, RequestedAt: time.Now().UTC()}

	env.mock.ExpectBegin()
	env.mock.ExpectQuery(regexp.QuoteMeta(`FROM hotel."guest_request" WHERE guest_request_id=$1 FOR UPDATE;`)).
		WithArgs(request.RequestID).
		WillReturnRows(requestRows(request))
	env.mock.ExpectQuery(regexp.QuoteMeta(`UPDATE hotel."guest_request" SET`)).
		WillReturnRows(sqlmock.NewRows([]string{"timestamp", "revision"}).AddRow(request.RequestedAt, 2))
	env.mock.ExpectCommit()

	attachment, err := env.api.AddAttachment(context.Background(), request.RequestID, "lamp photo.jpg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(attachment.Key, "guest_requests/"+request.RequestID.String()+"/"))
	assert.True(t, strings.HasSuffix(attachment.Key, "-lamp_photo.jpg"))
	assert.Contains(t, attachment.URL, "https://hotel.example/hotelier/filesystem")
	require.NoError(t, env.mock.ExpectationsWereMet())

	request.Attachments = []string{attachment.Key}
	urls, err := env.api.AttachmentURLs(request)
	require.NoError(t, err)
	require.Len(t, urls, 1)
	assert.Equal(t, attachment.Key, urls[0].Key)
	assert.Contains(t, urls[0].URL, "method=GET")
}

func TestAttachmentsWithoutStorage(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.api.AddAttachment(context.Background(), uuid.New(), "x.jpg")
	assert.True(t, errors.Is(err, ErrNoStorage))
	urls, err := env.api.AttachmentURLs(&Request{Attachments: []string{"a"}})
	require.NoError(t, err)
	assert.Empty(t, urls)
}
