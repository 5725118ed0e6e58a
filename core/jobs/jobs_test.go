package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/csql"
)

var jobColumns = []string{"serial", "job", "type", "key", "resource", "resource_id", "payload", "timestamp", "attempts_left", "context"}

func newTestQueue(t *testing.T, publisher Publisher) (*Queue, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectExec(regexp.QuoteMeta(`CREATE table IF NOT EXISTS hotel."_job_"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	q := New(&Builder{DB: &csql.DB{DB: db, Schema: "hotel"}, Concurrency: 1, Publisher: publisher})
	return q, mock
}

type recordingPublisher struct {
	mutex    sync.Mutex
	messages []Message
}

func (p *recordingPublisher) Publish(ctx context.Context, message Message) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.messages = append(p.messages, message)
	return nil
}

func TestRaiseEventRequiresHandler(t *testing.T) {
	q, mock := newTestQueue(t, nil)
	err := q.RaiseEvent(context.Background(), Event{Type: "nobody-listens"})
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyInTxWithoutHandlerIsNoop(t *testing.T) {
	q, mock := newTestQueue(t, nil)
	err := q.NotifyInTx(context.Background(), q.db, "item", core.OperationUpdate, uuid.New(), nil)
	assert.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRaiseEventInTx(t *testing.T) {
	q, mock := newTestQueue(t, nil)
	q.HandleEvent("low_stock_alert", func(ctx context.Context, e Event) error { return nil })

	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO hotel."_job_"`)).
		WithArgs("event", "low_stock_alert", "", "item", id, `{"quantity":2}`, sqlmock.AnyArg(), "{}", nil).
		WillReturnRows(sqlmock.NewRows([]string{"serial"}).AddRow(1))

	event := Event{Type: "low_stock_alert", Resource: "item", ResourceID: id}.WithPayload(map[string]int{"quantity": 2})
	require.NoError(t, q.RaiseEventInTx(context.Background(), q.db, event))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessJobsSync(t *testing.T) {
	publisher := &recordingPublisher{}
	q, mock := newTestQueue(t, publisher)

	id := uuid.New()
	var received []Event
	q.HandleEvent("low_stock_alert", func(ctx context.Context, e Event) error {
		received = append(received, e)
		return nil
	})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE hotel."_job_"`)).
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow(7, "event", "low_stock_alert", "", "item", id.String(), []byte(`{"quantity":2}`), time.Now(), 3, []byte(`{}`)))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM hotel."_job_"`)).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"serial"}).AddRow(7))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE hotel."_job_"`)).WillReturnRows(sqlmock.NewRows(jobColumns))
	mock.ExpectRollback()

	maxedOut := q.ProcessJobsSync(0)
	assert.False(t, maxedOut)
	require.Len(t, received, 1)
	assert.Equal(t, id, received[0].ResourceID)
	assert.JSONEq(t, `{"quantity":2}`, string(received[0].Payload))
	require.Len(t, publisher.messages, 1)
	assert.Equal(t, "low_stock_alert", publisher.messages[0].Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessJobsSyncRecoversPanic(t *testing.T) {
	publisher := &recordingPublisher{}
	q, mock := newTestQueue(t, publisher)
	q.HandleResourceNotification("item", func(ctx context.Context, n Notification) error {
		panic("handler bug")
	})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE hotel."_job_"`)).
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow(8, "notification", "update", "", "item", uuid.New().String(), []byte(`{}`), time.Now(), 3, []byte(`{}`)))
	mock.ExpectCommit()
	// no delete: the job stays for a retry
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE hotel."_job_"`)).WillReturnRows(sqlmock.NewRows(jobColumns))
	mock.ExpectRollback()

	q.ProcessJobsSync(0)
	assert.Empty(t, publisher.messages)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessFailingHandler(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	q.HandleEvent("daily_inventory_report", func(ctx context.Context, e Event) error {
		return errors.New("registry unavailable")
	})
	key, err := q.process(&txJob{job: job{Job: "event", Type: "daily_inventory_report"}})
	assert.Equal(t, "event: daily_inventory_report", key)
	assert.Error(t, err)

	_, err = q.process(&txJob{job: job{Job: "mystery"}})
	assert.Error(t, err)
}

func TestRaiseEventRouteRequiresAdmin(t *testing.T) {
	q, mock := newTestQueue(t, nil)
	q.HandleEvent("low_stock_scan", func(ctx context.Context, e Event) error { return nil })
	router := mux.NewRouter()
	q.HandleRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/hotelier/events/low_stock_scan", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO hotel."_job_"`)).
		WithArgs("event", "low_stock_scan", "manual", "", uuid.Nil, "{}", sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows([]string{"serial"}).AddRow(1))
	r := httptest.NewRequest(http.MethodPut, "/hotelier/events/low_stock_scan?key=manual", nil)
	auth := &access.Authorization{Roles: []string{access.RoleAdmin}}
	r = r.WithContext(auth.ContextWithAuthorization(r.Context()))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, q.HasJobsToProcess())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduler(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	s := NewScheduler(q, nil)
	assert.Error(t, s.Every("0 6 * * *", Event{Type: "daily_inventory_report"}), "no handler")

	q.HandleEvent("daily_inventory_report", func(ctx context.Context, e Event) error { return nil })
	assert.Error(t, s.Every("every morning", Event{Type: "daily_inventory_report"}))
	require.NoError(t, s.Every("0 6 * * *", Event{Type: "daily_inventory_report"}))
	assert.Len(t, s.Entries(), 1)
}
