package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
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
	"github.com/relabs-tech/hotelier/hotel/money"
	"github.com/relabs-tech/hotelier/hotel/settings"
)

func suite() *Invoice {
	return &Invoice{
		InvoiceNumber: "INV-20260301-AB12CD",
		GuestName:     "Grace Hopper",
		RoomNumber:    "501",
		TaxRate:       0.1,
		Discount:      1000,
		Lines: []Line{
			{Description: "Suite", Category: CategoryRoom, Quantity: 2, UnitPrice: 14900},
			{Description: "Breakfast", Category: CategoryFood, Quantity: 1, UnitPrice: 3550},
		},
	}
}

func TestDerive(t *testing.T) {
	i := suite()
	require.NoError(t, i.beforeSave())
	assert.Equal(t, money.Cents(33350), i.Subtotal)
	assert.Equal(t, money.Cents(3235), i.Tax)
	assert.Equal(t, money.Cents(35585), i.Total)
	assert.Equal(t, money.Cents(35585), i.BalanceDue)

	i.Discount = 40000
	assert.Error(t, i.beforeSave(), "discount exceeds subtotal")

	i = suite()
	i.Lines[1].Category = "spa"
	assert.Error(t, i.beforeSave())

	i = suite()
	i.Lines = nil
	require.NoError(t, i.beforeSave())
	assert.NotNil(t, i.Lines)
	assert.Equal(t, money.Cents(0), i.Total)
}

func TestTaxRoundsHalfUp(t *testing.T) {
	i := &Invoice{GuestName: "x", TaxRate: 0.19, Lines: []Line{{Description: "Minibar", Quantity: 1, UnitPrice: 250}}}
	require.NoError(t, i.beforeSave())
	assert.Equal(t, CategoryOther, i.Lines[0].Category)
	assert.Equal(t, money.Cents(48), i.Tax, "47.5 rounds up")
}

func TestLifecycle(t *testing.T) {
	i := suite()
	require.NoError(t, i.beforeSave())
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	_, err := i.pay(1000, at)
	assert.True(t, errors.Is(err, ErrNotIssued))

	require.NoError(t, i.issue(at, 14))
	assert.Equal(t, StatusIssued, i.Status)
	assert.Equal(t, at.AddDate(0, 0, 14), *i.DueAt)
	assert.True(t, errors.Is(i.issue(at, 14), ErrInvoiceClosed))
	assert.False(t, i.Overdue(at.AddDate(0, 0, 14)))
	assert.True(t, i.Overdue(at.AddDate(0, 0, 15)))

	paid, err := i.pay(20000, at)
	require.NoError(t, err)
	assert.False(t, paid)
	assert.Equal(t, StatusPartiallyPaid, i.Status)
	assert.Equal(t, money.Cents(15585), i.BalanceDue)

	_, err = i.pay(15586, at)
	assert.True(t, errors.Is(err, ErrOverpayment))
	assert.True(t, errors.Is(i.void(at), ErrInvoiceClosed), "invoices with payments cannot be voided")

	paid, err = i.pay(15585, at)
	require.NoError(t, err)
	assert.True(t, paid)
	assert.Equal(t, StatusPaid, i.Status)
	assert.Equal(t, money.Cents(0), i.BalanceDue)
	require.NotNil(t, i.PaidAt)

	_, err = i.pay(1, at)
	assert.True(t, errors.Is(err, ErrInvoiceClosed))
}

func TestVoid(t *testing.T) {
	i := suite()
	i.Status = StatusIssued
	require.NoError(t, i.void(time.Now()))
	assert.Equal(t, StatusVoid, i.Status)
	assert.True(t, errors.Is(i.void(time.Now()), ErrInvoiceClosed))
}

var invoiceColumns = []string{"invoice_id", "timestamp", "revision", "properties", "member_id", "room_number", "status", "invoice_number"}

type documentRenderer struct{}

func (documentRenderer) RenderInvoice(w io.Writer, i *Invoice, hotel settings.Settings) error {
	_, err := fmt.Fprintf(w, "<h1>%s</h1><p>%s %s</p>", hotel.HotelName, i.InvoiceNumber, i.Total)
	return err
}

func newTestAPI(t *testing.T, driver kss.Driver) (*API, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(regexp.QuoteMeta(`CREATE table IF NOT EXISTS hotel."_job_"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	for _, table := range []string{"invoice", "payment"} {
		mock.ExpectExec(regexp.QuoteMeta(`CREATE table IF NOT EXISTS hotel."` + table + `"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	csqlDB := &csql.DB{DB: db, Schema: "hotel"}
	api, err := New(context.Background(), &Builder{
		DB:       csqlDB,
		Queue:    jobs.New(&jobs.Builder{DB: csqlDB, Concurrency: 1}),
		Settings: settings.NewStore(registry.NewWithQuerier(db, "hotel")),
		KSS:      driver,
		Renderer: documentRenderer{},
	})
	require.NoError(t, err)
	return api, mock
}

func invoiceRow(i *Invoice) *sqlmock.Rows {
	properties, _ := json.Marshal(i)
	return sqlmock.NewRows(invoiceColumns).AddRow(i.InvoiceID.String(), i.CreatedAt, 1, properties, "", i.RoomNumber, i.Status, i.InvoiceNumber)
}

func TestRecordPaymentRaisesInvoicePaid(t *testing.T) {
	api, mock := newTestAPI(t, nil)
	memberID := uuid.New()
	i := suite()
	i.InvoiceID = uuid.New()
	i.MemberID = &memberID
	i.CreatedAt = time.Now().UTC()
	require.NoError(t, i.beforeSave())
	require.NoError(t, i.issue(time.Now().UTC(), 14))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM hotel."invoice" WHERE invoice_id=$1 FOR UPDATE;`)).
		WithArgs(i.InvoiceID).
		WillReturnRows(invoiceRow(i))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO hotel."payment"`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), i.InvoiceID.String(), MethodCard).
		WillReturnRows(sqlmock.NewRows([]string{"revision"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE hotel."invoice" SET`)).
		WillReturnRows(sqlmock.NewRows([]string{"timestamp", "revision"}).AddRow(i.CreatedAt, 3))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO hotel."invoice/log"`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO hotel."_job_"`)).
		WithArgs("event", EventInvoicePaid, "", "invoice", i.InvoiceID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows([]string{"serial"}).AddRow(1))
	mock.ExpectCommit()

	paid, err := api.RecordPayment(context.Background(), i.InvoiceID, &Payment{Amount: i.Total, Method: "Card"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
	assert.Equal(t, money.Cents(0), paid.BalanceDue)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPaymentRejectsUnknownMethod(t *testing.T) {
	api, mock := newTestAPI(t, nil)
	_, err := api.RecordPayment(context.Background(), uuid.New(), &Payment{Amount: 100, Method: "cheque"})
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIssueStoresDocument(t *testing.T) {
	publicURL, _ := url.Parse("https://hotel.example")
	driver, err := kss.NewLocalFilesystem(mux.NewRouter(), kss.LocalConfiguration{BasePath: t.TempDir()}, *publicURL)
	require.NoError(t, err)
	api, mock := newTestAPI(t, driver)
	i := suite()
	i.InvoiceID = uuid.New()
	i.Status = StatusDraft
	i.CreatedAt = time.Now().UTC()
	require.NoError(t, i.beforeSave())

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value, timestamp FROM hotel."_registry_" WHERE key=$1;`)).
		WithArgs("settings:hotel").
		WillReturnRows(sqlmock.NewRows([]string{"value", "timestamp"}))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM hotel."invoice" WHERE invoice_id=$1 FOR UPDATE;`)).
		WithArgs(i.InvoiceID).
		WillReturnRows(invoiceRow(i))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE hotel."invoice" SET`)).
		WillReturnRows(sqlmock.NewRows([]string{"timestamp", "revision"}).AddRow(i.CreatedAt, 2))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO hotel."invoice/log"`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	issued, err := api.Issue(context.Background(), i.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, issued.Status)
	assert.Equal(t, "invoices/inv-20260301-ab12cd.html", issued.DocumentKey)
	require.NoError(t, mock.ExpectationsWereMet())

	keys, err := driver.List(context.Background(), "invoices/")
	require.NoError(t, err)
	assert.Equal(t, []string{"invoices/inv-20260301-ab12cd.html"}, keys)

	documentURL, err := api.DocumentURL(issued)
	require.NoError(t, err)
	assert.Contains(t, documentURL, "method=GET")
}
