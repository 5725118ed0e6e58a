package registry

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settings struct {
	Currency string  `json:"currency"`
	TaxRate  float64 `json:"tax_rate"`
}

func TestRegistryReadWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewWithQuerier(db, "hotel").Accessor("settings")
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO hotel."_registry_"(key,value,timestamp)`)).
		WithArgs("settings:hotel", `{"currency":"EUR","tax_rate":0.07}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, reg.Write(ctx, "hotel", settings{Currency: "EUR", TaxRate: 0.07}))

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value, timestamp FROM hotel."_registry_" WHERE key=$1;`)).
		WithArgs("settings:hotel").
		WillReturnRows(sqlmock.NewRows([]string{"value", "timestamp"}).
			AddRow([]byte(`{"currency":"EUR","tax_rate":0.07}`), now))

	var read settings
	ts, err := reg.Read(ctx, "hotel", &read)
	require.NoError(t, err)
	assert.Equal(t, "EUR", read.Currency)
	assert.Equal(t, 0.07, read.TaxRate)
	assert.Equal(t, now, ts)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistryReadMissingKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewWithQuerier(db, "hotel").Accessor("")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value, timestamp FROM hotel."_registry_"`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value", "timestamp"}))

	var read settings
	ts, err := reg.Read(context.Background(), "missing", &read)
	require.NoError(t, err)
	if !ts.IsZero() {
		t.Fatal("non existing key seems to exist")
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistryWriteNothingWritten(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewWithQuerier(db, "hotel").Accessor("reports")
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO hotel."_registry_"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = reg.Write(context.Background(), "inventory", map[string]int{"items": 3})
	assert.Error(t, err)
}
