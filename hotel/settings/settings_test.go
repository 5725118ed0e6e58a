package settings

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/client"
	"github.com/relabs-tech/hotelier/core/registry"
)

func TestDefaultIsValid(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Settings){
		"currency":        func(s *Settings) { s.Currency = "EURO" },
		"tax rate":        func(s *Settings) { s.TaxRate = 1.5 },
		"timezone":        func(s *Settings) { s.Timezone = "Mars/Olympus" },
		"no tiers":        func(s *Settings) { s.Tiers = nil },
		"first tier":      func(s *Settings) { s.Tiers = []Tier{{Name: "gold", MinPoints: 10, Multiplier: 1}} },
		"duplicate tier":  func(s *Settings) { s.Tiers = append(s.Tiers, Tier{Name: "gold", MinPoints: 20000, Multiplier: 3}) },
		"zero multiplier": func(s *Settings) { s.Tiers[1].Multiplier = 0 },
		"cron":            func(s *Settings) { s.LowStockScan = "every hour" },
	} {
		s := Default()
		mutate(&s)
		assert.Error(t, s.Validate(), name)
	}
}

func TestTierFor(t *testing.T) {
	s := Default()
	assert.Equal(t, "bronze", s.TierFor(0).Name)
	assert.Equal(t, "bronze", s.TierFor(999).Name)
	assert.Equal(t, "silver", s.TierFor(1000).Name)
	assert.Equal(t, "gold", s.TierFor(9999).Name)
	assert.Equal(t, "platinum", s.TierFor(1000000).Name)

	tier, ok := s.Tier("gold")
	assert.True(t, ok)
	assert.Equal(t, 1.5, tier.Multiplier)
	_, ok = s.Tier("diamond")
	assert.False(t, ok)
}

func TestParseYAML(t *testing.T) {
	s, err := ParseYAML(strings.NewReader(`
hotel_name: Seaside
currency: USD
tax_rate: 0.07
tiers:
  - name: member
    min_points: 0
    multiplier: 1
  - name: vip
    min_points: 2000
    multiplier: 2
`))
	require.NoError(t, err)
	assert.Equal(t, "Seaside", s.HotelName)
	assert.Equal(t, "USD", s.Currency)
	assert.Equal(t, "0.07", s.TaxRateDecimal().String())
	assert.Equal(t, "vip", s.TierFor(2500).Name)
	// not in the file, keeps the default
	assert.Equal(t, 14, s.InvoiceDueDays)

	_, err = ParseYAML(strings.NewReader("hotel_nam: typo\n"))
	assert.Error(t, err)

	s, err = ParseYAML(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestStoreLoadDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(registry.NewWithQuerier(db, "hotel"))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value, timestamp FROM hotel."_registry_" WHERE key=$1;`)).
		WithArgs("settings:hotel").
		WillReturnRows(sqlmock.NewRows([]string{"value", "timestamp"}))
	s, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRoutes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(registry.NewWithQuerier(db, "hotel"))
	router := mux.NewRouter()
	store.HandleRoutes(router)
	cl := client.NewWithRouter(router)

	// anonymous
	status, _ := cl.RawGet("/settings", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// staff may read but not write
	s := Default()
	s.HotelName = "Seaside"
	status, _ = cl.WithRole(access.RoleFrontDesk).RawPut("/settings", s, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	s.TaxRate = 2
	status, _ = cl.WithAdminAuthorization().RawPut("/settings", s, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	s.TaxRate = 0.05
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO hotel."_registry_"(key,value,timestamp)`)).
		WithArgs("settings:hotel", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	var saved Settings
	status, err = cl.WithAdminAuthorization().RawPut("/settings", s, &saved)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Seaside", saved.HotelName)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value, timestamp FROM hotel."_registry_"`)).
		WillReturnRows(sqlmock.NewRows([]string{"value", "timestamp"}))
	status, err = cl.WithRole(access.RoleHousekeeping).RawGet("/settings", &saved)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	require.NoError(t, mock.ExpectationsWereMet())
}
