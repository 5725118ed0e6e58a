package dashboard

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/client"
	"github.com/relabs-tech/hotelier/hotel/billing"
	"github.com/relabs-tech/hotelier/hotel/guest"
	"github.com/relabs-tech/hotelier/hotel/inventory"
	"github.com/relabs-tech/hotelier/hotel/loyalty"
	"github.com/relabs-tech/hotelier/hotel/order"
)

type reports struct {
	calls  int32
	failed error
	from   time.Time
	until  time.Time
}

func (f *reports) StockReport(ctx context.Context) (*inventory.StockReport, error) {
	atomic.AddInt32(&f.calls, 1)
	return &inventory.StockReport{Items: 12, Units: 340, ByStatus: map[string]int{"low_stock": 2}}, nil
}

func (f *reports) Summary(ctx context.Context, from, until time.Time) (*order.Summary, error) {
	atomic.AddInt32(&f.calls, 1)
	f.from, f.until = from, until
	return &order.Summary{From: from, Until: until, Orders: 4, Spend: 125000}, nil
}

func (f *reports) Stats(ctx context.Context, from, until time.Time) (*guest.Stats, error) {
	atomic.AddInt32(&f.calls, 1)
	return &guest.Stats{Open: map[string]int{"urgent": 1}}, f.failed
}

type programReports struct{}

func (programReports) Summary(ctx context.Context, from, until time.Time) (*loyalty.Summary, error) {
	return &loyalty.Summary{Members: 3, ByTier: map[string]int{"gold": 1, "bronze": 2}}, nil
}

type billingReports struct{}

func (billingReports) Revenue(ctx context.Context, from, until time.Time) (*billing.RevenueReport, error) {
	return &billing.RevenueReport{Invoices: 7, Total: 99000}, nil
}

func (billingReports) Outstanding(ctx context.Context, now time.Time) (*billing.Outstanding, error) {
	return &billing.Outstanding{Invoices: 2, BalanceDue: 15000}, nil
}

func newDashboard(f *reports, rdb *redis.Client) *Dashboard {
	d := New(&Builder{
		Inventory: f,
		Orders:    f,
		Requests:  f,
		Loyalty:   programReports{},
		Billing:   billingReports{},
		Redis:     rdb,
	})
	d.now = func() time.Time { return time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC) }
	return d
}

func TestCompute(t *testing.T) {
	f := &reports{}
	s, err := newDashboard(f, nil).Compute(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, f.calls)
	assert.Equal(t, 12, s.Inventory.Items)
	assert.Equal(t, 4, s.Orders.Orders)
	assert.Equal(t, 1, s.Requests.Open["urgent"])
	assert.Equal(t, 3, s.Loyalty.Members)
	assert.Equal(t, 7, s.Billing.Revenue.Invoices)
	assert.EqualValues(t, 15000, s.Billing.Outstanding.BalanceDue)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), f.from)
	assert.Equal(t, s.GeneratedAt, f.until)
}

func TestComputeFails(t *testing.T) {
	f := &reports{failed: errors.New("database gone")}
	_, err := newDashboard(f, nil).Compute(context.Background())
	assert.EqualError(t, err, "database gone")
}

func TestUnreachableCacheIsIgnored(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()
	f := &reports{}
	d := newDashboard(f, rdb)

	s, err := d.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, s.Inventory.Items)
	d.Invalidate(context.Background())
}

func TestRoute(t *testing.T) {
	router := mux.NewRouter()
	newDashboard(&reports{}, nil).HandleRoutes(router)
	cl := client.NewWithRouter(router)

	status, _ := cl.RawGet("/dashboard", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = cl.WithRole(access.RoleHousekeeping).RawGet("/dashboard", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var s Summary
	status, err := cl.WithRole(access.RoleFrontDesk).RawGet("/dashboard", &s)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, s.Inventory.ByStatus["low_stock"])
	assert.Equal(t, 1, s.Loyalty.ByTier["gold"])
}
