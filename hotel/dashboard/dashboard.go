// Package dashboard aggregates the reports of the hotel modules into one overview.
package dashboard

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/hotel/billing"
	"github.com/relabs-tech/hotelier/hotel/guest"
	"github.com/relabs-tech/hotelier/hotel/inventory"
	"github.com/relabs-tech/hotelier/hotel/loyalty"
	"github.com/relabs-tech/hotelier/hotel/order"
)

const (
	// CacheKey is the redis key of the cached summary
	CacheKey = "dashboard:summary"
	// DefaultTTL is how long a cached summary is served
	DefaultTTL = 30 * time.Second
	// Window is the range of the period figures, ending now
	Window = 30 * 24 * time.Hour
)

// Inventory reports the stock
type Inventory interface {
	StockReport(ctx context.Context) (*inventory.StockReport, error)
}

// Orders reports purchase orders
type Orders interface {
	Summary(ctx context.Context, from, until time.Time) (*order.Summary, error)
}

// Requests reports guest requests
type Requests interface {
	Stats(ctx context.Context, from, until time.Time) (*guest.Stats, error)
}

// Loyalty reports the loyalty program
type Loyalty interface {
	Summary(ctx context.Context, from, until time.Time) (*loyalty.Summary, error)
}

// Billing reports revenue and open balances
type Billing interface {
	Revenue(ctx context.Context, from, until time.Time) (*billing.RevenueReport, error)
	Outstanding(ctx context.Context, now time.Time) (*billing.Outstanding, error)
}

// BillingSummary combines the billing reports
type BillingSummary struct {
	Revenue     *billing.RevenueReport `json:"revenue"`
	Outstanding *billing.Outstanding   `json:"outstanding"`
}

// Summary is the dashboard overview
type Summary struct {
	GeneratedAt time.Time              `json:"generated_at"`
	From        time.Time              `json:"from"`
	Until       time.Time              `json:"until"`
	Inventory   *inventory.StockReport `json:"inventory"`
	Orders      *order.Summary         `json:"orders"`
	Requests    *guest.Stats           `json:"requests"`
	Loyalty     *loyalty.Summary       `json:"loyalty"`
	Billing     BillingSummary         `json:"billing"`
}

// Builder is a builder helper for the dashboard
type Builder struct {
	Inventory Inventory
	Orders    Orders
	Requests  Requests
	Loyalty   Loyalty
	Billing   Billing
	// Redis is optional. Without it every request computes a fresh summary.
	Redis *redis.Client
	// TTL of the cached summary, DefaultTTL if zero
	TTL time.Duration
}

// Dashboard computes and caches the summary
type Dashboard struct {
	inventory Inventory
	orders    Orders
	requests  Requests
	loyalty   Loyalty
	billing   Billing
	redis     *redis.Client
	ttl       time.Duration
	now       func() time.Time
}

// New creates a dashboard
func New(b *Builder) *Dashboard {
	ttl := b.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Dashboard{
		inventory: b.Inventory,
		orders:    b.Orders,
		requests:  b.Requests,
		loyalty:   b.Loyalty,
		billing:   b.Billing,
		redis:     b.Redis,
		ttl:       ttl,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Summary returns the cached summary or computes a new one. Cache failures are
// logged and never fail the request.
func (d *Dashboard) Summary(ctx context.Context) (*Summary, error) {
	rlog := logger.FromContext(ctx)
	if d.redis != nil {
		data, err := d.redis.Get(ctx, CacheKey).Bytes()
		switch {
		case err == nil:
			s := &Summary{}
			if err = json.Unmarshal(data, s); err == nil {
				return s, nil
			}
			rlog.WithError(err).Warnln("discarding broken dashboard cache")
		case !errors.Is(err, redis.Nil):
			rlog.WithError(err).Warnln("cannot read dashboard cache")
		}
	}

	s, err := d.Compute(ctx)
	if err != nil {
		return nil, err
	}
	if d.redis != nil {
		data, _ := json.Marshal(s)
		if err := d.redis.Set(ctx, CacheKey, data, d.ttl).Err(); err != nil {
			rlog.WithError(err).Warnln("cannot write dashboard cache")
		}
	}
	return s, nil
}

// Compute queries all modules concurrently. The first failure cancels the rest.
func (d *Dashboard) Compute(ctx context.Context) (*Summary, error) {
	until := d.now()
	from := until.Add(-Window)
	s := &Summary{GeneratedAt: until, From: from, Until: until}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		s.Inventory, err = d.inventory.StockReport(ctx)
		return err
	})
	g.Go(func() (err error) {
		s.Orders, err = d.orders.Summary(ctx, from, until)
		return err
	})
	g.Go(func() (err error) {
		s.Requests, err = d.requests.Stats(ctx, from, until)
		return err
	})
	g.Go(func() (err error) {
		s.Loyalty, err = d.loyalty.Summary(ctx, from, until)
		return err
	})
	g.Go(func() (err error) {
		s.Billing.Revenue, err = d.billing.Revenue(ctx, from, until)
		return err
	})
	g.Go(func() (err error) {
		s.Billing.Outstanding, err = d.billing.Outstanding(ctx, until)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

// Invalidate drops the cached summary
func (d *Dashboard) Invalidate(ctx context.Context) {
	if d.redis == nil {
		return
	}
	if err := d.redis.Del(ctx, CacheKey).Err(); err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("cannot invalidate dashboard cache")
	}
}
