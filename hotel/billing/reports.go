package billing

import (
	"context"
	"time"

	"github.com/relabs-tech/hotelier/hotel/money"
)

// DayRevenue is the revenue of one day, gross of discount and tax, per line category
type DayRevenue struct {
	Day        string                 `json:"day"`
	Total      money.Cents            `json:"total"`
	ByCategory map[string]money.Cents `json:"by_category"`
}

// RevenueReport summarizes the invoices issued in a range. Void invoices do not count.
type RevenueReport struct {
	From       time.Time              `json:"from"`
	Until      time.Time              `json:"until"`
	Invoices   int                    `json:"invoices"`
	Subtotal   money.Cents            `json:"subtotal"`
	Discount   money.Cents            `json:"discount"`
	Tax        money.Cents            `json:"tax"`
	Total      money.Cents            `json:"total"`
	Paid       money.Cents            `json:"paid"`
	ByCategory map[string]money.Cents `json:"by_category"`
	ByMethod   map[string]money.Cents `json:"by_method"`
	Days       []DayRevenue           `json:"days"`
}

// Revenue reports the invoices issued in [from, until). Days are calendar
// days in the hotel's time zone; payments count by the time they were received.
func (a *API) Revenue(ctx context.Context, from, until time.Time) (*RevenueReport, error) {
	hotel, err := a.settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	report := &RevenueReport{
		From:       from,
		Until:      until,
		ByCategory: map[string]money.Cents{},
		ByMethod:   map[string]money.Cents{},
		Days:       []DayRevenue{},
	}
	invoices := a.db.Table("invoice")
	issued := `status IN ('issued', 'partially_paid', 'paid')
 AND (properties->>'issued_at')::timestamptz >= $1 AND (properties->>'issued_at')::timestamptz < $2`

	err = a.db.QueryRowContext(ctx, `SELECT count(*),
 COALESCE(sum((properties->>'subtotal')::bigint), 0),
 COALESCE(sum((properties->>'discount')::bigint), 0),
 COALESCE(sum((properties->>'tax')::bigint), 0),
 COALESCE(sum((properties->>'total')::bigint), 0)
 FROM `+invoices+` WHERE `+issued+`;`, from, until).
		Scan(&report.Invoices, &report.Subtotal, &report.Discount, &report.Tax, &report.Total)
	if err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, `SELECT
 to_char((properties->>'issued_at')::timestamptz AT TIME ZONE $3, 'YYYY-MM-DD') AS day,
 line->>'category',
 sum((line->>'quantity')::bigint * (line->>'unit_price')::bigint)
 FROM `+invoices+`, json_array_elements(properties->'lines') AS line
 WHERE `+issued+` GROUP BY 1, 2 ORDER BY 1, 2;`, from, until, hotel.Location().String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			day, category string
			amount        money.Cents
		)
		if err := rows.Scan(&day, &category, &amount); err != nil {
			return nil, err
		}
		if n := len(report.Days); n == 0 || report.Days[n-1].Day != day {
			report.Days = append(report.Days, DayRevenue{Day: day, ByCategory: map[string]money.Cents{}})
		}
		current := &report.Days[len(report.Days)-1]
		current.ByCategory[category] += amount
		current.Total += amount
		report.ByCategory[category] += amount
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	methods, err := a.db.QueryContext(ctx, `SELECT method, COALESCE(sum((properties->>'amount')::bigint), 0)
 FROM `+a.db.Table("payment")+` WHERE timestamp >= $1 AND timestamp < $2 GROUP BY method;`, from, until)
	if err != nil {
		return nil, err
	}
	defer methods.Close()
	for methods.Next() {
		var (
			method string
			amount money.Cents
		)
		if err := methods.Scan(&method, &amount); err != nil {
			return nil, err
		}
		report.ByMethod[method] = amount
		report.Paid += amount
	}
	return report, methods.Err()
}

// Outstanding summarizes the unpaid balance of issued invoices
type Outstanding struct {
	Invoices   int         `json:"invoices"`
	BalanceDue money.Cents `json:"balance_due"`
	Overdue    int         `json:"overdue"`
	OverdueDue money.Cents `json:"overdue_balance_due"`
}

// Outstanding returns the open balance of issued and partially paid invoices
func (a *API) Outstanding(ctx context.Context, now time.Time) (*Outstanding, error) {
	o := &Outstanding{}
	err := a.db.QueryRowContext(ctx, `SELECT count(*),
 COALESCE(sum((properties->>'balance_due')::bigint), 0),
 count(*) FILTER (WHERE (properties->>'due_at')::timestamptz < $1),
 COALESCE(sum((properties->>'balance_due')::bigint) FILTER (WHERE (properties->>'due_at')::timestamptz < $1), 0)
 FROM `+a.db.Table("invoice")+` WHERE status IN ('issued', 'partially_paid');`, now).
		Scan(&o.Invoices, &o.BalanceDue, &o.Overdue, &o.OverdueDue)
	if err != nil {
		return nil, err
	}
	return o, nil
}
