package order

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/hotel/money"
)

// StatusCount counts the orders in one status
type StatusCount struct {
	Status string      `json:"status"`
	Count  int         `json:"count"`
	Total  money.Cents `json:"total"`
}

// SupplierSpend is the spend with one supplier
type SupplierSpend struct {
	SupplierID uuid.UUID   `json:"supplier_id"`
	Name       string      `json:"name"`
	Orders     int         `json:"orders"`
	Total      money.Cents `json:"total"`
}

// Summary aggregates the orders created in a time range
type Summary struct {
	From     time.Time       `json:"from"`
	Until    time.Time       `json:"until"`
	Orders   int             `json:"orders"`
	Spend    money.Cents     `json:"spend"`
	Open     money.Cents     `json:"open"`
	ByStatus []StatusCount   `json:"by_status"`
	Top      []SupplierSpend `json:"top_suppliers"`
}

// spending statuses count towards the spend
var spending = map[string]bool{StatusApproved: true, StatusOrdered: true, StatusPartiallyReceived: true, StatusReceived: true}

// Summary aggregates the orders created in [from, until). Spend counts every
// order that was approved and not cancelled, open counts those not yet fully
// received.
func (a *API) Summary(ctx context.Context, from, until time.Time) (*Summary, error) {
	summary := &Summary{From: from, Until: until, ByStatus: []StatusCount{}, Top: []SupplierSpend{}}
	orders := a.db.Table("order")

	rows, err := a.db.QueryContext(ctx, `SELECT status, count(*), COALESCE(sum((properties->>'total')::bigint), 0)
 FROM `+orders+` WHERE timestamp >= $1 AND timestamp < $2 GROUP BY status ORDER BY status;`, from, until)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Status, &c.Count, &c.Total); err != nil {
			rows.Close()
			return nil, err
		}
		summary.ByStatus = append(summary.ByStatus, c)
		summary.Orders += c.Count
		if spending[c.Status] {
			summary.Spend += c.Total
			if c.Status != StatusReceived {
				summary.Open += c.Total
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = a.db.QueryContext(ctx, `SELECT o.supplier_id, COALESCE(s.properties->>'name', ''), count(*),
 COALESCE(sum((o.properties->>'total')::bigint), 0) AS spend
 FROM `+orders+` o LEFT JOIN `+a.db.Table("supplier")+` s ON s.supplier_id::text = o.supplier_id
 WHERE o.timestamp >= $1 AND o.timestamp < $2 AND o.status IN ('approved', 'ordered', 'partially_received', 'received')
 GROUP BY o.supplier_id, s.properties->>'name' ORDER BY spend DESC, 1 LIMIT 5;`, from, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s          SupplierSpend
			supplierID string
		)
		if err := rows.Scan(&supplierID, &s.Name, &s.Orders, &s.Total); err != nil {
			return nil, err
		}
		s.SupplierID, _ = uuid.Parse(supplierID)
		summary.Top = append(summary.Top, s)
	}
	return summary, rows.Err()
}
