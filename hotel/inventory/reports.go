package inventory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/hotel/money"
)

// CategoryStock is the stock of one category
type CategoryStock struct {
	CategoryID uuid.UUID   `json:"category_id"`
	Name       string      `json:"name"`
	Items      int         `json:"items"`
	Units      int64       `json:"units"`
	Value      money.Cents `json:"value"`
}

// StockReport summarizes the current stock
type StockReport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Items       int             `json:"items"`
	Units       int64           `json:"units"`
	Value       money.Cents     `json:"value"`
	ByStatus    map[string]int  `json:"by_status"`
	Categories  []CategoryStock `json:"categories"`
}

// StockReport aggregates items per category and status
func (a *API) StockReport(ctx context.Context) (*StockReport, error) {
	query := `SELECT i.category_id, COALESCE(c.properties->>'name', ''), i.status, count(*),
 COALESCE(sum((i.properties->>'quantity')::bigint), 0),
 COALESCE(sum((i.properties->>'quantity')::bigint * (i.properties->>'unit_cost')::bigint), 0)
 FROM ` + a.db.Table("item") + ` i LEFT JOIN ` + a.db.Table("category") + ` c ON c.category_id::text = i.category_id
 GROUP BY i.category_id, c.properties->>'name', i.status ORDER BY 2, 1;`
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := &StockReport{
		GeneratedAt: time.Now().UTC(),
		ByStatus:    map[string]int{StatusInStock: 0, StatusLowStock: 0, StatusOutOfStock: 0},
		Categories:  []CategoryStock{},
	}
	index := map[string]int{}
	for rows.Next() {
		var (
			categoryID, name, status string
			count                    int
			units, value             int64
		)
		if err := rows.Scan(&categoryID, &name, &status, &count, &units, &value); err != nil {
			return nil, err
		}
		i, ok := index[categoryID]
		if !ok {
			id, _ := uuid.Parse(categoryID)
			report.Categories = append(report.Categories, CategoryStock{CategoryID: id, Name: name})
			i = len(report.Categories) - 1
			index[categoryID] = i
		}
		category := &report.Categories[i]
		category.Items += count
		category.Units += units
		category.Value += money.Cents(value)
		report.ByStatus[status] += count
		report.Items += count
		report.Units += units
		report.Value += money.Cents(value)
	}
	return report, rows.Err()
}

// TypeSummary counts the adjustments of one type. Quantity is signed.
type TypeSummary struct {
	Type     string `json:"type"`
	Count    int    `json:"count"`
	Quantity int64  `json:"quantity"`
}

// Consumption is the quantity of an item used, damaged or expired
type Consumption struct {
	ItemID   uuid.UUID `json:"item_id"`
	SKU      string    `json:"sku"`
	Name     string    `json:"name"`
	Quantity int64     `json:"quantity"`
}

// AdjustmentReport summarizes the ledger over a time range
type AdjustmentReport struct {
	From  time.Time     `json:"from"`
	Until time.Time     `json:"until"`
	Types []TypeSummary `json:"types"`
	Top   []Consumption `json:"top_consumption"`
}

// AdjustmentReport aggregates the ledger entries created in [from, until)
func (a *API) AdjustmentReport(ctx context.Context, from, until time.Time) (*AdjustmentReport, error) {
	report := &AdjustmentReport{From: from, Until: until, Types: []TypeSummary{}, Top: []Consumption{}}
	adjustments := a.db.Table("adjustment")

	rows, err := a.db.QueryContext(ctx, `SELECT type, count(*), COALESCE(sum((properties->>'quantity')::bigint), 0)
 FROM `+adjustments+` WHERE timestamp >= $1 AND timestamp < $2 GROUP BY type ORDER BY type;`, from, until)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var summary TypeSummary
		if err := rows.Scan(&summary.Type, &summary.Count, &summary.Quantity); err != nil {
			rows.Close()
			return nil, err
		}
		report.Types = append(report.Types, summary)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = a.db.QueryContext(ctx, `SELECT a.item_id, COALESCE(i.properties->>'sku', ''), COALESCE(i.properties->>'name', ''),
 -sum((a.properties->>'quantity')::bigint) AS consumed
 FROM `+adjustments+` a LEFT JOIN `+a.db.Table("item")+` i ON i.item_id::text = a.item_id
 WHERE a.type IN ('usage', 'damaged', 'expired') AND a.timestamp >= $1 AND a.timestamp < $2
 GROUP BY a.item_id, i.properties->>'sku', i.properties->>'name' ORDER BY consumed DESC, 1 LIMIT 10;`, from, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c      Consumption
			itemID string
		)
		if err := rows.Scan(&itemID, &c.SKU, &c.Name, &c.Quantity); err != nil {
			return nil, err
		}
		c.ItemID, _ = uuid.Parse(itemID)
		report.Top = append(report.Top, c)
	}
	return report, rows.Err()
}

// LowStockEntry is an item that needs to be reordered
type LowStockEntry struct {
	Item
	SuggestedReorder int `json:"suggested_reorder"`
}

// LowStock returns all active items in low_stock or out_of_stock, emptiest first
func (a *API) LowStock(ctx context.Context) ([]LowStockEntry, error) {
	entries := []LowStockEntry{}
	for _, status := range []string{StatusOutOfStock, StatusLowStock} {
		items, err := a.items.SelectObjects(ctx, a.db, false,
			docstore.Equal("status", status), docstore.Equal("active", "true"))
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			entries = append(entries, LowStockEntry{Item: item, SuggestedReorder: item.SuggestedReorder()})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Quantity < entries[j].Quantity
	})
	return entries, nil
}
