/*
Package inventory keeps the hotel's stock: categories, items and the append-only
ledger of stock adjustments.

Every stock change goes through AdjustStock, which locks the item row, writes
the item and its ledger entry in one transaction and derives the item's status:

	quantity <= 0              out_of_stock
	quantity <= reorder_level  low_stock
	otherwise                  in_stock

When an adjustment moves an item into low_stock or out_of_stock, a
low_stock_alert event is raised in the same transaction.
*/
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/registry"
	"github.com/relabs-tech/hotelier/core/schema"
	"github.com/relabs-tech/hotelier/hotel/money"
	"github.com/relabs-tech/hotelier/hotel/schemas"
	"github.com/relabs-tech/hotelier/hotel/settings"
)

// Item status values
const (
	StatusInStock    = "in_stock"
	StatusLowStock   = "low_stock"
	StatusOutOfStock = "out_of_stock"
)

// Adjustment types
const (
	AdjustmentRestock    = "restock"
	AdjustmentUsage      = "usage"
	AdjustmentDamaged    = "damaged"
	AdjustmentExpired    = "expired"
	AdjustmentReturned   = "returned"
	AdjustmentCorrection = "correction"
)

// AdjustmentTypes lists all adjustment types
var AdjustmentTypes = []string{AdjustmentRestock, AdjustmentUsage, AdjustmentDamaged,
	AdjustmentExpired, AdjustmentReturned, AdjustmentCorrection}

// Event types raised by the package
const (
	EventLowStockAlert        = "low_stock_alert"
	EventLowStockScan         = "low_stock_scan"
	EventDailyInventoryReport = "daily_inventory_report"
)

var (
	// ErrInsufficientStock is returned when an adjustment would make the stock negative
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInactiveItem is returned when stock of an inactive item is changed other than by a correction
	ErrInactiveItem = errors.New("item is inactive")
	// ErrInvalidAdjustment is returned for unknown types and zero or wrongly signed quantities
	ErrInvalidAdjustment = errors.New("invalid adjustment")
	// ErrCategoryInUse is returned when a category with items or subcategories is deleted
	ErrCategoryInUse = errors.New("category is in use")
)

// Category groups items, e.g. "Linen" or "Minibar"
type Category struct {
	CategoryID  uuid.UUID  `json:"category_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	Revision    int        `json:"revision"`
}

// DocumentMeta implements docstore.Object
func (c *Category) DocumentMeta() (*uuid.UUID, *time.Time, *int) {
	return &c.CategoryID, &c.CreatedAt, &c.Revision
}

// DocumentColumns implements docstore.Object
func (c *Category) DocumentColumns() map[string]string {
	return map[string]string{"name": c.Name, "parent_id": idColumn(c.ParentID), "active": fmt.Sprint(c.Active)}
}

// Item is a stock keeping unit
type Item struct {
	ItemID          uuid.UUID   `json:"item_id"`
	SKU             string      `json:"sku"`
	Name            string      `json:"name"`
	CategoryID      uuid.UUID   `json:"category_id"`
	SupplierID      *uuid.UUID  `json:"supplier_id,omitempty"`
	Unit            string      `json:"unit"`
	Quantity        int         `json:"quantity"`
	ReorderLevel    int         `json:"reorder_level"`
	ReorderQuantity int         `json:"reorder_quantity"`
	UnitCost        money.Cents `json:"unit_cost"`
	Location        string      `json:"location,omitempty"`
	Active          bool        `json:"active"`
	Status          string      `json:"status"`
	LastRestockedAt *time.Time  `json:"last_restocked_at,omitempty"`
	Notes           string      `json:"notes,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Revision        int         `json:"revision"`
}

// DocumentMeta implements docstore.Object
func (i *Item) DocumentMeta() (*uuid.UUID, *time.Time, *int) {
	return &i.ItemID, &i.CreatedAt, &i.Revision
}

// DocumentColumns implements docstore.Object
func (i *Item) DocumentColumns() map[string]string {
	return map[string]string{
		"sku":         i.SKU,
		"category_id": i.CategoryID.String(),
		"supplier_id": idColumn(i.SupplierID),
		"status":      i.Status,
		"active":      fmt.Sprint(i.Active),
	}
}

// Value returns quantity times unit cost
func (i *Item) Value() money.Cents {
	return i.UnitCost.MulQuantity(i.Quantity)
}

// SuggestedReorder returns how much to order to get back above the reorder level
func (i *Item) SuggestedReorder() int {
	if i.ReorderQuantity > 0 {
		return i.ReorderQuantity
	}
	missing := i.ReorderLevel*2 - i.Quantity
	if missing < 1 {
		return 1
	}
	return missing
}

// Adjustment is one entry of the stock ledger. Quantity is signed: positive
// for additions, negative for removals.
type Adjustment struct {
	AdjustmentID     uuid.UUID `json:"adjustment_id"`
	ItemID           uuid.UUID `json:"item_id"`
	Type             string    `json:"type"`
	Quantity         int       `json:"quantity"`
	PreviousQuantity int       `json:"previous_quantity"`
	NewQuantity      int       `json:"new_quantity"`
	Reason           string    `json:"reason,omitempty"`
	Reference        string    `json:"reference,omitempty"`
	PerformedBy      string    `json:"performed_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	revision         int
}

// DocumentMeta implements docstore.Object
func (a *Adjustment) DocumentMeta() (*uuid.UUID, *time.Time, *int) {
	return &a.AdjustmentID, &a.CreatedAt, &a.revision
}

// DocumentColumns implements docstore.Object
func (a *Adjustment) DocumentColumns() map[string]string {
	return map[string]string{"item_id": a.ItemID.String(), "type": a.Type, "reference": a.Reference}
}

// performedBy returns the identity of the caller for ledger entries
func performedBy(ctx context.Context) string {
	if auth := access.AuthorizationFromContext(ctx); auth != nil && auth.Identity != "" {
		return auth.Identity
	}
	return access.IdentityFromContext(ctx)
}

func idColumn(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// DeriveStatus returns the status for a quantity and reorder level
func DeriveStatus(quantity, reorderLevel int) string {
	switch {
	case quantity <= 0:
		return StatusOutOfStock
	case quantity <= reorderLevel:
		return StatusLowStock
	}
	return StatusInStock
}

// IsLow returns true for low_stock and out_of_stock
func IsLow(status string) bool {
	return status == StatusLowStock || status == StatusOutOfStock
}

// beforeSave derives the fields that are never taken from the client
func (i *Item) beforeSave() {
	if i.Quantity < 0 {
		i.Quantity = 0
	}
	i.Status = DeriveStatus(i.Quantity, i.ReorderLevel)
}

// API is the inventory service
type API struct {
	db          *csql.DB
	queue       *jobs.Queue
	settings    *settings.Store
	reports     registry.Accessor
	notifier    core.Notifier
	categories  docstore.Typed[Category, *Category]
	items       docstore.Typed[Item, *Item]
	adjustments docstore.Typed[Adjustment, *Adjustment]
}

// Builder is a builder helper for the API
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Validator validates documents against their schema. This is optional.
	Validator *schema.Validator
	// Queue receives notifications and events. This is mandatory.
	Queue *jobs.Queue
	// Settings provide the default reorder level. This is mandatory.
	Settings *settings.Store
	// Registry stores the daily reports. This is mandatory.
	Registry registry.Registry
	// Notifier receives low stock alerts for realtime clients. This is optional.
	Notifier core.Notifier
}

// New creates the tables and installs the job handlers
func New(ctx context.Context, b *Builder) (*API, error) {
	if b.DB == nil || b.Queue == nil || b.Settings == nil {
		return nil, errors.New("inventory: DB, Queue and Settings are mandatory")
	}
	a := &API{
		db:       b.DB,
		queue:    b.Queue,
		settings: b.Settings,
		reports:  b.Registry.Accessor("reports"),
		notifier: b.Notifier,
		categories: docstore.NewTyped[Category](docstore.New(b.DB.Schema, b.Validator, docstore.Configuration{
			Resource:             "category",
			ExternalIndex:        "name",
			SearchableProperties: []string{"parent_id", "active"},
			SchemaID:             schemas.Category,
		})),
		items: docstore.NewTyped[Item](docstore.New(b.DB.Schema, b.Validator, docstore.Configuration{
			Resource:             "item",
			ExternalIndex:        "sku",
			SearchableProperties: []string{"category_id", "supplier_id", "status", "active"},
			SchemaID:             schemas.Item,
			WithLog:              true,
		})),
		adjustments: docstore.NewTyped[Adjustment](docstore.New(b.DB.Schema, b.Validator, docstore.Configuration{
			Resource:             "adjustment",
			SearchableProperties: []string{"item_id", "type", "reference"},
			SchemaID:             schemas.Adjustment,
		})),
	}
	for _, c := range []*docstore.Collection{a.categories.Collection, a.items.Collection, a.adjustments.Collection} {
		if err := c.CreateTable(ctx, a.db); err != nil {
			return nil, err
		}
	}
	a.handleJobs()
	return a, nil
}

// Resources returns the resource names of the package's tables
func (a *API) Resources() []string {
	return []string{"category", "item", "adjustment"}
}
