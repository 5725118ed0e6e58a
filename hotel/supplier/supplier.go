// Package supplier manages the hotel's suppliers. Deactivating a supplier
// deactivates its items, reactivating it activates them again.
package supplier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/rest"
	"github.com/relabs-tech/hotelier/core/schema"
	"github.com/relabs-tech/hotelier/hotel/inventory"
	"github.com/relabs-tech/hotelier/hotel/money"
	"github.com/relabs-tech/hotelier/hotel/schemas"
)

// Supplier status values
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// ErrSupplierInUse is returned when a supplier with items is deleted
var ErrSupplierInUse = errors.New("supplier is in use")

// Supplier delivers items
type Supplier struct {
	SupplierID   uuid.UUID   `json:"supplier_id"`
	Name         string      `json:"name"`
	ContactName  string      `json:"contact_name,omitempty"`
	Email        string      `json:"email,omitempty"`
	Phone        string      `json:"phone,omitempty"`
	Address      string      `json:"address,omitempty"`
	Categories   []uuid.UUID `json:"categories"`
	PaymentTerms string      `json:"payment_terms,omitempty"`
	LeadTimeDays int         `json:"lead_time_days"`
	Rating       float64     `json:"rating"`
	Status       string      `json:"status"`
	Notes        string      `json:"notes,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	Revision     int         `json:"revision"`
}

// DocumentMeta implements docstore.Object
func (s *Supplier) DocumentMeta() (*uuid.UUID, *time.Time, *int) {
	return &s.SupplierID, &s.CreatedAt, &s.Revision
}

// DocumentColumns implements docstore.Object
func (s *Supplier) DocumentColumns() map[string]string {
	return map[string]string{"name": s.Name, "status": s.Status}
}

// IsActive returns true for active suppliers
func (s *Supplier) IsActive() bool {
	return s.Status == StatusActive
}

func (s *Supplier) beforeSave() error {
	s.Name = strings.TrimSpace(s.Name)
	s.Email = strings.ToLower(strings.TrimSpace(s.Email))
	if s.Name == "" {
		return rest.BadRequest("name is required")
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	if s.Status != StatusActive && s.Status != StatusInactive {
		return rest.BadRequest("status must be active or inactive")
	}
	if s.Rating < 0 || s.Rating > 5 {
		return rest.BadRequest("rating must be between 0 and 5")
	}
	if s.LeadTimeDays < 0 {
		return rest.BadRequest("lead_time_days must not be negative")
	}
	if s.Categories == nil {
		s.Categories = []uuid.UUID{}
	}
	return nil
}

// API is the supplier service
type API struct {
	db        *csql.DB
	queue     *jobs.Queue
	inventory *inventory.API
	suppliers docstore.Typed[Supplier, *Supplier]
}

// Builder is a builder helper for the API
type Builder struct {
	DB        *csql.DB
	Validator *schema.Validator
	Queue     *jobs.Queue
	// Inventory receives the status cascade
	Inventory *inventory.API
}

// New creates the supplier table
func New(ctx context.Context, b *Builder) (*API, error) {
	if b.DB == nil || b.Queue == nil || b.Inventory == nil {
		return nil, errors.New("supplier: DB, Queue and Inventory are mandatory")
	}
	a := &API{
		db:        b.DB,
		queue:     b.Queue,
		inventory: b.Inventory,
		suppliers: docstore.NewTyped[Supplier](docstore.New(b.DB.Schema, b.Validator, docstore.Configuration{
			Resource:             "supplier",
			ExternalIndex:        "name",
			SearchableProperties: []string{"status"},
			SchemaID:             schemas.Supplier,
		})),
	}
	if err := a.suppliers.CreateTable(ctx, a.db); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *API) notify(ctx context.Context, tx csql.Querier, operation core.Operation, id uuid.UUID, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.queue.NotifyInTx(ctx, tx, "supplier", operation, id, payload)
}

// Create stores a new supplier. Names are unique, a duplicate yields docstore.ErrConflict.
func (a *API) Create(ctx context.Context, s *Supplier) error {
	if err := s.beforeSave(); err != nil {
		return err
	}
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.suppliers.InsertObject(ctx, tx, s); err != nil {
			return err
		}
		return a.notify(ctx, tx, core.OperationCreate, s.SupplierID, s)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// Read returns the supplier with the given id
func (a *API) Read(ctx context.Context, id uuid.UUID) (*Supplier, error) {
	return a.suppliers.ReadObject(ctx, a.db, id)
}

// ReadInTx returns the supplier with the given id inside the caller's transaction
func (a *API) ReadInTx(ctx context.Context, q csql.Querier, id uuid.UUID) (*Supplier, error) {
	return a.suppliers.ReadObject(ctx, q, id)
}

// List returns one page of suppliers
func (a *API) List(ctx context.Context, opts docstore.ListOptions) ([]Supplier, docstore.Pagination, error) {
	return a.suppliers.ListObjects(ctx, a.db, opts)
}

// Update writes the supplier back. A status change is cascaded to the
// supplier's items in the same transaction. It returns the number of changed items.
func (a *API) Update(ctx context.Context, s *Supplier) (cascaded int, err error) {
	if err := s.beforeSave(); err != nil {
		return 0, err
	}
	err = a.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := a.suppliers.ReadObjectForUpdate(ctx, tx, s.SupplierID)
		if err != nil {
			return err
		}
		s.CreatedAt = existing.CreatedAt
		if err = a.suppliers.UpdateObject(ctx, tx, s); err != nil {
			return err
		}
		if existing.Status != s.Status {
			cascaded, err = a.inventory.CascadeActive(ctx, tx, docstore.Equal("supplier_id", s.SupplierID.String()), s.IsActive())
			if err != nil {
				return err
			}
		}
		return a.notify(ctx, tx, core.OperationUpdate, s.SupplierID, s)
	})
	if err != nil {
		return 0, err
	}
	a.queue.TriggerJobs()
	return cascaded, nil
}

// Delete deletes a supplier that no item references
func (a *API) Delete(ctx context.Context, id uuid.UUID) error {
	_, pagination, err := a.inventory.ListItems(ctx, docstore.ListOptions{
		Filters: []docstore.Filter{docstore.Equal("supplier_id", id.String())},
		Limit:   1,
	})
	if err != nil {
		return err
	}
	if pagination.TotalCount > 0 {
		return fmt.Errorf("%d items reference the supplier: %w", pagination.TotalCount, ErrSupplierInUse)
	}
	err = a.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.suppliers.Delete(ctx, tx, id); err != nil {
			return err
		}
		return a.notify(ctx, tx, core.OperationDelete, id, map[string]uuid.UUID{"supplier_id": id})
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// Performance summarizes the purchase orders of a supplier
type Performance struct {
	SupplierID     uuid.UUID   `json:"supplier_id"`
	Orders         int         `json:"orders"`
	PlacedOrders   int         `json:"placed_orders"`
	ReceivedOrders int         `json:"received_orders"`
	TotalSpend     money.Cents `json:"total_spend"`
	// OnTimeRate is the share of received orders with an expected delivery date
	// that arrived by the end of that day, in percent
	OnTimeRate      float64 `json:"on_time_rate"`
	AverageLeadDays float64 `json:"average_lead_days"`
}

// Performance aggregates the supplier's purchase orders. Draft and cancelled
// orders only count towards Orders.
func (a *API) Performance(ctx context.Context, id uuid.UUID) (*Performance, error) {
	if _, err := a.Read(ctx, id); err != nil {
		return nil, err
	}
	query := `SELECT count(*),
 count(*) FILTER (WHERE status NOT IN ('draft', 'cancelled')),
 count(*) FILTER (WHERE status IN ('partially_received', 'received')),
 COALESCE(sum((properties->>'total')::bigint) FILTER (WHERE status NOT IN ('draft', 'cancelled')), 0),
 count(*) FILTER (WHERE status = 'received' AND properties->>'expected_delivery' IS NOT NULL),
 count(*) FILTER (WHERE status = 'received' AND properties->>'expected_delivery' IS NOT NULL AND
	(properties->>'received_at')::timestamptz < date_trunc('day', (properties->>'expected_delivery')::timestamptz) + interval '1 day'),
 COALESCE(avg(EXTRACT(EPOCH FROM (properties->>'received_at')::timestamptz - (properties->>'ordered_at')::timestamptz) / 86400)
	FILTER (WHERE status = 'received' AND properties->>'ordered_at' IS NOT NULL), 0)
 FROM ` + a.db.Table("order") + ` WHERE supplier_id = $1;`

	var (
		p             = &Performance{SupplierID: id}
		spend         int64
		dated, onTime int
	)
	err := a.db.QueryRowContext(ctx, query, id.String()).Scan(&p.Orders, &p.PlacedOrders, &p.ReceivedOrders,
		&spend, &dated, &onTime, &p.AverageLeadDays)
	if err != nil {
		return nil, fmt.Errorf("cannot aggregate orders: %w", err)
	}
	p.TotalSpend = money.Cents(spend)
	if dated > 0 {
		p.OnTimeRate = float64(onTime*1000/dated) / 10
	}
	return p, nil
}
