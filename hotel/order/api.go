package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/metrics"
	"github.com/relabs-tech/hotelier/core/rest"
	"github.com/relabs-tech/hotelier/core/schema"
	"github.com/relabs-tech/hotelier/hotel/inventory"
	"github.com/relabs-tech/hotelier/hotel/numbers"
	"github.com/relabs-tech/hotelier/hotel/schemas"
	"github.com/relabs-tech/hotelier/hotel/settings"
	"github.com/relabs-tech/hotelier/hotel/supplier"
)

// API is the purchase order service
type API struct {
	db        *csql.DB
	queue     *jobs.Queue
	settings  *settings.Store
	inventory *inventory.API
	suppliers *supplier.API
	orders    docstore.Typed[Order, *Order]
}

// Builder is a builder helper for the API
type Builder struct {
	DB        *csql.DB
	Validator *schema.Validator
	Queue     *jobs.Queue
	Settings  *settings.Store
	Inventory *inventory.API
	Suppliers *supplier.API
}

// New creates the order table and installs the event handler
func New(ctx context.Context, b *Builder) (*API, error) {
	if b.DB == nil || b.Queue == nil || b.Settings == nil || b.Inventory == nil || b.Suppliers == nil {
		return nil, errors.New("order: all builder fields but Validator are mandatory")
	}
	a := &API{
		db:        b.DB,
		queue:     b.Queue,
		settings:  b.Settings,
		inventory: b.Inventory,
		suppliers: b.Suppliers,
		orders: docstore.NewTyped[Order](docstore.New(b.DB.Schema, b.Validator, docstore.Configuration{
			Resource:             "order",
			ExternalIndex:        "order_number",
			SearchableProperties: []string{"supplier_id", "status"},
			SchemaID:             schemas.Order,
			WithLog:              true,
		})),
	}
	if err := a.orders.CreateTable(ctx, a.db); err != nil {
		return nil, err
	}
	a.queue.HandleEvent(EventOrderReceived, a.handleOrderReceived)
	return a, nil
}

func identity(ctx context.Context) string {
	if auth := access.AuthorizationFromContext(ctx); auth != nil {
		return auth.Identity
	}
	return ""
}

func (a *API) notify(ctx context.Context, tx csql.Querier, operation core.Operation, o *Order) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return a.queue.NotifyInTx(ctx, tx, "order", operation, o.OrderID, payload)
}

// fillLines completes sku, name and a missing unit cost from the items
func (a *API) fillLines(ctx context.Context, o *Order) error {
	for i := range o.Lines {
		line := &o.Lines[i]
		item, err := a.inventory.ReadItem(ctx, line.ItemID)
		if err != nil {
			return rest.BadRequest("line %d: %v", i+1, err)
		}
		line.SKU, line.Name = item.SKU, item.Name
		if line.UnitCost == 0 {
			line.UnitCost = item.UnitCost
		}
	}
	return nil
}

// Create stores a new draft order. The supplier must exist and be active.
// Passing status pending submits the order right away.
func (a *API) Create(ctx context.Context, o *Order) error {
	if o.Status != StatusPending {
		o.Status = StatusDraft
	}
	if err := o.validateLines(); err != nil {
		return err
	}
	s, err := a.suppliers.Read(ctx, o.SupplierID)
	if err != nil {
		return rest.BadRequest("supplier: %v", err)
	}
	if !s.IsActive() {
		return rest.BadRequest("supplier %s is inactive", s.Name)
	}
	if err := a.fillLines(ctx, o); err != nil {
		return err
	}
	hotel, err := a.settings.Load(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	o.CreatedBy = identity(ctx)
	o.OrderedAt, o.ReceivedAt = nil, nil
	o.History = nil
	o.setStatus(o.Status, o.CreatedBy, now)
	o.derive(hotel.TaxRateDecimal())
	o.CreatedAt = now

	// order numbers are random, retry on the unlikely collision
	for attempt := 0; ; attempt++ {
		o.OrderNumber = numbers.Dated("PO", now)
		err = a.db.WithTx(ctx, func(tx *sql.Tx) error {
			if err := a.orders.InsertObject(ctx, tx, o); err != nil {
				return err
			}
			return a.notify(ctx, tx, core.OperationCreate, o)
		})
		if !errors.Is(err, docstore.ErrConflict) || attempt == 2 {
			break
		}
		o.OrderID = uuid.Nil
	}
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	metrics.RecordOrderTransition(o.Status)
	logger.FromContext(ctx).Infof("created order %s with %d lines, total %s", o.OrderNumber, len(o.Lines), o.Total)
	return nil
}

// Read returns the order with the given id
func (a *API) Read(ctx context.Context, id uuid.UUID) (*Order, error) {
	return a.orders.ReadObject(ctx, a.db, id)
}

// List returns one page of orders
func (a *API) List(ctx context.Context, opts docstore.ListOptions) ([]Order, docstore.Pagination, error) {
	return a.orders.ListObjects(ctx, a.db, opts)
}

// Update writes the editable fields back: lines and supplier while the order
// is draft or pending, shipping, notes and expected delivery until it is
// closed. Status, history and received quantities are kept.
func (a *API) Update(ctx context.Context, o *Order) error {
	hotel, err := a.settings.Load(ctx)
	if err != nil {
		return err
	}
	err = a.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := a.orders.ReadObjectForUpdate(ctx, tx, o.OrderID)
		if err != nil {
			return err
		}
		if existing.Closed() {
			return fmt.Errorf("%s is %s: %w", existing.OrderNumber, existing.Status, ErrLocked)
		}
		if existing.EditableLines() {
			if err := o.validateLines(); err != nil {
				return err
			}
			if o.SupplierID != existing.SupplierID {
				s, err := a.suppliers.ReadInTx(ctx, tx, o.SupplierID)
				if err != nil {
					return rest.BadRequest("supplier: %v", err)
				}
				if !s.IsActive() {
					return rest.BadRequest("supplier %s is inactive", s.Name)
				}
			}
			if err := a.fillLines(ctx, o); err != nil {
				return err
			}
		} else {
			o.Lines = existing.Lines
			o.SupplierID = existing.SupplierID
		}
		o.OrderNumber = existing.OrderNumber
		o.Status = existing.Status
		o.History = existing.History
		o.OrderedAt = existing.OrderedAt
		o.ReceivedAt = existing.ReceivedAt
		o.CreatedBy = existing.CreatedBy
		o.CreatedAt = existing.CreatedAt
		o.derive(hotel.TaxRateDecimal())
		if err := a.orders.UpdateObject(ctx, tx, o); err != nil {
			return err
		}
		return a.notify(ctx, tx, core.OperationUpdate, o)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// Delete deletes a draft or cancelled order
func (a *API) Delete(ctx context.Context, id uuid.UUID) error {
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		o, err := a.orders.ReadObjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !o.Deletable() {
			return fmt.Errorf("%s is %s, only draft and cancelled orders can be deleted: %w", o.OrderNumber, o.Status, ErrLocked)
		}
		if err := a.orders.Delete(ctx, tx, id); err != nil {
			return err
		}
		return a.notify(ctx, tx, core.OperationDelete, o)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// Transition moves the order to another status. Placing the order sets
// ordered_at and, if missing, the expected delivery from the supplier's lead time.
func (a *API) Transition(ctx context.Context, id uuid.UUID, status string) (*Order, error) {
	var o *Order
	err := a.db.WithTx(ctx, func(tx *sql.Tx) (err error) {
		o, err = a.orders.ReadObjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err = o.transition(status, identity(ctx), now); err != nil {
			return err
		}
		if status == StatusOrdered {
			o.OrderedAt = &now
			if o.ExpectedDelivery == nil {
				s, err := a.suppliers.ReadInTx(ctx, tx, o.SupplierID)
				if err != nil {
					return err
				}
				if !s.IsActive() {
					return rest.BadRequest("supplier %s is inactive", s.Name)
				}
				expected := now.AddDate(0, 0, s.LeadTimeDays)
				o.ExpectedDelivery = &expected
			}
		}
		o.Revision = 0
		if err = a.orders.UpdateObject(ctx, tx, o); err != nil {
			return err
		}
		return a.notify(ctx, tx, core.OperationUpdate, o)
	})
	if err != nil {
		return nil, err
	}
	a.queue.TriggerJobs()
	metrics.RecordOrderTransition(o.Status)
	logger.FromContext(ctx).Infof("order %s is now %s", o.OrderNumber, o.Status)
	return o, nil
}

// Received is the payload of the order_received event
type Received struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	SupplierID  uuid.UUID `json:"supplier_id"`
	Status      string    `json:"status"`
	Lines       []Line    `json:"lines"`
}

// Receive books received goods. Every line becomes a restock adjustment that
// references the order number. Order and stock change in one transaction.
func (a *API) Receive(ctx context.Context, id uuid.UUID, lines []ReceiveLine) (*Order, error) {
	var o *Order
	err := a.db.WithTx(ctx, func(tx *sql.Tx) (err error) {
		o, err = a.orders.ReadObjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		by := identity(ctx)
		received, err := o.receive(lines, by, time.Now().UTC())
		if err != nil {
			return err
		}
		for _, line := range received {
			_, _, err := a.inventory.AdjustStockInTx(ctx, tx, line.ItemID, inventory.AdjustmentRequest{
				Type:        inventory.AdjustmentRestock,
				Quantity:    line.Quantity,
				Reason:      "purchase order delivery",
				Reference:   o.OrderNumber,
				PerformedBy: by,
			})
			if err != nil {
				return fmt.Errorf("cannot restock %s: %w", line.SKU, err)
			}
		}
		o.Revision = 0
		if err = a.orders.UpdateObject(ctx, tx, o); err != nil {
			return err
		}
		event := jobs.Event{Type: EventOrderReceived, Resource: "order", ResourceID: o.OrderID}.WithPayload(Received{
			OrderID:     o.OrderID,
			OrderNumber: o.OrderNumber,
			SupplierID:  o.SupplierID,
			Status:      o.Status,
			Lines:       received,
		})
		if err = a.queue.RaiseEventInTx(ctx, tx, event); err != nil {
			return err
		}
		return a.notify(ctx, tx, core.OperationUpdate, o)
	})
	if err != nil {
		return nil, err
	}
	a.queue.TriggerJobs()
	metrics.RecordOrderTransition(o.Status)
	return o, nil
}

func (a *API) handleOrderReceived(ctx context.Context, e jobs.Event) error {
	var received Received
	if err := json.Unmarshal(e.Payload, &received); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5201: invalid order_received payload")
		return nil
	}
	units := 0
	for _, line := range received.Lines {
		units += line.Quantity
	}
	logger.FromContext(ctx).Infof("received %d units in %d lines for %s, order is %s",
		units, len(received.Lines), received.OrderNumber, received.Status)
	return nil
}
