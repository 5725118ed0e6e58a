/*
Package order tracks purchase orders from draft to delivery.

An order moves through

	draft -> pending -> approved -> ordered -> partially_received -> received

and can be cancelled until it is ordered. Receiving goods books a restock
adjustment per line into the inventory ledger, in the same transaction that
updates the order.
*/
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/relabs-tech/hotelier/core/rest"
	"github.com/relabs-tech/hotelier/hotel/money"
)

// Order status values
const (
	StatusDraft             = "draft"
	StatusPending           = "pending"
	StatusApproved          = "approved"
	StatusOrdered           = "ordered"
	StatusPartiallyReceived = "partially_received"
	StatusReceived          = "received"
	StatusCancelled         = "cancelled"
)

// EventOrderReceived is raised when goods of an order were received
const EventOrderReceived = "order_received"

var (
	// ErrInvalidTransition is returned for status changes the order does not allow
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrLocked is returned when a field is changed that the status does not allow to change
	ErrLocked = errors.New("order is locked")
)

// transitions lists the statuses reachable with Transition. The received
// statuses are only reachable with Receive.
var transitions = map[string][]string{
	StatusDraft:    {StatusPending, StatusCancelled},
	StatusPending:  {StatusDraft, StatusApproved, StatusCancelled},
	StatusApproved: {StatusOrdered, StatusCancelled},
	StatusOrdered:  {StatusCancelled},
}

// CanTransition returns true if an order can go from one status to another
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Line is one ordered item
type Line struct {
	ItemID           uuid.UUID   `json:"item_id"`
	SKU              string      `json:"sku,omitempty"`
	Name             string      `json:"name,omitempty"`
	Quantity         int         `json:"quantity"`
	UnitCost         money.Cents `json:"unit_cost"`
	ReceivedQuantity int         `json:"received_quantity"`
}

// Total returns quantity times unit cost
func (l Line) Total() money.Cents {
	return l.UnitCost.MulQuantity(l.Quantity)
}

// Outstanding returns the quantity not yet received
func (l Line) Outstanding() int {
	return l.Quantity - l.ReceivedQuantity
}

// Transition records a status change
type Transition struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	By     string    `json:"by,omitempty"`
}

// Order is a purchase order
type Order struct {
	OrderID          uuid.UUID    `json:"order_id"`
	OrderNumber      string       `json:"order_number"`
	SupplierID       uuid.UUID    `json:"supplier_id"`
	Status           string       `json:"status"`
	Lines            []Line       `json:"lines"`
	Subtotal         money.Cents  `json:"subtotal"`
	Tax              money.Cents  `json:"tax"`
	Shipping         money.Cents  `json:"shipping"`
	Total            money.Cents  `json:"total"`
	ExpectedDelivery *time.Time   `json:"expected_delivery,omitempty"`
	OrderedAt        *time.Time   `json:"ordered_at,omitempty"`
	ReceivedAt       *time.Time   `json:"received_at,omitempty"`
	CreatedBy        string       `json:"created_by,omitempty"`
	Notes            string       `json:"notes,omitempty"`
	History          []Transition `json:"history"`
	CreatedAt        time.Time    `json:"created_at"`
	Revision         int          `json:"revision"`
}

// DocumentMeta implements docstore.Object
func (o *Order) DocumentMeta() (*uuid.UUID, *time.Time, *int) {
	return &o.OrderID, &o.CreatedAt, &o.Revision
}

// DocumentColumns implements docstore.Object
func (o *Order) DocumentColumns() map[string]string {
	return map[string]string{"order_number": o.OrderNumber, "supplier_id": o.SupplierID.String(), "status": o.Status}
}

// EditableLines returns true while lines may change
func (o *Order) EditableLines() bool {
	return o.Status == StatusDraft || o.Status == StatusPending
}

// Closed returns true for received and cancelled orders
func (o *Order) Closed() bool {
	return o.Status == StatusReceived || o.Status == StatusCancelled
}

// Deletable returns true for draft and cancelled orders
func (o *Order) Deletable() bool {
	return o.Status == StatusDraft || o.Status == StatusCancelled
}

// validateLines checks and merges the lines. Lines for the same item are combined.
func (o *Order) validateLines() error {
	if len(o.Lines) == 0 {
		return rest.BadRequest("an order needs at least one line")
	}
	merged := make([]Line, 0, len(o.Lines))
	index := map[uuid.UUID]int{}
	for _, line := range o.Lines {
		if line.ItemID == uuid.Nil {
			return rest.BadRequest("line without item_id")
		}
		if line.Quantity < 1 {
			return rest.BadRequest("quantity of %s must be positive", line.ItemID)
		}
		if line.UnitCost < 0 {
			return rest.BadRequest("unit_cost of %s must not be negative", line.ItemID)
		}
		if i, ok := index[line.ItemID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		line.ReceivedQuantity = 0
		index[line.ItemID] = len(merged)
		merged = append(merged, line)
	}
	o.Lines = merged
	return nil
}

// derive recomputes the totals
func (o *Order) derive(taxRate decimal.Decimal) {
	var subtotal money.Cents
	for _, line := range o.Lines {
		subtotal += line.Total()
	}
	if o.Shipping < 0 {
		o.Shipping = 0
	}
	o.Subtotal = subtotal
	o.Tax = subtotal.ApplyRate(taxRate)
	o.Total = o.Subtotal + o.Tax + o.Shipping
}

func (o *Order) transition(status, by string, at time.Time) error {
	if !CanTransition(o.Status, status) {
		return fmt.Errorf("%s cannot go from %s to %s: %w", o.OrderNumber, o.Status, status, ErrInvalidTransition)
	}
	o.setStatus(status, by, at)
	return nil
}

func (o *Order) setStatus(status, by string, at time.Time) {
	o.Status = status
	o.History = append(o.History, Transition{Status: status, At: at, By: by})
}

// ReceiveLine is the quantity of an item received
type ReceiveLine struct {
	ItemID   uuid.UUID `json:"item_id"`
	Quantity int       `json:"quantity"`
}

// receive books the received quantities into the lines and sets the status.
// It returns the lines in the order they were passed.
func (o *Order) receive(lines []ReceiveLine, by string, at time.Time) ([]Line, error) {
	if o.Status != StatusOrdered && o.Status != StatusPartiallyReceived {
		return nil, fmt.Errorf("%s is %s, goods can only be received for ordered orders: %w", o.OrderNumber, o.Status, ErrInvalidTransition)
	}
	if len(lines) == 0 {
		return nil, rest.BadRequest("nothing to receive")
	}
	received := make([]Line, 0, len(lines))
	for _, r := range lines {
		i := o.lineIndex(r.ItemID)
		if i < 0 {
			return nil, rest.BadRequest("item %s is not part of %s", r.ItemID, o.OrderNumber)
		}
		if r.Quantity < 1 {
			return nil, rest.BadRequest("received quantity of %s must be positive", r.ItemID)
		}
		if r.Quantity > o.Lines[i].Outstanding() {
			return nil, rest.BadRequest("%d of %s outstanding, cannot receive %d", o.Lines[i].Outstanding(), o.Lines[i].SKU, r.Quantity)
		}
		o.Lines[i].ReceivedQuantity += r.Quantity
		line := o.Lines[i]
		line.Quantity = r.Quantity
		received = append(received, line)
	}

	status := StatusReceived
	for _, line := range o.Lines {
		if line.Outstanding() > 0 {
			status = StatusPartiallyReceived
			break
		}
	}
	if status == StatusReceived {
		o.ReceivedAt = &at
	}
	if status != o.Status {
		o.setStatus(status, by, at)
	}
	return received, nil
}

func (o *Order) lineIndex(itemID uuid.UUID) int {
	for i := range o.Lines {
		if o.Lines[i].ItemID == itemID {
			return i
		}
	}
	return -1
}
