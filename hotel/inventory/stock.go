package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/metrics"
)

// AdjustmentRequest asks for a stock change. Quantity is positive for all types
// except correction, where its sign gives the direction.
type AdjustmentRequest struct {
	Type        string `json:"type"`
	Quantity    int    `json:"quantity"`
	Reason      string `json:"reason,omitempty"`
	Reference   string `json:"reference,omitempty"`
	PerformedBy string `json:"performed_by,omitempty"`
}

// LowStockAlert is the payload of the low_stock_alert event
type LowStockAlert struct {
	ItemID       uuid.UUID `json:"item_id"`
	SKU          string    `json:"sku"`
	Name         string    `json:"name"`
	Quantity     int       `json:"quantity"`
	ReorderLevel int       `json:"reorder_level"`
	Status       string    `json:"status"`
}

func alertFor(item *Item) LowStockAlert {
	return LowStockAlert{
		ItemID:       item.ItemID,
		SKU:          item.SKU,
		Name:         item.Name,
		Quantity:     item.Quantity,
		ReorderLevel: item.ReorderLevel,
		Status:       item.Status,
	}
}

// Delta returns the signed stock change of the request
func (r AdjustmentRequest) Delta() (int, error) {
	if r.Quantity == 0 {
		return 0, fmt.Errorf("quantity must not be zero: %w", ErrInvalidAdjustment)
	}
	switch r.Type {
	case AdjustmentRestock, AdjustmentReturned:
		if r.Quantity < 0 {
			return 0, fmt.Errorf("%s needs a positive quantity: %w", r.Type, ErrInvalidAdjustment)
		}
		return r.Quantity, nil
	case AdjustmentUsage, AdjustmentDamaged, AdjustmentExpired:
		if r.Quantity < 0 {
			return 0, fmt.Errorf("%s needs a positive quantity: %w", r.Type, ErrInvalidAdjustment)
		}
		return -r.Quantity, nil
	case AdjustmentCorrection:
		return r.Quantity, nil
	}
	return 0, fmt.Errorf("unknown adjustment type '%s': %w", r.Type, ErrInvalidAdjustment)
}

// apply computes the new stock of the item without touching the database
func apply(item *Item, r AdjustmentRequest, now time.Time) (*Adjustment, error) {
	delta, err := r.Delta()
	if err != nil {
		return nil, err
	}
	if !item.Active && r.Type != AdjustmentCorrection {
		return nil, fmt.Errorf("%s is inactive, only corrections are possible: %w", item.SKU, ErrInactiveItem)
	}
	newQuantity := item.Quantity + delta
	if newQuantity < 0 {
		return nil, fmt.Errorf("%s has %d %s, cannot remove %d: %w", item.SKU, item.Quantity, item.Unit, -delta, ErrInsufficientStock)
	}
	adjustment := &Adjustment{
		ItemID:           item.ItemID,
		Type:             r.Type,
		Quantity:         delta,
		PreviousQuantity: item.Quantity,
		NewQuantity:      newQuantity,
		Reason:           r.Reason,
		Reference:        r.Reference,
		PerformedBy:      r.PerformedBy,
		CreatedAt:        now,
	}
	item.Quantity = newQuantity
	if r.Type == AdjustmentRestock {
		item.LastRestockedAt = &now
	}
	item.beforeSave()
	return adjustment, nil
}

// alerting is true when a removal moved the item into a worse status
func alerting(previousStatus, status string, delta int) bool {
	return delta < 0 && status != previousStatus && IsLow(status)
}

// AdjustStockInTx changes the stock of an item inside the caller's transaction.
// The item row stays locked until the transaction ends. The item is updated in
// place.
func (a *API) AdjustStockInTx(ctx context.Context, tx *sql.Tx, itemID uuid.UUID, r AdjustmentRequest) (*Item, *Adjustment, error) {
	item, err := a.items.ReadObjectForUpdate(ctx, tx, itemID)
	if err != nil {
		return nil, nil, err
	}
	previousStatus := item.Status
	adjustment, err := apply(item, r, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}
	item.Revision = 0 // the row is locked
	if err = a.items.UpdateObject(ctx, tx, item); err != nil {
		return nil, nil, err
	}
	if err = a.adjustments.InsertObject(ctx, tx, adjustment); err != nil {
		return nil, nil, err
	}
	if alerting(previousStatus, item.Status, adjustment.Quantity) {
		event := jobs.Event{Type: EventLowStockAlert, Resource: "item", ResourceID: item.ItemID}.WithPayload(alertFor(item))
		if err = a.queue.RaiseEventInTx(ctx, tx, event); err != nil {
			return nil, nil, err
		}
	}
	payload, _ := json.Marshal(item)
	if err = a.queue.NotifyInTx(ctx, tx, "item", core.OperationUpdate, item.ItemID, payload); err != nil {
		return nil, nil, err
	}
	payload, _ = json.Marshal(adjustment)
	if err = a.queue.NotifyInTx(ctx, tx, "adjustment", core.OperationCreate, adjustment.AdjustmentID, payload); err != nil {
		return nil, nil, err
	}
	metrics.RecordStockAdjustment(adjustment.Type, adjustment.Quantity)
	return item, adjustment, nil
}

// AdjustStock changes the stock of an item in its own transaction
func (a *API) AdjustStock(ctx context.Context, itemID uuid.UUID, r AdjustmentRequest) (item *Item, adjustment *Adjustment, err error) {
	err = a.db.WithTx(ctx, func(tx *sql.Tx) error {
		item, adjustment, err = a.AdjustStockInTx(ctx, tx, itemID, r)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	a.queue.TriggerJobs()
	logger.FromContext(ctx).Infof("adjusted %s by %d to %d (%s)", item.SKU, adjustment.Quantity, item.Quantity, adjustment.Type)
	return item, adjustment, nil
}

// ListAdjustments returns one page of the ledger
func (a *API) ListAdjustments(ctx context.Context, opts docstore.ListOptions) ([]Adjustment, docstore.Pagination, error) {
	return a.adjustments.ListObjects(ctx, a.db, opts)
}
