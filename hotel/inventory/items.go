package inventory

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/rest"
)

// NewItem returns an item with the hotel's defaults, ready to be decoded into
func (a *API) NewItem(ctx context.Context) (*Item, error) {
	s, err := a.settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &Item{Active: true, Unit: "piece", ReorderLevel: s.DefaultReorderLevel}, nil
}

// CreateItem stores a new item. An initial quantity is recorded in the ledger
// as a restock, so the ledger always adds up to the current stock. Items of an
// inactive category start inactive.
func (a *API) CreateItem(ctx context.Context, item *Item) error {
	if item.Quantity < 0 {
		return rest.BadRequest("quantity must not be negative")
	}
	initial := item.Quantity
	item.Quantity = 0
	item.LastRestockedAt = nil
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		category, err := a.categories.ReadObject(ctx, tx, item.CategoryID)
		if err != nil {
			return rest.BadRequest("category: %v", err)
		}
		if !category.Active {
			item.Active = false
		}
		item.beforeSave()
		if err = a.items.InsertObject(ctx, tx, item); err != nil {
			return err
		}
		if initial > 0 {
			updated, _, err := a.AdjustStockInTx(ctx, tx, item.ItemID, AdjustmentRequest{
				Type:        AdjustmentCorrection,
				Quantity:    initial,
				Reason:      "initial stock",
				PerformedBy: performedBy(ctx),
			})
			if err != nil {
				return err
			}
			*item = *updated
			return nil
		}
		return a.notify(ctx, tx, "item", core.OperationCreate, item.ItemID, item)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// ReadItem returns the item with the given id
func (a *API) ReadItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	return a.items.ReadObject(ctx, a.db, id)
}

// ReadItemBySKU returns the item with the given sku
func (a *API) ReadItemBySKU(ctx context.Context, sku string) (*Item, error) {
	return a.items.ReadObjectByExternalIndex(ctx, a.db, sku)
}

// ListItems returns one page of items
func (a *API) ListItems(ctx context.Context, opts docstore.ListOptions) ([]Item, docstore.Pagination, error) {
	return a.items.ListObjects(ctx, a.db, opts)
}

// UpdateItem writes the item's master data back. Quantity, status and restock
// time belong to the ledger and are kept from the stored item. A non-zero
// revision must match the stored one.
func (a *API) UpdateItem(ctx context.Context, item *Item) error {
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := a.items.ReadObjectForUpdate(ctx, tx, item.ItemID)
		if err != nil {
			return err
		}
		if item.CategoryID != existing.CategoryID {
			if _, err := a.categories.ReadObject(ctx, tx, item.CategoryID); err != nil {
				return rest.BadRequest("category: %v", err)
			}
		}
		item.Quantity = existing.Quantity
		item.LastRestockedAt = existing.LastRestockedAt
		item.CreatedAt = existing.CreatedAt
		item.beforeSave()
		if err = a.items.UpdateObject(ctx, tx, item); err != nil {
			return err
		}
		return a.notify(ctx, tx, "item", core.OperationUpdate, item.ItemID, item)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// DeleteItem deletes an item. Its ledger entries stay.
func (a *API) DeleteItem(ctx context.Context, id uuid.UUID) error {
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.items.Delete(ctx, tx, id); err != nil {
			return err
		}
		return a.notify(ctx, tx, "item", core.OperationDelete, id, map[string]uuid.UUID{"item_id": id})
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// ItemRevision is one entry of an item's history
type ItemRevision struct {
	Revision  int       `json:"revision"`
	Timestamp time.Time `json:"timestamp"`
	Item      *Item     `json:"item"`
}

// ItemHistory pages backwards through the stored revisions of an item
func (a *API) ItemHistory(ctx context.Context, id uuid.UUID, cursor string, limit int) ([]ItemRevision, string, error) {
	page, err := a.items.ListLog(ctx, a.db, docstore.LogQuery{ID: id, Cursor: cursor, Limit: limit})
	if err != nil {
		return nil, "", err
	}
	revisions := make([]ItemRevision, 0, len(page.Entries))
	for _, doc := range page.Entries {
		// log timestamps are write times, the creation time stays in the properties
		item := &Item{}
		if err := json.Unmarshal(doc.Properties, item); err != nil {
			return nil, "", err
		}
		item.ItemID, item.Revision = doc.ID, doc.Revision
		revisions = append(revisions, ItemRevision{Revision: doc.Revision, Timestamp: doc.Timestamp, Item: item})
	}
	return revisions, page.Next, nil
}
