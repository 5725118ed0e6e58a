package inventory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/rest"
)

func (a *API) notify(ctx context.Context, tx csql.Querier, resource string, operation core.Operation, id uuid.UUID, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.queue.NotifyInTx(ctx, tx, resource, operation, id, payload)
}

// CreateCategory stores a new category. A parent category must exist.
func (a *API) CreateCategory(ctx context.Context, category *Category) error {
	if category.ParentID != nil {
		if _, err := a.categories.ReadObject(ctx, a.db, *category.ParentID); err != nil {
			return rest.BadRequest("parent category: %v", err)
		}
	}
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.categories.InsertObject(ctx, tx, category); err != nil {
			return err
		}
		return a.notify(ctx, tx, "category", core.OperationCreate, category.CategoryID, category)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// ReadCategory returns the category with the given id
func (a *API) ReadCategory(ctx context.Context, id uuid.UUID) (*Category, error) {
	return a.categories.ReadObject(ctx, a.db, id)
}

// ListCategories returns one page of categories
func (a *API) ListCategories(ctx context.Context, opts docstore.ListOptions) ([]Category, docstore.Pagination, error) {
	return a.categories.ListObjects(ctx, a.db, opts)
}

// UpdateCategory writes the category back. When its active flag changes, all
// items of the category take the new flag in the same transaction. Items of
// subcategories are not touched.
func (a *API) UpdateCategory(ctx context.Context, category *Category) (cascaded int, err error) {
	if category.ParentID != nil && *category.ParentID == category.CategoryID {
		return 0, rest.BadRequest("a category cannot be its own parent")
	}
	err = a.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := a.categories.ReadObjectForUpdate(ctx, tx, category.CategoryID)
		if err != nil {
			return err
		}
		if category.ParentID != nil {
			if _, err := a.categories.ReadObject(ctx, tx, *category.ParentID); err != nil {
				return rest.BadRequest("parent category: %v", err)
			}
		}
		category.CreatedAt = existing.CreatedAt
		if err = a.categories.UpdateObject(ctx, tx, category); err != nil {
			return err
		}
		if existing.Active != category.Active {
			cascaded, err = a.CascadeActive(ctx, tx, docstore.Equal("category_id", category.CategoryID.String()), category.Active)
			if err != nil {
				return err
			}
		}
		return a.notify(ctx, tx, "category", core.OperationUpdate, category.CategoryID, category)
	})
	if err != nil {
		return 0, err
	}
	a.queue.TriggerJobs()
	return cascaded, nil
}

// DeleteCategory deletes a category without items and subcategories
func (a *API) DeleteCategory(ctx context.Context, id uuid.UUID) error {
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := a.categories.ReadObjectForUpdate(ctx, tx, id); err != nil {
			return err
		}
		items, err := a.items.Count(ctx, tx, docstore.Equal("category_id", id.String()))
		if err != nil {
			return err
		}
		children, err := a.categories.Count(ctx, tx, docstore.Equal("parent_id", id.String()))
		if err != nil {
			return err
		}
		if items > 0 || children > 0 {
			return fmt.Errorf("%d items and %d subcategories: %w", items, children, ErrCategoryInUse)
		}
		if err = a.categories.Delete(ctx, tx, id); err != nil {
			return err
		}
		return a.notify(ctx, tx, "category", core.OperationDelete, id, map[string]uuid.UUID{"category_id": id})
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// CascadeActive sets the active flag of all items matching the filter inside
// the caller's transaction and returns the number of changed items. Only items
// whose flag differs are written.
func (a *API) CascadeActive(ctx context.Context, tx *sql.Tx, filter docstore.Filter, active bool) (int, error) {
	items, err := a.items.SelectObjects(ctx, tx, true, filter)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range items {
		item := &items[i]
		if item.Active == active {
			continue
		}
		item.Active = active
		item.Revision = 0
		if err := a.items.UpdateObject(ctx, tx, item); err != nil {
			return changed, err
		}
		if err := a.notify(ctx, tx, "item", core.OperationUpdate, item.ItemID, item); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
