package schemas

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllSchemasCompile(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	for _, id := range []string{Category, Item, Adjustment, Supplier, Order, GuestRequest,
		Member, PointsTransaction, Reward, Redemption, Invoice, Payment} {
		assert.True(t, v.HasSchema(id), id)
	}
}

func TestItemSchema(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	valid := `{"sku":"TWL-100","name":"Bath towel","category_id":"4f1638da-861e-4a81-8cc7-e6847b6fdf9b",
		"unit":"piece","quantity":12,"reorder_level":5,"status":"in_stock","active":true}`
	assert.NoError(t, v.ValidateString(valid, Item))

	negative := `{"sku":"TWL-100","name":"Bath towel","category_id":"4f1638da-861e-4a81-8cc7-e6847b6fdf9b",
		"unit":"piece","quantity":-1,"reorder_level":5,"status":"in_stock","active":true}`
	assert.Error(t, v.ValidateString(negative, Item))

	badStatus := `{"sku":"TWL-100","name":"Bath towel","category_id":"4f1638da-861e-4a81-8cc7-e6847b6fdf9b",
		"unit":"piece","quantity":1,"reorder_level":5,"status":"plenty","active":true}`
	assert.Error(t, v.ValidateString(badStatus, Item))
}

func TestAdjustmentSchemaRejectsZero(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	zero := `{"item_id":"4f1638da-861e-4a81-8cc7-e6847b6fdf9b","type":"usage","quantity":0,"previous_quantity":3,"new_quantity":3}`
	assert.Error(t, v.ValidateString(zero, Adjustment))
	correction := `{"item_id":"4f1638da-861e-4a81-8cc7-e6847b6fdf9b","type":"correction","quantity":-2,"previous_quantity":3,"new_quantity":1}`
	assert.NoError(t, v.ValidateString(correction, Adjustment))
}

func TestOrderNumberPattern(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	order := `{"order_number":"%s","supplier_id":"4f1638da-861e-4a81-8cc7-e6847b6fdf9b","status":"draft",
		"lines":[{"item_id":"c46da255-eb72-4cc6-8835-1b34a9917826","quantity":3,"unit_cost":250,"received_quantity":0}],
		"subtotal":750,"tax":75,"shipping":0,"total":825}`
	assert.NoError(t, v.ValidateString(fmt.Sprintf(order, "PO-20240131-A1B2C3"), Order))
	assert.Error(t, v.ValidateString(fmt.Sprintf(order, "PO-2024-1"), Order))
}

