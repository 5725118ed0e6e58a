package inventory

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		quantity, reorderLevel int
		want                   string
	}{
		{0, 10, StatusOutOfStock},
		{-3, 10, StatusOutOfStock},
		{1, 10, StatusLowStock},
		{10, 10, StatusLowStock},
		{11, 10, StatusInStock},
		{1, 0, StatusInStock},
		{0, 0, StatusOutOfStock},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveStatus(tt.quantity, tt.reorderLevel), "quantity %d level %d", tt.quantity, tt.reorderLevel)
	}
}

func TestDelta(t *testing.T) {
	tests := []struct {
		request AdjustmentRequest
		want    int
		err     error
	}{
		{AdjustmentRequest{Type: AdjustmentRestock, Quantity: 5}, 5, nil},
		{AdjustmentRequest{Type: AdjustmentReturned, Quantity: 2}, 2, nil},
		{AdjustmentRequest{Type: AdjustmentUsage, Quantity: 3}, -3, nil},
		{AdjustmentRequest{Type: AdjustmentDamaged, Quantity: 1}, -1, nil},
		{AdjustmentRequest{Type: AdjustmentExpired, Quantity: 4}, -4, nil},
		{AdjustmentRequest{Type: AdjustmentCorrection, Quantity: -7}, -7, nil},
		{AdjustmentRequest{Type: AdjustmentCorrection, Quantity: 7}, 7, nil},
		{AdjustmentRequest{Type: AdjustmentRestock, Quantity: 0}, 0, ErrInvalidAdjustment},
		{AdjustmentRequest{Type: AdjustmentUsage, Quantity: -3}, 0, ErrInvalidAdjustment},
		{AdjustmentRequest{Type: "theft", Quantity: 1}, 0, ErrInvalidAdjustment},
	}
	for _, tt := range tests {
		delta, err := tt.request.Delta()
		if tt.err != nil {
			assert.True(t, errors.Is(err, tt.err), "%+v", tt.request)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, delta, "%+v", tt.request)
	}
}

func towels() *Item {
	return &Item{
		ItemID:       uuid.New(),
		SKU:          "LIN-TOWEL-L",
		Name:         "Bath towel, large",
		Unit:         "piece",
		Quantity:     12,
		ReorderLevel: 10,
		Active:       true,
		Status:       StatusInStock,
	}
}

func TestApply(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	item := towels()
	adjustment, err := apply(item, AdjustmentRequest{Type: AdjustmentUsage, Quantity: 5, Reference: "room 204"}, now)
	require.NoError(t, err)
	assert.Equal(t, 7, item.Quantity)
	assert.Equal(t, StatusLowStock, item.Status)
	assert.Equal(t, -5, adjustment.Quantity)
	assert.Equal(t, 12, adjustment.PreviousQuantity)
	assert.Equal(t, 7, adjustment.NewQuantity)
	assert.Equal(t, "room 204", adjustment.Reference)
	assert.Nil(t, item.LastRestockedAt)

	_, err = apply(item, AdjustmentRequest{Type: AdjustmentRestock, Quantity: 20}, now)
	require.NoError(t, err)
	assert.Equal(t, 27, item.Quantity)
	assert.Equal(t, StatusInStock, item.Status)
	require.NotNil(t, item.LastRestockedAt)
	assert.Equal(t, now, *item.LastRestockedAt)
}

func TestApplyRejects(t *testing.T) {
	now := time.Now()

	item := towels()
	_, err := apply(item, AdjustmentRequest{Type: AdjustmentUsage, Quantity: 13}, now)
	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.Equal(t, 12, item.Quantity, "item must not change")

	_, err = apply(item, AdjustmentRequest{Type: AdjustmentUsage, Quantity: 12}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusOutOfStock, item.Status)

	item = towels()
	item.Active = false
	_, err = apply(item, AdjustmentRequest{Type: AdjustmentRestock, Quantity: 1}, now)
	assert.True(t, errors.Is(err, ErrInactiveItem))
	_, err = apply(item, AdjustmentRequest{Type: AdjustmentCorrection, Quantity: -2}, now)
	require.NoError(t, err)
	assert.Equal(t, 10, item.Quantity)
}

func TestAlerting(t *testing.T) {
	assert.True(t, alerting(StatusInStock, StatusLowStock, -1))
	assert.True(t, alerting(StatusInStock, StatusOutOfStock, -1))
	assert.True(t, alerting(StatusLowStock, StatusOutOfStock, -1))
	assert.False(t, alerting(StatusLowStock, StatusLowStock, -1))
	assert.False(t, alerting(StatusOutOfStock, StatusLowStock, 3), "restocking is no alert")
	assert.False(t, alerting(StatusInStock, StatusInStock, -1))
}

func TestSuggestedReorder(t *testing.T) {
	item := towels()
	item.Quantity = 3
	assert.Equal(t, 17, item.SuggestedReorder())
	item.ReorderQuantity = 50
	assert.Equal(t, 50, item.SuggestedReorder())

	item = towels()
	item.ReorderLevel = 0
	item.Quantity = 0
	assert.Equal(t, 1, item.SuggestedReorder())
}

func TestItemColumns(t *testing.T) {
	item := towels()
	supplier := uuid.New()
	item.SupplierID = &supplier
	columns := item.DocumentColumns()
	assert.Equal(t, supplier.String(), columns["supplier_id"])
	assert.Equal(t, "true", columns["active"])
	assert.Equal(t, "LIN-TOWEL-L", columns["sku"])

	item.SupplierID = nil
	assert.Equal(t, "", item.DocumentColumns()["supplier_id"])
}

func TestReportKey(t *testing.T) {
	assert.Equal(t, "inventory:2026-03-01", ReportKey(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)))
}
