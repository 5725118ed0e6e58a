//go:build integration

package test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/client"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/hotel/billing"
	"github.com/relabs-tech/hotelier/hotel/dashboard"
	"github.com/relabs-tech/hotelier/hotel/inventory"
	"github.com/relabs-tech/hotelier/hotel/loyalty"
	"github.com/relabs-tech/hotelier/hotel/order"
	"github.com/relabs-tech/hotelier/hotel/realtime"
	"github.com/relabs-tech/hotelier/hotel/supplier"
)

type HotelTestSuite struct {
	IntegrationTestSuite
}

func TestHotelTestSuite(t *testing.T) {
	suite.Run(t, &HotelTestSuite{})
}

// newItem creates an item with stock in a fresh category
func (s *HotelTestSuite) newItem(sku string, quantity, reorderLevel int) *inventory.Item {
	ctx := s.staff()
	category := &inventory.Category{Name: "Linen " + uuid.NewString()[:8], Active: true}
	s.Require().NoError(s.inventory.CreateCategory(ctx, category))
	item, err := s.inventory.NewItem(ctx)
	s.Require().NoError(err)
	item.SKU, item.Name, item.CategoryID = sku, "Bath towel "+sku, category.CategoryID
	item.Quantity, item.ReorderLevel, item.UnitCost = quantity, reorderLevel, 250
	s.Require().NoError(s.inventory.CreateItem(ctx, item))
	return item
}

func (s *HotelTestSuite) TestStockFlow() {
	ctx := s.staff()
	item := s.newItem("TWL-"+uuid.NewString()[:6], 30, 10)
	s.Equal(inventory.StatusInStock, item.Status)

	item, adjustment, err := s.inventory.AdjustStock(ctx, item.ItemID, inventory.AdjustmentRequest{
		Type: inventory.AdjustmentUsage, Quantity: 25, Reason: "rooms 501-510",
	})
	s.Require().NoError(err)
	s.Equal(5, item.Quantity)
	s.Equal(inventory.StatusLowStock, item.Status)
	s.Equal(-25, adjustment.Quantity)
	s.Equal(30, adjustment.PreviousQuantity)
	s.queue.ProcessJobsSync(0)

	var conflict *client.StatusError
	status, err := s.client(access.RoleHousekeeping).RawPost("/items/"+item.ItemID.String()+"/adjustments",
		inventory.AdjustmentRequest{Type: inventory.AdjustmentUsage, Quantity: 10}, nil)
	s.Equal(http.StatusConflict, status)
	s.True(errors.As(err, &conflict))

	adjustments, _, err := s.inventory.ListAdjustments(ctx, docstore.ListOptions{
		Filters: []docstore.Filter{docstore.Equal("item_id", item.ItemID.String())},
	})
	s.Require().NoError(err)
	s.Len(adjustments, 2)
	sum := 0
	for _, a := range adjustments {
		sum += a.Quantity
	}
	s.Equal(item.Quantity, sum, "the ledger adds up to the stock")

	low, err := s.inventory.LowStock(ctx)
	s.Require().NoError(err)
	found := false
	for _, entry := range low {
		found = found || entry.Item.ItemID == item.ItemID
	}
	s.True(found)
}

func (s *HotelTestSuite) TestPurchaseOrderReceive() {
	ctx := s.staff()
	item := s.newItem("SHP-"+uuid.NewString()[:6], 4, 10)
	vendor := &supplier.Supplier{Name: "Linen & Co " + uuid.NewString()[:8], LeadTimeDays: 3}
	s.Require().NoError(s.suppliers.Create(ctx, vendor))

	o := &order.Order{SupplierID: vendor.SupplierID, Lines: []order.Line{{ItemID: item.ItemID, Quantity: 20}}}
	s.Require().NoError(s.orders.Create(ctx, o))
	s.Equal(order.StatusDraft, o.Status)
	s.Equal(item.SKU, o.Lines[0].SKU)

	for _, status := range []string{order.StatusPending, order.StatusApproved, order.StatusOrdered} {
		var err error
		o, err = s.orders.Transition(ctx, o.OrderID, status)
		s.Require().NoError(err)
	}
	s.Require().NotNil(o.ExpectedDelivery)

	o, err := s.orders.Receive(ctx, o.OrderID, []order.ReceiveLine{{ItemID: item.ItemID, Quantity: 12}})
	s.Require().NoError(err)
	s.Equal(order.StatusPartiallyReceived, o.Status)
	o, err = s.orders.Receive(ctx, o.OrderID, []order.ReceiveLine{{ItemID: item.ItemID, Quantity: 8}})
	s.Require().NoError(err)
	s.Equal(order.StatusReceived, o.Status)

	_, err = s.orders.Transition(ctx, o.OrderID, order.StatusCancelled)
	s.True(errors.Is(err, order.ErrInvalidTransition))

	stocked, err := s.inventory.ReadItem(ctx, item.ItemID)
	s.Require().NoError(err)
	s.Equal(24, stocked.Quantity)
	s.Equal(inventory.StatusInStock, stocked.Status)

	restocks, _, err := s.inventory.ListAdjustments(ctx, docstore.ListOptions{
		Filters: []docstore.Filter{docstore.Equal("reference", o.OrderNumber)},
	})
	s.Require().NoError(err)
	s.Len(restocks, 2)
	s.queue.ProcessJobsSync(0)
}

func (s *HotelTestSuite) TestPaidInvoiceEarnsPoints() {
	ctx := s.staff()
	member := &loyalty.Member{Name: "Grace Hopper", Email: uuid.NewString()[:8] + "@guest.example"}
	s.Require().NoError(s.loyalty.CreateMember(ctx, member))

	invoice := &billing.Invoice{
		GuestName:  member.Name,
		MemberID:   &member.MemberID,
		RoomNumber: "501",
		Lines:      []billing.Line{{Description: "Suite", Category: billing.CategoryRoom, Quantity: 2, UnitPrice: 14900}},
	}
	s.Require().NoError(s.billing.Create(ctx, invoice))
	s.EqualValues(32780, invoice.Total)

	_, err := s.billing.RecordPayment(ctx, invoice.InvoiceID, &billing.Payment{Amount: 1000, Method: billing.MethodCash})
	s.True(errors.Is(err, billing.ErrNotIssued))

	_, err = s.billing.Issue(ctx, invoice.InvoiceID)
	s.Require().NoError(err)
	invoice, err = s.billing.RecordPayment(ctx, invoice.InvoiceID, &billing.Payment{Amount: 20000, Method: billing.MethodCard})
	s.Require().NoError(err)
	s.Equal(billing.StatusPartiallyPaid, invoice.Status)
	_, err = s.billing.RecordPayment(ctx, invoice.InvoiceID, &billing.Payment{Amount: 20000, Method: billing.MethodCard})
	s.True(errors.Is(err, billing.ErrOverpayment))
	invoice, err = s.billing.RecordPayment(ctx, invoice.InvoiceID, &billing.Payment{Amount: 12780, Method: billing.MethodCash})
	s.Require().NoError(err)
	s.Equal(billing.StatusPaid, invoice.Status)

	s.queue.ProcessJobsSync(0)
	m, err := s.loyalty.ReadMember(ctx, member.MemberID)
	s.Require().NoError(err)
	s.EqualValues(327, m.PointsBalance)

	// crediting the same invoice again books nothing
	t, err := s.loyalty.Earn(ctx, member.MemberID, invoice.Total, "invoice:"+invoice.InvoiceNumber)
	s.Require().NoError(err)
	s.Nil(t)
	s.Require().NoError(s.queue.RaiseEvent(ctx, jobs.Event{Type: billing.EventInvoicePaid}.WithPayload(billing.Paid{
		InvoiceID: invoice.InvoiceID, InvoiceNumber: invoice.InvoiceNumber, MemberID: &member.MemberID, Amount: invoice.Total,
	})))
	s.queue.ProcessJobsSync(0)
	m, err = s.loyalty.ReadMember(ctx, member.MemberID)
	s.Require().NoError(err)
	s.EqualValues(327, m.PointsBalance)
}

func (s *HotelTestSuite) TestProcessedJobsArePublished() {
	item := s.newItem("PUB-"+uuid.NewString()[:6], 3, 1)
	s.queue.ProcessJobsSync(0)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{s.kafkaAddr},
		Topic:       jobs.DefaultTopic,
		GroupID:     "hotelier-test-" + uuid.NewString(),
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	for {
		m, err := reader.ReadMessage(ctx)
		s.Require().NoError(err, "no message for the item")
		if string(m.Key) != item.ItemID.String() {
			continue
		}
		var message jobs.Message
		s.Require().NoError(json.Unmarshal(m.Value, &message))
		if message.Job != "notification" || message.Resource != "item" {
			continue
		}
		s.Equal(item.ItemID, message.ResourceID)
		return
	}
}

func (s *HotelTestSuite) TestDashboardCache() {
	ctx := s.staff()
	s.newItem("DSH-"+uuid.NewString()[:6], 12, 2)
	summary, err := s.dashboard.Summary(ctx)
	s.Require().NoError(err)
	s.Greater(summary.Inventory.Items, 0)

	n, err := s.redis.Exists(ctx, dashboard.CacheKey).Result()
	s.Require().NoError(err)
	s.EqualValues(1, n)

	var cached map[string]interface{}
	status, err := s.client(access.RoleFrontDesk).RawGet("/dashboard", &cached)
	s.Require().NoError(err)
	s.Equal(http.StatusOK, status)
	s.Contains(cached, "inventory")

	s.dashboard.Invalidate(ctx)
	n, err = s.redis.Exists(ctx, dashboard.CacheKey).Result()
	s.Require().NoError(err)
	s.EqualValues(0, n)
}

func (s *HotelTestSuite) TestRealtimeRelay() {
	other := realtime.NewHub(&realtime.Builder{Redis: s.redis})
	received := make(chan realtime.Message, 16)
	other.Observe(func(ctx context.Context, m realtime.Message) {
		received <- m
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go other.Run(ctx)

	id := uuid.New()
	payload, _ := json.Marshal(map[string]string{"item_id": id.String()})
	deadline := time.After(20 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case m := <-received:
			s.Equal(realtime.TypeInventoryUpdate, m.Type)
			s.Require().NotNil(m.ID)
			s.Equal(id, *m.ID)
			return
		case <-tick.C:
			// publish until the other instance has subscribed
			s.hub.Notify("item", "update", payload)
		case <-deadline:
			s.Fail("the other instance received nothing")
			return
		}
	}
}
