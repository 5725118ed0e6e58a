package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
)

func TestNewMessage(t *testing.T) {
	id := uuid.New()
	m := NewMessage("item", core.OperationUpdate, []byte(`{"item_id":"`+id.String()+`","quantity":3}`))
	assert.Equal(t, TypeInventoryUpdate, m.Type)
	require.NotNil(t, m.ID)
	assert.Equal(t, id, *m.ID)
	assert.JSONEq(t, `{"item_id":"`+id.String()+`","quantity":3}`, string(m.Data))

	m = NewMessage("low_stock_alert", core.OperationUpdate, []byte(`{"sku":"LIN-1"}`))
	assert.Equal(t, TypeLowStockAlert, m.Type)
	assert.Nil(t, m.ID)

	m = NewMessage("dashboard", core.OperationUpdate, nil)
	assert.Equal(t, TypeDashboardRefresh, m.Type)
	assert.Nil(t, m.Data)
}

func TestDispatch(t *testing.T) {
	var got []string
	record := func(name string) func(Message) {
		return func(m Message) { got = append(got, name+":"+m.Resource) }
	}
	c := NewClient(ClientConfig{URL: "http://localhost"}, Handlers{
		InventoryUpdate: record("inventory"),
		InvoiceUpdate:   record("invoice"),
		Other:           record("other"),
	})
	c.Dispatch(NewMessage("item", core.OperationCreate, nil))
	c.Dispatch(NewMessage("payment", core.OperationCreate, nil))
	c.Dispatch(NewMessage("member", core.OperationUpdate, nil))
	c.Dispatch(Message{Type: "unknown", Resource: "x"})
	assert.Equal(t, []string{"inventory:item", "invoice:payment", "other:member", "other:x"}, got)
}

func TestClientDefaults(t *testing.T) {
	c := NewClient(ClientConfig{URL: "https://hotel.example/"}, Handlers{})
	assert.Equal(t, "wss://hotel.example/ws", c.URL())
	assert.Equal(t, time.Second, c.Backoff(1))
	assert.Equal(t, 3*time.Second, c.Backoff(3))
	assert.Equal(t, 5, c.maxAttempts)

	c = NewClient(ClientConfig{URL: "http://localhost:3000/ws", Interval: 200 * time.Millisecond}, Handlers{})
	assert.Equal(t, "ws://localhost:3000/ws", c.URL())
	assert.Equal(t, 800*time.Millisecond, c.Backoff(4))
}

func TestSlowClientIsDropped(t *testing.T) {
	h := NewHub(&Builder{})
	slow := &connection{send: make(chan []byte)}
	fast := &connection{send: make(chan []byte, 1)}
	h.register(slow)
	h.register(fast)

	var observed []string
	h.Observe(func(ctx context.Context, m Message) { observed = append(observed, m.Type) })
	h.Notify("order", core.OperationUpdate, []byte(`{}`))

	assert.Equal(t, 1, h.Clients())
	_, open := <-slow.send
	assert.False(t, open)
	assert.Contains(t, string(<-fast.send), `"type":"order_update"`)
	assert.Equal(t, []string{TypeOrderUpdate}, observed)
}

// staffOnly authorizes requests carrying the test token
func staffOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer staff" {
			auth := &access.Authorization{Identity: "ana", Roles: []string{access.RoleFrontDesk}}
			r = r.WithContext(auth.ContextWithAuthorization(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}

func TestHubAndClient(t *testing.T) {
	h := NewHub(&Builder{})
	router := mux.NewRouter()
	router.Use(staffOnly)
	h.HandleRoutes(router)
	server := httptest.NewServer(router)
	defer server.Close()

	received := make(chan Message, 1)
	c := NewClient(ClientConfig{URL: server.URL, Token: "staff", Interval: 10 * time.Millisecond},
		Handlers{RequestUpdate: func(m Message) { received <- m }})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	id := uuid.New()
	h.Notify("guest_request", core.OperationCreate, []byte(`{"guest_request_id":"`+id.String()+`"}`))

	select {
	case m := <-received:
		assert.Equal(t, TypeRequestUpdate, m.Type)
		assert.Equal(t, core.OperationCreate, m.Operation)
		assert.Equal(t, id, *m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	assert.NoError(t, <-done)
	assert.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientGivesUp(t *testing.T) {
	h := NewHub(&Builder{})
	router := mux.NewRouter()
	router.Use(staffOnly)
	h.HandleRoutes(router)
	server := httptest.NewServer(router)
	defer server.Close()

	c := NewClient(ClientConfig{URL: server.URL, Interval: time.Millisecond, MaxAttempts: 2}, Handlers{})
	err := c.Run(context.Background())
	assert.True(t, errors.Is(err, ErrTooManyAttempts), "anonymous connections are rejected")
}
