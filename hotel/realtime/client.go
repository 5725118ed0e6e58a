package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/hotelier/core/logger"
)

// ErrTooManyAttempts is returned by Client.Run when the hub stays unreachable
var ErrTooManyAttempts = errors.New("realtime hub unreachable")

// Handlers receive the messages of a Client by type. Nil handlers are skipped,
// Other receives all types without a dedicated handler.
type Handlers struct {
	InventoryUpdate  func(Message)
	LowStockAlert    func(Message)
	OrderUpdate      func(Message)
	RequestUpdate    func(Message)
	LoyaltyUpdate    func(Message)
	InvoiceUpdate    func(Message)
	DashboardRefresh func(Message)
	Other            func(Message)
}

// ClientConfig configures a Client
type ClientConfig struct {
	// URL of the service, http(s) or ws(s). The path /ws is added if missing.
	URL string
	// Token is sent as bearer token
	Token string
	// Interval is the backoff unit, the n-th reconnect waits n times the interval. Default 1s.
	Interval time.Duration
	// MaxAttempts is the number of failed connection attempts in a row before giving up. Default 5.
	MaxAttempts int
}

// Client connects to a hub and dispatches its messages
type Client struct {
	url         string
	header      http.Header
	interval    time.Duration
	maxAttempts int
	handlers    Handlers
	dialer      websocket.Dialer
}

// NewClient creates a client
func NewClient(config ClientConfig, handlers Handlers) *Client {
	url := strings.TrimSuffix(config.URL, "/")
	switch {
	case strings.HasPrefix(url, "https"):
		url = "wss" + url[5:]
	case strings.HasPrefix(url, "http"):
		url = "ws" + url[4:]
	}
	if !strings.HasSuffix(url, "/ws") {
		url += "/ws"
	}
	header := http.Header{}
	if config.Token != "" {
		header.Set("Authorization", "Bearer "+config.Token)
	}
	interval := config.Interval
	if interval <= 0 {
		interval = time.Second
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Client{
		url:         url,
		header:      header,
		interval:    interval,
		maxAttempts: maxAttempts,
		handlers:    handlers,
		dialer:      websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// URL returns the websocket url the client dials
func (c *Client) URL() string {
	return c.url
}

// Backoff returns the wait before the given reconnect attempt, starting at 1
func (c *Client) Backoff(attempt int) time.Duration {
	return time.Duration(attempt) * c.interval
}

// Run connects and dispatches messages until ctx is done. Lost connections are
// reestablished. After MaxAttempts failed attempts in a row, Run returns ErrTooManyAttempts.
func (c *Client) Run(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	attempt := 0
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err == nil {
			attempt = 0
			rlog.Infoln("connected to", c.url)
			err = c.receive(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			rlog.WithError(err).Warnln("realtime connection lost")
		}
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		if attempt > c.maxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrTooManyAttempts, c.maxAttempts, err)
		}
		wait := c.Backoff(attempt)
		rlog.Infof("reconnect attempt %d in %s", attempt, wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Client) receive(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			logger.FromContext(ctx).WithError(err).Warnln("ignoring invalid realtime message")
			continue
		}
		c.Dispatch(m)
	}
}

// Dispatch calls the handler for the message type
func (c *Client) Dispatch(m Message) {
	var handler func(Message)
	switch m.Type {
	case TypeInventoryUpdate:
		handler = c.handlers.InventoryUpdate
	case TypeLowStockAlert:
		handler = c.handlers.LowStockAlert
	case TypeOrderUpdate:
		handler = c.handlers.OrderUpdate
	case TypeRequestUpdate:
		handler = c.handlers.RequestUpdate
	case TypeLoyaltyUpdate:
		handler = c.handlers.LoyaltyUpdate
	case TypeInvoiceUpdate:
		handler = c.handlers.InvoiceUpdate
	case TypeDashboardRefresh:
		handler = c.handlers.DashboardRefresh
	}
	if handler == nil {
		handler = c.handlers.Other
	}
	if handler != nil {
		handler(m)
	}
}
