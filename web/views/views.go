/*
Package views renders the admin pages and the invoice document.

The pages live under /admin and are rendered server side from embedded
templates. Staff authenticate with the session cookie set by the login page,
anonymous requests are redirected to /admin/login. The pages subscribe to /ws
and reload when a message of a relevant type arrives.
*/
package views

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/hotel/billing"
	"github.com/relabs-tech/hotelier/hotel/dashboard"
	"github.com/relabs-tech/hotelier/hotel/guest"
	"github.com/relabs-tech/hotelier/hotel/inventory"
	"github.com/relabs-tech/hotelier/hotel/loyalty"
	"github.com/relabs-tech/hotelier/hotel/order"
	"github.com/relabs-tech/hotelier/hotel/settings"
	"github.com/relabs-tech/hotelier/web/helpers"
)

//go:embed templates/*.html
var templateFS embed.FS

// the pages, each rendered into the layout
var pages = []string{"login", "dashboard", "inventory", "item", "orders", "requests", "members", "invoices"}

// Settings loads the current hotel settings
type Settings interface {
	Load(ctx context.Context) (settings.Settings, error)
}

// Dashboard computes the dashboard summary
type Dashboard interface {
	Summary(ctx context.Context) (*dashboard.Summary, error)
}

// Inventory lists items and their ledger
type Inventory interface {
	ListItems(ctx context.Context, opts docstore.ListOptions) ([]inventory.Item, docstore.Pagination, error)
	ReadItem(ctx context.Context, id uuid.UUID) (*inventory.Item, error)
	ListAdjustments(ctx context.Context, opts docstore.ListOptions) ([]inventory.Adjustment, docstore.Pagination, error)
}

// Orders lists purchase orders
type Orders interface {
	List(ctx context.Context, opts docstore.ListOptions) ([]order.Order, docstore.Pagination, error)
}

// Requests lists guest requests
type Requests interface {
	List(ctx context.Context, opts docstore.ListOptions) ([]guest.Request, docstore.Pagination, error)
}

// Members lists loyalty members
type Members interface {
	ListMembers(ctx context.Context, opts docstore.ListOptions) ([]loyalty.Member, docstore.Pagination, error)
}

// Invoices lists invoices
type Invoices interface {
	List(ctx context.Context, opts docstore.ListOptions) ([]billing.Invoice, docstore.Pagination, error)
}

// Builder is a builder helper for the Views
type Builder struct {
	Settings  Settings
	Dashboard Dashboard
	Inventory Inventory
	Orders    Orders
	Requests  Requests
	Members   Members
	Invoices  Invoices
	// Login authenticates the login form. Without it, the login page cannot sign in.
	Login *access.LoginAPI
}

// Views renders the admin pages. It implements billing.Renderer.
type Views struct {
	settings  Settings
	dashboard Dashboard
	inventory Inventory
	orders    Orders
	requests  Requests
	members   Members
	invoices  Invoices
	login     *access.LoginAPI

	pages    map[string]*template.Template
	document *template.Template
}

var _ billing.Renderer = (*Views)(nil)

// New parses the templates and returns the views
func New(b *Builder) (*Views, error) {
	v := &Views{
		settings:  b.Settings,
		dashboard: b.Dashboard,
		inventory: b.Inventory,
		orders:    b.Orders,
		requests:  b.Requests,
		members:   b.Members,
		invoices:  b.Invoices,
		login:     b.Login,
		pages:     map[string]*template.Template{},
	}
	// the functions are bound to the current settings on every render
	funcs := helpers.FuncMap(settings.Default())
	for _, page := range pages {
		t, err := template.New(page).Funcs(funcs).ParseFS(templateFS,
			"templates/layout.html", "templates/pagination.html", "templates/"+page+".html")
		if err != nil {
			return nil, fmt.Errorf("cannot parse page %s: %w", page, err)
		}
		v.pages[page] = t
	}
	document, err := template.New("invoice_document.html").Funcs(funcs).ParseFS(templateFS, "templates/invoice_document.html")
	if err != nil {
		return nil, fmt.Errorf("cannot parse invoice document: %w", err)
	}
	v.document = document
	return v, nil
}

// page is the data of every page
type page struct {
	Title    string
	Identity string
	// Refresh lists the realtime message types that reload the page
	Refresh []string
	Data    interface{}
}

func (v *Views) render(w io.Writer, hotel settings.Settings, name string, data page) error {
	t, err := v.pages[name].Clone()
	if err != nil {
		return err
	}
	if data.Refresh == nil {
		data.Refresh = []string{}
	}
	var buffer bytes.Buffer
	if err := t.Funcs(helpers.FuncMap(hotel)).ExecuteTemplate(&buffer, "layout", data); err != nil {
		return err
	}
	_, err = buffer.WriteTo(w)
	return err
}

// RenderInvoice writes the invoice document as standalone HTML
func (v *Views) RenderInvoice(w io.Writer, invoice *billing.Invoice, hotel settings.Settings) error {
	t, err := v.document.Clone()
	if err != nil {
		return err
	}
	return t.Funcs(helpers.FuncMap(hotel)).Execute(w, struct {
		Invoice *billing.Invoice
	}{invoice})
}
