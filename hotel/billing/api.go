package billing

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/kss"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/metrics"
	"github.com/relabs-tech/hotelier/core/rest"
	"github.com/relabs-tech/hotelier/core/schema"
	"github.com/relabs-tech/hotelier/hotel/loyalty"
	"github.com/relabs-tech/hotelier/hotel/numbers"
	"github.com/relabs-tech/hotelier/hotel/schemas"
	"github.com/relabs-tech/hotelier/hotel/settings"
)

// DocumentURLExpiry is the validity of presigned invoice document URLs
const DocumentURLExpiry = 5 * time.Minute

// Renderer renders the printable invoice document
type Renderer interface {
	RenderInvoice(w io.Writer, invoice *Invoice, hotel settings.Settings) error
}

// API is the billing service
type API struct {
	db       *csql.DB
	queue    *jobs.Queue
	settings *settings.Store
	loyalty  *loyalty.API
	kss      kss.Driver
	renderer Renderer
	invoices docstore.Typed[Invoice, *Invoice]
	payments docstore.Typed[Payment, *Payment]
}

// Builder is a builder helper for the API
type Builder struct {
	DB        *csql.DB
	Validator *schema.Validator
	Queue     *jobs.Queue
	Settings  *settings.Store
	// Loyalty checks member ids and credits points for paid invoices. Optional.
	Loyalty *loyalty.API
	// KSS stores the documents of issued invoices. Optional.
	KSS kss.Driver
	// Renderer renders invoice documents. Optional.
	Renderer Renderer
}

// New creates the billing tables and installs the invoice_paid handler
func New(ctx context.Context, b *Builder) (*API, error) {
	if b.DB == nil || b.Queue == nil || b.Settings == nil {
		return nil, errors.New("billing: DB, Queue and Settings are mandatory")
	}
	a := &API{
		db:       b.DB,
		queue:    b.Queue,
		settings: b.Settings,
		loyalty:  b.Loyalty,
		kss:      b.KSS,
		renderer: b.Renderer,
		invoices: docstore.NewTyped[Invoice](docstore.New(b.DB.Schema, b.Validator, docstore.Configuration{
			Resource:             "invoice",
			ExternalIndex:        "invoice_number",
			SearchableProperties: []string{"member_id", "room_number", "status"},
			SchemaID:             schemas.Invoice,
			WithLog:              true,
		})),
		payments: docstore.NewTyped[Payment](docstore.New(b.DB.Schema, b.Validator, docstore.Configuration{
			Resource:             "payment",
			SearchableProperties: []string{"invoice_id", "method"},
			SchemaID:             schemas.Payment,
		})),
	}
	for _, c := range []*docstore.Collection{a.invoices.Collection, a.payments.Collection} {
		if err := c.CreateTable(ctx, a.db); err != nil {
			return nil, err
		}
	}
	a.queue.HandleEvent(EventInvoicePaid, a.handleInvoicePaid)
	return a, nil
}

// SetRenderer installs the document renderer after construction
func (a *API) SetRenderer(renderer Renderer) {
	a.renderer = renderer
}

func identity(ctx context.Context) string {
	if auth := access.AuthorizationFromContext(ctx); auth != nil {
		return auth.Identity
	}
	return ""
}

func (a *API) notify(ctx context.Context, tx csql.Querier, resource string, operation core.Operation, id uuid.UUID, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.queue.NotifyInTx(ctx, tx, resource, operation, id, payload)
}

func (a *API) checkMember(ctx context.Context, i *Invoice) error {
	if i.MemberID == nil || a.loyalty == nil {
		return nil
	}
	if _, err := a.loyalty.ReadMember(ctx, *i.MemberID); err != nil {
		return rest.BadRequest("member: %v", err)
	}
	return nil
}

// Create stores a new draft invoice with the hotel's tax rate
func (a *API) Create(ctx context.Context, i *Invoice) error {
	hotel, err := a.settings.Load(ctx)
	if err != nil {
		return err
	}
	i.Status = StatusDraft
	i.TaxRate = hotel.TaxRate
	i.AmountPaid = 0
	i.IssuedAt, i.DueAt, i.PaidAt, i.VoidedAt = nil, nil, nil, nil
	i.DocumentKey = ""
	if err := i.beforeSave(); err != nil {
		return err
	}
	if err := a.checkMember(ctx, i); err != nil {
		return err
	}
	now := time.Now().UTC()
	i.CreatedAt = now

	// invoice numbers are random, retry on the unlikely collision
	for attempt := 0; ; attempt++ {
		i.InvoiceNumber = numbers.Dated("INV", now)
		err = a.db.WithTx(ctx, func(tx *sql.Tx) error {
			if err := a.invoices.InsertObject(ctx, tx, i); err != nil {
				return err
			}
			return a.notify(ctx, tx, "invoice", core.OperationCreate, i.InvoiceID, i)
		})
		if !errors.Is(err, docstore.ErrConflict) || attempt == 2 {
			break
		}
		i.InvoiceID = uuid.Nil
	}
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	logger.FromContext(ctx).Infof("created invoice %s for %s, total %s", i.InvoiceNumber, i.GuestName, i.Total)
	return nil
}

// Read returns the invoice with the given id
func (a *API) Read(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return a.invoices.ReadObject(ctx, a.db, id)
}

// ReadByNumber returns the invoice with the given invoice number
func (a *API) ReadByNumber(ctx context.Context, number string) (*Invoice, error) {
	return a.invoices.ReadObjectByExternalIndex(ctx, a.db, number)
}

// List returns one page of invoices
func (a *API) List(ctx context.Context, opts docstore.ListOptions) ([]Invoice, docstore.Pagination, error) {
	return a.invoices.ListObjects(ctx, a.db, opts)
}

// Update writes a draft invoice back. Number, status and payments are kept.
func (a *API) Update(ctx context.Context, i *Invoice) error {
	if err := a.checkMember(ctx, i); err != nil {
		return err
	}
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := a.invoices.ReadObjectForUpdate(ctx, tx, i.InvoiceID)
		if err != nil {
			return err
		}
		if !existing.Editable() {
			return fmt.Errorf("%s is %s: %w", existing.InvoiceNumber, existing.Status, ErrInvoiceClosed)
		}
		i.InvoiceNumber = existing.InvoiceNumber
		i.Status = existing.Status
		i.TaxRate = existing.TaxRate
		i.AmountPaid = 0
		i.IssuedAt, i.DueAt, i.PaidAt, i.VoidedAt = nil, nil, nil, nil
		i.DocumentKey = ""
		i.CreatedAt = existing.CreatedAt
		if err := i.beforeSave(); err != nil {
			return err
		}
		if err := a.invoices.UpdateObject(ctx, tx, i); err != nil {
			return err
		}
		return a.notify(ctx, tx, "invoice", core.OperationUpdate, i.InvoiceID, i)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// Delete deletes a draft invoice
func (a *API) Delete(ctx context.Context, id uuid.UUID) error {
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		i, err := a.invoices.ReadObjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !i.Editable() {
			return fmt.Errorf("%s is %s, void it instead: %w", i.InvoiceNumber, i.Status, ErrInvoiceClosed)
		}
		if err := a.invoices.Delete(ctx, tx, id); err != nil {
			return err
		}
		return a.notify(ctx, tx, "invoice", core.OperationDelete, id, i)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

func documentKey(i *Invoice) string {
	return "invoices/" + strings.ToLower(i.InvoiceNumber) + ".html"
}

// Render writes the invoice document
func (a *API) Render(ctx context.Context, w io.Writer, i *Invoice) error {
	if a.renderer == nil {
		return errors.New("no invoice renderer installed")
	}
	hotel, err := a.settings.Load(ctx)
	if err != nil {
		return err
	}
	return a.renderer.RenderInvoice(w, i, hotel)
}

// Issue issues a draft invoice. With a renderer and a key-value storage the
// invoice document is rendered and stored.
func (a *API) Issue(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	hotel, err := a.settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	var i *Invoice
	err = a.db.WithTx(ctx, func(tx *sql.Tx) (err error) {
		i, err = a.invoices.ReadObjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err = i.issue(time.Now().UTC(), hotel.InvoiceDueDays); err != nil {
			return err
		}
		if a.renderer != nil && a.kss != nil {
			var document bytes.Buffer
			if err = a.renderer.RenderInvoice(&document, i, hotel); err != nil {
				return fmt.Errorf("cannot render %s: %w", i.InvoiceNumber, err)
			}
			key := documentKey(i)
			if err = a.kss.Upload(ctx, key, "text/html; charset=utf-8", &document); err != nil {
				return fmt.Errorf("cannot store %s: %w", i.InvoiceNumber, err)
			}
			i.DocumentKey = key
		}
		i.Revision = 0
		if err = a.invoices.UpdateObject(ctx, tx, i); err != nil {
			return err
		}
		return a.notify(ctx, tx, "invoice", core.OperationUpdate, i.InvoiceID, i)
	})
	if err != nil {
		return nil, err
	}
	a.queue.TriggerJobs()
	logger.FromContext(ctx).Infof("issued invoice %s, due %s", i.InvoiceNumber, i.DueAt.Format("2006-01-02"))
	return i, nil
}

// Void voids an invoice that has no payments
func (a *API) Void(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var i *Invoice
	err := a.db.WithTx(ctx, func(tx *sql.Tx) (err error) {
		i, err = a.invoices.ReadObjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err = i.void(time.Now().UTC()); err != nil {
			return err
		}
		i.Revision = 0
		if err = a.invoices.UpdateObject(ctx, tx, i); err != nil {
			return err
		}
		return a.notify(ctx, tx, "invoice", core.OperationUpdate, i.InvoiceID, i)
	})
	if err != nil {
		return nil, err
	}
	a.queue.TriggerJobs()
	logger.FromContext(ctx).Infof("voided invoice %s", i.InvoiceNumber)
	return i, nil
}

// DocumentURL returns a presigned URL of the stored invoice document, or an
// empty string if the document was not stored
func (a *API) DocumentURL(i *Invoice) (string, error) {
	if a.kss == nil || i.DocumentKey == "" {
		return "", nil
	}
	return a.kss.GetPreSignedURL(kss.Get, i.DocumentKey, DocumentURLExpiry)
}

// RecordPayment books a payment. The invoice is locked until the payment is
// stored; payments on draft or closed invoices and payments larger than the
// balance due are rejected.
func (a *API) RecordPayment(ctx context.Context, invoiceID uuid.UUID, p *Payment) (*Invoice, error) {
	p.Method = strings.ToLower(strings.TrimSpace(p.Method))
	if !validMethod(p.Method) {
		return nil, rest.BadRequest("method must be cash, card, transfer or points")
	}
	var i *Invoice
	err := a.db.WithTx(ctx, func(tx *sql.Tx) (err error) {
		i, err = a.invoices.ReadObjectForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		paid, err := i.pay(p.Amount, now)
		if err != nil {
			return err
		}
		p.PaymentID, p.InvoiceID, p.CreatedAt = uuid.Nil, i.InvoiceID, now
		p.ReceivedBy = identity(ctx)
		if err = a.payments.InsertObject(ctx, tx, p); err != nil {
			return err
		}
		i.Revision = 0
		if err = a.invoices.UpdateObject(ctx, tx, i); err != nil {
			return err
		}
		if paid {
			event := jobs.Event{Type: EventInvoicePaid, Resource: "invoice", ResourceID: i.InvoiceID}.WithPayload(Paid{
				InvoiceID:     i.InvoiceID,
				InvoiceNumber: i.InvoiceNumber,
				MemberID:      i.MemberID,
				Amount:        i.Total,
			})
			if err = a.queue.RaiseEventInTx(ctx, tx, event); err != nil {
				return err
			}
		}
		if err = a.notify(ctx, tx, "payment", core.OperationCreate, p.PaymentID, p); err != nil {
			return err
		}
		return a.notify(ctx, tx, "invoice", core.OperationUpdate, i.InvoiceID, i)
	})
	if err != nil {
		return nil, err
	}
	a.queue.TriggerJobs()
	metrics.RecordPayment(p.Method, int64(p.Amount))
	logger.FromContext(ctx).Infof("payment of %s by %s on %s, %s due", p.Amount, p.Method, i.InvoiceNumber, i.BalanceDue)
	return i, nil
}

// ListPayments returns all payments of an invoice, oldest first
func (a *API) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	return a.payments.SelectObjects(ctx, a.db, false, docstore.Equal("invoice_id", invoiceID.String()))
}

// handleInvoicePaid credits loyalty points to the member of a paid invoice
func (a *API) handleInvoicePaid(ctx context.Context, e jobs.Event) error {
	var paid Paid
	if err := json.Unmarshal(e.Payload, &paid); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5401: invalid invoice_paid payload")
		return nil
	}
	if paid.MemberID == nil || a.loyalty == nil {
		return nil
	}
	t, err := a.loyalty.Earn(ctx, *paid.MemberID, paid.Amount, "invoice:"+paid.InvoiceNumber)
	if errors.Is(err, docstore.ErrNotFound) {
		logger.FromContext(ctx).Infof("member of %s no longer exists, no points", paid.InvoiceNumber)
		return nil
	}
	if err != nil {
		return err
	}
	if t != nil {
		logger.FromContext(ctx).Infof("credited %d points for %s", t.Points, paid.InvoiceNumber)
	}
	return nil
}
