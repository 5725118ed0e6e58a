/*
Package billing manages guest invoices and their payments.

An invoice is edited as a draft, then issued, then paid with one or more
payments. Totals are derived on every write: the subtotal sums the lines, the
discount is subtracted before tax, and the balance due is what is left after
the payments. An invoice that becomes paid raises an invoice_paid event,
which credits loyalty points to the invoice's member.
*/
package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/relabs-tech/hotelier/core/rest"
	"github.com/relabs-tech/hotelier/hotel/money"
)

// Invoice status values
const (
	StatusDraft         = "draft"
	StatusIssued        = "issued"
	StatusPartiallyPaid = "partially_paid"
	StatusPaid          = "paid"
	StatusVoid          = "void"
)

// Line categories
const (
	CategoryRoom     = "room"
	CategoryFood     = "food"
	CategoryBeverage = "beverage"
	CategoryAmenity  = "amenity"
	CategoryService  = "service"
	CategoryOther    = "other"
)

// Categories lists all line categories
var Categories = []string{CategoryRoom, CategoryFood, CategoryBeverage, CategoryAmenity, CategoryService, CategoryOther}

// Payment methods
const (
	MethodCash     = "cash"
	MethodCard     = "card"
	MethodTransfer = "transfer"
	MethodPoints   = "points"
)

// EventInvoicePaid is raised when an invoice is fully paid
const EventInvoicePaid = "invoice_paid"

var (
	// ErrOverpayment is returned for payments larger than the balance due
	ErrOverpayment = errors.New("payment exceeds the balance due")
	// ErrInvoiceClosed is returned for changes to invoices that are no longer editable
	ErrInvoiceClosed = errors.New("invoice is closed")
	// ErrNotIssued is returned for payments on draft invoices
	ErrNotIssued = errors.New("invoice is not issued")
)

// Line is one invoice line
type Line struct {
	Description string      `json:"description"`
	Category    string      `json:"category"`
	Quantity    int         `json:"quantity"`
	UnitPrice   money.Cents `json:"unit_price"`
}

// Total returns quantity times unit price
func (l Line) Total() money.Cents {
	return l.UnitPrice.MulQuantity(l.Quantity)
}

// Invoice is a guest invoice. All amounts are in cents.
type Invoice struct {
	InvoiceID     uuid.UUID   `json:"invoice_id"`
	InvoiceNumber string      `json:"invoice_number"`
	GuestName     string      `json:"guest_name"`
	MemberID      *uuid.UUID  `json:"member_id,omitempty"`
	RoomNumber    string      `json:"room_number,omitempty"`
	Lines         []Line      `json:"lines"`
	Subtotal      money.Cents `json:"subtotal"`
	Discount      money.Cents `json:"discount"`
	TaxRate       float64     `json:"tax_rate"`
	Tax           money.Cents `json:"tax"`
	Total         money.Cents `json:"total"`
	AmountPaid    money.Cents `json:"amount_paid"`
	BalanceDue    money.Cents `json:"balance_due"`
	Status        string      `json:"status"`
	IssuedAt      *time.Time  `json:"issued_at,omitempty"`
	DueAt         *time.Time  `json:"due_at,omitempty"`
	PaidAt        *time.Time  `json:"paid_at,omitempty"`
	VoidedAt      *time.Time  `json:"voided_at,omitempty"`
	DocumentKey   string      `json:"document_key,omitempty"`
	Notes         string      `json:"notes,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	Revision      int         `json:"revision"`
}

// DocumentMeta implements docstore.Object
func (i *Invoice) DocumentMeta() (*uuid.UUID, *time.Time, *int) {
	return &i.InvoiceID, &i.CreatedAt, &i.Revision
}

// DocumentColumns implements docstore.Object
func (i *Invoice) DocumentColumns() map[string]string {
	member := ""
	if i.MemberID != nil {
		member = i.MemberID.String()
	}
	return map[string]string{
		"invoice_number": i.InvoiceNumber,
		"member_id":      member,
		"room_number":    i.RoomNumber,
		"status":         i.Status,
	}
}

// Editable returns true while lines and guest data can change
func (i *Invoice) Editable() bool {
	return i.Status == StatusDraft
}

// Payable returns true if the invoice accepts payments
func (i *Invoice) Payable() bool {
	return i.Status == StatusIssued || i.Status == StatusPartiallyPaid
}

// Overdue returns true if the invoice is unpaid after its due date
func (i *Invoice) Overdue(now time.Time) bool {
	return i.Payable() && i.DueAt != nil && now.After(*i.DueAt)
}

func validCategory(category string) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}

// beforeSave checks guest data and lines and derives the totals
func (i *Invoice) beforeSave() error {
	i.GuestName = strings.TrimSpace(i.GuestName)
	i.RoomNumber = strings.TrimSpace(i.RoomNumber)
	if i.GuestName == "" {
		return rest.BadRequest("guest_name is required")
	}
	if i.Lines == nil {
		i.Lines = []Line{}
	}
	for n := range i.Lines {
		line := &i.Lines[n]
		line.Description = strings.TrimSpace(line.Description)
		if line.Category == "" {
			line.Category = CategoryOther
		}
		switch {
		case line.Description == "":
			return rest.BadRequest("line %d: description is required", n+1)
		case !validCategory(line.Category):
			return rest.BadRequest("line %d: unknown category '%s'", n+1, line.Category)
		case line.Quantity < 1:
			return rest.BadRequest("line %d: quantity must be positive", n+1)
		case line.UnitPrice < 0:
			return rest.BadRequest("line %d: unit_price must not be negative", n+1)
		}
	}
	if i.Discount < 0 {
		return rest.BadRequest("discount must not be negative")
	}
	if i.TaxRate < 0 || i.TaxRate >= 1 {
		return rest.BadRequest("tax_rate must be in [0,1)")
	}
	return i.derive()
}

// derive computes subtotal, tax, total and balance due. The discount may not
// exceed the subtotal.
func (i *Invoice) derive() error {
	var subtotal money.Cents
	for _, line := range i.Lines {
		subtotal += line.Total()
	}
	if i.Discount > subtotal {
		return rest.BadRequest("discount %s exceeds the subtotal %s", i.Discount, subtotal)
	}
	i.Subtotal = subtotal
	taxable := subtotal - i.Discount
	i.Tax = taxable.ApplyRate(decimal.NewFromFloat(i.TaxRate))
	i.Total = taxable + i.Tax
	i.BalanceDue = i.Total - i.AmountPaid
	return nil
}

// issue moves a draft to issued with a due date dueDays after at
func (i *Invoice) issue(at time.Time, dueDays int) error {
	if i.Status != StatusDraft {
		return fmt.Errorf("%s is %s: %w", i.InvoiceNumber, i.Status, ErrInvoiceClosed)
	}
	if len(i.Lines) == 0 {
		return rest.BadRequest("an invoice without lines cannot be issued")
	}
	due := at.AddDate(0, 0, dueDays)
	i.Status, i.IssuedAt, i.DueAt = StatusIssued, &at, &due
	if i.Total == 0 {
		i.Status, i.PaidAt = StatusPaid, &at
	}
	return nil
}

// void cancels an invoice without payments
func (i *Invoice) void(at time.Time) error {
	switch {
	case i.Status == StatusVoid, i.Status == StatusPaid:
		return fmt.Errorf("%s is %s: %w", i.InvoiceNumber, i.Status, ErrInvoiceClosed)
	case i.AmountPaid > 0:
		return fmt.Errorf("%s has payments of %s: %w", i.InvoiceNumber, i.AmountPaid, ErrInvoiceClosed)
	}
	i.Status, i.VoidedAt = StatusVoid, &at
	return nil
}

// pay applies a payment and returns true if the invoice became paid
func (i *Invoice) pay(amount money.Cents, at time.Time) (bool, error) {
	switch {
	case i.Status == StatusDraft:
		return false, fmt.Errorf("%s: %w", i.InvoiceNumber, ErrNotIssued)
	case !i.Payable():
		return false, fmt.Errorf("%s is %s: %w", i.InvoiceNumber, i.Status, ErrInvoiceClosed)
	case amount <= 0:
		return false, rest.BadRequest("amount must be positive")
	case amount > i.BalanceDue:
		return false, fmt.Errorf("%s paid, %s due: %w", amount, i.BalanceDue, ErrOverpayment)
	}
	i.AmountPaid += amount
	i.BalanceDue = i.Total - i.AmountPaid
	if i.BalanceDue == 0 {
		i.Status, i.PaidAt = StatusPaid, &at
		return true, nil
	}
	i.Status = StatusPartiallyPaid
	return false, nil
}

// Payment is a payment received for an invoice
type Payment struct {
	PaymentID  uuid.UUID   `json:"payment_id"`
	InvoiceID  uuid.UUID   `json:"invoice_id"`
	Amount     money.Cents `json:"amount"`
	Method     string      `json:"method"`
	Reference  string      `json:"reference,omitempty"`
	ReceivedBy string      `json:"received_by,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	revision   int
}

// DocumentMeta implements docstore.Object
func (p *Payment) DocumentMeta() (*uuid.UUID, *time.Time, *int) {
	return &p.PaymentID, &p.CreatedAt, &p.revision
}

// DocumentColumns implements docstore.Object
func (p *Payment) DocumentColumns() map[string]string {
	return map[string]string{"invoice_id": p.InvoiceID.String(), "method": p.Method}
}

func validMethod(method string) bool {
	switch method {
	case MethodCash, MethodCard, MethodTransfer, MethodPoints:
		return true
	}
	return false
}

// Paid is the payload of the invoice_paid event
type Paid struct {
	InvoiceID     uuid.UUID   `json:"invoice_id"`
	InvoiceNumber string      `json:"invoice_number"`
	MemberID      *uuid.UUID  `json:"member_id,omitempty"`
	Amount        money.Cents `json:"amount"`
}
