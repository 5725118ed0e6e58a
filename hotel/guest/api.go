package guest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
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
	"github.com/relabs-tech/hotelier/hotel/inventory"
	"github.com/relabs-tech/hotelier/hotel/schemas"
)

// URLExpiry is the validity of presigned attachment URLs
const URLExpiry = 15 * time.Minute

// ErrNoStorage is returned for attachments when no key-value storage is configured
var ErrNoStorage = errors.New("attachments are not configured")

// API is the guest request service
type API struct {
	db        *csql.DB
	queue     *jobs.Queue
	inventory *inventory.API
	kss       kss.Driver
	requests  docstore.Typed[Request, *Request]
}

// Builder is a builder helper for the API
type Builder struct {
	DB        *csql.DB
	Validator *schema.Validator
	Queue     *jobs.Queue
	Inventory *inventory.API
	// KSS stores attachments. Without it attachments are disabled.
	KSS kss.Driver
}

// New creates the request table
func New(ctx context.Context, b *Builder) (*API, error) {
	if b.DB == nil || b.Queue == nil || b.Inventory == nil {
		return nil, errors.New("guest: DB, Queue and Inventory are mandatory")
	}
	a := &API{
		db:        b.DB,
		queue:     b.Queue,
		inventory: b.Inventory,
		kss:       b.KSS,
		requests: docstore.NewTyped[Request](docstore.New(b.DB.Schema, b.Validator, docstore.Configuration{
			Resource:             "guest_request",
			SearchableProperties: []string{"type", "room_number", "priority", "status", "assigned_to"},
			SchemaID:             schemas.GuestRequest,
		})),
	}
	if err := a.requests.CreateTable(ctx, a.db); err != nil {
		return nil, err
	}
	return a, nil
}

func identity(ctx context.Context) string {
	if auth := access.AuthorizationFromContext(ctx); auth != nil {
		return auth.Identity
	}
	return ""
}

func (a *API) notify(ctx context.Context, tx csql.Querier, operation core.Operation, r *Request) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return a.queue.NotifyInTx(ctx, tx, "guest_request", operation, r.RequestID, payload)
}

func (a *API) checkItems(ctx context.Context, r *Request) error {
	for _, requested := range r.Items {
		item, err := a.inventory.ReadItem(ctx, requested.ItemID)
		if err != nil {
			return rest.BadRequest("item %s: %v", requested.ItemID, err)
		}
		if !item.Active {
			return rest.BadRequest("item %s is inactive", item.SKU)
		}
	}
	return nil
}

// Create stores a new open request
func (a *API) Create(ctx context.Context, r *Request) error {
	if err := r.beforeSave(); err != nil {
		return err
	}
	if err := a.checkItems(ctx, r); err != nil {
		return err
	}
	r.Status = StatusOpen
	r.RequestedAt = time.Now().UTC()
	r.AssignedTo, r.AssignedAt, r.StartedAt, r.CompletedAt, r.CancelledAt = "", nil, nil, nil, nil
	r.Attachments = nil
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.requests.InsertObject(ctx, tx, r); err != nil {
			return err
		}
		return a.notify(ctx, tx, core.OperationCreate, r)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	metrics.RecordGuestRequest(r.Type)
	logger.FromContext(ctx).Infof("%s request for room %s with priority %s", r.Type, r.RoomNumber, r.Priority)
	return nil
}

// Read returns the request with the given id
func (a *API) Read(ctx context.Context, id uuid.UUID) (*Request, error) {
	return a.requests.ReadObject(ctx, a.db, id)
}

// List returns one page of requests
func (a *API) List(ctx context.Context, opts docstore.ListOptions) ([]Request, docstore.Pagination, error) {
	return a.requests.ListObjects(ctx, a.db, opts)
}

// Update writes the descriptive fields of an active request back. Status,
// assignment, timestamps and attachments are kept.
func (a *API) Update(ctx context.Context, r *Request) error {
	if err := r.beforeSave(); err != nil {
		return err
	}
	if err := a.checkItems(ctx, r); err != nil {
		return err
	}
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := a.requests.ReadObjectForUpdate(ctx, tx, r.RequestID)
		if err != nil {
			return err
		}
		if !existing.Active() {
			return fmt.Errorf("request is %s and cannot change: %w", existing.Status, ErrInvalidTransition)
		}
		r.Status = existing.Status
		r.AssignedTo, r.AssignedAt = existing.AssignedTo, existing.AssignedAt
		r.StartedAt, r.CompletedAt, r.CancelledAt = existing.StartedAt, existing.CompletedAt, existing.CancelledAt
		r.RequestedAt = existing.RequestedAt
		r.Attachments = existing.Attachments
		if err := a.requests.UpdateObject(ctx, tx, r); err != nil {
			return err
		}
		return a.notify(ctx, tx, core.OperationUpdate, r)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// Delete deletes a request and its attachments. Consumed stock stays consumed.
func (a *API) Delete(ctx context.Context, id uuid.UUID) error {
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := a.requests.ReadObjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := a.requests.Delete(ctx, tx, id); err != nil {
			return err
		}
		return a.notify(ctx, tx, core.OperationDelete, r)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	if a.kss != nil {
		if err := a.kss.DeleteAllWithPrefix(ctx, attachmentPrefix(id)); err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 5301: cannot delete attachments of request %s", id)
		}
	}
	return nil
}

// StatusChange asks for a status change
type StatusChange struct {
	Status     string `json:"status"`
	AssignedTo string `json:"assigned_to,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// Transition changes the status of a request. Completing an amenity request
// books a usage adjustment per handed out item, in the same transaction.
func (a *API) Transition(ctx context.Context, id uuid.UUID, change StatusChange) (*Request, error) {
	var r *Request
	err := a.db.WithTx(ctx, func(tx *sql.Tx) (err error) {
		r, err = a.requests.ReadObjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err = r.transition(change.Status, change.AssignedTo, time.Now().UTC()); err != nil {
			return err
		}
		if change.Resolution != "" {
			r.Resolution = change.Resolution
		}
		if r.Status == StatusCompleted && r.Type == TypeAmenity {
			for _, item := range r.Items {
				_, _, err := a.inventory.AdjustStockInTx(ctx, tx, item.ItemID, inventory.AdjustmentRequest{
					Type:        inventory.AdjustmentUsage,
					Quantity:    item.Quantity,
					Reason:      "guest request, room " + r.RoomNumber,
					Reference:   "request:" + r.RequestID.String(),
					PerformedBy: identity(ctx),
				})
				if err != nil {
					return err
				}
			}
		}
		r.Revision = 0
		if err = a.requests.UpdateObject(ctx, tx, r); err != nil {
			return err
		}
		return a.notify(ctx, tx, core.OperationUpdate, r)
	})
	if err != nil {
		return nil, err
	}
	a.queue.TriggerJobs()
	logger.FromContext(ctx).Infof("request %s for room %s is now %s", r.RequestID, r.RoomNumber, r.Status)
	return r, nil
}

// Assign assigns the request to a staff member
func (a *API) Assign(ctx context.Context, id uuid.UUID, assignee string) (*Request, error) {
	return a.Transition(ctx, id, StatusChange{Status: StatusAssigned, AssignedTo: assignee})
}

func attachmentPrefix(id uuid.UUID) string {
	return "guest_requests/" + id.String() + "/"
}

// sanitizeFilename keeps the base name and replaces characters that do not belong into keys
func sanitizeFilename(filename string) string {
	filename = path.Base(strings.ReplaceAll(filename, "\\", "/"))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, filename)
}

// Attachment is a stored attachment with a presigned URL
type Attachment struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// AddAttachment registers a new attachment and returns a presigned upload URL for it
func (a *API) AddAttachment(ctx context.Context, id uuid.UUID, filename string) (*Attachment, error) {
	if a.kss == nil {
		return nil, ErrNoStorage
	}
	filename = sanitizeFilename(filename)
	if filename == "" || filename == "." || filename == "_" {
		return nil, rest.BadRequest("invalid filename")
	}
	key := attachmentPrefix(id) + uuid.NewString()[:8] + "-" + filename
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := a.requests.ReadObjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		r.Attachments = append(r.Attachments, key)
		r.Revision = 0
		if err := a.requests.UpdateObject(ctx, tx, r); err != nil {
			return err
		}
		return a.notify(ctx, tx, core.OperationUpdate, r)
	})
	if err != nil {
		return nil, err
	}
	a.queue.TriggerJobs()
	url, err := a.kss.GetPreSignedURL(kss.Put, key, URLExpiry)
	if err != nil {
		return nil, err
	}
	return &Attachment{Key: key, URL: url}, nil
}

// AttachmentURLs returns presigned download URLs for the request's attachments
func (a *API) AttachmentURLs(r *Request) ([]Attachment, error) {
	attachments := []Attachment{}
	if a.kss == nil {
		return attachments, nil
	}
	for _, key := range r.Attachments {
		url, err := a.kss.GetPreSignedURL(kss.Get, key, URLExpiry)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, Attachment{Key: key, URL: url})
	}
	return attachments, nil
}

// Stats summarizes the requests
type Stats struct {
	// Open counts active requests per priority
	Open map[string]int `json:"open"`
	// Completed counts requests completed in the range per type
	Completed map[string]int `json:"completed"`
	// AverageCompletionMinutes per type, from request to completion
	AverageCompletionMinutes map[string]float64 `json:"average_completion_minutes"`
}

// Stats counts the active requests and averages the completion time of the
// requests made in [from, until)
func (a *API) Stats(ctx context.Context, from, until time.Time) (*Stats, error) {
	stats := &Stats{Open: map[string]int{}, Completed: map[string]int{}, AverageCompletionMinutes: map[string]float64{}}
	for _, priority := range Priorities {
		stats.Open[priority] = 0
	}
	table := a.db.Table("guest_request")

	rows, err := a.db.QueryContext(ctx, `SELECT priority, count(*) FROM `+table+`
 WHERE status IN ('open', 'assigned', 'in_progress') GROUP BY priority;`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			priority string
			count    int
		)
		if err := rows.Scan(&priority, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.Open[priority] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = a.db.QueryContext(ctx, `SELECT type, count(*),
 COALESCE(avg(EXTRACT(EPOCH FROM (properties->>'completed_at')::timestamptz - (properties->>'requested_at')::timestamptz) / 60), 0)
 FROM `+table+` WHERE status = 'completed' AND timestamp >= $1 AND timestamp < $2 GROUP BY type;`, from, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			requestType string
			count       int
			minutes     float64
		)
		if err := rows.Scan(&requestType, &count, &minutes); err != nil {
			return nil, err
		}
		stats.Completed[requestType] = count
		stats.AverageCompletionMinutes[requestType] = float64(int(minutes*10+0.5)) / 10
	}
	return stats, rows.Err()
}
