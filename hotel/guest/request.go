// Package guest handles amenity, housekeeping and maintenance requests of guests.
package guest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core/rest"
)

// Request types
const (
	TypeAmenity      = "amenity"
	TypeMaintenance  = "maintenance"
	TypeHousekeeping = "housekeeping"
)

// Priorities, lowest first
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Priorities lists all priorities, lowest first
var Priorities = []string{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}

// Request status values
const (
	StatusOpen       = "open"
	StatusAssigned   = "assigned"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// ErrInvalidTransition is returned for status changes a request does not allow
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[string][]string{
	StatusOpen:       {StatusAssigned, StatusInProgress, StatusCompleted, StatusCancelled},
	StatusAssigned:   {StatusOpen, StatusAssigned, StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition returns true if a request can go from one status to another
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RequestItem is an amenity handed out for a request
type RequestItem struct {
	ItemID   uuid.UUID `json:"item_id"`
	Quantity int       `json:"quantity"`
}

// Request is a guest request
type Request struct {
	RequestID   uuid.UUID     `json:"request_id"`
	Type        string        `json:"type"`
	RoomNumber  string        `json:"room_number"`
	GuestName   string        `json:"guest_name,omitempty"`
	MemberID    *uuid.UUID    `json:"member_id,omitempty"`
	Category    string        `json:"category,omitempty"`
	Description string        `json:"description"`
	Priority    string        `json:"priority"`
	Status      string        `json:"status"`
	AssignedTo  string        `json:"assigned_to,omitempty"`
	Items       []RequestItem `json:"items,omitempty"`
	RequestedAt time.Time     `json:"requested_at"`
	AssignedAt  *time.Time    `json:"assigned_at,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	CancelledAt *time.Time    `json:"cancelled_at,omitempty"`
	Resolution  string        `json:"resolution,omitempty"`
	Attachments []string      `json:"attachments,omitempty"`
	Revision    int           `json:"revision"`
}

// DocumentMeta implements docstore.Object
func (r *Request) DocumentMeta() (*uuid.UUID, *time.Time, *int) {
	return &r.RequestID, &r.RequestedAt, &r.Revision
}

// DocumentColumns implements docstore.Object
func (r *Request) DocumentColumns() map[string]string {
	return map[string]string{
		"type":        r.Type,
		"room_number": r.RoomNumber,
		"priority":    r.Priority,
		"status":      r.Status,
		"assigned_to": r.AssignedTo,
	}
}

// Active returns true while somebody has to work on the request
func (r *Request) Active() bool {
	return r.Status == StatusOpen || r.Status == StatusAssigned || r.Status == StatusInProgress
}

// CompletionTime returns the time from request to completion
func (r *Request) CompletionTime() (time.Duration, bool) {
	if r.CompletedAt == nil {
		return 0, false
	}
	return r.CompletedAt.Sub(r.RequestedAt), true
}

func oneOf(value string, values ...string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// beforeSave checks the request and fills in defaults
func (r *Request) beforeSave() error {
	r.RoomNumber = strings.TrimSpace(r.RoomNumber)
	r.Description = strings.TrimSpace(r.Description)
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	switch {
	case !oneOf(r.Type, TypeAmenity, TypeMaintenance, TypeHousekeeping):
		return rest.BadRequest("type must be amenity, maintenance or housekeeping")
	case !oneOf(r.Priority, Priorities...):
		return rest.BadRequest("unknown priority '%s'", r.Priority)
	case r.RoomNumber == "":
		return rest.BadRequest("room_number is required")
	case r.Description == "":
		return rest.BadRequest("description is required")
	}
	if r.Type != TypeAmenity && len(r.Items) > 0 {
		return rest.BadRequest("only amenity requests hand out items")
	}
	for _, item := range r.Items {
		if item.ItemID == uuid.Nil || item.Quantity < 1 {
			return rest.BadRequest("items need an item_id and a positive quantity")
		}
	}
	return nil
}

// transition changes the status and sets the matching timestamp. Assigning
// needs somebody to assign to.
func (r *Request) transition(status, assignee string, at time.Time) error {
	if !CanTransition(r.Status, status) {
		return fmt.Errorf("request cannot go from %s to %s: %w", r.Status, status, ErrInvalidTransition)
	}
	switch status {
	case StatusOpen:
		r.AssignedTo, r.AssignedAt = "", nil
	case StatusAssigned:
		if assignee == "" {
			return rest.BadRequest("assigned_to is required")
		}
		r.AssignedTo, r.AssignedAt = assignee, &at
	case StatusInProgress:
		if assignee != "" && r.AssignedTo == "" {
			r.AssignedTo, r.AssignedAt = assignee, &at
		}
		r.StartedAt = &at
	case StatusCompleted:
		if r.StartedAt == nil {
			r.StartedAt = &at
		}
		r.CompletedAt = &at
	case StatusCancelled:
		r.CancelledAt = &at
	}
	r.Status = status
	return nil
}
