/*
Package loyalty runs the loyalty program: members collect points on paid
invoices and redeem them for rewards.

Every change of a member's balance is recorded as a points transaction.
Lifetime points only grow with earned points and positive adjustments, and
they determine the member's tier. The tier multiplier scales earned points.
*/
package loyalty

import (
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/relabs-tech/hotelier/core/rest"
	"github.com/relabs-tech/hotelier/hotel/money"
	"github.com/relabs-tech/hotelier/hotel/settings"
)

// Member status values
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Points transaction types
const (
	TransactionEarn   = "earn"
	TransactionRedeem = "redeem"
	TransactionAdjust = "adjust"
	TransactionRefund = "refund"
)

// Redemption status values
const (
	RedemptionFulfilled = "fulfilled"
	RedemptionCancelled = "cancelled"
)

var (
	// ErrInsufficientPoints is returned when a balance would become negative
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrRewardUnavailable is returned for inactive or sold out rewards
	ErrRewardUnavailable = errors.New("reward is not available")
	// ErrMemberSuspended is returned when a suspended member redeems points
	ErrMemberSuspended = errors.New("member is suspended")
	// ErrAlreadyCancelled is returned when a redemption is cancelled twice
	ErrAlreadyCancelled = errors.New("redemption is already cancelled")
)

// Member is a member of the loyalty program
type Member struct {
	MemberID       uuid.UUID `json:"member_id"`
	MemberNumber   string    `json:"member_number"`
	Name           string    `json:"name"`
	Email          string    `json:"email,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	PointsBalance  int64     `json:"points_balance"`
	LifetimePoints int64     `json:"lifetime_points"`
	Tier           string    `json:"tier"`
	Status         string    `json:"status"`
	JoinedAt       time.Time `json:"joined_at"`
	Revision       int       `json:"revision"`
}

// DocumentMeta implements docstore.Object
func (m *Member) DocumentMeta() (*uuid.UUID, *time.Time, *int) {
	return &m.MemberID, &m.JoinedAt, &m.Revision
}

// DocumentColumns implements docstore.Object
func (m *Member) DocumentColumns() map[string]string {
	return map[string]string{
		"member_number": m.MemberNumber,
		"email":         m.Email,
		"tier":          m.Tier,
		"status":        m.Status,
	}
}

func (m *Member) beforeSave() error {
	m.Name = strings.TrimSpace(m.Name)
	m.Email = strings.ToLower(strings.TrimSpace(m.Email))
	m.Phone = strings.TrimSpace(m.Phone)
	if m.Status == "" {
		m.Status = StatusActive
	}
	if m.Name == "" {
		return rest.BadRequest("name is required")
	}
	if m.Status != StatusActive && m.Status != StatusSuspended {
		return rest.BadRequest("status must be active or suspended")
	}
	if m.Email != "" {
		if _, err := mail.ParseAddress(m.Email); err != nil {
			return rest.BadRequest("invalid email '%s'", m.Email)
		}
	}
	return nil
}

// book changes the balance by points and returns the ledger entry. Earned
// points and positive adjustments count towards the lifetime points, which
// set the tier.
func (m *Member) book(kind string, points int64, hotel settings.Settings, at time.Time) (*PointsTransaction, error) {
	if points == 0 {
		return nil, rest.BadRequest("points must not be zero")
	}
	if m.PointsBalance+points < 0 {
		return nil, ErrInsufficientPoints
	}
	m.PointsBalance += points
	if points > 0 && (kind == TransactionEarn || kind == TransactionAdjust) {
		m.LifetimePoints += points
	}
	m.Tier = hotel.TierFor(m.LifetimePoints).Name
	return &PointsTransaction{
		MemberID:     m.MemberID,
		Type:         kind,
		Points:       points,
		BalanceAfter: m.PointsBalance,
		CreatedAt:    at,
	}, nil
}

// EarnedPoints returns the points earned for a paid amount: the amount in
// currency units times the points per unit times the tier multiplier, rounded down
func EarnedPoints(amount money.Cents, pointsPerUnit, multiplier float64) int64 {
	if amount <= 0 {
		return 0
	}
	return amount.Decimal().
		Mul(decimal.NewFromFloat(pointsPerUnit)).
		Mul(decimal.NewFromFloat(multiplier)).
		Floor().IntPart()
}

// PointsTransaction is one entry of a member's points ledger. Points are
// signed: positive for credits, negative for debits.
type PointsTransaction struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	MemberID      uuid.UUID `json:"member_id"`
	Type          string    `json:"type"`
	Points        int64     `json:"points"`
	BalanceAfter  int64     `json:"balance_after"`
	Reference     string    `json:"reference,omitempty"`
	Description   string    `json:"description,omitempty"`
	PerformedBy   string    `json:"performed_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	revision      int
}

// DocumentMeta implements docstore.Object
func (t *PointsTransaction) DocumentMeta() (*uuid.UUID, *time.Time, *int) {
	return &t.TransactionID, &t.CreatedAt, &t.revision
}

// DocumentColumns implements docstore.Object
func (t *PointsTransaction) DocumentColumns() map[string]string {
	return map[string]string{"member_id": t.MemberID.String(), "type": t.Type, "reference": t.Reference}
}

// Reward can be redeemed for points. A nil AvailableQuantity means unlimited.
type Reward struct {
	RewardID          uuid.UUID `json:"reward_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Category          string    `json:"category,omitempty"`
	PointsCost        int64     `json:"points_cost"`
	AvailableQuantity *int      `json:"available_quantity,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	Revision          int       `json:"revision"`
}

// DocumentMeta implements docstore.Object
func (r *Reward) DocumentMeta() (*uuid.UUID, *time.Time, *int) {
	return &r.RewardID, &r.CreatedAt, &r.Revision
}

// DocumentColumns implements docstore.Object
func (r *Reward) DocumentColumns() map[string]string {
	active := "false"
	if r.Active {
		active = "true"
	}
	return map[string]string{"category": r.Category, "active": active}
}

func (r *Reward) beforeSave() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Category = strings.ToLower(strings.TrimSpace(r.Category))
	switch {
	case r.Name == "":
		return rest.BadRequest("name is required")
	case r.PointsCost < 1:
		return rest.BadRequest("points_cost must be positive")
	case r.AvailableQuantity != nil && *r.AvailableQuantity < 0:
		return rest.BadRequest("available_quantity must not be negative")
	}
	return nil
}

// Available returns true if the reward is active and not sold out
func (r *Reward) Available() bool {
	return r.Active && (r.AvailableQuantity == nil || *r.AvailableQuantity > 0)
}

// take removes one unit from a limited reward
func (r *Reward) take() error {
	if !r.Available() {
		return ErrRewardUnavailable
	}
	if r.AvailableQuantity != nil {
		left := *r.AvailableQuantity - 1
		r.AvailableQuantity = &left
	}
	return nil
}

// restore puts one unit back into a limited reward
func (r *Reward) restore() {
	if r.AvailableQuantity != nil {
		left := *r.AvailableQuantity + 1
		r.AvailableQuantity = &left
	}
}

// Redemption records a reward redeemed by a member
type Redemption struct {
	RedemptionID uuid.UUID  `json:"redemption_id"`
	MemberID     uuid.UUID  `json:"member_id"`
	RewardID     uuid.UUID  `json:"reward_id"`
	RewardName   string     `json:"reward_name"`
	Points       int64      `json:"points"`
	Status       string     `json:"status"`
	PerformedBy  string     `json:"performed_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	Revision     int        `json:"revision"`
}

// DocumentMeta implements docstore.Object
func (r *Redemption) DocumentMeta() (*uuid.UUID, *time.Time, *int) {
	return &r.RedemptionID, &r.CreatedAt, &r.Revision
}

// DocumentColumns implements docstore.Object
func (r *Redemption) DocumentColumns() map[string]string {
	return map[string]string{"member_id": r.MemberID.String(), "reward_id": r.RewardID.String(), "status": r.Status}
}
