package loyalty

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/schema"
	"github.com/relabs-tech/hotelier/hotel/money"
	"github.com/relabs-tech/hotelier/hotel/numbers"
	"github.com/relabs-tech/hotelier/hotel/schemas"
	"github.com/relabs-tech/hotelier/hotel/settings"
)

// API is the loyalty program service
type API struct {
	db           *csql.DB
	queue        *jobs.Queue
	settings     *settings.Store
	members      docstore.Typed[Member, *Member]
	transactions docstore.Typed[PointsTransaction, *PointsTransaction]
	rewards      docstore.Typed[Reward, *Reward]
	redemptions  docstore.Typed[Redemption, *Redemption]
}

// Builder is a builder helper for the API
type Builder struct {
	DB        *csql.DB
	Validator *schema.Validator
	Queue     *jobs.Queue
	Settings  *settings.Store
}

// New creates the loyalty tables
func New(ctx context.Context, b *Builder) (*API, error) {
	if b.DB == nil || b.Queue == nil || b.Settings == nil {
		return nil, errors.New("loyalty: DB, Queue and Settings are mandatory")
	}
	a := &API{
		db:       b.DB,
		queue:    b.Queue,
		settings: b.Settings,
		members: docstore.NewTyped[Member](docstore.New(b.DB.Schema, b.Validator, docstore.Configuration{
			Resource:             "member",
			ExternalIndex:        "member_number",
			SearchableProperties: []string{"email", "tier", "status"},
			SchemaID:             schemas.Member,
		})),
		transactions: docstore.NewTyped[PointsTransaction](docstore.New(b.DB.Schema, b.Validator, docstore.Configuration{
			Resource:             "points_transaction",
			SearchableProperties: []string{"member_id", "type", "reference"},
			SchemaID:             schemas.PointsTransaction,
		})),
		rewards: docstore.NewTyped[Reward](docstore.New(b.DB.Schema, b.Validator, docstore.Configuration{
			Resource:             "reward",
			SearchableProperties: []string{"category", "active"},
			SchemaID:             schemas.Reward,
		})),
		redemptions: docstore.NewTyped[Redemption](docstore.New(b.DB.Schema, b.Validator, docstore.Configuration{
			Resource:             "redemption",
			SearchableProperties: []string{"member_id", "reward_id", "status"},
			SchemaID:             schemas.Redemption,
		})),
	}
	for _, c := range []*docstore.Collection{a.members.Collection, a.transactions.Collection,
		a.rewards.Collection, a.redemptions.Collection} {
		if err := c.CreateTable(ctx, a.db); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Resources returns the resources of the package
func (a *API) Resources() []string {
	return []string{"member", "points_transaction", "reward", "redemption"}
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

// checkEmail rejects an email address another member already uses
func (a *API) checkEmail(ctx context.Context, q csql.Querier, m *Member) error {
	if m.Email == "" {
		return nil
	}
	others, err := a.members.SelectObjects(ctx, q, false, docstore.Equal("email", m.Email))
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.MemberID != m.MemberID {
			return fmt.Errorf("email %s belongs to member %s: %w", m.Email, other.MemberNumber, docstore.ErrConflict)
		}
	}
	return nil
}

// CreateMember enrolls a new member with an empty balance in the lowest tier
func (a *API) CreateMember(ctx context.Context, m *Member) error {
	if err := m.beforeSave(); err != nil {
		return err
	}
	hotel, err := a.settings.Load(ctx)
	if err != nil {
		return err
	}
	m.PointsBalance, m.LifetimePoints = 0, 0
	m.Tier = hotel.TierFor(0).Name
	m.JoinedAt = time.Now().UTC()
	if err := a.checkEmail(ctx, a.db, m); err != nil {
		return err
	}

	// member numbers are random, retry on the unlikely collision
	for attempt := 0; ; attempt++ {
		m.MemberNumber = numbers.Digits("LM", 8)
		err = a.db.WithTx(ctx, func(tx *sql.Tx) error {
			if err := a.members.InsertObject(ctx, tx, m); err != nil {
				return err
			}
			return a.notify(ctx, tx, "member", core.OperationCreate, m.MemberID, m)
		})
		if !errors.Is(err, docstore.ErrConflict) || attempt == 2 {
			break
		}
		m.MemberID = uuid.Nil
	}
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	logger.FromContext(ctx).Infof("enrolled member %s", m.MemberNumber)
	return nil
}

// ReadMember returns the member with the given id
func (a *API) ReadMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	return a.members.ReadObject(ctx, a.db, id)
}

// ReadMemberByNumber returns the member with the given member number
func (a *API) ReadMemberByNumber(ctx context.Context, number string) (*Member, error) {
	return a.members.ReadObjectByExternalIndex(ctx, a.db, number)
}

// ListMembers returns one page of members
func (a *API) ListMembers(ctx context.Context, opts docstore.ListOptions) ([]Member, docstore.Pagination, error) {
	return a.members.ListObjects(ctx, a.db, opts)
}

// UpdateMember writes contact data and status back. Points, tier and member
// number only change through the ledger.
func (a *API) UpdateMember(ctx context.Context, m *Member) error {
	if err := m.beforeSave(); err != nil {
		return err
	}
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := a.members.ReadObjectForUpdate(ctx, tx, m.MemberID)
		if err != nil {
			return err
		}
		if err := a.checkEmail(ctx, tx, m); err != nil {
			return err
		}
		m.MemberNumber = existing.MemberNumber
		m.PointsBalance, m.LifetimePoints, m.Tier = existing.PointsBalance, existing.LifetimePoints, existing.Tier
		m.JoinedAt = existing.JoinedAt
		if err := a.members.UpdateObject(ctx, tx, m); err != nil {
			return err
		}
		return a.notify(ctx, tx, "member", core.OperationUpdate, m.MemberID, m)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// DeleteMember deletes a member. The ledger and the redemptions are kept.
func (a *API) DeleteMember(ctx context.Context, id uuid.UUID) error {
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		m, err := a.members.ReadObjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := a.members.Delete(ctx, tx, id); err != nil {
			return err
		}
		return a.notify(ctx, tx, "member", core.OperationDelete, id, m)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// ListTransactions returns one page of a member's ledger
func (a *API) ListTransactions(ctx context.Context, memberID uuid.UUID, opts docstore.ListOptions) ([]PointsTransaction, docstore.Pagination, error) {
	opts.Filters = append(opts.Filters, docstore.Equal("member_id", memberID.String()))
	return a.transactions.ListObjects(ctx, a.db, opts)
}

// bookInTx books the points on the locked member and appends the ledger entry
func (a *API) bookInTx(ctx context.Context, tx csql.Querier, hotel settings.Settings, m *Member,
	kind string, points int64, reference, description string) (*PointsTransaction, error) {
	t, err := m.book(kind, points, hotel, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", m.MemberNumber, err)
	}
	t.Reference, t.Description, t.PerformedBy = reference, description, identity(ctx)
	m.Revision = 0
	if err := a.members.UpdateObject(ctx, tx, m); err != nil {
		return nil, err
	}
	if err := a.transactions.InsertObject(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := a.notify(ctx, tx, "member", core.OperationUpdate, m.MemberID, m); err != nil {
		return nil, err
	}
	if err := a.notify(ctx, tx, "points_transaction", core.OperationCreate, t.TransactionID, t); err != nil {
		return nil, err
	}
	return t, nil
}

// AdjustPoints books a manual correction of a member's balance
func (a *API) AdjustPoints(ctx context.Context, memberID uuid.UUID, points int64, description string) (*Member, *PointsTransaction, error) {
	hotel, err := a.settings.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	var (
		m *Member
		t *PointsTransaction
	)
	err = a.db.WithTx(ctx, func(tx *sql.Tx) (err error) {
		m, err = a.members.ReadObjectForUpdate(ctx, tx, memberID)
		if err != nil {
			return err
		}
		t, err = a.bookInTx(ctx, tx, hotel, m, TransactionAdjust, points, "manual", description)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	a.queue.TriggerJobs()
	logger.FromContext(ctx).Infof("adjusted points of member %s by %d", m.MemberNumber, points)
	return m, t, nil
}

// Earn credits the points for a paid amount to an active member. Reference
// identifies the payment; a reference that was already credited is skipped,
// so Earn can safely be retried. A nil transaction means nothing was earned.
func (a *API) Earn(ctx context.Context, memberID uuid.UUID, amount money.Cents, reference string) (*PointsTransaction, error) {
	hotel, err := a.settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	var t *PointsTransaction
	err = a.db.WithTx(ctx, func(tx *sql.Tx) error {
		m, err := a.members.ReadObjectForUpdate(ctx, tx, memberID)
		if err != nil {
			return err
		}
		if m.Status != StatusActive {
			logger.FromContext(ctx).Infof("member %s is %s, no points for %s", m.MemberNumber, m.Status, reference)
			return nil
		}
		booked, err := a.transactions.Count(ctx, tx,
			docstore.Equal("member_id", memberID.String()),
			docstore.Equal("type", TransactionEarn),
			docstore.Equal("reference", reference))
		if err != nil {
			return err
		}
		if booked > 0 {
			return nil
		}
		multiplier := 1.0
		if tier, ok := hotel.Tier(m.Tier); ok {
			multiplier = tier.Multiplier
		}
		points := EarnedPoints(amount, hotel.PointsPerCurrencyUnit, multiplier)
		if points == 0 {
			return nil
		}
		t, err = a.bookInTx(ctx, tx, hotel, m, TransactionEarn, points, reference,
			fmt.Sprintf("%s tier, %.2fx", m.Tier, multiplier))
		return err
	})
	if err != nil {
		return nil, err
	}
	a.queue.TriggerJobs()
	return t, nil
}
