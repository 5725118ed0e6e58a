package loyalty

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/metrics"
)

// CreateReward stores a new reward
func (a *API) CreateReward(ctx context.Context, r *Reward) error {
	if err := r.beforeSave(); err != nil {
		return err
	}
	r.CreatedAt = time.Time{}
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.rewards.InsertObject(ctx, tx, r); err != nil {
			return err
		}
		return a.notify(ctx, tx, "reward", core.OperationCreate, r.RewardID, r)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// ReadReward returns the reward with the given id
func (a *API) ReadReward(ctx context.Context, id uuid.UUID) (*Reward, error) {
	return a.rewards.ReadObject(ctx, a.db, id)
}

// ListRewards returns one page of rewards
func (a *API) ListRewards(ctx context.Context, opts docstore.ListOptions) ([]Reward, docstore.Pagination, error) {
	return a.rewards.ListObjects(ctx, a.db, opts)
}

// UpdateReward writes the reward back, checking the revision
func (a *API) UpdateReward(ctx context.Context, r *Reward) error {
	if err := r.beforeSave(); err != nil {
		return err
	}
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.rewards.UpdateObject(ctx, tx, r); err != nil {
			return err
		}
		return a.notify(ctx, tx, "reward", core.OperationUpdate, r.RewardID, r)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// DeleteReward deletes a reward. Past redemptions keep the reward's name.
func (a *API) DeleteReward(ctx context.Context, id uuid.UUID) error {
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := a.rewards.ReadObjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := a.rewards.Delete(ctx, tx, id); err != nil {
			return err
		}
		return a.notify(ctx, tx, "reward", core.OperationDelete, id, r)
	})
	if err != nil {
		return err
	}
	a.queue.TriggerJobs()
	return nil
}

// Redeem exchanges a member's points for a reward. Member and reward are
// locked, in this order, until the redemption is stored.
func (a *API) Redeem(ctx context.Context, memberID, rewardID uuid.UUID) (*Redemption, error) {
	hotel, err := a.settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	var redemption *Redemption
	err = a.db.WithTx(ctx, func(tx *sql.Tx) error {
		m, err := a.members.ReadObjectForUpdate(ctx, tx, memberID)
		if err != nil {
			return err
		}
		if m.Status != StatusActive {
			return fmt.Errorf("member %s: %w", m.MemberNumber, ErrMemberSuspended)
		}
		reward, err := a.rewards.ReadObjectForUpdate(ctx, tx, rewardID)
		if err != nil {
			return fmt.Errorf("reward: %w", err)
		}
		if err := reward.take(); err != nil {
			return fmt.Errorf("%s: %w", reward.Name, err)
		}
		if m.PointsBalance < reward.PointsCost {
			return fmt.Errorf("member %s has %d points, %s costs %d: %w",
				m.MemberNumber, m.PointsBalance, reward.Name, reward.PointsCost, ErrInsufficientPoints)
		}
		redemption = &Redemption{
			MemberID:    m.MemberID,
			RewardID:    reward.RewardID,
			RewardName:  reward.Name,
			Points:      reward.PointsCost,
			Status:      RedemptionFulfilled,
			PerformedBy: identity(ctx),
		}
		if err := a.redemptions.InsertObject(ctx, tx, redemption); err != nil {
			return err
		}
		if _, err := a.bookInTx(ctx, tx, hotel, m, TransactionRedeem, -reward.PointsCost,
			"redemption:"+redemption.RedemptionID.String(), reward.Name); err != nil {
			return err
		}
		if reward.AvailableQuantity != nil {
			reward.Revision = 0
			if err := a.rewards.UpdateObject(ctx, tx, reward); err != nil {
				return err
			}
			if err := a.notify(ctx, tx, "reward", core.OperationUpdate, reward.RewardID, reward); err != nil {
				return err
			}
		}
		return a.notify(ctx, tx, "redemption", core.OperationCreate, redemption.RedemptionID, redemption)
	})
	if err != nil {
		return nil, err
	}
	a.queue.TriggerJobs()
	metrics.RecordRedemption(redemption.Status)
	logger.FromContext(ctx).Infof("member %s redeemed %s for %d points", memberID, redemption.RewardName, redemption.Points)
	return redemption, nil
}

// ReadRedemption returns the redemption with the given id
func (a *API) ReadRedemption(ctx context.Context, id uuid.UUID) (*Redemption, error) {
	return a.redemptions.ReadObject(ctx, a.db, id)
}

// ListRedemptions returns one page of redemptions
func (a *API) ListRedemptions(ctx context.Context, opts docstore.ListOptions) ([]Redemption, docstore.Pagination, error) {
	return a.redemptions.ListObjects(ctx, a.db, opts)
}

// CancelRedemption refunds the points and puts the reward back into stock.
// A deleted reward is not restored.
func (a *API) CancelRedemption(ctx context.Context, id uuid.UUID) (*Redemption, error) {
	hotel, err := a.settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	var redemption *Redemption
	err = a.db.WithTx(ctx, func(tx *sql.Tx) (err error) {
		redemption, err = a.redemptions.ReadObjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if redemption.Status == RedemptionCancelled {
			return ErrAlreadyCancelled
		}
		m, err := a.members.ReadObjectForUpdate(ctx, tx, redemption.MemberID)
		if err != nil {
			return fmt.Errorf("member: %w", err)
		}
		if _, err := a.bookInTx(ctx, tx, hotel, m, TransactionRefund, redemption.Points,
			"redemption:"+redemption.RedemptionID.String(), redemption.RewardName); err != nil {
			return err
		}
		reward, err := a.rewards.ReadObjectForUpdate(ctx, tx, redemption.RewardID)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
		case err != nil:
			return err
		case reward.AvailableQuantity != nil:
			reward.restore()
			reward.Revision = 0
			if err := a.rewards.UpdateObject(ctx, tx, reward); err != nil {
				return err
			}
			if err := a.notify(ctx, tx, "reward", core.OperationUpdate, reward.RewardID, reward); err != nil {
				return err
			}
		}
		now := time.Now().UTC()
		redemption.Status, redemption.CancelledAt = RedemptionCancelled, &now
		redemption.Revision = 0
		if err := a.redemptions.UpdateObject(ctx, tx, redemption); err != nil {
			return err
		}
		return a.notify(ctx, tx, "redemption", core.OperationUpdate, redemption.RedemptionID, redemption)
	})
	if err != nil {
		return nil, err
	}
	a.queue.TriggerJobs()
	metrics.RecordRedemption(redemption.Status)
	return redemption, nil
}
