package loyalty

import (
	"context"
	"time"
)

// Summary is an overview of the loyalty program
type Summary struct {
	Members           int            `json:"members"`
	ActiveMembers     int            `json:"active_members"`
	ByTier            map[string]int `json:"by_tier"`
	PointsOutstanding int64          `json:"points_outstanding"`
	PointsEarned      int64          `json:"points_earned"`
	PointsRedeemed    int64          `json:"points_redeemed"`
	Redemptions       int            `json:"redemptions"`
}

// Summary counts members per tier and sums the points booked in [from, until)
func (a *API) Summary(ctx context.Context, from, until time.Time) (*Summary, error) {
	s := &Summary{ByTier: map[string]int{}}
	rows, err := a.db.QueryContext(ctx, `SELECT tier, count(*), count(*) FILTER (WHERE status = 'active'),
 COALESCE(sum((properties->>'points_balance')::bigint), 0)
 FROM `+a.db.Table("member")+` GROUP BY tier;`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			tier          string
			count, active int
			balance       int64
		)
		if err := rows.Scan(&tier, &count, &active, &balance); err != nil {
			rows.Close()
			return nil, err
		}
		s.ByTier[tier] = count
		s.Members += count
		s.ActiveMembers += active
		s.PointsOutstanding += balance
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = a.db.QueryRowContext(ctx, `SELECT
 COALESCE(sum((properties->>'points')::bigint) FILTER (WHERE type = 'earn'), 0),
 COALESCE(-sum((properties->>'points')::bigint) FILTER (WHERE type = 'redeem'), 0)
 FROM `+a.db.Table("points_transaction")+` WHERE timestamp >= $1 AND timestamp < $2;`, from, until).
		Scan(&s.PointsEarned, &s.PointsRedeemed)
	if err != nil {
		return nil, err
	}
	err = a.db.QueryRowContext(ctx, `SELECT count(*) FROM `+a.db.Table("redemption")+
		` WHERE status = 'fulfilled' AND timestamp >= $1 AND timestamp < $2;`, from, until).Scan(&s.Redemptions)
	if err != nil {
		return nil, err
	}
	return s, nil
}
