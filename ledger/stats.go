package ledger

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

const (
	recentWindow    = 7 * 24 * time.Hour
	mostActiveLimit = 5
)

// ActiveUser is a user with the number of activities they logged.
type ActiveUser struct {
	UserID     UserID `json:"user_id"`
	Name       string `json:"name"`
	Activities int    `json:"activities"`
}

// PopularReward is the reward redeemed most often.
type PopularReward struct {
	RewardID    RewardID `json:"reward_id"`
	Title       string   `json:"title"`
	Redemptions int      `json:"redemptions"`
}

// Statistics is the admin overview.
type Statistics struct {
	TotalUsers         int             `json:"total_users"`
	TotalPoints        Points          `json:"total_points"`
	AveragePoints      decimal.Decimal `json:"average_points"`
	TotalActivities    int             `json:"total_activities"`
	TotalRedemptions   int             `json:"total_redemptions"`
	PendingRedemptions int             `json:"pending_redemptions"`
	AvailableRewards   int             `json:"available_rewards"`
	RecentRedemptions  int             `json:"recent_redemptions"`
	MostPopularReward  *PopularReward  `json:"most_popular_reward,omitempty"`
	MostActiveUsers    []ActiveUser    `json:"most_active_users"`
}

// ComputeStatistics aggregates a snapshot as of now. Points are taken from
// the users' cached balances, which are derived.
func ComputeStatistics(snap Snapshot, now time.Time) Statistics {
	st := Statistics{
		TotalUsers:       len(snap.Users),
		TotalActivities:  len(snap.Activities),
		TotalRedemptions: len(snap.Redemptions),
		AveragePoints:    decimal.Zero,
		MostActiveUsers:  []ActiveUser{},
	}

	for _, u := range snap.Users {
		st.TotalPoints += u.Points
	}
	if st.TotalUsers > 0 {
		st.AveragePoints = decimal.NewFromInt(int64(st.TotalPoints)).
			Div(decimal.NewFromInt(int64(st.TotalUsers))).
			Round(0)
	}

	for _, r := range snap.Rewards {
		if r.Available {
			st.AvailableRewards++
		}
	}

	counts := make(map[RewardID]int)
	var order []RewardID
	for _, r := range snap.Redemptions {
		if r.Status == RedemptionPending {
			st.PendingRedemptions++
		}
		if d := now.Sub(r.Timestamp); d.Abs() <= recentWindow {
			st.RecentRedemptions++
		}
		if counts[r.RewardID] == 0 {
			order = append(order, r.RewardID)
		}
		counts[r.RewardID]++
	}
	// Ties go to the reward first redeemed.
	for _, id := range order {
		if st.MostPopularReward == nil || counts[id] > st.MostPopularReward.Redemptions {
			st.MostPopularReward = &PopularReward{RewardID: id, Redemptions: counts[id]}
		}
	}
	if st.MostPopularReward != nil {
		for _, rw := range snap.Rewards {
			if rw.ID == st.MostPopularReward.RewardID {
				st.MostPopularReward.Title = rw.Title
				break
			}
		}
	}

	perUser := make(map[UserID]int)
	for _, a := range snap.Activities {
		perUser[a.UserID]++
	}
	for _, u := range snap.Users {
		if n := perUser[u.ID]; n > 0 {
			st.MostActiveUsers = append(st.MostActiveUsers, ActiveUser{UserID: u.ID, Name: u.Name, Activities: n})
		}
	}
	slices.SortStableFunc(st.MostActiveUsers, func(a, b ActiveUser) int { return b.Activities - a.Activities })
	if len(st.MostActiveUsers) > mostActiveLimit {
		st.MostActiveUsers = st.MostActiveUsers[:mostActiveLimit]
	}
	return st
}
