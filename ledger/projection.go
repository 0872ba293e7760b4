/*
projection.go - Read-only views over the ledger

PURPOSE:
  Everything the dashboard shows besides raw entities: leaderboard, rank,
  per-user history and summary. All functions here are pure. They take
  slices, never the store, and never modify their inputs.

KEY CONCEPTS:
  - Standing: A user's position on the leaderboard
  - HistoryEntry: One signed line of a user's history (Earned/Spent/Refunded)
  - Summary: A user's totals plus the most recent events

SEE ALSO:
  - balance.go: History is rendered from Entries
  - feed.go: Activity and reward feeds
  - stats.go: Admin statistics
*/
package ledger

import (
	"slices"
	"time"
)

// =============================================================================
// LEADERBOARD
// =============================================================================

// Standing is a user's leaderboard position. Rank is 1-based.
type Standing struct {
	Rank   int    `json:"rank"`
	UserID UserID `json:"user_id"`
	Name   string `json:"name"`
	Points Points `json:"points"`
}

// rankOrder returns users sorted by descending points, ties in input order.
func rankOrder(users []User) []User {
	sorted := slices.Clone(users)
	slices.SortStableFunc(sorted, func(a, b User) int { return comparePoints(b.Points, a.Points) })
	return sorted
}

// Leaderboard returns the top limit users by points. limit <= 0 returns all.
func Leaderboard(users []User, limit int) []Standing {
	sorted := rankOrder(users)
	if limit > 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}
	out := make([]Standing, len(sorted))
	for i, u := range sorted {
		out[i] = Standing{Rank: i + 1, UserID: u.ID, Name: u.Name, Points: u.Points}
	}
	return out
}

// Rank returns the 1-based leaderboard position of userID.
func Rank(userID UserID, users []User) (int, bool) {
	for i, u := range rankOrder(users) {
		if u.ID == userID {
			return i + 1, true
		}
	}
	return 0, false
}

// =============================================================================
// TRANSACTION HISTORY
// =============================================================================

type HistoryKind string

const (
	HistoryEarned   HistoryKind = "Earned"
	HistorySpent    HistoryKind = "Spent"
	HistoryRefunded HistoryKind = "Refunded"
)

type HistoryEntry struct {
	Kind        HistoryKind `json:"kind"`
	Title       string      `json:"title"`
	Points      Points      `json:"points"` // signed
	Timestamp   time.Time   `json:"timestamp"`
	ReferenceID string      `json:"reference_id"`
	Status      string      `json:"status,omitempty"`
}

// TransactionHistory merges a user's activities and redemptions, newest
// first. The points of all entries sum to the user's balance.
func TransactionHistory(userID UserID, activities []Activity, redemptions []Redemption, rewards []Reward, policy DenialPolicy) []HistoryEntry {
	status := make(map[string]RedemptionStatus)
	for _, r := range redemptions {
		if r.UserID == userID {
			status[string(r.ID)] = r.Status
		}
	}

	entries := Entries(userID, activities, redemptions, rewards, policy)
	out := make([]HistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		h := HistoryEntry{
			Title:       e.Label,
			Points:      e.Delta,
			Timestamp:   e.At,
			ReferenceID: e.ReferenceID,
		}
		switch e.Kind {
		case EntryGrant:
			h.Kind = HistoryEarned
		case EntryRedemption:
			h.Kind = HistorySpent
			h.Status = string(status[e.ReferenceID])
			if e.Unresolved {
				h.Title = "Unknown reward"
			}
		case EntryRefund:
			h.Kind = HistoryRefunded
		}
		out = append(out, h)
	}
	return out
}

// =============================================================================
// USER SUMMARY
// =============================================================================

const recentLimit = 3

type Summary struct {
	User              User         `json:"user"`
	Rank              int          `json:"rank"`
	Earned            Points       `json:"earned"`
	Spent             Points       `json:"spent"`
	Refunded          Points       `json:"refunded"`
	ActivityCount     int          `json:"activity_count"`
	RedemptionCount   int          `json:"redemption_count"`
	RecentActivities  []Activity   `json:"recent_activities"`
	RecentRedemptions []Redemption `json:"recent_redemptions"`
}

// UserSummary builds the dashboard header for one user.
func UserSummary(user User, snap Snapshot, policy DenialPolicy) Summary {
	acts, reds := snap.UserEvents(user.ID)
	d := Derive(user.ID, acts, reds, snap.Rewards, policy)
	rank, _ := Rank(user.ID, snap.Users)

	slices.SortStableFunc(acts, func(a, b Activity) int { return b.Timestamp.Compare(a.Timestamp) })
	slices.SortStableFunc(reds, func(a, b Redemption) int { return b.Timestamp.Compare(a.Timestamp) })

	return Summary{
		User:              user,
		Rank:              rank,
		Earned:            d.Earned,
		Spent:             d.Spent,
		Refunded:          d.Refunded,
		ActivityCount:     len(acts),
		RedemptionCount:   len(reds),
		RecentActivities:  acts[:min(recentLimit, len(acts))],
		RecentRedemptions: reds[:min(recentLimit, len(reds))],
	}
}
