/*
balance.go - Balance derivation engine

PURPOSE:
  Computes a user's point balance from events. This is the canonical
  accounting rule; every other balance in the system (User.Points, API
  responses, leaderboard) is a copy of what this file returns.

ACCOUNTING RULE:
  balance = Σ activity.points
          − Σ reward.pointCost for each of the user's redemptions
          + Σ reward.pointCost for each denied redemption (RefundOnDenial only)

  Pending and approved redemptions debit immediately. A redemption whose
  reward cannot be resolved debits nothing and is reported as unresolved.

PROPERTIES:
  - Pure: no I/O, no clock, no mutation of inputs
  - Deterministic: same inputs, same output, in any call order
  - Idempotent: recomputing after every mutation accumulates no drift

EXAMPLE:
  User earned 100 (activity) + 50 (activity), redeemed a 120 reward that
  was later denied:

    RefundOnDenial: 150 - 120 + 120 = 150
    KeepOnDenial:   150 - 120       =  30

SEE ALSO:
  - service.go: Validates redemptions against ComputeBalance
  - projection.go: History is built from the same Entries
*/
package ledger

import "sort"

// =============================================================================
// DENIAL POLICY
// =============================================================================

// DenialPolicy decides what a denied redemption does to the balance.
type DenialPolicy string

const (
	// RefundOnDenial gives the cost back when a redemption is denied.
	RefundOnDenial DenialPolicy = "refund"

	// KeepOnDenial keeps the debit regardless of status.
	KeepOnDenial DenialPolicy = "keep"
)

func (p DenialPolicy) Valid() bool {
	return p == RefundOnDenial || p == KeepOnDenial
}

func (p DenialPolicy) refunds(r Redemption) bool {
	return p != KeepOnDenial && r.Status == RedemptionDenied
}

// =============================================================================
// DERIVATION
// =============================================================================

// Derivation is the full result of deriving one user's balance.
type Derivation struct {
	UserID   UserID
	Balance  Points
	Earned   Points
	Spent    Points
	Refunded Points

	// Unresolved lists redemptions whose reward id matched no reward.
	Unresolved []RedemptionID
}

// ComputeBalance returns the user's current balance.
func ComputeBalance(userID UserID, activities []Activity, redemptions []Redemption, rewards []Reward, policy DenialPolicy) Points {
	return Derive(userID, activities, redemptions, rewards, policy).Balance
}

// Derive computes the balance with its components.
func Derive(userID UserID, activities []Activity, redemptions []Redemption, rewards []Reward, policy DenialPolicy) Derivation {
	d := Derivation{UserID: userID}
	for _, e := range Entries(userID, activities, redemptions, rewards, policy) {
		switch e.Kind {
		case EntryGrant:
			d.Earned += e.Delta
		case EntryRedemption:
			d.Spent -= e.Delta
			if e.Unresolved {
				d.Unresolved = append(d.Unresolved, RedemptionID(e.ReferenceID))
			}
		case EntryRefund:
			d.Refunded += e.Delta
		}
		d.Balance += e.Delta
	}
	return d
}

// Entries returns the user's ledger entries in event order: activities and
// redemptions merged by timestamp, refunds directly after their redemption.
func Entries(userID UserID, activities []Activity, redemptions []Redemption, rewards []Reward, policy DenialPolicy) []Entry {
	costs := make(map[RewardID]Reward, len(rewards))
	for _, rw := range rewards {
		costs[rw.ID] = rw
	}

	var entries []Entry
	for _, a := range activities {
		if a.UserID != userID {
			continue
		}
		entries = append(entries, Entry{
			UserID:      userID,
			Kind:        EntryGrant,
			Delta:       a.Points,
			ReferenceID: string(a.ID),
			Label:       a.Title,
			At:          a.Timestamp,
		})
	}

	for _, r := range redemptions {
		if r.UserID != userID {
			continue
		}
		rw, ok := costs[r.RewardID]
		entries = append(entries, Entry{
			UserID:      userID,
			Kind:        EntryRedemption,
			Delta:       -rw.PointCost,
			ReferenceID: string(r.ID),
			Label:       rw.Title,
			At:          r.Timestamp,
			Unresolved:  !ok,
		})
		if ok && policy.refunds(r) {
			entries = append(entries, Entry{
				UserID:      userID,
				Kind:        EntryRefund,
				Delta:       rw.PointCost,
				ReferenceID: string(r.ID),
				Label:       rw.Title,
				At:          r.Timestamp,
			})
		}
	}

	// Stable so a refund stays right after its redemption on equal timestamps.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].At.Before(entries[j].At)
	})
	return entries
}

// BalanceFromEntries sums entry deltas.
func BalanceFromEntries(entries []Entry) Points {
	var total Points
	for _, e := range entries {
		total += e.Delta
	}
	return total
}

// DeriveAll recomputes every user's balance from a snapshot and returns the
// users with Points replaced by the derived value. Input is not modified.
func DeriveAll(snap Snapshot, policy DenialPolicy) []User {
	users := make([]User, len(snap.Users))
	for i, u := range snap.Users {
		u.Points = ComputeBalance(u.ID, snap.Activities, snap.Redemptions, snap.Rewards, policy)
		users[i] = u
	}
	return users
}
