/*
Package ledger provides the points ledger core.

PURPOSE:
  Users log activities that grant points and redeem points for rewards.
  This package owns the accounting rule that turns those two append-only
  event streams into a balance, the service that admits new events, and
  the read-only projections built on top of them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: A whole number of loyalty points (single currency)
  - User, Activity, Reward, Redemption: The entities of the ledger
  - Entry: A signed ledger line derived from an event (grant, redemption, refund)
  - Typed IDs: UserID, ActivityID, RewardID, RedemptionID

DESIGN PRINCIPLES:
  1. Events are immutable: Activities never change, Redemptions only change status
  2. Balance is derived: User.Points is a cache of ComputeBalance, never a source of truth
  3. Type Safety: Distinct ID types prevent passing a reward id where a user id belongs

USAGE:
  activity := ledger.Activity{
      UserID: "1",
      Title:  "Survey",
      Points: 50,
  }

SEE ALSO:
  - balance.go: The derivation engine
  - service.go: Admitting new events
  - store.go: Event store interface
*/
package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// POINTS
// =============================================================================

// Points is an amount of loyalty points. Negative values only appear as
// ledger deltas, never as activity grants or reward costs.
type Points int64

func (p Points) IsNegative() bool { return p < 0 }

func (p Points) String() string { return strconv.FormatInt(int64(p), 10) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ActivityID string
type RewardID string
type RedemptionID string

// The remote store emits numeric ids while ids we assign ourselves are
// strings, so every ID type decodes from either.

func (id *UserID) UnmarshalJSON(b []byte) error       { return unmarshalID(b, (*string)(id)) }
func (id *ActivityID) UnmarshalJSON(b []byte) error   { return unmarshalID(b, (*string)(id)) }
func (id *RewardID) UnmarshalJSON(b []byte) error     { return unmarshalID(b, (*string)(id)) }
func (id *RedemptionID) UnmarshalJSON(b []byte) error { return unmarshalID(b, (*string)(id)) }

func unmarshalID(b []byte, dst *string) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*dst = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, dst)
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*dst = n.String()
	return nil
}

// =============================================================================
// USER
// =============================================================================

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// User is provisioned outside the ledger and loaded at startup.
// Points is a materialized view of ComputeBalance for this user.
type User struct {
	ID     UserID `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
	Points Points `json:"points"`
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// =============================================================================
// ACTIVITY - Point grant event
// =============================================================================

type ActivityStatus string

const ActivityCompleted ActivityStatus = "completed"

// Activity is immutable once created.
type Activity struct {
	ID          ActivityID     `json:"id"`
	UserID      UserID         `json:"userId"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Points      Points         `json:"points"`
	Timestamp   time.Time      `json:"timestamp"`
	Status      ActivityStatus `json:"status"`
}

// =============================================================================
// REWARD - Catalog item
// =============================================================================

// Reward is owned by administrators; the ledger only reads it.
type Reward struct {
	ID          RewardID `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	PointCost   Points   `json:"pointCost"`
	Available   bool     `json:"available"`
	ImageURL    string   `json:"imageUrl,omitempty"`
}

// =============================================================================
// REDEMPTION - Point debit event
// =============================================================================

type RedemptionStatus string

const (
	RedemptionPending  RedemptionStatus = "pending"
	RedemptionApproved RedemptionStatus = "approved"
	RedemptionDenied   RedemptionStatus = "denied"
)

// IsTerminal reports whether no further transition is allowed.
func (s RedemptionStatus) IsTerminal() bool {
	return s == RedemptionApproved || s == RedemptionDenied
}

// CanTransition reports whether from -> to is a legal status change.
// Only pending -> approved and pending -> denied are legal.
func (s RedemptionStatus) CanTransition(to RedemptionStatus) bool {
	return s == RedemptionPending && to.IsTerminal()
}

// Redemption is created pending. UserID, RewardID and Timestamp never
// change after creation.
type Redemption struct {
	ID        RedemptionID     `json:"id"`
	UserID    UserID           `json:"userId"`
	RewardID  RewardID         `json:"rewardId"`
	Timestamp time.Time        `json:"timestamp"`
	Status    RedemptionStatus `json:"status"`
}

// =============================================================================
// ENTRY - Signed ledger line derived from an event
// =============================================================================

type EntryKind string

const (
	EntryGrant      EntryKind = "grant"      // Activity completed
	EntryRedemption EntryKind = "redemption" // Reward redeemed
	EntryRefund     EntryKind = "refund"     // Denied redemption given back
)

// Entry is never stored. It is rebuilt from events every time, so the sum
// of a user's entries is by construction the user's balance.
type Entry struct {
	UserID      UserID
	Kind        EntryKind
	Delta       Points
	ReferenceID string
	Label       string
	At          time.Time

	// Unresolved is set on redemption entries whose reward is unknown.
	// Their delta is zero.
	Unresolved bool
}

// =============================================================================
// SNAPSHOT - Full state of the four collections
// =============================================================================

// Snapshot is what the remote store returns on a full fetch and what an
// EventStore can be replaced with.
type Snapshot struct {
	Users       []User
	Activities  []Activity
	Rewards     []Reward
	Redemptions []Redemption
}
