/*
store.go - Persistence interface for the event store

PURPOSE:
  Defines the interface between the ledger core and local storage. The
  EventStore keeps the locally confirmed view of the remote system of
  record: two append-only event streams plus the user and reward catalogs.

APPEND-ONLY CONTRACT:
  - AppendActivity / AppendRedemption: the only event writes
  - SetRedemptionStatus: the only in-place change, and only to status
  - NO Update() or Delete() for events

  Replace() swaps the whole state at once. It is used at startup and after
  a reconciliation detects divergence, never as a partial write.

ORDERING:
  Activities() and Redemptions() return events ordered by Timestamp, with
  insertion order breaking ties.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory (tests, emulation)
  - store/sqlite/sqlite.go: Durable local cache

SEE ALSO:
  - service.go: The only writer of events
  - sync.go: The only caller of Replace
*/
package ledger

import "context"

// EventStore holds confirmed ledger state. Implementations must be safe
// for concurrent use.
type EventStore interface {
	// Users returns all users in load order.
	Users(ctx context.Context) ([]User, error)

	// User returns a single user or a *NotFoundError.
	User(ctx context.Context, id UserID) (User, error)

	// Rewards returns the reward catalog in load order.
	Rewards(ctx context.Context) ([]Reward, error)

	// Reward returns a single reward or a *NotFoundError.
	Reward(ctx context.Context, id RewardID) (Reward, error)

	// Activities returns all activities, time-ordered.
	Activities(ctx context.Context) ([]Activity, error)

	// Redemptions returns all redemptions, time-ordered.
	Redemptions(ctx context.Context) ([]Redemption, error)

	// Redemption returns a single redemption or a *NotFoundError.
	Redemption(ctx context.Context, id RedemptionID) (Redemption, error)

	// AppendActivity persists a confirmed activity. Fails if the id exists.
	AppendActivity(ctx context.Context, a Activity) error

	// AppendRedemption persists a confirmed redemption. Fails if the id exists.
	AppendRedemption(ctx context.Context, r Redemption) error

	// SetRedemptionStatus changes only the status of an existing redemption.
	SetRedemptionStatus(ctx context.Context, id RedemptionID, status RedemptionStatus) error

	// SetUserPoints updates the cached balance of a user.
	SetUserPoints(ctx context.Context, id UserID, points Points) error

	// Snapshot returns a consistent copy of the full state.
	Snapshot(ctx context.Context) (Snapshot, error)

	// Replace atomically swaps the full state.
	Replace(ctx context.Context, snap Snapshot) error
}

// UserEvents is the subset of a snapshot needed to derive one user's balance.
func (s Snapshot) UserEvents(id UserID) ([]Activity, []Redemption) {
	var acts []Activity
	for _, a := range s.Activities {
		if a.UserID == id {
			acts = append(acts, a)
		}
	}
	var reds []Redemption
	for _, r := range s.Redemptions {
		if r.UserID == id {
			reds = append(reds, r)
		}
	}
	return acts, reds
}
