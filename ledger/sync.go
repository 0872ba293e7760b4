/*
sync.go - Remote synchronizer

PURPOSE:
  The remote store is the system of record. Nothing becomes a local event
  until the remote has confirmed it. This file owns every conversation with
  the remote: submitting new events, loading the full state, and
  reconciling local state when it has drifted.

SUBMIT PROTOCOL:
  1. Apply the submission timeout (default 5s) to the caller's context
  2. Give the draft one idempotency key
  3. Send the draft through Remote, retrying transport failures and 5xx
     answers with the same key while the timeout allows
  4. Any remaining failure becomes a *SyncError
  5. The confirmation must carry an id and echo the submitted fields;
     otherwise it is a *SyncError caused by ErrConflict

RECONCILE:
  Load all four collections concurrently, diff them against the local
  store, replace the local store, and recompute every cached balance from
  the new events. Balances reported by the remote are compared but never
  trusted. A redemption approved or denied locally stays settled while the
  remote still reports it pending; it is listed in Divergence.Held.

SEE ALSO:
  - remote/client.go: HTTP implementation of Remote
  - scheduler.go: Periodic Reconcile
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// DefaultSyncTimeout bounds a single remote call when none is configured.
const DefaultSyncTimeout = 5 * time.Second

const (
	// DefaultSubmitRetries is how many times a failed submission is resent.
	DefaultSubmitRetries = 2

	defaultRetryBase = 100 * time.Millisecond
)

// Remote is the transport to the system of record.
type Remote interface {
	FetchUsers(ctx context.Context) ([]User, error)
	FetchActivities(ctx context.Context) ([]Activity, error)
	FetchRewards(ctx context.Context) ([]Reward, error)
	FetchRedemptions(ctx context.Context) ([]Redemption, error)

	// CreateActivity and CreateRedemption return the entity as stored by
	// the remote, including its assigned id. Calls repeating an
	// idempotencyKey carry the same draft.
	CreateActivity(ctx context.Context, a Activity, idempotencyKey string) (Activity, error)
	CreateRedemption(ctx context.Context, r Redemption, idempotencyKey string) (Redemption, error)
}

// =============================================================================
// SYNCHRONIZER
// =============================================================================

type Synchronizer struct {
	remote  Remote
	timeout time.Duration
	logger  *slog.Logger

	retries   uint64
	retryBase time.Duration
	newKey    func() string
}

type SyncOption func(*Synchronizer)

// WithSubmitRetries sets how often a failed submission is resent and the
// first backoff delay, which doubles on every attempt.
func WithSubmitRetries(retries uint64, base time.Duration) SyncOption {
	return func(s *Synchronizer) {
		s.retries = retries
		if base > 0 {
			s.retryBase = base
		}
	}
}

// WithIdempotencyKeys sets the key generator for submissions.
func WithIdempotencyKeys(newKey func() string) SyncOption {
	return func(s *Synchronizer) { s.newKey = newKey }
}

// NewSynchronizer returns a Synchronizer. A timeout <= 0 uses
// DefaultSyncTimeout; a nil logger discards.
func NewSynchronizer(remote Remote, timeout time.Duration, logger *slog.Logger, opts ...SyncOption) *Synchronizer {
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Synchronizer{
		remote:    remote,
		timeout:   timeout,
		logger:    logger,
		retries:   DefaultSubmitRetries,
		retryBase: defaultRetryBase,
		newKey:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// submit runs create under the submission timeout with one idempotency key
// for every attempt.
func submit[T any](ctx context.Context, s *Synchronizer, create func(ctx context.Context, key string) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.newKey()
	backoff := retry.WithMaxRetries(s.retries, retry.NewExponential(s.retryBase))
	attempt := 0
	return retry.DoValue(ctx, backoff, func(ctx context.Context) (T, error) {
		attempt++
		v, err := create(ctx, key)
		if err != nil && retryable(ctx, err) {
			s.logger.Debug("submission attempt failed", "attempt", attempt, "idempotency_key", key, "error", err)
			return v, retry.RetryableError(err)
		}
		return v, err
	})
}

// retryable reports whether a failed submission may be resent. Errors that
// carry an HTTP status are retried only for 429 and 5xx.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var status interface{ StatusCode() int }
	if errors.As(err, &status) {
		code := status.StatusCode()
		return code == 429 || code >= 500
	}
	return true
}

// SubmitActivity sends a draft activity and returns the confirmed one.
func (s *Synchronizer) SubmitActivity(ctx context.Context, draft Activity) (Activity, error) {
	got, err := submit(ctx, s, func(ctx context.Context, key string) (Activity, error) {
		return s.remote.CreateActivity(ctx, draft, key)
	})
	if err != nil {
		s.logger.Warn("activity submission failed", "user_id", draft.UserID, "error", err)
		return Activity{}, NewSyncError("submit activity", err)
	}

	if got.Timestamp.IsZero() {
		got.Timestamp = draft.Timestamp
	}
	if got.Status == "" {
		got.Status = draft.Status
	}
	if err := verifyActivity(draft, got); err != nil {
		s.logger.Error("activity confirmation mismatch", "user_id", draft.UserID, "error", err)
		return Activity{}, NewSyncError("submit activity", err)
	}
	return got, nil
}

// SubmitRedemption sends a draft redemption and returns the confirmed one.
func (s *Synchronizer) SubmitRedemption(ctx context.Context, draft Redemption) (Redemption, error) {
	got, err := submit(ctx, s, func(ctx context.Context, key string) (Redemption, error) {
		return s.remote.CreateRedemption(ctx, draft, key)
	})
	if err != nil {
		s.logger.Warn("redemption submission failed", "user_id", draft.UserID, "reward_id", draft.RewardID, "error", err)
		return Redemption{}, NewSyncError("submit redemption", err)
	}

	if got.Timestamp.IsZero() {
		got.Timestamp = draft.Timestamp
	}
	if got.Status == "" {
		got.Status = draft.Status
	}
	if err := verifyRedemption(draft, got); err != nil {
		s.logger.Error("redemption confirmation mismatch", "user_id", draft.UserID, "error", err)
		return Redemption{}, NewSyncError("submit redemption", err)
	}
	return got, nil
}

func verifyActivity(draft, got Activity) error {
	switch {
	case got.ID == "":
		return fmt.Errorf("%w: missing activity id", ErrConflict)
	case got.UserID != draft.UserID:
		return fmt.Errorf("%w: user %q, submitted %q", ErrConflict, got.UserID, draft.UserID)
	case got.Points != draft.Points:
		return fmt.Errorf("%w: points %d, submitted %d", ErrConflict, got.Points, draft.Points)
	case got.Title != draft.Title:
		return fmt.Errorf("%w: title %q, submitted %q", ErrConflict, got.Title, draft.Title)
	}
	return nil
}

func verifyRedemption(draft, got Redemption) error {
	switch {
	case got.ID == "":
		return fmt.Errorf("%w: missing redemption id", ErrConflict)
	case got.UserID != draft.UserID:
		return fmt.Errorf("%w: user %q, submitted %q", ErrConflict, got.UserID, draft.UserID)
	case got.RewardID != draft.RewardID:
		return fmt.Errorf("%w: reward %q, submitted %q", ErrConflict, got.RewardID, draft.RewardID)
	case got.Status != RedemptionPending:
		return fmt.Errorf("%w: status %q, expected pending", ErrConflict, got.Status)
	}
	return nil
}

// Load fetches all four collections concurrently. If any fetch fails the
// others are cancelled and the first failure is returned.
func (s *Synchronizer) Load(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		if snap.Users, err = s.remote.FetchUsers(gctx); err != nil {
			return NewSyncError("fetch users", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if snap.Activities, err = s.remote.FetchActivities(gctx); err != nil {
			return NewSyncError("fetch activities", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if snap.Rewards, err = s.remote.FetchRewards(gctx); err != nil {
			return NewSyncError("fetch rewards", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if snap.Redemptions, err = s.remote.FetchRedemptions(gctx); err != nil {
			return NewSyncError("fetch redemptions", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Reconcile replaces the local store with the remote state and reports what
// differed. Cached balances in the result are derived, not copied.
func (s *Synchronizer) Reconcile(ctx context.Context, store EventStore, policy DenialPolicy) (Divergence, error) {
	remote, err := s.Load(ctx)
	if err != nil {
		return Divergence{}, err
	}
	local, err := store.Snapshot(ctx)
	if err != nil {
		return Divergence{}, fmt.Errorf("failed to read local state: %w", err)
	}

	next := remote
	var held []string
	next.Redemptions, held = holdSettled(local.Redemptions, remote.Redemptions)
	next.Users = DeriveAll(next, policy)
	d := Diff(local, remote, next.Users)
	d.Held = held

	if err := store.Replace(ctx, next); err != nil {
		return d, fmt.Errorf("failed to replace local state: %w", err)
	}
	if len(held) > 0 {
		s.logger.Warn("remote still reports settled redemptions as pending", "redemptions", held)
	}
	if !d.Empty() {
		s.logger.Info("reconciled divergent state",
			"users", d.Users.Len(),
			"activities", d.Activities.Len(),
			"rewards", d.Rewards.Len(),
			"redemptions", d.Redemptions.Len(),
			"balances", len(d.Balances))
	}
	return d, nil
}

// =============================================================================
// DIVERGENCE
// =============================================================================

// CollectionDiff lists ids by how they differ. Missing ids exist only on
// the remote; Extra ids exist only locally.
type CollectionDiff struct {
	Missing []string `json:"missing,omitempty"`
	Extra   []string `json:"extra,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

func (c CollectionDiff) Len() int { return len(c.Missing) + len(c.Extra) + len(c.Changed) }

// BalanceMismatch is reported when either the local cache or the remote's
// own cached points disagree with the derived balance.
type BalanceMismatch struct {
	UserID  UserID `json:"user_id"`
	Local   Points `json:"local"`
	Remote  Points `json:"remote"`
	Derived Points `json:"derived"`
}

type Divergence struct {
	Users       CollectionDiff    `json:"users"`
	Activities  CollectionDiff    `json:"activities"`
	Rewards     CollectionDiff    `json:"rewards"`
	Redemptions CollectionDiff    `json:"redemptions"`
	Balances    []BalanceMismatch `json:"balances,omitempty"`

	// Held lists redemptions settled locally that the remote still reports
	// pending. Their local status was kept.
	Held []string `json:"held,omitempty"`
}

func (d Divergence) Empty() bool {
	return d.Users.Len() == 0 && d.Activities.Len() == 0 && d.Rewards.Len() == 0 &&
		d.Redemptions.Len() == 0 && len(d.Balances) == 0 && len(d.Held) == 0
}

// holdSettled returns remote with every redemption that is pending there
// but approved or denied in local set to the local status, plus the ids
// it changed. A settled redemption never goes back to pending.
func holdSettled(local, remote []Redemption) ([]Redemption, []string) {
	settled := make(map[RedemptionID]RedemptionStatus)
	for _, r := range local {
		if r.Status.IsTerminal() {
			settled[r.ID] = r.Status
		}
	}
	out := slices.Clone(remote)
	var held []string
	for i, r := range out {
		if st, ok := settled[r.ID]; ok && r.Status == RedemptionPending {
			out[i].Status = st
			held = append(held, string(r.ID))
		}
	}
	return out, held
}

// Diff compares local state with a remote snapshot. derived holds the
// remote users with balances recomputed from the remote events.
func Diff(local, remote Snapshot, derived []User) Divergence {
	d := Divergence{
		Users: diffBy(local.Users, remote.Users, func(u User) string { return string(u.ID) },
			func(a, b User) bool { a.Points, b.Points = 0, 0; return a == b }),
		Activities: diffBy(local.Activities, remote.Activities, func(a Activity) string { return string(a.ID) },
			func(a, b Activity) bool {
				return a.UserID == b.UserID && a.Points == b.Points && a.Title == b.Title &&
					a.Description == b.Description && a.Status == b.Status && a.Timestamp.Equal(b.Timestamp)
			}),
		Rewards: diffBy(local.Rewards, remote.Rewards, func(r Reward) string { return string(r.ID) },
			func(a, b Reward) bool { return a == b }),
		Redemptions: diffBy(local.Redemptions, remote.Redemptions, func(r Redemption) string { return string(r.ID) },
			func(a, b Redemption) bool {
				return a.UserID == b.UserID && a.RewardID == b.RewardID && a.Status == b.Status &&
					a.Timestamp.Equal(b.Timestamp)
			}),
	}

	cached := make(map[UserID]Points, len(local.Users))
	for _, u := range local.Users {
		cached[u.ID] = u.Points
	}
	reported := make(map[UserID]Points, len(remote.Users))
	for _, u := range remote.Users {
		reported[u.ID] = u.Points
	}
	for _, u := range derived {
		localPts, known := cached[u.ID]
		if !known {
			continue
		}
		if localPts != u.Points || reported[u.ID] != u.Points {
			d.Balances = append(d.Balances, BalanceMismatch{
				UserID:  u.ID,
				Local:   localPts,
				Remote:  reported[u.ID],
				Derived: u.Points,
			})
		}
	}
	return d
}

func diffBy[T any](local, remote []T, key func(T) string, equal func(a, b T) bool) CollectionDiff {
	var out CollectionDiff
	byKey := make(map[string]T, len(local))
	for _, l := range local {
		byKey[key(l)] = l
	}
	seen := make(map[string]bool, len(remote))
	for _, r := range remote {
		k := key(r)
		seen[k] = true
		l, ok := byKey[k]
		switch {
		case !ok:
			out.Missing = append(out.Missing, k)
		case !equal(l, r):
			out.Changed = append(out.Changed, k)
		}
	}
	for _, l := range local {
		if k := key(l); !seen[k] {
			out.Extra = append(out.Extra, k)
		}
	}
	return out
}
