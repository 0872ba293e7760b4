/*
service.go - Ledger mutation service

PURPOSE:
  The only way new events enter the ledger. Every mutation follows the same
  shape and either completes fully or leaves nothing behind.

MUTATION FLOW:
  1. Validate input shape (no I/O)
  2. Acquire the user's lock
  3. Resolve references and validate against the derived balance
  4. Submit to the remote and wait for confirmation
  5. Commit: append the confirmed event, recompute the cached balance
  6. Release the lock, notify subscribers

  Steps 1-4 may fail; none of them touch the store. Step 5 runs only after
  a confirmation and ignores cancellation of the caller's context, since
  the remote already holds the event.

CONCURRENCY:
  Mutations for the same user are serialized from step 2 to step 6, so two
  redemptions can never both pass validation against the same balance.
  Mutations for different users run in parallel. Reconcile excludes all
  mutations while it swaps the store.

SEE ALSO:
  - balance.go: ComputeBalance used in step 3 and step 5
  - sync.go: Submission in step 4
  - lock.go: KeyedMutex
*/
package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/warp/points-ledger/ledger"

// MaxActivityPoints is the largest grant a single activity may carry.
const MaxActivityPoints Points = math.MaxInt32

// gateWeight is the semaphore weight Reconcile takes; each mutation takes 1.
const gateWeight = math.MaxInt32

// =============================================================================
// INVALIDATION
// =============================================================================

// Topic names a projection that may be stale after a mutation.
type Topic string

const (
	TopicBalances    Topic = "balances"
	TopicActivities  Topic = "activities"
	TopicRedemptions Topic = "redemptions"
	TopicLeaderboard Topic = "leaderboard"
	TopicAll         Topic = "all"
)

// Invalidation tells subscribers which views to refresh.
type Invalidation struct {
	Topics []Topic `json:"topics"`
	UserID UserID  `json:"user_id,omitempty"`
}

// Invalidator receives an Invalidation after every committed mutation.
// Implementations must not block.
type Invalidator interface {
	Invalidate(inv Invalidation)
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(Invalidation) {}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store  EventStore
	sync   *Synchronizer
	locks  *KeyedMutex
	policy DenialPolicy

	// gate is held with weight 1 by each mutation and gateWeight by
	// Reconcile. Waiters are served in order, so a waiting Reconcile is
	// not starved by new mutations.
	gate *semaphore.Weighted

	now         func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer
	invalidator Invalidator
}

type Option func(*Service)

func WithDenialPolicy(p DenialPolicy) Option {
	return func(s *Service) {
		if p.Valid() {
			s.policy = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the timestamp source for new events.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) { s.invalidator = inv }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func NewService(store EventStore, syncer *Synchronizer, opts ...Option) *Service {
	s := &Service{
		store:       store,
		sync:        syncer,
		locks:       NewKeyedMutex(),
		gate:        semaphore.NewWeighted(gateWeight),
		policy:      RefundOnDenial,
		now:         time.Now,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:      otel.Tracer(tracerName),
		invalidator: nopInvalidator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() DenialPolicy { return s.policy }

// Store exposes the confirmed state for read-only projections.
func (s *Service) Store() EventStore { return s.store }

// =============================================================================
// MUTATIONS
// =============================================================================

// RecordActivity records a completed activity granting points to userID.
func (s *Service) RecordActivity(ctx context.Context, userID UserID, title, description string, points Points) (_ Activity, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.RecordActivity",
		trace.WithAttributes(attribute.String("user.id", string(userID)), attribute.Int64("points", int64(points))))
	defer func() { endSpan(span, err) }()

	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	switch {
	case userID == "":
		return Activity{}, &ValidationError{Field: "user_id", Reason: "is required"}
	case title == "":
		return Activity{}, &ValidationError{Field: "title", Reason: "is required"}
	case description == "":
		return Activity{}, &ValidationError{Field: "description", Reason: "is required"}
	case points < 1:
		return Activity{}, &ValidationError{Field: "points", Reason: "must be at least 1"}
	case points > MaxActivityPoints:
		return Activity{}, &ValidationError{Field: "points", Reason: fmt.Sprintf("must be at most %d", MaxActivityPoints)}
	}

	release, err := s.acquire(ctx, userID)
	if err != nil {
		return Activity{}, err
	}
	defer release()

	if _, err := s.store.User(ctx, userID); err != nil {
		return Activity{}, err
	}

	draft := Activity{
		UserID:      userID,
		Title:       title,
		Description: description,
		Points:      points,
		Timestamp:   s.now().UTC(),
		Status:      ActivityCompleted,
	}
	span.AddEvent("submit")
	confirmed, err := s.sync.SubmitActivity(ctx, draft)
	if err != nil {
		return Activity{}, err
	}

	span.AddEvent("commit")
	commitCtx := context.WithoutCancel(ctx)
	if err := s.store.AppendActivity(commitCtx, confirmed); err != nil {
		s.logger.Error("confirmed activity not committed", "activity_id", confirmed.ID, "user_id", userID, "error", err)
		return Activity{}, fmt.Errorf("failed to commit activity %s: %w", confirmed.ID, err)
	}
	balance, err := s.refreshBalance(commitCtx, userID)
	if err != nil {
		return Activity{}, err
	}

	s.logger.Info("activity recorded",
		"activity_id", confirmed.ID, "user_id", userID, "points", points, "balance", balance)
	s.invalidator.Invalidate(Invalidation{
		Topics: []Topic{TopicActivities, TopicBalances, TopicLeaderboard},
		UserID: userID,
	})
	return confirmed, nil
}

// RedeemReward spends the reward's cost from userID's balance. The new
// redemption is pending.
func (s *Service) RedeemReward(ctx context.Context, userID UserID, rewardID RewardID) (_ Redemption, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.RedeemReward",
		trace.WithAttributes(attribute.String("user.id", string(userID)), attribute.String("reward.id", string(rewardID))))
	defer func() { endSpan(span, err) }()

	switch {
	case userID == "":
		return Redemption{}, &ValidationError{Field: "user_id", Reason: "is required"}
	case rewardID == "":
		return Redemption{}, &ValidationError{Field: "reward_id", Reason: "is required"}
	}

	release, err := s.acquire(ctx, userID)
	if err != nil {
		return Redemption{}, err
	}
	defer release()

	if _, err := s.store.User(ctx, userID); err != nil {
		return Redemption{}, err
	}
	reward, err := s.store.Reward(ctx, rewardID)
	if err != nil {
		return Redemption{}, err
	}
	if !reward.Available {
		return Redemption{}, &UnavailableError{RewardID: reward.ID, Title: reward.Title}
	}

	d, err := s.derive(ctx, userID)
	if err != nil {
		return Redemption{}, err
	}
	if d.Balance < reward.PointCost {
		return Redemption{}, &InsufficientBalanceError{
			UserID:    userID,
			Available: d.Balance,
			Required:  reward.PointCost,
			Shortfall: reward.PointCost - d.Balance,
		}
	}

	draft := Redemption{
		UserID:    userID,
		RewardID:  rewardID,
		Timestamp: s.now().UTC(),
		Status:    RedemptionPending,
	}
	span.AddEvent("submit")
	confirmed, err := s.sync.SubmitRedemption(ctx, draft)
	if err != nil {
		return Redemption{}, err
	}

	span.AddEvent("commit")
	commitCtx := context.WithoutCancel(ctx)
	if err := s.store.AppendRedemption(commitCtx, confirmed); err != nil {
		s.logger.Error("confirmed redemption not committed", "redemption_id", confirmed.ID, "user_id", userID, "error", err)
		return Redemption{}, fmt.Errorf("failed to commit redemption %s: %w", confirmed.ID, err)
	}
	balance, err := s.refreshBalance(commitCtx, userID)
	if err != nil {
		return Redemption{}, err
	}

	s.logger.Info("reward redeemed",
		"redemption_id", confirmed.ID, "user_id", userID, "reward_id", rewardID,
		"cost", reward.PointCost, "balance", balance)
	s.invalidator.Invalidate(Invalidation{
		Topics: []Topic{TopicRedemptions, TopicBalances, TopicLeaderboard},
		UserID: userID,
	})
	return confirmed, nil
}

// ApplyRedemptionStatus applies a status change already confirmed by the
// system of record. Only pending -> approved and pending -> denied apply.
func (s *Service) ApplyRedemptionStatus(ctx context.Context, id RedemptionID, status RedemptionStatus) (_ Redemption, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.ApplyRedemptionStatus",
		trace.WithAttributes(attribute.String("redemption.id", string(id)), attribute.String("status", string(status))))
	defer func() { endSpan(span, err) }()

	if id == "" {
		return Redemption{}, &ValidationError{Field: "redemption_id", Reason: "is required"}
	}
	if !status.IsTerminal() {
		return Redemption{}, &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not approved or denied", status)}
	}

	r, err := s.store.Redemption(ctx, id)
	if err != nil {
		return Redemption{}, err
	}

	release, err := s.acquire(ctx, r.UserID)
	if err != nil {
		return Redemption{}, err
	}
	defer release()

	// Re-read under the lock; another transition may have won.
	if r, err = s.store.Redemption(ctx, id); err != nil {
		return Redemption{}, err
	}
	if !r.Status.CanTransition(status) {
		return Redemption{}, &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot change from %s to %s", r.Status, status),
		}
	}

	commitCtx := context.WithoutCancel(ctx)
	if err := s.store.SetRedemptionStatus(commitCtx, id, status); err != nil {
		return Redemption{}, fmt.Errorf("failed to set status of redemption %s: %w", id, err)
	}
	balance, err := s.refreshBalance(commitCtx, r.UserID)
	if err != nil {
		return Redemption{}, err
	}
	r.Status = status

	s.logger.Info("redemption status applied",
		"redemption_id", id, "user_id", r.UserID, "status", status, "balance", balance)
	s.invalidator.Invalidate(Invalidation{
		Topics: []Topic{TopicRedemptions, TopicBalances, TopicLeaderboard},
		UserID: r.UserID,
	})
	return r, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Balance returns the derived balance for userID.
func (s *Service) Balance(ctx context.Context, userID UserID) (Derivation, error) {
	if _, err := s.store.User(ctx, userID); err != nil {
		return Derivation{}, err
	}
	return s.derive(ctx, userID)
}

// Snapshot returns the confirmed state.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	return s.store.Snapshot(ctx)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile replaces local state with the remote's, waiting for in-flight
// mutations to finish first.
func (s *Service) Reconcile(ctx context.Context) (_ Divergence, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Reconcile")
	defer func() { endSpan(span, err) }()

	if err := s.gate.Acquire(ctx, gateWeight); err != nil {
		return Divergence{}, NewSyncError("wait for pending mutations", err)
	}
	defer s.gate.Release(gateWeight)

	d, err := s.sync.Reconcile(ctx, s.store, s.policy)
	if err != nil {
		return d, err
	}
	s.invalidator.Invalidate(Invalidation{Topics: []Topic{TopicAll}})
	return d, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// acquire takes the reconcile gate and the user's lock. A context that ends
// while waiting for either is reported as a SyncError.
func (s *Service) acquire(ctx context.Context, userID UserID) (func(), error) {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return nil, NewSyncError("wait for reconcile", err)
	}
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		s.gate.Release(1)
		return nil, NewSyncError("wait for pending mutation", err)
	}
	return func() {
		unlock()
		s.gate.Release(1)
	}, nil
}

func (s *Service) derive(ctx context.Context, userID UserID) (Derivation, error) {
	acts, err := s.store.Activities(ctx)
	if err != nil {
		return Derivation{}, fmt.Errorf("failed to load activities: %w", err)
	}
	reds, err := s.store.Redemptions(ctx)
	if err != nil {
		return Derivation{}, fmt.Errorf("failed to load redemptions: %w", err)
	}
	rewards, err := s.store.Rewards(ctx)
	if err != nil {
		return Derivation{}, fmt.Errorf("failed to load rewards: %w", err)
	}
	d := Derive(userID, acts, reds, rewards, s.policy)
	if len(d.Unresolved) > 0 {
		s.logger.Warn("redemptions reference unknown rewards", "user_id", userID, "redemptions", d.Unresolved)
	}
	return d, nil
}

func (s *Service) refreshBalance(ctx context.Context, userID UserID) (Points, error) {
	d, err := s.derive(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.store.SetUserPoints(ctx, userID, d.Balance); err != nil {
		return 0, fmt.Errorf("failed to cache balance for %s: %w", userID, err)
	}
	return d.Balance, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	span.End()
}
