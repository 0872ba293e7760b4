package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

var errTransport = errors.New("connection refused")

// fakeRemote is an in-memory system of record with failure injection.
type fakeRemote struct {
	mu          sync.Mutex
	snap        ledger.Snapshot
	nextID      int
	submissions atomic.Int32

	// failCreate makes every create call fail with errTransport.
	failCreate bool
	// failCreateTimes fails that many create calls with createErr (or
	// errTransport) before accepting.
	failCreateTimes int
	createErr       error
	// keys records the idempotency key of every create call.
	keys []string
	// seenKeys maps a key to the entity first created with it.
	seenKeys map[string]any
	// failFetch makes every fetch call fail with errTransport.
	failFetch bool
	// tamper rewrites confirmations before they are returned.
	tamperActivity   func(ledger.Activity) ledger.Activity
	tamperRedemption func(ledger.Redemption) ledger.Redemption
	// gate, when set, blocks creates until it is closed or ctx ends.
	gate chan struct{}
	// fetchGate, when set, blocks FetchUsers until it is closed.
	fetchGate chan struct{}
	fetches   atomic.Int32
}

func newFakeRemote(snap ledger.Snapshot) *fakeRemote {
	return &fakeRemote{snap: snap, nextID: 100, seenKeys: make(map[string]any)}
}

// rejectCreate records key and reports whether this create call fails.
func (f *fakeRemote) rejectCreate(key string) error {
	f.keys = append(f.keys, key)
	if f.failCreate {
		return errTransport
	}
	if f.failCreateTimes > 0 {
		f.failCreateTimes--
		if f.createErr != nil {
			return f.createErr
		}
		return errTransport
	}
	return nil
}

func (f *fakeRemote) wait(ctx context.Context) error {
	if f.gate == nil {
		return nil
	}
	select {
	case <-f.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeRemote) FetchUsers(ctx context.Context) ([]ledger.User, error) {
	f.fetches.Add(1)
	if f.fetchGate != nil {
		select {
		case <-f.fetchGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetch {
		return nil, errTransport
	}
	return append([]ledger.User(nil), f.snap.Users...), nil
}

func (f *fakeRemote) FetchActivities(context.Context) ([]ledger.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetch {
		return nil, errTransport
	}
	return append([]ledger.Activity(nil), f.snap.Activities...), nil
}

func (f *fakeRemote) FetchRewards(context.Context) ([]ledger.Reward, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetch {
		return nil, errTransport
	}
	return append([]ledger.Reward(nil), f.snap.Rewards...), nil
}

func (f *fakeRemote) FetchRedemptions(context.Context) ([]ledger.Redemption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetch {
		return nil, errTransport
	}
	return append([]ledger.Redemption(nil), f.snap.Redemptions...), nil
}

func (f *fakeRemote) CreateActivity(ctx context.Context, a ledger.Activity, key string) (ledger.Activity, error) {
	f.submissions.Add(1)
	if err := f.wait(ctx); err != nil {
		return ledger.Activity{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rejectCreate(key); err != nil {
		return ledger.Activity{}, err
	}
	if prev, ok := f.seenKeys[key].(ledger.Activity); ok {
		return prev, nil
	}
	f.nextID++
	a.ID = ledger.ActivityID(fmt.Sprint(f.nextID))
	f.snap.Activities = append(f.snap.Activities, a)
	f.seenKeys[key] = a
	if f.tamperActivity != nil {
		a = f.tamperActivity(a)
	}
	return a, nil
}

func (f *fakeRemote) CreateRedemption(ctx context.Context, r ledger.Redemption, key string) (ledger.Redemption, error) {
	f.submissions.Add(1)
	if err := f.wait(ctx); err != nil {
		return ledger.Redemption{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rejectCreate(key); err != nil {
		return ledger.Redemption{}, err
	}
	if prev, ok := f.seenKeys[key].(ledger.Redemption); ok {
		return prev, nil
	}
	f.nextID++
	r.ID = ledger.RedemptionID(fmt.Sprint(f.nextID))
	f.snap.Redemptions = append(f.snap.Redemptions, r)
	f.seenKeys[key] = r
	if f.tamperRedemption != nil {
		r = f.tamperRedemption(r)
	}
	return r, nil
}

func baseSnapshot() ledger.Snapshot {
	return ledger.Snapshot{
		Users: []ledger.User{
			{ID: "1", Name: "Alice", Email: "alice@example.com", Role: ledger.RoleMember},
			{ID: "2", Name: "Bob", Email: "bob@example.com", Role: ledger.RoleAdmin},
		},
		Rewards: []ledger.Reward{
			{ID: "r100", Title: "Coffee", Description: "A free coffee", PointCost: 100, Available: true},
			{ID: "r50", Title: "Sticker", Description: "Laptop sticker", PointCost: 50, Available: true},
			{ID: "rx", Title: "Retired mug", Description: "No longer offered", PointCost: 10, Available: false},
		},
	}
}

func grant(id string, user ledger.UserID, points ledger.Points, at time.Time) ledger.Activity {
	return ledger.Activity{
		ID:          ledger.ActivityID(id),
		UserID:      user,
		Title:       "Activity " + id,
		Description: "desc",
		Points:      points,
		Timestamp:   at,
		Status:      ledger.ActivityCompleted,
	}
}

func redeem(id string, user ledger.UserID, reward ledger.RewardID, status ledger.RedemptionStatus, at time.Time) ledger.Redemption {
	return ledger.Redemption{
		ID:        ledger.RedemptionID(id),
		UserID:    user,
		RewardID:  reward,
		Timestamp: at,
		Status:    status,
	}
}

// newTestService returns a service whose local store and remote both start
// from snap, with cached balances derived.
func newTestService(t *testing.T, snap ledger.Snapshot, opts ...ledger.Option) (*ledger.Service, *store.Memory, *fakeRemote) {
	t.Helper()
	snap.Users = ledger.DeriveAll(snap, ledger.RefundOnDenial)
	mem := store.NewMemoryFrom(snap)
	remote := newFakeRemote(snap)

	clock := t0
	var clockMu sync.Mutex
	opts = append([]ledger.Option{ledger.WithClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	})}, opts...)

	syncer := ledger.NewSynchronizer(remote, time.Second, nil, ledger.WithSubmitRetries(ledger.DefaultSubmitRetries, time.Millisecond))
	svc := ledger.NewService(mem, syncer, opts...)
	return svc, mem, remote
}

func cachedPoints(t *testing.T, mem *store.Memory, id ledger.UserID) ledger.Points {
	t.Helper()
	u, err := mem.User(context.Background(), id)
	require.NoError(t, err)
	return u.Points
}

// recorder collects invalidations.
type recorder struct {
	mu   sync.Mutex
	seen []ledger.Invalidation
}

func (r *recorder) Invalidate(inv ledger.Invalidation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, inv)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
