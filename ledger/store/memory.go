// Package store provides EventStore implementations.
package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a goroutine-safe in-memory EventStore.
type Memory struct {
	mu          sync.RWMutex
	users       []ledger.User
	rewards     []ledger.Reward
	activities  []ledger.Activity
	redemptions []ledger.Redemption

	activityIDs   map[ledger.ActivityID]bool
	redemptionIdx map[ledger.RedemptionID]int

	runs []ledger.ReconcileRun
}

var (
	_ ledger.EventStore = (*Memory)(nil)
	_ ledger.RunStore   = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		activityIDs:   make(map[ledger.ActivityID]bool),
		redemptionIdx: make(map[ledger.RedemptionID]int),
	}
}

// NewMemoryFrom returns a Memory holding snap.
func NewMemoryFrom(snap ledger.Snapshot) *Memory {
	m := NewMemory()
	m.restore(snap)
	return m
}

func (m *Memory) Users(_ context.Context) ([]ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.users), nil
}

func (m *Memory) User(_ context.Context, id ledger.UserID) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return ledger.User{}, &ledger.NotFoundError{Entity: "user", ID: string(id)}
}

func (m *Memory) Rewards(_ context.Context) ([]ledger.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.rewards), nil
}

func (m *Memory) Reward(_ context.Context, id ledger.RewardID) (ledger.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rewards {
		if r.ID == id {
			return r, nil
		}
	}
	return ledger.Reward{}, &ledger.NotFoundError{Entity: "reward", ID: string(id)}
}

func (m *Memory) Activities(_ context.Context) ([]ledger.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.activities), nil
}

func (m *Memory) Redemptions(_ context.Context) ([]ledger.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.redemptions), nil
}

func (m *Memory) Redemption(_ context.Context, id ledger.RedemptionID) (ledger.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.redemptionIdx[id]
	if !ok {
		return ledger.Redemption{}, &ledger.NotFoundError{Entity: "redemption", ID: string(id)}
	}
	return m.redemptions[i], nil
}

// AppendActivity inserts a in timestamp order. Append-only.
func (m *Memory) AppendActivity(_ context.Context, a ledger.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activityIDs[a.ID] {
		return fmt.Errorf("activity %s already exists", a.ID)
	}
	// Binary search for insertion point after equal timestamps.
	i := sort.Search(len(m.activities), func(i int) bool {
		return m.activities[i].Timestamp.After(a.Timestamp)
	})
	m.activities = slices.Insert(m.activities, i, a)
	m.activityIDs[a.ID] = true
	return nil
}

// AppendRedemption inserts r in timestamp order. Append-only.
func (m *Memory) AppendRedemption(_ context.Context, r ledger.Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.redemptionIdx[r.ID]; ok {
		return fmt.Errorf("redemption %s already exists", r.ID)
	}
	i := sort.Search(len(m.redemptions), func(i int) bool {
		return m.redemptions[i].Timestamp.After(r.Timestamp)
	})
	m.redemptions = slices.Insert(m.redemptions, i, r)
	m.reindexLocked()
	return nil
}

func (m *Memory) SetRedemptionStatus(_ context.Context, id ledger.RedemptionID, status ledger.RedemptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.redemptionIdx[id]
	if !ok {
		return &ledger.NotFoundError{Entity: "redemption", ID: string(id)}
	}
	m.redemptions[i].Status = status
	return nil
}

func (m *Memory) SetUserPoints(_ context.Context, id ledger.UserID, points ledger.Points) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.users {
		if m.users[i].ID == id {
			m.users[i].Points = points
			return nil
		}
	}
	return &ledger.NotFoundError{Entity: "user", ID: string(id)}
}

func (m *Memory) Snapshot(_ context.Context) (ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ledger.Snapshot{
		Users:       slices.Clone(m.users),
		Activities:  slices.Clone(m.activities),
		Rewards:     slices.Clone(m.rewards),
		Redemptions: slices.Clone(m.redemptions),
	}, nil
}

// Replace swaps the full state. Events are re-sorted by timestamp.
func (m *Memory) Replace(_ context.Context, snap ledger.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restore(snap)
	return nil
}

func (m *Memory) restore(snap ledger.Snapshot) {
	m.users = slices.Clone(snap.Users)
	m.rewards = slices.Clone(snap.Rewards)

	m.activities = slices.Clone(snap.Activities)
	slices.SortStableFunc(m.activities, func(a, b ledger.Activity) int { return a.Timestamp.Compare(b.Timestamp) })
	m.activityIDs = make(map[ledger.ActivityID]bool, len(m.activities))
	for _, a := range m.activities {
		m.activityIDs[a.ID] = true
	}

	m.redemptions = slices.Clone(snap.Redemptions)
	slices.SortStableFunc(m.redemptions, func(a, b ledger.Redemption) int { return a.Timestamp.Compare(b.Timestamp) })
	m.reindexLocked()
}

func (m *Memory) reindexLocked() {
	m.redemptionIdx = make(map[ledger.RedemptionID]int, len(m.redemptions))
	for i, r := range m.redemptions {
		m.redemptionIdx[r.ID] = i
	}
}

// =============================================================================
// RECONCILE RUNS
// =============================================================================

// SaveReconcileRun stores run, replacing any run with the same id.
func (m *Memory) SaveReconcileRun(_ context.Context, run ledger.ReconcileRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

// ReconcileRuns returns up to limit runs, newest first. limit <= 0 returns all.
func (m *Memory) ReconcileRuns(_ context.Context, limit int) ([]ledger.ReconcileRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.runs)
	slices.Reverse(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
