package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-ledger/ledger"
)

func TestScheduler_RunNow_RecordsRun(t *testing.T) {
	// GIVEN: A remote with an activity the local store has not seen
	// WHEN: Triggering a manual run
	// THEN: The run is completed, records the divergence, and is persisted

	svc, mem, remote := newTestService(t, baseSnapshot())
	remote.snap.Activities = append(remote.snap.Activities, grant("ext", "1", 10, t0))
	sched := ledger.NewReconcileScheduler(svc, mem, 0, nil)

	run, err := sched.RunNow(context.Background(), ledger.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, ledger.RunCompleted, run.Status)
	assert.Equal(t, ledger.TriggerManual, run.Trigger)
	assert.Equal(t, []string{"ext"}, run.Divergence.Activities.Missing)
	assert.False(t, run.CompletedAt.Before(run.StartedAt))

	runs, err := mem.ReconcileRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	last, ok := sched.LastRun()
	require.True(t, ok)
	assert.Equal(t, run.ID, last.ID)
}

func TestScheduler_RunNow_RecordsFailure(t *testing.T) {
	svc, mem, remote := newTestService(t, baseSnapshot())
	remote.failFetch = true
	sched := ledger.NewReconcileScheduler(svc, mem, 0, nil)

	run, err := sched.RunNow(context.Background(), ledger.TriggerManual)

	assert.ErrorIs(t, err, ledger.ErrSync)
	assert.Equal(t, ledger.RunFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}

func TestScheduler_StartStop(t *testing.T) {
	// GIVEN: A scheduler with a short interval
	// WHEN: Started and left running briefly
	// THEN: It reconciles on its own and stops cleanly

	svc, mem, _ := newTestService(t, baseSnapshot())
	sched := ledger.NewReconcileScheduler(svc, mem, 5*time.Millisecond, nil)

	sched.Start()
	sched.Start() // second start is a no-op
	assert.False(t, sched.NextRunTime().IsZero())

	require.Eventually(t, func() bool {
		runs, _ := mem.ReconcileRuns(context.Background(), 0)
		return len(runs) > 0
	}, time.Second, 5*time.Millisecond)

	sched.Stop()
	sched.Stop()
	assert.True(t, sched.NextRunTime().IsZero())

	last, ok := sched.LastRun()
	require.True(t, ok)
	assert.Equal(t, ledger.TriggerScheduled, last.Trigger)
}

func TestScheduler_Disabled(t *testing.T) {
	svc, mem, _ := newTestService(t, baseSnapshot())
	sched := ledger.NewReconcileScheduler(svc, mem, 0, nil)

	sched.Start()
	defer sched.Stop()

	assert.True(t, sched.NextRunTime().IsZero())
	_, ok := sched.LastRun()
	assert.False(t, ok)
}
