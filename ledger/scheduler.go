/*
scheduler.go - Periodic reconciliation

PURPOSE:
  Local state can drift from the remote when another client writes to it
  or when a confirmed event failed to commit locally. The scheduler runs
  Reconcile on a fixed interval to bring the local view back in line, and
  records every run for audit and UI display.

CONFIGURATION:
  - Interval: How often to reconcile (RECONCILE_INTERVAL, 0 disables)

USAGE:
  scheduler := ledger.NewReconcileScheduler(svc, runs, time.Minute, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - sync.go: Reconcile
  - api/handlers.go: Manual reconcile endpoint
*/
package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/points-ledger/id"
)

// Reconciler is satisfied by *Service.
type Reconciler interface {
	Reconcile(ctx context.Context) (Divergence, error)
}

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
	TriggerStartup   RunTrigger = "startup"
)

// ReconcileRun records one reconciliation.
type ReconcileRun struct {
	ID          string     `json:"id"`
	Trigger     RunTrigger `json:"trigger"`
	Status      RunStatus  `json:"status"`
	Divergence  Divergence `json:"divergence"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}

// RunStore persists reconciliation runs.
type RunStore interface {
	SaveReconcileRun(ctx context.Context, run ReconcileRun) error
	ReconcileRuns(ctx context.Context, limit int) ([]ReconcileRun, error)
}

// ReconcileScheduler handles automated reconciliation.
type ReconcileScheduler struct {
	Reconciler Reconciler
	Runs       RunStore // optional
	Interval   time.Duration

	mu      sync.Mutex
	lastRun *ReconcileRun
	logger  *slog.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewReconcileScheduler(r Reconciler, runs RunStore, interval time.Duration, logger *slog.Logger) *ReconcileScheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ReconcileScheduler{
		Reconciler: r,
		Runs:       runs,
		Interval:   interval,
		logger:     logger,
	}
}

// Start begins periodic reconciliation. It does nothing when Interval <= 0
// or the scheduler is already running.
func (rs *ReconcileScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.Interval <= 0 {
		rs.logger.Info("reconcile scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.Interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.logger.Info("reconcile scheduler started", "interval", rs.Interval)
}

// Stop halts the scheduler and waits for a running reconcile to finish.
func (rs *ReconcileScheduler) Stop() {
	rs.mu.Lock()
	if rs.ticker == nil {
		rs.mu.Unlock()
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.ticker = nil
	rs.mu.Unlock()

	rs.wg.Wait()
	rs.logger.Info("reconcile scheduler stopped")
}

func (rs *ReconcileScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()
	for {
		select {
		case <-ticker.C:
			rs.RunNow(context.Background(), TriggerScheduled)
		case <-stop:
			return
		}
	}
}

// RunNow reconciles immediately and records the run. The returned error is
// the reconcile error; a failure to record the run is only logged.
func (rs *ReconcileScheduler) RunNow(ctx context.Context, trigger RunTrigger) (ReconcileRun, error) {
	run := ReconcileRun{
		ID:        id.New(id.PrefixReconcile),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}

	d, err := rs.Reconciler.Reconcile(ctx)
	run.CompletedAt = time.Now().UTC()
	run.Divergence = d
	run.Status = RunCompleted
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
		rs.logger.Error("reconcile failed", "run_id", run.ID, "trigger", trigger, "error", err)
	} else {
		rs.logger.Info("reconcile completed", "run_id", run.ID, "trigger", trigger, "diverged", !d.Empty())
	}

	if rs.Runs != nil {
		if serr := rs.Runs.SaveReconcileRun(context.WithoutCancel(ctx), run); serr != nil {
			rs.logger.Error("failed to save reconcile run", "run_id", run.ID, "error", serr)
		}
	}

	rs.mu.Lock()
	rs.lastRun = &run
	rs.mu.Unlock()
	return run, err
}

// LastRun returns the most recent run, if any.
func (rs *ReconcileScheduler) LastRun() (ReconcileRun, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.lastRun == nil {
		return ReconcileRun{}, false
	}
	return *rs.lastRun, true
}

// NextRunTime returns when the next scheduled check will occur, or the zero
// time when the scheduler is not running.
func (rs *ReconcileScheduler) NextRunTime() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ticker == nil {
		return time.Time{}
	}
	if rs.lastRun == nil {
		return time.Now().Add(rs.Interval)
	}
	return rs.lastRun.CompletedAt.Add(rs.Interval)
}
