/*
scenarios.go - Demo scenarios for the emulated remote

PURPOSE:
  Provides pre-built states for the emulated remote store so the dashboard
  has realistic data in development and demos. Loading a scenario replaces
  the remote's state and immediately reconciles the local cache with it.

AVAILABLE SCENARIOS:
  starter:    A small team with a mix of approved, pending and denied redemptions
  new-team:   Users and a catalog, no events yet
  busy-week:  Many recent activities for the statistics page

HOW SCENARIOS WORK:
 1. Build the snapshot relative to the current time
 2. Derive every user's cached points from the events
 3. Replace the emulated remote's state
 4. Run a reconciliation so the local store picks it up

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "starter"}

NOTE:
  Only available when the remote is emulated in-process.

SEE ALSO:
  - remote.go: The emulated remote
*/
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/warp/points-ledger/ledger"
)

// DefaultScenario seeds the emulated remote at startup.
const DefaultScenario = "starter"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	build func(now time.Time) ledger.Snapshot
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "starter",
			Name:        "Starter Team",
			Description: "Four people, a small catalog, approved, pending and denied redemptions",
		},
		build: starterScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "new-team",
			Name:        "New Team",
			Description: "Users and a reward catalog with no activity yet",
		},
		build: newTeamScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "busy-week",
			Name:        "Busy Week",
			Description: "Daily activities over the past ten days for the statistics page",
		},
		build: busyWeekScenario,
	},
}

// ScenarioSnapshot builds the named scenario as of now.
func ScenarioSnapshot(scenarioID string, now time.Time) (ledger.Snapshot, bool) {
	for _, s := range scenarios {
		if s.ID == scenarioID {
			snap := s.build(now.UTC())
			snap.Users = ledger.DeriveAll(snap, ledger.RefundOnDenial)
			return snap, true
		}
	}
	return ledger.Snapshot{}, false
}

func demoUsers() []ledger.User {
	return []ledger.User{
		{ID: "1", Name: "Alice Martin", Email: "alice@example.com", Role: ledger.RoleAdmin},
		{ID: "2", Name: "Bruno Costa", Email: "bruno@example.com", Role: ledger.RoleMember},
		{ID: "3", Name: "Chloé Dubois", Email: "chloe@example.com", Role: ledger.RoleMember},
		{ID: "4", Name: "Dev Patel", Email: "dev@example.com", Role: ledger.RoleMember},
	}
}

func demoRewards() []ledger.Reward {
	return []ledger.Reward{
		{ID: "1", Title: "Coffee Voucher", Description: "One drink at the corner café", PointCost: 50, Available: true},
		{ID: "2", Title: "Extra Day Off", Description: "A paid day off of your choice", PointCost: 500, Available: true},
		{ID: "3", Title: "Team Lunch", Description: "Lunch for you and two colleagues", PointCost: 200, Available: true},
		{ID: "4", Title: "Conference Ticket", Description: "Any conference up to the standard budget", PointCost: 1000, Available: true},
		{ID: "5", Title: "Branded Hoodie", Description: "Out of stock until next quarter", PointCost: 150, Available: false},
	}
}

func starterScenario(now time.Time) ledger.Snapshot {
	day := func(n int) time.Time { return now.AddDate(0, 0, -n) }
	return ledger.Snapshot{
		Users:   demoUsers(),
		Rewards: demoRewards(),
		Activities: []ledger.Activity{
			{ID: "1", UserID: "1", Title: "Quarterly survey", Description: "Completed the engagement survey", Points: 100, Timestamp: day(30), Status: ledger.ActivityCompleted},
			{ID: "2", UserID: "2", Title: "Mentoring session", Description: "Paired with a new hire for onboarding", Points: 150, Timestamp: day(25), Status: ledger.ActivityCompleted},
			{ID: "3", UserID: "3", Title: "Conference talk", Description: "Presented the search rewrite", Points: 400, Timestamp: day(20), Status: ledger.ActivityCompleted},
			{ID: "4", UserID: "1", Title: "Code review marathon", Description: "Reviewed twenty pull requests", Points: 80, Timestamp: day(12), Status: ledger.ActivityCompleted},
			{ID: "5", UserID: "4", Title: "Wellness challenge", Description: "Walked 10k steps every day for a month", Points: 120, Timestamp: day(9), Status: ledger.ActivityCompleted},
			{ID: "6", UserID: "2", Title: "Bug bash", Description: "Filed and fixed release blockers", Points: 200, Timestamp: day(4), Status: ledger.ActivityCompleted},
			{ID: "7", UserID: "3", Title: "Blog post", Description: "Wrote about the new caching layer", Points: 90, Timestamp: day(2), Status: ledger.ActivityCompleted},
		},
		Redemptions: []ledger.Redemption{
			{ID: "1", UserID: "3", RewardID: "3", Timestamp: day(18), Status: ledger.RedemptionApproved},
			{ID: "2", UserID: "1", RewardID: "1", Timestamp: day(10), Status: ledger.RedemptionApproved},
			{ID: "3", UserID: "2", RewardID: "3", Timestamp: day(3), Status: ledger.RedemptionDenied},
			{ID: "4", UserID: "4", RewardID: "1", Timestamp: day(1), Status: ledger.RedemptionPending},
		},
	}
}

func newTeamScenario(time.Time) ledger.Snapshot {
	return ledger.Snapshot{
		Users:   demoUsers(),
		Rewards: demoRewards(),
	}
}

func busyWeekScenario(now time.Time) ledger.Snapshot {
	snap := ledger.Snapshot{
		Users:   demoUsers(),
		Rewards: demoRewards(),
	}
	titles := []string{"Stand-up notes", "Pair programming", "Customer call", "Incident review", "Documentation"}
	n := 0
	for d := 10; d >= 0; d-- {
		for i, u := range snap.Users {
			if (d+i)%3 == 0 {
				continue
			}
			n++
			snap.Activities = append(snap.Activities, ledger.Activity{
				ID:          ledger.ActivityID(fmt.Sprint(n)),
				UserID:      u.ID,
				Title:       titles[(d+i)%len(titles)],
				Description: fmt.Sprintf("Day %d contribution", 10-d),
				Points:      ledger.Points(10 * (1 + (d+i)%5)),
				Timestamp:   now.AddDate(0, 0, -d).Add(-time.Duration(i) * time.Hour),
				Status:      ledger.ActivityCompleted,
			})
		}
	}
	snap.Redemptions = []ledger.Redemption{
		{ID: "1", UserID: "2", RewardID: "1", Timestamp: now.AddDate(0, 0, -8), Status: ledger.RedemptionApproved},
		{ID: "2", UserID: "4", RewardID: "1", Timestamp: now.AddDate(0, 0, -5), Status: ledger.RedemptionApproved},
		{ID: "3", UserID: "3", RewardID: "1", Timestamp: now.AddDate(0, 0, -2), Status: ledger.RedemptionPending},
		{ID: "4", UserID: "1", RewardID: "1", Timestamp: now.AddDate(0, 0, -1), Status: ledger.RedemptionPending},
	}
	return snap
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s.ScenarioDTO)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// SetCurrentScenario records a scenario loaded outside the API (at startup).
func (h *Handler) SetCurrentScenario(scenarioID string) {
	h.mu.Lock()
	h.currentScenario = scenarioID
	h.mu.Unlock()
}

// LoadScenario replaces the emulated remote's state and reconciles.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Emulator == nil {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "scenarios_unavailable",
			Message: "Scenarios can only be loaded when the remote store is emulated.",
		})
		return
	}

	var req LoadScenarioRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	snap, ok := ScenarioSnapshot(req.ScenarioID, h.now())
	if !ok {
		h.fail(w, r, &ledger.NotFoundError{Entity: "scenario", ID: req.ScenarioID})
		return
	}

	ctx := r.Context()
	if err := h.Emulator.Load(ctx, snap); err != nil {
		h.fail(w, r, err)
		return
	}
	h.SetCurrentScenario(req.ScenarioID)

	run, err := h.Scheduler.RunNow(ctx, ledger.TriggerManual)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("scenario loaded", "scenario", req.ScenarioID, "run_id", run.ID)
	writeJSON(w, http.StatusOK, ReconcileDTO{Run: run, Diverged: !run.Divergence.Empty()})
}
