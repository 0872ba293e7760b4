/*
handlers.go - HTTP API handlers for the points dashboard

PURPOSE:
  Exposes the ledger service and its projections via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to the ledger.

ENDPOINTS:
  Users:
    GET    /api/users                      List users (cached balances)
    GET    /api/users/{id}                 Get user
    GET    /api/users/{id}/balance         Derived balance with components
    GET    /api/users/{id}/history         Transaction history, newest first
    GET    /api/users/{id}/summary         Dashboard summary
    GET    /api/users/{id}/rank            Leaderboard position

  Mutations:
    POST   /api/users/{id}/activities      Record an activity
    POST   /api/users/{id}/redemptions     Redeem a reward

  Views:
    GET    /api/leaderboard?limit=         Top users by points
    GET    /api/activities?user_id=&q=     Activity feed
    GET    /api/rewards?q=&sort=           Reward catalog (available only)

  Admin:
    GET    /api/admin/stats                Statistics
    GET    /api/admin/redemptions?status=  Redemptions, newest first
    POST   /api/admin/redemptions/{id}/status  Apply approved/denied
    POST   /api/admin/reconcile            Reconcile with the remote now
    GET    /api/admin/reconcile/runs       Past reconciliation runs

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the ledger service or a projection over a snapshot
  3. Serialize response
  4. Map errors by kind

ERROR HANDLING:
  Errors are returned as {"error": kind, "message": text}:
  - 400: Validation errors, invalid input
  - 404: User, reward or redemption not found
  - 409: Reward unavailable
  - 422: Insufficient balance
  - 502: Remote store could not confirm
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - remote.go: Emulated remote store
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/points-ledger/ledger"
)

// defaultLeaderboardSize matches the profile page's top list.
const defaultLeaderboardSize = 5

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *ledger.Service
	Scheduler *ledger.ReconcileScheduler
	Runs      ledger.RunStore

	// Emulator is the in-process remote. Scenarios are only available
	// when it is set.
	Emulator *RemoteServer

	logger *slog.Logger
	now    func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over svc.
func NewHandler(svc *ledger.Service, scheduler *ledger.ReconcileScheduler, runs ledger.RunStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		Service:   svc,
		Scheduler: scheduler,
		Runs:      runs,
		logger:    logger,
		now:       time.Now,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUsers returns all users with their cached balances.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Service.Store().Users(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(users))
}

// GetUser returns a single user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Service.Store().User(r.Context(), userParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetBalance derives the balance from events and reports the cached value
// next to it.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userParam(r)

	u, err := h.Service.Store().User(ctx, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.Service.Balance(ctx, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:     d.UserID,
		Balance:    d.Balance,
		Earned:     d.Earned,
		Spent:      d.Spent,
		Refunded:   d.Refunded,
		Cached:     u.Points,
		Unresolved: d.Unresolved,
	})
}

// GetHistory returns the user's ledger lines, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	snap, user, ok := h.userSnapshot(w, r)
	if !ok {
		return
	}
	acts, reds := snap.UserEvents(user.ID)
	history := ledger.TransactionHistory(user.ID, acts, reds, snap.Rewards, h.Service.Policy())
	writeJSON(w, http.StatusOK, nonNil(history))
}

// GetSummary returns the dashboard header for a user.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	snap, user, ok := h.userSnapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ledger.UserSummary(user, snap, h.Service.Policy()))
}

// GetRank returns a user's leaderboard position.
func (h *Handler) GetRank(w http.ResponseWriter, r *http.Request) {
	snap, user, ok := h.userSnapshot(w, r)
	if !ok {
		return
	}
	rank, _ := ledger.Rank(user.ID, snap.Users)
	writeJSON(w, http.StatusOK, RankDTO{
		UserID:     user.ID,
		Rank:       rank,
		TotalUsers: len(snap.Users),
		Points:     user.Points,
	})
}

// userSnapshot loads a snapshot and the user named in the path. It writes
// the error response itself and reports false on failure.
func (h *Handler) userSnapshot(w http.ResponseWriter, r *http.Request) (ledger.Snapshot, ledger.User, bool) {
	userID := userParam(r)
	snap, err := h.Service.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return ledger.Snapshot{}, ledger.User{}, false
	}
	i := slices.IndexFunc(snap.Users, func(u ledger.User) bool { return u.ID == userID })
	if i < 0 {
		h.fail(w, r, &ledger.NotFoundError{Entity: "user", ID: string(userID)})
		return ledger.Snapshot{}, ledger.User{}, false
	}
	return snap, snap.Users[i], true
}

// =============================================================================
// MUTATION HANDLERS
// =============================================================================

// RecordActivity records an activity for the user in the path.
// POST /api/users/{id}/activities
func (h *Handler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	var req RecordActivityRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	a, err := h.Service.RecordActivity(r.Context(), userParam(r), req.Title, req.Description, req.Points)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// RedeemReward redeems a reward for the user in the path.
// POST /api/users/{id}/redemptions
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	var req RedeemRewardRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	red, err := h.Service.RedeemReward(r.Context(), userParam(r), req.RewardID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, red)
}

// =============================================================================
// VIEW HANDLERS
// =============================================================================

// GetLeaderboard returns the top users by points.
// GET /api/leaderboard?limit=5
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultLeaderboardSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	users, err := h.Service.Store().Users(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger.Leaderboard(users, limit))
}

// ListActivities returns the activity feed, newest first.
// GET /api/activities?user_id=1&q=survey&limit=20
func (h *Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	acts, err := h.Service.Store().Activities(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	q := r.URL.Query()
	feed := ledger.ActivityFeed(acts, ledger.FeedFilter{
		UserID: ledger.UserID(q.Get("user_id")),
		Search: q.Get("q"),
		Limit:  limit,
	})
	writeJSON(w, http.StatusOK, nonNil(feed))
}

// ListRewards returns the available rewards.
// GET /api/rewards?q=coffee&sort=points_desc
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sortBy := ledger.RewardSort(q.Get("sort"))
	if sortBy != "" && !sortBy.Valid() {
		h.fail(w, r, &ledger.ValidationError{Field: "sort", Reason: "must be one of points_asc, points_desc, title_asc, title_desc"})
		return
	}

	rewards, err := h.Service.Store().Rewards(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ledger.RewardCatalog(rewards, q.Get("q"), sortBy)))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// GetStats returns the admin statistics.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Service.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger.ComputeStatistics(snap, h.now()))
}

// ListRedemptions returns redemptions newest first, optionally filtered by
// status and user.
// GET /api/admin/redemptions?status=pending&user_id=1
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := ledger.RedemptionStatus(q.Get("status"))
	userID := ledger.UserID(q.Get("user_id"))

	reds, err := h.Service.Store().Redemptions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]ledger.Redemption, 0, len(reds))
	for _, red := range slices.Backward(reds) {
		if status != "" && red.Status != status {
			continue
		}
		if userID != "" && red.UserID != userID {
			continue
		}
		out = append(out, red)
	}
	writeJSON(w, http.StatusOK, out)
}

// SetRedemptionStatus applies an approval or denial. With an emulated
// remote the change is confirmed there before it reaches the ledger.
// POST /api/admin/redemptions/{id}/status
func (h *Handler) SetRedemptionStatus(w http.ResponseWriter, r *http.Request) {
	var req RedemptionStatusRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	ctx := r.Context()
	id := ledger.RedemptionID(chi.URLParam(r, "id"))
	if h.Emulator != nil {
		if err := h.confirmStatus(ctx, id, req.Status); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	red, err := h.Service.ApplyRedemptionStatus(ctx, id, req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, red)
}

// confirmStatus checks the transition against the local ledger, then
// applies it at the emulated remote.
func (h *Handler) confirmStatus(ctx context.Context, id ledger.RedemptionID, status ledger.RedemptionStatus) error {
	if !status.IsTerminal() {
		return &ledger.ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not approved or denied", status)}
	}
	local, err := h.Service.Store().Redemption(ctx, id)
	if err != nil {
		return err
	}
	if !local.Status.CanTransition(status) {
		return &ledger.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot change from %s to %s", local.Status, status),
		}
	}
	_, err = h.Emulator.SetRedemptionStatus(ctx, id, status)
	return err
}

// TriggerReconcile reconciles with the remote immediately.
// POST /api/admin/reconcile
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	run, err := h.Scheduler.RunNow(r.Context(), ledger.TriggerManual)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileDTO{Run: run, Diverged: !run.Divergence.Empty()})
}

// ListReconcileRuns returns past reconciliation runs, newest first.
// GET /api/admin/reconcile/runs?limit=20
func (h *Handler) ListReconcileRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, []ledger.ReconcileRun{})
		return
	}
	runs, err := h.Runs.ReconcileRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(runs))
}

// =============================================================================
// HELPERS
// =============================================================================

func userParam(r *http.Request) ledger.UserID {
	return ledger.UserID(chi.URLParam(r, "id"))
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return &ledger.ValidationError{Field: "body", Reason: "must be a valid JSON object"}
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &ledger.ValidationError{Field: key, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

// nonNil keeps empty lists as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindUnavailable:
		return http.StatusConflict
	case ledger.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case ledger.KindSync:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an ErrorResponse. Server-side failures are logged with
// their cause, which the response never includes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		attrs := []any{"method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err}
		var se *ledger.SyncError
		if errors.As(err, &se) && se.Cause() != nil {
			attrs = append(attrs, "cause", se.Cause())
		}
		h.logger.Error("request failed", attrs...)
	}

	kind := ledger.KindOf(err)
	writeJSON(w, status, ErrorResponse{Error: string(kind), Message: ledger.Message(err)})
}
