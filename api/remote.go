/*
remote.go - In-process emulation of the remote store

PURPOSE:
  The ledger treats a remote JSON store as its system of record. For
  development, demos and end-to-end tests this router serves the same
  contract from a local EventStore, so the whole stack runs without an
  external service.

ENDPOINTS (json-server compatible):
  GET  /users, /activities, /rewards, /redemptions
  POST /activities, /redemptions   (201 + created entity)

IDS:
  Created entities get prefixed TypeIDs ("act_...", "red_...").

IDEMPOTENCY:
  A POST carrying an Idempotency-Key already seen returns the entity
  created the first time instead of creating another one.

CACHED POINTS:
  Like the real store, every user carries a points field. It is rederived
  with the configured denial policy after each create, status change and
  Load, so reconciliation sees agreeing balances.

STATUS CHANGES:
  Approvals and denials made in the dashboard are confirmed here first
  (SetRedemptionStatus), then applied to the local ledger.

SEE ALSO:
  - remote/client.go: The client side of this contract
  - scenarios.go: Seeds for the backing store
*/
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/points-ledger/id"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/remote"
)

// RemoteServer serves the remote store contract from an EventStore.
type RemoteServer struct {
	store  ledger.EventStore
	logger *slog.Logger
	now    func() time.Time
	policy ledger.DenialPolicy

	mu   sync.Mutex
	seen map[string]any // idempotency key -> created entity
}

// RemoteOption configures a RemoteServer.
type RemoteOption func(*RemoteServer)

// WithRemotePolicy sets the denial policy used to derive users' points.
func WithRemotePolicy(p ledger.DenialPolicy) RemoteOption {
	return func(s *RemoteServer) {
		if p.Valid() {
			s.policy = p
		}
	}
}

// NewRemoteServer creates a remote emulation over store.
func NewRemoteServer(store ledger.EventStore, logger *slog.Logger, opts ...RemoteOption) *RemoteServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &RemoteServer{
		store:  store,
		logger: logger,
		now:    time.Now,
		policy: ledger.RefundOnDenial,
		seen:   make(map[string]any),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRemoteRouter returns the HTTP router for a remote emulation over store.
func NewRemoteRouter(store ledger.EventStore, logger *slog.Logger) *chi.Mux {
	return NewRemoteServer(store, logger).Router()
}

// Router returns the HTTP routes of the emulated remote.
func (s *RemoteServer) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/users", listCollection(s, ledger.EventStore.Users))
	r.Get("/rewards", listCollection(s, ledger.EventStore.Rewards))
	r.Get("/activities", listCollection(s, ledger.EventStore.Activities))
	r.Get("/redemptions", listCollection(s, ledger.EventStore.Redemptions))
	r.Post("/activities", s.createActivity)
	r.Post("/redemptions", s.createRedemption)
	return r
}

// Load replaces the backing store with snap and forgets idempotency keys.
// Users' points are rederived from snap's events.
func (s *RemoteServer) Load(ctx context.Context, snap ledger.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Users = ledger.DeriveAll(snap, s.policy)
	if err := s.store.Replace(ctx, snap); err != nil {
		return fmt.Errorf("load remote state: %w", err)
	}
	s.seen = make(map[string]any)
	return nil
}

func listCollection[T any](s *RemoteServer, list func(ledger.EventStore, context.Context) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := list(s.store, r.Context())
		if err != nil {
			s.logger.Error("remote: list failed", "path", r.URL.Path, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(items))
	}
}

func (s *RemoteServer) createActivity(w http.ResponseWriter, r *http.Request) {
	var a ledger.Activity
	if err := decodeBody(r, &a); err != nil || a.UserID == "" {
		http.Error(w, "invalid activity", http.StatusBadRequest)
		return
	}
	key := r.Header.Get(remote.IdempotencyHeader)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.seen[key]; ok && key != "" {
		writeJSON(w, http.StatusCreated, prev)
		return
	}

	a.ID = ledger.ActivityID(id.New(id.PrefixActivity))
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now().UTC()
	}
	if a.Status == "" {
		a.Status = ledger.ActivityCompleted
	}
	if err := s.store.AppendActivity(r.Context(), a); err != nil {
		s.logger.Error("remote: append activity", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.refreshPoints(r.Context(), a.UserID)
	if key != "" {
		s.seen[key] = a
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *RemoteServer) createRedemption(w http.ResponseWriter, r *http.Request) {
	var red ledger.Redemption
	if err := decodeBody(r, &red); err != nil || red.UserID == "" || red.RewardID == "" {
		http.Error(w, "invalid redemption", http.StatusBadRequest)
		return
	}
	key := r.Header.Get(remote.IdempotencyHeader)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.seen[key]; ok && key != "" {
		writeJSON(w, http.StatusCreated, prev)
		return
	}

	red.ID = ledger.RedemptionID(id.New(id.PrefixRedemption))
	if red.Timestamp.IsZero() {
		red.Timestamp = s.now().UTC()
	}
	if red.Status == "" {
		red.Status = ledger.RedemptionPending
	}
	if err := s.store.AppendRedemption(r.Context(), red); err != nil {
		s.logger.Error("remote: append redemption", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.refreshPoints(r.Context(), red.UserID)
	if key != "" {
		s.seen[key] = red
	}
	writeJSON(w, http.StatusCreated, red)
}

// SetRedemptionStatus approves or denies a pending redemption at the
// remote. It fails with the same error kinds as the ledger service.
func (s *RemoteServer) SetRedemptionStatus(ctx context.Context, redemptionID ledger.RedemptionID, status ledger.RedemptionStatus) (ledger.Redemption, error) {
	if !status.IsTerminal() {
		return ledger.Redemption{}, &ledger.ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not approved or denied", status)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	red, err := s.store.Redemption(ctx, redemptionID)
	if err != nil {
		return ledger.Redemption{}, err
	}
	if !red.Status.CanTransition(status) {
		return ledger.Redemption{}, &ledger.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot change from %s to %s", red.Status, status),
		}
	}
	if err := s.store.SetRedemptionStatus(ctx, redemptionID, status); err != nil {
		return ledger.Redemption{}, fmt.Errorf("remote: set status of redemption %s: %w", redemptionID, err)
	}
	s.refreshPoints(ctx, red.UserID)

	red.Status = status
	s.logger.Info("remote: redemption status changed", "redemption_id", redemptionID, "status", status)
	return red, nil
}

// refreshPoints rederives userID's cached points. Callers hold s.mu. A
// failure only leaves the cache stale, so it is logged.
func (s *RemoteServer) refreshPoints(ctx context.Context, userID ledger.UserID) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		s.logger.Error("remote: read state for points", "user_id", userID, "error", err)
		return
	}
	acts, reds := snap.UserEvents(userID)
	points := ledger.ComputeBalance(userID, acts, reds, snap.Rewards, s.policy)
	if err := s.store.SetUserPoints(ctx, userID, points); err != nil && !ledger.IsNotFound(err) {
		s.logger.Error("remote: update user points", "user_id", userID, "error", err)
	}
}
