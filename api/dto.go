/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for the dashboard API. Ledger entities are
  returned as-is (their JSON matches the remote store); the types here
  cover request bodies and views that only exist at the HTTP layer.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the ledger service, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

// RecordActivityRequest is the body of POST /api/users/{id}/activities.
type RecordActivityRequest struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Points      ledger.Points `json:"points"`
}

// RedeemRewardRequest is the body of POST /api/users/{id}/redemptions.
type RedeemRewardRequest struct {
	RewardID ledger.RewardID `json:"reward_id"`
}

// RedemptionStatusRequest is the body of POST /api/admin/redemptions/{id}/status.
type RedemptionStatusRequest struct {
	Status ledger.RedemptionStatus `json:"status"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// BalanceDTO is a derived balance with its components.
type BalanceDTO struct {
	UserID   ledger.UserID `json:"user_id"`
	Balance  ledger.Points `json:"balance"`
	Earned   ledger.Points `json:"earned"`
	Spent    ledger.Points `json:"spent"`
	Refunded ledger.Points `json:"refunded"`
	Cached   ledger.Points `json:"cached"`

	// Unresolved lists redemptions whose reward is missing from the catalog.
	Unresolved []ledger.RedemptionID `json:"unresolved,omitempty"`
}

// RankDTO is a user's leaderboard position ("#2 out of 5").
type RankDTO struct {
	UserID     ledger.UserID `json:"user_id"`
	Rank       int           `json:"rank"`
	TotalUsers int           `json:"total_users"`
	Points     ledger.Points `json:"points"`
}

// ReconcileDTO is returned by a manual reconcile.
type ReconcileDTO struct {
	Run      ledger.ReconcileRun `json:"run"`
	Diverged bool                `json:"diverged"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every error reply. Error is a stable
// machine-readable kind; Message is safe to show to an end user.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
