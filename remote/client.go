/*
client.go - HTTP client for the remote store

PURPOSE:
  The remote store is the system of record. It exposes one JSON collection
  per entity and accepts new activities and redemptions by POST. Client
  implements ledger.Remote over that contract.

ENDPOINTS:
  GET  /users, /activities, /rewards, /redemptions
  POST /activities, /redemptions   (201 + created entity)

Every POST carries the draft's Idempotency-Key header. The synchronizer
reuses the key when it retries a submission, so a remote that honors it
returns the entity it created the first time instead of a duplicate.

SEE ALSO:
  - ledger/sync.go: Synchronizer (timeouts, confirmation checks)
  - api/remote.go: In-process emulation of the same contract
*/
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/warp/points-ledger/ledger"
)

// IdempotencyHeader is sent with every submission.
const IdempotencyHeader = "Idempotency-Key"

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// StatusError is returned when the remote answers with an unexpected status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

// StatusCode returns the HTTP status the remote answered with.
func (e *StatusError) StatusCode() int { return e.Code }

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client talks to the remote store.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ ledger.Remote = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient returns a client for the remote rooted at baseURL. Deadlines
// come from the caller's context; the http.Client timeout is only a backstop.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) FetchUsers(ctx context.Context) ([]ledger.User, error) {
	var out []ledger.User
	return out, c.get(ctx, "/users", &out)
}

func (c *Client) FetchActivities(ctx context.Context) ([]ledger.Activity, error) {
	var out []ledger.Activity
	return out, c.get(ctx, "/activities", &out)
}

func (c *Client) FetchRewards(ctx context.Context) ([]ledger.Reward, error) {
	var out []ledger.Reward
	return out, c.get(ctx, "/rewards", &out)
}

func (c *Client) FetchRedemptions(ctx context.Context) ([]ledger.Redemption, error) {
	var out []ledger.Redemption
	return out, c.get(ctx, "/redemptions", &out)
}

// =============================================================================
// SUBMISSIONS
// =============================================================================

// activityDraft is the POST body: the remote assigns the id.
type activityDraft struct {
	UserID      ledger.UserID         `json:"userId"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Points      ledger.Points         `json:"points"`
	Timestamp   time.Time             `json:"timestamp"`
	Status      ledger.ActivityStatus `json:"status"`
}

type redemptionDraft struct {
	UserID    ledger.UserID           `json:"userId"`
	RewardID  ledger.RewardID         `json:"rewardId"`
	Timestamp time.Time               `json:"timestamp"`
	Status    ledger.RedemptionStatus `json:"status"`
}

func (c *Client) CreateActivity(ctx context.Context, a ledger.Activity, idempotencyKey string) (ledger.Activity, error) {
	body := activityDraft{
		UserID:      a.UserID,
		Title:       a.Title,
		Description: a.Description,
		Points:      a.Points,
		Timestamp:   a.Timestamp,
		Status:      a.Status,
	}
	var out ledger.Activity
	return out, c.post(ctx, "/activities", idempotencyKey, body, &out)
}

func (c *Client) CreateRedemption(ctx context.Context, r ledger.Redemption, idempotencyKey string) (ledger.Redemption, error) {
	body := redemptionDraft{
		UserID:    r.UserID,
		RewardID:  r.RewardID,
		Timestamp: r.Timestamp,
		Status:    r.Status,
	}
	var out ledger.Redemption
	return out, c.post(ctx, "/redemptions", idempotencyKey, body, &out)
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, http.StatusOK, dst)
}

func (c *Client) post(ctx context.Context, path, key string, body, dst any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	return c.do(req, http.StatusCreated, dst)
}

func (c *Client) do(req *http.Request, want int, dst any) error {
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: req.Method,
			Path:   req.URL.Path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
