package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/id"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/ledger/store"
	"github.com/warp/points-ledger/remote"
)

func postRemote(t *testing.T, h http.Handler, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(remote.IdempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRemote_ListCollections(t *testing.T) {
	router := NewRemoteRouter(store.NewMemoryFrom(fixture()), nil)

	for path, n := range map[string]int{"/users": 2, "/rewards": 3, "/activities": 2, "/redemptions": 0} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Len(t, decode[[]map[string]any](t, rec), n, path)
	}
}

func TestRemote_CreateActivity_AssignsID(t *testing.T) {
	mem := store.NewMemoryFrom(fixture())
	router := NewRemoteRouter(mem, nil)

	rec := postRemote(t, router, "/activities", "", `{"userId":1,"title":"Run","description":"5k","points":25,"timestamp":"2025-04-02T09:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	a := decode[ledger.Activity](t, rec)
	assert.True(t, id.HasPrefix(string(a.ID), id.PrefixActivity))
	assert.Equal(t, ledger.UserID("1"), a.UserID)
	assert.Equal(t, ledger.ActivityCompleted, a.Status)

	acts, err := mem.Activities(context.Background())
	require.NoError(t, err)
	assert.Len(t, acts, 3)
}

func TestRemote_CreateRedemption_Idempotent(t *testing.T) {
	// GIVEN: A redemption submitted with an idempotency key
	// WHEN: The same submission is replayed
	// THEN: The first entity is returned and nothing new is stored

	mem := store.NewMemoryFrom(fixture())
	router := NewRemoteRouter(mem, nil)
	body := `{"userId":"1","rewardId":"r1"}`

	first := decode[ledger.Redemption](t, postRemote(t, router, "/redemptions", "k-1", body))
	again := decode[ledger.Redemption](t, postRemote(t, router, "/redemptions", "k-1", body))
	other := decode[ledger.Redemption](t, postRemote(t, router, "/redemptions", "k-2", body))

	assert.Equal(t, first.ID, again.ID)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, ledger.RedemptionPending, first.Status)
	assert.False(t, first.Timestamp.IsZero())

	reds, err := mem.Redemptions(context.Background())
	require.NoError(t, err)
	assert.Len(t, reds, 2)
}

func TestRemote_RejectsIncompleteBodies(t *testing.T) {
	router := NewRemoteRouter(store.NewMemoryFrom(fixture()), nil)

	assert.Equal(t, http.StatusBadRequest, postRemote(t, router, "/activities", "", `{"title":"no user"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postRemote(t, router, "/redemptions", "", `{"userId":"1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postRemote(t, router, "/redemptions", "", `not json`).Code)
}

func TestRemote_LoadResetsKeys(t *testing.T) {
	mem := store.NewMemoryFrom(fixture())
	srv := NewRemoteServer(mem, nil)
	router := srv.Router()
	body := `{"userId":"1","rewardId":"r1"}`

	first := decode[ledger.Redemption](t, postRemote(t, router, "/redemptions", "k-1", body))
	require.NoError(t, srv.Load(context.Background(), fixture()))
	second := decode[ledger.Redemption](t, postRemote(t, router, "/redemptions", "k-1", body))

	assert.NotEqual(t, first.ID, second.ID)
}

func TestRemote_Load_DerivesUserPoints(t *testing.T) {
	mem := store.NewMemory()
	srv := NewRemoteServer(mem, nil)

	require.NoError(t, srv.Load(context.Background(), fixture()))

	alice, err := mem.User(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(120), alice.Points)
}

func TestRemote_Create_RefreshesUserPoints(t *testing.T) {
	mem := store.NewMemory()
	srv := NewRemoteServer(mem, nil)
	require.NoError(t, srv.Load(context.Background(), fixture()))
	router := srv.Router()

	require.Equal(t, http.StatusCreated, postRemote(t, router, "/activities", "", `{"userId":"1","title":"Run","description":"5k","points":25,"timestamp":"2025-04-02T09:00:00Z"}`).Code)
	require.Equal(t, http.StatusCreated, postRemote(t, router, "/redemptions", "", `{"userId":"1","rewardId":"r1"}`).Code)

	alice, err := mem.User(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(45), alice.Points)
}

func TestRemote_SetRedemptionStatus(t *testing.T) {
	tests := []struct {
		name       string
		policy     ledger.DenialPolicy
		status     ledger.RedemptionStatus
		wantPoints ledger.Points
	}{
		{"deny refunds", ledger.RefundOnDenial, ledger.RedemptionDenied, 120},
		{"deny keeps cost", ledger.KeepOnDenial, ledger.RedemptionDenied, 20},
		{"approve", ledger.RefundOnDenial, ledger.RedemptionApproved, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mem := store.NewMemory()
			srv := NewRemoteServer(mem, nil, WithRemotePolicy(tt.policy))
			require.NoError(t, srv.Load(ctx, fixture()))
			red := decode[ledger.Redemption](t, postRemote(t, srv.Router(), "/redemptions", "", `{"userId":"1","rewardId":"r1"}`))

			got, err := srv.SetRedemptionStatus(ctx, red.ID, tt.status)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)

			stored, err := mem.Redemption(ctx, red.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, stored.Status)
			alice, err := mem.User(ctx, "1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantPoints, alice.Points)
		})
	}
}

func TestRemote_SetRedemptionStatus_Rejects(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	srv := NewRemoteServer(mem, nil)
	require.NoError(t, srv.Load(ctx, fixture()))
	red := decode[ledger.Redemption](t, postRemote(t, srv.Router(), "/redemptions", "", `{"userId":"1","rewardId":"r1"}`))

	_, err := srv.SetRedemptionStatus(ctx, red.ID, ledger.RedemptionPending)
	assert.True(t, ledger.IsClientError(err), "%v", err)

	_, err = srv.SetRedemptionStatus(ctx, red.ID, ledger.RedemptionDenied)
	require.NoError(t, err)
	_, err = srv.SetRedemptionStatus(ctx, red.ID, ledger.RedemptionApproved)
	assert.True(t, ledger.IsClientError(err), "%v", err)

	_, err = srv.SetRedemptionStatus(ctx, "rdm_missing", ledger.RedemptionDenied)
	assert.True(t, ledger.IsNotFound(err), "%v", err)
}
