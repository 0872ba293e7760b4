package live

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/ledger"
)

// mockClient creates a client with a send channel but no connection.
func mockClient(hub *Hub) *client {
	return &client{hub: hub, send: make(chan []byte, sendBufferSize)}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(nil)
	c1, c2 := mockClient(hub), mockClient(hub)

	hub.register(c1)
	hub.register(c2)
	assert.Equal(t, 2, hub.ClientCount())

	hub.unregister(c1)
	hub.unregister(c1) // second unregister is a no-op
	assert.Equal(t, 1, hub.ClientCount())

	hub.unregister(c2)
	assert.Zero(t, hub.ClientCount())
}

func TestHub_Invalidate(t *testing.T) {
	hub := NewHub(nil)
	c1, c2 := mockClient(hub), mockClient(hub)
	hub.register(c1)
	hub.register(c2)
	defer hub.unregister(c1)
	defer hub.unregister(c2)

	hub.Invalidate(ledger.Invalidation{
		Topics: []ledger.Topic{ledger.TopicBalances, ledger.TopicLeaderboard},
		UserID: "1",
	})

	for _, c := range []*client{c1, c2} {
		select {
		case data := <-c.send:
			var got Message
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, "invalidate", got.Type)
			assert.Equal(t, []ledger.Topic{ledger.TopicBalances, ledger.TopicLeaderboard}, got.Topics)
			assert.Equal(t, ledger.UserID("1"), got.UserID)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for message")
		}
	}
}

func TestHub_FullBufferDrops(t *testing.T) {
	// GIVEN: A subscriber that never reads
	// WHEN: More invalidations arrive than its buffer holds
	// THEN: The extra ones are dropped without blocking

	hub := NewHub(nil)
	c := mockClient(hub)
	hub.register(c)
	defer hub.unregister(c)

	for range sendBufferSize + 3 {
		hub.Invalidate(ledger.Invalidation{Topics: []ledger.Topic{ledger.TopicAll}})
	}
	assert.Len(t, c.send, sendBufferSize)
}

func TestHub_ConcurrentAccess(t *testing.T) {
	hub := NewHub(nil)
	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub)
			hub.register(c)
			hub.Invalidate(ledger.Invalidation{Topics: []ledger.Topic{ledger.TopicActivities}})
			hub.unregister(c)
		}()
	}
	wg.Wait()

	assert.Zero(t, hub.ClientCount())
}

func TestHub_ServeHTTP_StreamsInvalidations(t *testing.T) {
	// GIVEN: A browser connected over WebSocket
	// WHEN: A mutation is committed
	// THEN: The browser receives the invalidation and is unregistered on close

	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Invalidate(ledger.Invalidation{Topics: []ledger.Topic{ledger.TopicRedemptions}, UserID: "2"})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, []ledger.Topic{ledger.TopicRedemptions}, got.Topics)
	assert.Equal(t, ledger.UserID("2"), got.UserID)

	require.NoError(t, conn.Close(ws.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
