package websocket

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestHub returns a running Hub. Deliberately does not register a
// Close cleanup: Close drains every registered client synchronously, and
// most callers here stop reading from their client side before the test
// ends, which would make that drain block forever.
func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	go hub.Run()
	return hub
}

func TestHubRegisterTracksClientCount(t *testing.T) {
	hub := newTestHub(t)
	_, server := connPair(t)

	hub.Register(server)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHubBroadcastTextReachesAllClients(t *testing.T) {
	hub := newTestHub(t)

	client1, server1 := connPair(t)
	client2, server2 := connPair(t)
	hub.Register(server1)
	hub.Register(server2)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.BroadcastText("hello all")

	got1, err := client1.ReadText()
	require.NoError(t, err)
	assert.Equal(t, "hello all", got1)

	got2, err := client2.ReadText()
	require.NoError(t, err)
	assert.Equal(t, "hello all", got2)
}

func TestHubBroadcastJSONReachesClient(t *testing.T) {
	hub := newTestHub(t)
	client, server := connPair(t)
	hub.Register(server)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	type payload struct {
		Count int `json:"count"`
	}
	require.NoError(t, hub.BroadcastJSON(payload{Count: 3}))

	var got payload
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, 3, got.Count)
}

func TestHubUnregisterClosesClientConnection(t *testing.T) {
	hub := newTestHub(t)
	client, server := connPair(t)
	hub.Register(server)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	type result struct {
		msg Message
		err error
	}
	received := make(chan result, 1)
	go func() {
		msg, err := client.Receive()
		received <- result{msg, err}
	}()

	hub.Unregister(server)

	select {
	case r := <-received:
		require.NoError(t, r.err)
		assert.Equal(t, CloseMessage, r.msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed close")
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHubCloseTearsDownAllClientsAndIsIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	go hub.Run()

	client, server := connPair(t)
	hub.Register(server)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	type result struct {
		msg Message
		err error
	}
	received := make(chan result, 1)
	go func() {
		msg, err := client.Receive()
		received <- result{msg, err}
	}()

	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close(), "second Close is a no-op, not an error")

	select {
	case r := <-received:
		require.NoError(t, r.err)
		assert.Equal(t, CloseMessage, r.msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed close")
	}
}

func TestHubOperationsAfterCloseAreNoOps(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	go hub.Run()
	require.NoError(t, hub.Close())

	assert.NotPanics(t, func() {
		hub.BroadcastText("too late")
		hub.Register(nil)
		hub.Unregister(nil)
	})
}
