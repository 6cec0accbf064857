package websocket

import (
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahump20/blaze-intelligence-sub001/internal/connector"
)

// fakeConn is a mock connection for testing without a network.
type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) ReadMessage() (int, []byte, error) { select {} }
func (f *fakeConn) WriteMessage(int, []byte) error    { return nil }
func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeCache struct {
	entries map[string]connector.Entry
	known   map[string]bool
}

func newFakeCache(sources ...string) *fakeCache {
	known := make(map[string]bool, len(sources))
	for _, s := range sources {
		known[s] = true
	}
	return &fakeCache{entries: make(map[string]connector.Entry), known: known}
}

func (f *fakeCache) set(key string, payload string) {
	f.entries[key] = connector.Entry{
		Key:       key,
		Payload:   json.RawMessage(payload),
		FetchedAt: time.Now(),
		TTL:       30 * time.Second,
	}
}

func (f *fakeCache) Get(key string) (connector.Entry, error) {
	if entry, ok := f.entries[key]; ok {
		return entry, nil
	}
	if f.known[key] {
		return connector.Entry{}, connector.ErrNotYetFetched
	}
	return connector.Entry{}, connector.ErrUnknownSource
}

func (f *fakeCache) Sources() []string {
	keys := make([]string, 0, len(f.known))
	for key := range f.known {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func newTestHub(cache SourceCache) *Hub {
	if cache == nil {
		cache = newFakeCache()
	}
	return NewHub(cache, 30*time.Second)
}

func newTestClient(hub *Hub) *Client {
	return newClient(hub, &fakeConn{})
}

// drainEnvelopes reads everything currently buffered for the client.
func drainEnvelopes(t *testing.T, c *Client) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var env Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func envelopeTypes(envelopes []Envelope) []MessageType {
	types := make([]MessageType, len(envelopes))
	for i, env := range envelopes {
		types[i] = env.Type
	}
	return types
}

func TestRegisterAutoJoinsDefaultRoom(t *testing.T) {
	hub := newTestHub(nil)
	client := newTestClient(hub)

	hub.registerClient(client)

	assert.Equal(t, 1, hub.ClientCount())
	assert.True(t, client.inRoom(DefaultRoom))
	assert.Equal(t, 1, hub.RoomMembers(DefaultRoom))
	assert.Equal(t, int64(1), hub.Metrics().GetSnapshot().Connections)

	types := envelopeTypes(drainEnvelopes(t, client))
	assert.Equal(t, []MessageType{MessageTypeWelcome, MessageTypeRoomJoined}, types)
}

func TestJoinRoomIdempotent(t *testing.T) {
	hub := newTestHub(nil)
	client := newTestClient(hub)
	hub.registerClient(client)

	hub.joinRoom(client, "mlb")
	hub.joinRoom(client, "mlb")

	assert.Equal(t, 1, hub.RoomMembers("mlb"))
	assert.True(t, client.inRoom("mlb"))
}

func TestLeaveRoomIdempotent(t *testing.T) {
	hub := newTestHub(nil)
	client := newTestClient(hub)
	hub.registerClient(client)

	// Leaving a room that was never joined is a no-op, not an error.
	hub.leaveRoom(client, "mlb")
	assert.Equal(t, 0, hub.RoomMembers("mlb"))

	hub.joinRoom(client, "mlb")
	hub.leaveRoom(client, "mlb")
	hub.leaveRoom(client, "mlb")

	assert.False(t, client.inRoom("mlb"))
	assert.Equal(t, 0, hub.RoomMembers("mlb"))
}

func TestLastMemberLeavingRemovesRoom(t *testing.T) {
	hub := newTestHub(nil)
	a := newTestClient(hub)
	b := newTestClient(hub)
	hub.registerClient(a)
	hub.registerClient(b)

	hub.joinRoom(a, "nfl")
	hub.joinRoom(b, "nfl")
	require.Equal(t, 2, hub.RoomMembers("nfl"))

	hub.leaveRoom(a, "nfl")
	assert.Equal(t, 1, hub.RoomMembers("nfl"))

	hub.leaveRoom(b, "nfl")

	hub.mu.RLock()
	_, exists := hub.rooms["nfl"]
	hub.mu.RUnlock()
	assert.False(t, exists, "empty room should be garbage-collected")
}

func TestJoinSourceRoomPushesSnapshot(t *testing.T) {
	cache := newFakeCache("mlb")
	cache.set("mlb", `{"games":2}`)

	hub := newTestHub(cache)
	client := newTestClient(hub)
	hub.registerClient(client)
	drainEnvelopes(t, client)

	hub.joinRoom(client, "mlb")

	envelopes := drainEnvelopes(t, client)
	require.Len(t, envelopes, 2)
	assert.Equal(t, MessageTypeRoomJoined, envelopes[0].Type)
	assert.Equal(t, UpdateType("mlb"), envelopes[1].Type)
}

func TestBroadcastScopedToRoom(t *testing.T) {
	hub := newTestHub(nil)
	a := newTestClient(hub)
	b := newTestClient(hub)
	hub.registerClient(a)
	hub.registerClient(b)
	hub.joinRoom(a, "mlb")
	drainEnvelopes(t, a)
	drainEnvelopes(t, b)

	hub.broadcastToRoom("mlb", NewUpdateEnvelope("mlb", json.RawMessage(`{"inning":4}`)))

	aTypes := envelopeTypes(drainEnvelopes(t, a))
	assert.Equal(t, []MessageType{UpdateType("mlb")}, aTypes)
	assert.Empty(t, drainEnvelopes(t, b), "non-member must not receive the broadcast")

	// Both clients sit in the default room.
	hub.broadcastToRoom(DefaultRoom, NewUpdateEnvelope(DefaultRoom, json.RawMessage(`{}`)))
	assert.Len(t, drainEnvelopes(t, a), 1)
	assert.Len(t, drainEnvelopes(t, b), 1)
}

func TestFailedSendIsIsolatedAndPruned(t *testing.T) {
	hub := newTestHub(nil)
	healthy := newTestClient(hub)
	dead := newTestClient(hub)
	hub.registerClient(healthy)
	hub.registerClient(dead)
	hub.joinRoom(healthy, "nba")
	hub.joinRoom(dead, "nba")
	drainEnvelopes(t, healthy)

	// Simulate a half-open socket: sends to this client fail.
	dead.close()

	hub.broadcastToRoom("nba", NewUpdateEnvelope("nba", json.RawMessage(`{"q":3}`)))

	assert.Equal(t, []MessageType{UpdateType("nba")}, envelopeTypes(drainEnvelopes(t, healthy)))
	assert.Equal(t, 1, hub.ClientCount(), "failed client is unregistered in the same pass")
	assert.Equal(t, 1, hub.RoomMembers("nba"))
	assert.GreaterOrEqual(t, hub.Metrics().GetSnapshot().Errors, uint64(1))
}

func TestHeartbeatReaping(t *testing.T) {
	hub := newTestHub(nil)
	fresh := newTestClient(hub)
	stale := newTestClient(hub)
	hub.registerClient(fresh)
	hub.registerClient(stale)
	hub.joinRoom(stale, "mlb")
	require.Equal(t, 2, hub.ClientCount())

	stale.lastPing.Store(time.Now().Add(-3 * hub.heartbeatInterval).UnixNano())

	hub.reapStaleClients()

	assert.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, 0, hub.RoomMembers("mlb"))
	assert.True(t, stale.isClosed())
	assert.False(t, fresh.isClosed())
	assert.Equal(t, int64(1), hub.Metrics().GetSnapshot().Connections)
}

func TestUnregisterTwiceIsNoop(t *testing.T) {
	hub := newTestHub(nil)
	client := newTestClient(hub)
	hub.registerClient(client)

	hub.unregisterClient(client)
	hub.unregisterClient(client)

	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, int64(0), hub.Metrics().GetSnapshot().Connections)
}

func TestPingCommandUpdatesLivenessAndReplies(t *testing.T) {
	hub := newTestHub(nil)
	client := newTestClient(hub)
	hub.registerClient(client)
	drainEnvelopes(t, client)

	client.lastPing.Store(time.Now().Add(-time.Minute).UnixNano())

	sent := time.Now().Add(-25 * time.Millisecond).UnixMilli()
	hub.handleCommand(&clientCommand{
		client:   client,
		command:  &Command{Type: MessageTypePing, Timestamp: sent},
		received: time.Now(),
	})

	assert.Less(t, client.pingAge(), time.Second)

	envelopes := drainEnvelopes(t, client)
	require.Len(t, envelopes, 1)
	assert.Equal(t, MessageTypePong, envelopes[0].Type)

	data, ok := envelopes[0].Data.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, sent, data["timestamp"])
}

func TestUnrecognizedCommandRepliesErrorWithoutDisconnect(t *testing.T) {
	hub := newTestHub(nil)
	client := newTestClient(hub)
	hub.registerClient(client)
	drainEnvelopes(t, client)

	hub.handleCommand(&clientCommand{
		client:   client,
		command:  &Command{Type: "DANCE"},
		received: time.Now(),
	})

	envelopes := drainEnvelopes(t, client)
	require.Len(t, envelopes, 1)
	assert.Equal(t, MessageTypeError, envelopes[0].Type)
	assert.Equal(t, 1, hub.ClientCount(), "protocol errors keep the connection open")
}

func TestPullCommand(t *testing.T) {
	cache := newFakeCache("mlb", "nfl")
	cache.set("mlb", `{"score":"3-1"}`)

	hub := newTestHub(cache)
	client := newTestClient(hub)
	hub.registerClient(client)
	drainEnvelopes(t, client)

	hub.handleCommand(&clientCommand{client: client, command: &Command{Type: "GET_MLB"}, received: time.Now()})
	hub.handleCommand(&clientCommand{client: client, command: &Command{Type: "GET_NFL"}, received: time.Now()})
	hub.handleCommand(&clientCommand{client: client, command: &Command{Type: "GET_CHESS"}, received: time.Now()})

	types := envelopeTypes(drainEnvelopes(t, client))
	assert.Equal(t, []MessageType{UpdateType("mlb"), MessageTypeError, MessageTypeError}, types)
}

func TestSubscribeNotifications(t *testing.T) {
	hub := newTestHub(nil)
	client := newTestClient(hub)
	hub.registerClient(client)
	drainEnvelopes(t, client)

	hub.handleCommand(&clientCommand{
		client:   client,
		command:  &Command{Type: MessageTypeSubscribeNotifications, Types: []string{"injury", "trade"}},
		received: time.Now(),
	})

	client.mu.RLock()
	subscribed := client.notifications
	client.mu.RUnlock()
	assert.True(t, subscribed["injury"])
	assert.True(t, subscribed["trade"])

	envelopes := drainEnvelopes(t, client)
	require.Len(t, envelopes, 1)
	assert.Equal(t, MessageTypeNotificationsSubscribed, envelopes[0].Type)
}

func TestShutdownNotifiesClients(t *testing.T) {
	hub := newTestHub(nil)
	go hub.Run()

	client := newTestClient(hub)
	hub.register <- client

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Shutdown("maintenance")

	var sawShutdown bool
	for data := range client.send {
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == MessageTypeServerShutdown {
			sawShutdown = true
		}
	}
	assert.True(t, sawShutdown)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestBroadcastSourceViaRunLoop(t *testing.T) {
	cache := newFakeCache("mlb")
	hub := newTestHub(cache)
	go hub.Run()
	defer hub.Shutdown("test over")

	client := newTestClient(hub)
	hub.register <- client
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.joinRoom(client, "mlb")
	drainEnvelopes(t, client)

	hub.BroadcastSource(connector.Event{
		Source:    "mlb",
		Payload:   json.RawMessage(`{"final":true}`),
		Timestamp: time.Now(),
	})

	require.Eventually(t, func() bool {
		for _, env := range drainEnvelopes(t, client) {
			if env.Type == UpdateType("mlb") {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
