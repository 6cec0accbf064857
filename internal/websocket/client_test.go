package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorilla/websocket"
)

// pumpConn is a scriptable connection for exercising the read and write
// pumps without a network: inbound frames are fed through a channel and
// every text frame the server writes is captured.
type pumpConn struct {
	inbound   chan []byte
	writes    chan []byte
	closeOnce sync.Once
}

func newPumpConn() *pumpConn {
	return &pumpConn{
		inbound: make(chan []byte, 4),
		writes:  make(chan []byte, 32),
	}
}

func (p *pumpConn) ReadMessage() (int, []byte, error) {
	data, ok := <-p.inbound
	if !ok {
		return 0, nil, errors.New("use of closed connection")
	}
	return websocket.TextMessage, data, nil
}

func (p *pumpConn) WriteMessage(messageType int, data []byte) error {
	if messageType == websocket.TextMessage {
		p.writes <- data
	}
	return nil
}

func (p *pumpConn) SetReadLimit(int64)                {}
func (p *pumpConn) SetReadDeadline(time.Time) error   { return nil }
func (p *pumpConn) SetWriteDeadline(time.Time) error  { return nil }
func (p *pumpConn) SetPongHandler(func(string) error) {}

func (p *pumpConn) Close() error {
	p.closeOnce.Do(func() { close(p.inbound) })
	return nil
}

// awaitWrite pulls captured frames until one matches the wanted type.
func awaitWrite(t *testing.T, conn *pumpConn, want MessageType) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-conn.writes:
			var env Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s envelope", want)
		}
	}
}

func startPumpClient(t *testing.T) (*Hub, *pumpConn, *Client) {
	t.Helper()
	hub := NewHub(newFakeCache("mlb"), time.Minute)
	go hub.Run()
	t.Cleanup(func() { hub.Shutdown("") })

	conn := newPumpConn()
	client := newClient(hub, conn)
	select {
	case hub.register <- client:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out registering client")
	}

	client.wg.Add(2)
	go client.writePump()
	go client.readPump()
	return hub, conn, client
}

func TestMalformedMessageRepliesErrorAndKeepsConnection(t *testing.T) {
	hub, conn, _ := startPumpClient(t)

	conn.inbound <- []byte("{this is not json")

	env := awaitWrite(t, conn, MessageTypeError)
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "invalid message format", data["message"])

	// The connection survives and still answers commands.
	conn.inbound <- []byte(`{"type":"PING","timestamp":1}`)
	awaitWrite(t, conn, MessageTypePong)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestUnknownMessageTypeRepliesErrorAndKeepsConnection(t *testing.T) {
	hub, conn, _ := startPumpClient(t)

	conn.inbound <- []byte(`{"type":"DANCE"}`)

	env := awaitWrite(t, conn, MessageTypeError)
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data["message"], "unrecognized message type")
	assert.Equal(t, 1, hub.ClientCount())
}

func TestReadErrorUnregistersClient(t *testing.T) {
	hub, conn, _ := startPumpClient(t)

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// Teardown from outside the hub loop must never race a concurrent send
// into a panic; losers see a disconnect error instead.
func TestConcurrentSendAndTeardown(t *testing.T) {
	for i := 0; i < 200; i++ {
		hub := newTestHub(nil)
		client := newTestClient(hub)
		hub.registerClient(client)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for s := 0; s < 4; s++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 32; j++ {
					if err := client.SendEnvelope(NewPongEnvelope(0, 0)); err != nil {
						assert.ErrorIs(t, err, ErrClientDisconnected)
					}
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			hub.unregisterClient(client)
		}()

		close(start)
		wg.Wait()

		require.ErrorIs(t, client.SendEnvelope(NewPongEnvelope(0, 0)), ErrClientDisconnected)
		assert.Equal(t, 0, hub.ClientCount())
	}
}
