package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ahump20/blaze-intelligence-sub001/internal/connector"
)

const (
	// DefaultRoom is auto-joined by every client on connect.
	DefaultRoom = "general"

	defaultHeartbeatInterval = 30 * time.Second
)

// SourceCache is the read surface of the ingestion connector the hub uses
// to answer pull requests and to push snapshots to new room joiners.
type SourceCache interface {
	Get(key string) (connector.Entry, error)
	Sources() []string
}

type clientCommand struct {
	client   *Client
	command  *Command
	received time.Time
}

type roomBroadcast struct {
	room     string
	envelope *Envelope
}

// Hub owns the client registry and room membership. All mutations go
// through the hub's own handlers; membership state is never touched by an
// external actor.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Room membership by room name
	rooms map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	commands   chan *clientCommand
	broadcasts chan *roomBroadcast

	cache   SourceCache
	metrics *Metrics

	heartbeatInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.RWMutex
}

func NewHub(cache SourceCache, heartbeatInterval time.Duration) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:           make(map[*Client]bool),
		rooms:             make(map[string]map[*Client]bool),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		commands:          make(chan *clientCommand, 64),
		broadcasts:        make(chan *roomBroadcast, 64),
		cache:             cache,
		metrics:           NewMetrics(),
		heartbeatInterval: heartbeatInterval,
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
	}
}

// Metrics returns the hub's metrics collector.
func (h *Hub) Metrics() *Metrics {
	return h.metrics
}

// Run is the hub's event loop. Membership changes, command handling,
// broadcast fan-out and heartbeat reaping are all serialized here.
func (h *Hub) Run() {
	defer close(h.done)

	reaper := time.NewTicker(h.heartbeatInterval)
	defer reaper.Stop()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case cc := <-h.commands:
			h.handleCommand(cc)

		case rb := <-h.broadcasts:
			h.broadcastToRoom(rb.room, rb.envelope)

		case <-reaper.C:
			h.reapStaleClients()

		case <-h.ctx.Done():
			slog.Info("Hub shutting down")
			return
		}
	}
}

// Shutdown notifies every connected client, then closes all connections
// and stops the loop.
func (h *Hub) Shutdown(message string) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	envelope := NewShutdownEnvelope(message)
	for _, client := range clients {
		if err := client.SendEnvelope(envelope); err != nil {
			slog.Debug("Shutdown notice failed", "clientID", client.id, "error", err)
		}
	}
	// Give the write pumps a moment to flush the notice before closing.
	time.Sleep(100 * time.Millisecond)

	for _, client := range clients {
		h.unregisterClient(client)
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		slog.Warn("Timeout waiting for hub loop to stop")
	}
}

// BroadcastSource queues a source update for fan-out to the room that
// carries the source's name. Called by the connector event handler.
func (h *Hub) BroadcastSource(event connector.Event) {
	rb := &roomBroadcast{
		room:     event.Source,
		envelope: NewUpdateEnvelope(event.Source, event.Payload),
	}
	select {
	case h.broadcasts <- rb:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the number of active connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// RoomMembers returns the member count of one room.
func (h *Hub) RoomMembers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	slog.Info("Client registered", "clientID", client.id)

	welcome := NewWelcomeEnvelope(client.id, []string{DefaultRoom}, h.cache.Sources())
	if err := client.SendEnvelope(welcome); err != nil {
		slog.Debug("Welcome delivery failed", "clientID", client.id, "error", err)
	}

	// Every new client starts out in the general feed.
	h.joinRoom(client, DefaultRoom)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)

	for room, members := range h.rooms {
		if members[client] {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	roomCount := len(h.rooms)
	h.mu.Unlock()

	client.close()
	client.closeSendChannel()
	client.conn.Close()

	h.metrics.ConnectionClosed()
	h.metrics.SetRooms(roomCount)
	slog.Info("Client unregistered", "clientID", client.id)
}

// joinRoom is idempotent; the room is created on first join.
func (h *Hub) joinRoom(client *Client, room string) {
	if client.isClosed() || room == "" {
		return
	}

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[client] = true
	memberCount := len(members)
	roomCount := len(h.rooms)
	h.mu.Unlock()

	client.addRoom(room)
	h.metrics.SetRooms(roomCount)

	if err := client.SendEnvelope(NewRoomJoinedEnvelope(room, memberCount)); err != nil {
		return
	}
	h.metrics.MessageHandled()

	// A room named after a data source doubles as its feed; hand the new
	// joiner the latest snapshot so it does not wait for the next tick.
	if entry, err := h.cache.Get(room); err == nil {
		if err := client.SendEnvelope(NewUpdateEnvelope(room, entry.Payload)); err == nil {
			h.metrics.MessageHandled()
		}
	}
}

// leaveRoom is idempotent; leaving a room that was never joined is a no-op.
// The last member leaving garbage-collects the room.
func (h *Hub) leaveRoom(client *Client, room string) {
	if room == "" {
		return
	}

	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	roomCount := len(h.rooms)
	h.mu.Unlock()

	client.removeRoom(room)
	h.metrics.SetRooms(roomCount)

	if client.isClosed() {
		return
	}
	if err := client.SendEnvelope(NewRoomLeftEnvelope(room)); err == nil {
		h.metrics.MessageHandled()
	}
}

// broadcastToRoom fans one envelope out to every current member. A member
// whose send fails is pruned in the same pass; the failure never aborts
// delivery to the rest of the room.
func (h *Hub) broadcastToRoom(room string, envelope *Envelope) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for client := range h.rooms[room] {
		members = append(members, client)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		return
	}

	var failed []*Client
	for _, client := range members {
		if err := client.SendEnvelope(envelope); err != nil {
			h.metrics.RecordError()
			failed = append(failed, client)
			continue
		}
		h.metrics.MessageHandled()
	}

	for _, client := range failed {
		slog.Debug("Pruning dead client mid-broadcast", "clientID", client.id, "room", room)
		h.unregisterClient(client)
	}
}

func (h *Hub) handleCommand(cc *clientCommand) {
	client, cmd := cc.client, cc.command
	if client.isClosed() {
		return
	}
	h.metrics.MessageHandled()

	switch cmd.Type {
	case MessageTypeJoinRoom:
		if cmd.Room == "" {
			client.sendError("room is required")
			h.metrics.RecordError()
			return
		}
		h.joinRoom(client, cmd.Room)

	case MessageTypeLeaveRoom:
		if cmd.Room == "" {
			client.sendError("room is required")
			h.metrics.RecordError()
			return
		}
		h.leaveRoom(client, cmd.Room)

	case MessageTypePing:
		client.touchPing()
		var latency time.Duration
		if cmd.Timestamp > 0 {
			latency = cc.received.Sub(time.UnixMilli(cmd.Timestamp))
			if latency < 0 {
				latency = 0
			}
			h.metrics.RecordLatency(latency)
		}
		if err := client.SendEnvelope(NewPongEnvelope(cmd.Timestamp, latency)); err != nil {
			slog.Debug("Pong delivery failed", "clientID", client.id, "error", err)
		}

	case MessageTypeSubscribeNotifications:
		client.setNotifications(cmd.Types)
		if err := client.SendEnvelope(NewNotificationsSubscribedEnvelope(cmd.Types)); err != nil {
			slog.Debug("Subscription reply failed", "clientID", client.id, "error", err)
		}

	default:
		if source, ok := cmd.Type.PullSource(); ok {
			h.handlePull(client, source)
			return
		}
		slog.Debug("Unrecognized command", "clientID", client.id, "type", cmd.Type)
		client.sendError("unrecognized message type: " + cmd.Type.String())
		h.metrics.RecordError()
	}
}

// handlePull answers GET_<SOURCE> with the connector's current entry,
// stale or not, to the requesting client only.
func (h *Hub) handlePull(client *Client, source string) {
	entry, err := h.cache.Get(source)
	switch err {
	case nil:
		if sendErr := client.SendEnvelope(NewUpdateEnvelope(source, entry.Payload)); sendErr != nil {
			slog.Debug("Pull reply failed", "clientID", client.id, "error", sendErr)
		}
	case connector.ErrNotYetFetched:
		client.sendError("no data available yet for " + source)
	default:
		client.sendError("unknown source: " + source)
		h.metrics.RecordError()
	}
}

// reapStaleClients force-disconnects every client whose last liveness
// confirmation is older than two heartbeat intervals. This is the sole
// mechanism for reclaiming half-open connections.
func (h *Hub) reapStaleClients() {
	cutoff := 2 * h.heartbeatInterval

	h.mu.RLock()
	var stale []*Client
	for client := range h.clients {
		if client.pingAge() > cutoff {
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		slog.Warn("Reaping unresponsive client", "clientID", client.id, "pingAge", client.pingAge())
		h.unregisterClient(client)
	}
}
