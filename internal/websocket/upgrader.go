package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ahump20/blaze-intelligence-sub001/internal/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return config.OriginAllowed(r.Header.Get("Origin"))
	},
}

// ServeWS upgrades an HTTP request to a WebSocket connection, registers
// the client with the hub and starts its read/write pumps.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := newClient(hub, conn)
	slog.Info("New WebSocket connection", "clientID", client.id, "remote", r.RemoteAddr)

	select {
	case hub.register <- client:
	case <-time.After(5 * time.Second):
		slog.Error("Timeout registering client", "clientID", client.id)
		conn.Close()
		return
	}

	client.wg.Add(2)
	go client.writePump()
	go client.readPump()
}
