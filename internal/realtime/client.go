package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"mindmesh/api/internal/logger"
	"mindmesh/api/internal/sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection of one user inside one map.
type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	MapID    string
	UserID   string
	Username string
	Send     chan []byte

	// done stops writePump on teardown. Send is never closed: Dispatch may
	// hold a snapshot of this client after the hub has dropped it, and a send
	// into the buffered channel must stay safe at any point.
	done chan struct{}

	room *sync.Room
}

// ServeWs upgrades the connection and registers the client with the hub. The
// caller has already authenticated the user and verified map membership.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, mapID, userID, username string) {
	room, err := hub.manager.Open(r.Context(), mapID)
	if err != nil {
		logger.Sugar.Warnf("realtime: open map %s: %v", mapID, err)
		http.Error(w, "map not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Errorf("realtime: upgrade: %v", err)
		// Open took a reference on the room; give it back so a failed
		// upgrade does not strand an empty room in the manager.
		hub.manager.Release(mapID, userID)
		return
	}

	client := &Client{
		Hub:      hub,
		Conn:     conn,
		MapID:    mapID,
		UserID:   userID,
		Username: username,
		Send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		room:     room,
	}

	client.Hub.Register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Warnf("realtime: read from %s: %v", c.UserID, err)
			}
			break
		}

		var msg Inbound
		if err := json.Unmarshal(rawMessage, &msg); err != nil {
			logger.Sugar.Warnf("realtime: bad message from %s: %v", c.UserID, err)
			continue
		}

		c.Hub.handleInbound(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.Send:
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
