// Package realtime is the websocket transport for open maps: it upgrades
// connections, fans room events out to every participant, and feeds client
// messages into the synchronization rooms.
package realtime

import (
	"context"
	"encoding/json"
	stdsync "sync"

	"mindmesh/api/internal/logger"
	"mindmesh/api/internal/sync"
)

// Inbound is a message read from a client connection. Type selects which of
// the optional fields are read.
type Inbound struct {
	Type       string         `json:"type"`
	Mutation   *sync.Mutation `json:"mutation,omitempty"`
	X          float64        `json:"x,omitempty"`
	Y          float64        `json:"y,omitempty"`
	ShowOwn    *bool          `json:"showOwn,omitempty"`
	ShowOthers *bool          `json:"showOthers,omitempty"`
	NodeID     string         `json:"nodeId,omitempty"`
	Text       string         `json:"text,omitempty"`
}

const (
	inMutation    = "mutation"
	inCursor      = "cursor"
	inCursorPrefs = "cursor_prefs"
	inEditBegin   = "edit_begin"
	inEditInput   = "edit_input"
	inEditCommit  = "edit_commit"
	inEditCancel  = "edit_cancel"
)

// Hub tracks which connections are in which map and routes room events to
// them. Room state itself lives in the sync manager; the hub is transport.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	mu    stdsync.Mutex
	rooms map[string]map[*Client]bool

	manager *sync.Manager
	bridge  *Bridge
}

func NewHub(manager *sync.Manager) *Hub {
	h := &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		rooms:      make(map[string]map[*Client]bool),
		manager:    manager,
	}
	manager.SetBroadcast(h.Dispatch)
	return h
}

// SetBridge wires the cross-instance fan-out. Optional; single-instance
// deployments run without it.
func (h *Hub) SetBridge(b *Bridge) {
	h.bridge = b
}

// Run processes register/unregister events. Start once, in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			if h.rooms[client.MapID] == nil {
				h.rooms[client.MapID] = make(map[*Client]bool)
			}
			h.rooms[client.MapID][client] = true
			h.mu.Unlock()

			client.room.Join(client.UserID, client.Username)

			// Seed the new connection with the full current state directly,
			// before any broadcast can race ahead of it.
			doc := client.room.Document()
			h.sendTo(client, sync.Event{Type: sync.EventUpdate, MapID: client.MapID, Doc: doc, Version: doc.Version})

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.rooms[client.MapID][client]; ok {
				delete(h.rooms[client.MapID], client)
				if len(h.rooms[client.MapID]) == 0 {
					delete(h.rooms, client.MapID)
				}
				close(client.done)
			}
			h.mu.Unlock()

			h.manager.Release(client.MapID, client.UserID)
		}
	}
}

// Dispatch fans a room event out to the connections in that map. Cursor
// events honor each viewer's visibility preference; updates skip the editor
// who already applied the change optimistically.
func (h *Hub) Dispatch(evt sync.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		logger.Sugar.Errorf("realtime: marshal event: %v", err)
		return
	}

	room, _ := h.manager.Peek(evt.MapID)

	h.mu.Lock()
	targets := make([]*Client, 0, len(h.rooms[evt.MapID]))
	for client := range h.rooms[evt.MapID] {
		switch evt.Type {
		case sync.EventCursor:
			if room != nil && !room.WantsCursorFrom(client.UserID, evt.From) {
				continue
			}
		case sync.EventUpdate:
			if evt.From != "" && evt.From == client.UserID {
				continue
			}
		}
		targets = append(targets, client)
	}
	h.mu.Unlock()

	for _, client := range targets {
		select {
		case client.Send <- payload:
		default:
			// Slow client: drop it so the hub never blocks.
			logger.Sugar.Warnf("realtime: send buffer full for user %s, disconnecting", client.UserID)
			client.Conn.Close()
		}
	}

	if evt.Type == sync.EventSaved && h.bridge != nil && room != nil {
		h.bridge.Publish(context.Background(), room.Document())
	}
}

func (h *Hub) sendTo(client *Client, evt sync.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		logger.Sugar.Errorf("realtime: marshal event: %v", err)
		return
	}
	select {
	case client.Send <- payload:
	default:
		client.Conn.Close()
	}
}

// handleInbound applies one client message to the room.
func (h *Hub) handleInbound(client *Client, msg Inbound) {
	room := client.room
	switch msg.Type {
	case inMutation:
		if msg.Mutation == nil {
			return
		}
		if err := room.ApplyLocalMutation(client.UserID, *msg.Mutation); err != nil {
			logger.Sugar.Warnf("realtime: mutation from %s rejected: %v", client.UserID, err)
		}
	case inCursor:
		room.Cursor(client.UserID, msg.X, msg.Y)
	case inCursorPrefs:
		showOwn, showOthers := true, true
		if msg.ShowOwn != nil {
			showOwn = *msg.ShowOwn
		}
		if msg.ShowOthers != nil {
			showOthers = *msg.ShowOthers
		}
		room.SetCursorPrefs(client.UserID, showOwn, showOthers)
	case inEditBegin:
		if err := room.BeginEdit(client.UserID, msg.NodeID); err != nil {
			logger.Sugar.Warnf("realtime: edit begin from %s rejected: %v", client.UserID, err)
		}
	case inEditInput:
		if err := room.EditInput(client.UserID, msg.Text); err != nil {
			logger.Sugar.Warnf("realtime: edit input from %s rejected: %v", client.UserID, err)
		}
	case inEditCommit:
		if err := room.CommitEdit(client.UserID); err != nil {
			logger.Sugar.Warnf("realtime: edit commit from %s rejected: %v", client.UserID, err)
		}
	case inEditCancel:
		room.CancelEdit(client.UserID)
	default:
		logger.Sugar.Warnf("realtime: unknown message type %q from %s", msg.Type, client.UserID)
	}
}
