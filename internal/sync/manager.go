package sync

import (
	"context"
	stdsync "sync"
	"time"

	"mindmesh/api/internal/logger"
)

// Manager keeps one Room per open map and tears rooms down when the last
// participant leaves. Each Open takes a reference that the matching Release
// drops; eviction is driven by that count, not by the presence roster, so a
// connection that opened the room but has not joined yet keeps it alive.
type Manager struct {
	mu    stdsync.Mutex
	rooms map[string]*Room
	refs  map[string]int

	docs           DocumentStore
	hook           PersistHook
	broadcast      func(Event)
	debounceWindow time.Duration
	cursorFPS      int
}

type ManagerOptions struct {
	Docs           DocumentStore
	Hook           PersistHook
	Broadcast      func(Event)
	DebounceWindow time.Duration
	CursorFPS      int
}

func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		rooms:          make(map[string]*Room),
		refs:           make(map[string]int),
		docs:           opts.Docs,
		hook:           opts.Hook,
		broadcast:      opts.Broadcast,
		debounceWindow: opts.DebounceWindow,
		cursorFPS:      opts.CursorFPS,
	}
}

// SetBroadcast wires the fan-out sink. Must be called before the first Open.
func (m *Manager) SetBroadcast(fn func(Event)) {
	m.broadcast = fn
}

// SetHook wires the after-persist callback. Must be called before the first
// Open; the app layer sets it once the service exists.
func (m *Manager) SetHook(hook PersistHook) {
	m.hook = hook
}

// Open returns the live room for a map, loading the document on first open.
// Every successful Open must be paired with one Release.
func (m *Manager) Open(ctx context.Context, mapID string) (*Room, error) {
	m.mu.Lock()
	if room, ok := m.rooms[mapID]; ok {
		m.refs[mapID]++
		m.mu.Unlock()
		return room, nil
	}
	m.mu.Unlock()

	// Load outside the lock; a concurrent Open for the same map may race,
	// so re-check before installing.
	room, err := Load(ctx, mapID, RoomOptions{
		Docs:           m.docs,
		Broadcast:      m.broadcast,
		Hook:           m.hook,
		DebounceWindow: m.debounceWindow,
		CursorFPS:      m.cursorFPS,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rooms[mapID]; ok {
		room.Close()
		m.refs[mapID]++
		return existing, nil
	}
	m.rooms[mapID] = room
	m.refs[mapID] = 1
	logger.Sugar.Infof("sync: opened room for map %s", mapID)
	return room, nil
}

// Peek returns the room if the map is currently open.
func (m *Manager) Peek(mapID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[mapID]
	return room, ok
}

// Release drops the reference taken by Open when a connection goes away. The
// room is flushed and removed once the last reference is gone.
func (m *Manager) Release(mapID, userID string) {
	m.mu.Lock()
	room, ok := m.rooms[mapID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.refs[mapID]--
	last := m.refs[mapID] <= 0
	if last {
		delete(m.rooms, mapID)
		delete(m.refs, mapID)
	}
	m.mu.Unlock()

	room.Leave(userID)
	if last {
		room.Close()
		logger.Sugar.Infof("sync: closed room for map %s", mapID)
	}
}

// Evict drops a room regardless of who is present, flushing pending writes.
// Used when a map is deleted.
func (m *Manager) Evict(mapID string) {
	m.mu.Lock()
	room, ok := m.rooms[mapID]
	delete(m.rooms, mapID)
	delete(m.refs, mapID)
	m.mu.Unlock()
	if ok {
		room.Close()
	}
}

// Shutdown flushes every open room. Called on process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.rooms = make(map[string]*Room)
	m.refs = make(map[string]int)
	m.mu.Unlock()

	for _, room := range rooms {
		room.Close()
	}
}
