package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"mindmesh/api/internal/mapdoc"
	"mindmesh/api/internal/sync"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDocStore struct {
	mu      stdsync.Mutex
	doc     *mapdoc.Document
	version int64
}

func (f *memDocStore) GetMap(ctx context.Context, mapID string) (*mapdoc.Document, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc == nil || f.doc.ID != mapID {
		return nil, "", errors.New("map not found")
	}
	doc := f.doc.Clone()
	doc.Version = f.version
	return doc, "usr-owner", nil
}

func (f *memDocStore) UpdateMap(ctx context.Context, doc *mapdoc.Document, expectedVersion int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version++
	f.doc = doc.Clone()
	return f.version, nil
}

func testDocument() *mapdoc.Document {
	doc := mapdoc.New("map-1", "Biology", "Cells")
	doc.Nodes = []mapdoc.Node{
		{ID: "1", Title: "Cell", Position: mapdoc.Position{X: 10, Y: 10}},
	}
	doc.Version = 1
	return doc
}

func readEvent(t *testing.T, conn *websocket.Conn) sync.Event {
	t.Helper()
	var evt sync.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err, "failed to read websocket message")
	require.NoError(t, json.Unmarshal(p, &evt), "failed to unmarshal event")
	return evt
}

// readUntil skips events until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ sync.EventType) sync.Event {
	t.Helper()
	for i := 0; i < 10; i++ {
		evt := readEvent(t, conn)
		if evt.Type == typ {
			return evt
		}
	}
	t.Fatalf("no %s event received", typ)
	return sync.Event{}
}

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	docs := &memDocStore{doc: testDocument(), version: 1}
	manager := sync.NewManager(sync.ManagerOptions{
		Docs:           docs,
		DebounceWindow: 20 * time.Millisecond,
	})
	hub := NewHub(manager)
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Tests pass identity via query params; production authenticates
		// before reaching ServeWs.
		userID := r.URL.Query().Get("user")
		ServeWs(hub, w, r, r.URL.Query().Get("map"), userID, userID)
	}))
	t.Cleanup(server.Close)

	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, wsURL, mapID, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?map="+mapID+"&user="+user, nil)
	require.NoError(t, err, "failed to connect %s", user)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubSeedsNewConnectionWithFullState(t *testing.T) {
	_, wsURL := newTestServer(t)

	conn := dial(t, wsURL, "map-1", "user1")
	evt := readUntil(t, conn, sync.EventUpdate)

	assert.Equal(t, "map-1", evt.MapID)
	require.NotNil(t, evt.Doc)
	assert.Equal(t, "Biology", evt.Doc.Name)
	assert.Len(t, evt.Doc.Nodes, 1)
}

func TestHubBroadcastsPresenceAndMutations(t *testing.T) {
	_, wsURL := newTestServer(t)

	conn1 := dial(t, wsURL, "map-1", "user1")
	readUntil(t, conn1, sync.EventUpdate)

	conn2 := dial(t, wsURL, "map-1", "user2")
	readUntil(t, conn2, sync.EventUpdate)

	// user1 sees the roster grow to two.
	presence := readUntil(t, conn1, sync.EventPresence)
	if len(presence.Roster) < 2 {
		presence = readUntil(t, conn1, sync.EventPresence)
	}
	require.Len(t, presence.Roster, 2)

	// user2 moves a node; user1 receives the new document, user2 does not
	// get its own change echoed back.
	msg, _ := json.Marshal(Inbound{
		Type:     inMutation,
		Mutation: &sync.Mutation{Kind: sync.MutNodeMove, NodeID: "1", X: 200, Y: 300},
	})
	require.NoError(t, conn2.WriteMessage(websocket.TextMessage, msg))

	update := readUntil(t, conn1, sync.EventUpdate)
	assert.Equal(t, "user2", update.From)
	require.NotNil(t, update.Doc)
	node, ok := update.Doc.FindNode("1")
	require.True(t, ok)
	assert.Equal(t, 200.0, node.Position.X)
	assert.Equal(t, 300.0, node.Position.Y)
}

func TestHubDeliversCursorToOthersOnly(t *testing.T) {
	_, wsURL := newTestServer(t)

	conn1 := dial(t, wsURL, "map-1", "user1")
	readUntil(t, conn1, sync.EventUpdate)
	conn2 := dial(t, wsURL, "map-1", "user2")
	readUntil(t, conn2, sync.EventUpdate)
	readUntil(t, conn1, sync.EventPresence)

	msg, _ := json.Marshal(Inbound{Type: inCursor, X: 42, Y: 7})
	require.NoError(t, conn2.WriteMessage(websocket.TextMessage, msg))

	cursor := readUntil(t, conn1, sync.EventCursor)
	require.NotNil(t, cursor.Cursor)
	assert.Equal(t, "user2", cursor.Cursor.UserID)
	assert.Equal(t, 42.0, cursor.Cursor.X)

	// The sender must not receive its own cursor back.
	conn2.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		var evt sync.Event
		_, p, err := conn2.ReadMessage()
		if err != nil {
			break // timeout: nothing else arrived
		}
		require.NoError(t, json.Unmarshal(p, &evt))
		assert.NotEqual(t, sync.EventCursor, evt.Type, "sender received own cursor")
	}
}

func TestHubSurvivesDisconnectsDuringFanOut(t *testing.T) {
	_, wsURL := newTestServer(t)

	anchor := dial(t, wsURL, "map-1", "anchor")
	readUntil(t, anchor, sync.EventUpdate)

	stop := make(chan struct{})
	var wg stdsync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			msg, _ := json.Marshal(Inbound{
				Type:     inMutation,
				Mutation: &sync.Mutation{Kind: sync.MutNodeMove, NodeID: "1", X: float64(i), Y: float64(i)},
			})
			if err := anchor.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	// Connections coming and going while updates fan out must never take the
	// process down with them.
	for i := 0; i < 40; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?map=map-1&user=churn", nil)
		require.NoError(t, err)
		conn.Close()
	}

	close(stop)
	wg.Wait()

	// The hub still serves: a fresh connection gets seeded with the state.
	late := dial(t, wsURL, "map-1", "late")
	evt := readUntil(t, late, sync.EventUpdate)
	assert.Equal(t, "map-1", evt.MapID)
}

func TestFailedUpgradeReleasesRoom(t *testing.T) {
	docs := &memDocStore{doc: testDocument(), version: 1}
	manager := sync.NewManager(sync.ManagerOptions{
		Docs:           docs,
		DebounceWindow: 20 * time.Millisecond,
	})
	hub := NewHub(manager)
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r, "map-1", "user1", "user1")
	}))
	t.Cleanup(server.Close)

	// A plain GET carries no upgrade headers, so the handshake fails after
	// the room has already been opened.
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, open := manager.Peek("map-1")
	assert.False(t, open, "room left behind after failed upgrade")
}

func TestHubRejectsUnknownMap(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/ws?map=missing&user=user1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
