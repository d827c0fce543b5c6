package sync

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"mindmesh/api/internal/logger"
	"mindmesh/api/internal/mapdoc"
	"mindmesh/api/internal/store"
)

// EventType identifies a message fanned out to a room's subscribers.
type EventType string

const (
	// EventUpdate carries the full document after any change, local or remote.
	EventUpdate EventType = "update"
	// EventPresence carries the rebuilt online roster.
	EventPresence EventType = "presence"
	// EventCursor carries one user's cursor position.
	EventCursor EventType = "cursor"
	// EventSaved reports a successful persist with the new version.
	EventSaved EventType = "saved"
	// EventSaveFailed reports a persist that exhausted its retries.
	EventSaveFailed EventType = "save_failed"
)

// Event is the fan-out unit delivered to every connection in a room. Doc is
// always a deep copy so receivers never share mutable state with the room.
type Event struct {
	Type    EventType        `json:"type"`
	MapID   string           `json:"mapId"`
	From    string           `json:"from,omitempty"`
	Doc     *mapdoc.Document `json:"doc,omitempty"`
	Version int64            `json:"version,omitempty"`
	Roster  []PresenceEntry  `json:"roster,omitempty"`
	Cursor  *CursorPoint     `json:"cursor,omitempty"`
	Message string           `json:"message,omitempty"`
}

// MutationKind names one local edit applied to the shared document.
type MutationKind string

const (
	MutNodeAdd    MutationKind = "node_add"
	MutNodeMove   MutationKind = "node_move"
	MutNodeDelete MutationKind = "node_delete"
	MutNodeStyle  MutationKind = "node_style"
	MutEdgeAdd    MutationKind = "edge_add"
	MutEdgeDelete MutationKind = "edge_delete"
	MutNoteSet    MutationKind = "note_set"
	MutLinkSet    MutationKind = "link_set"
	MutMetaSet    MutationKind = "meta_set"
)

// Mutation is the payload for ApplyLocalMutation. Only the fields relevant
// to the kind are read.
type Mutation struct {
	Kind        MutationKind `json:"kind"`
	NodeID      string       `json:"nodeId,omitempty"`
	EdgeID      string       `json:"edgeId,omitempty"`
	Title       string       `json:"title,omitempty"`
	X           float64      `json:"x,omitempty"`
	Y           float64      `json:"y,omitempty"`
	BorderColor string       `json:"borderColor,omitempty"`
	Source      string       `json:"source,omitempty"`
	Target      string       `json:"target,omitempty"`
	Label       string       `json:"label,omitempty"`
	Dashed      bool         `json:"dashed,omitempty"`
	Arrow       bool         `json:"arrow,omitempty"`
	Note        string       `json:"note,omitempty"`
	Link        string       `json:"link,omitempty"`
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
}

// DocumentStore is the slice of the persistence layer a room needs.
type DocumentStore interface {
	GetMap(ctx context.Context, mapID string) (*mapdoc.Document, string, error)
	UpdateMap(ctx context.Context, doc *mapdoc.Document, expectedVersion int64) (int64, error)
}

// PersistHook runs after every successful persist, outside the room lock.
// Used to commit history snapshots and refresh the search index.
type PersistHook func(doc *mapdoc.Document, version int64, actor string)

const persistAttempts = 3

type labelEdit struct {
	nodeID  string
	pending string
}

type cursorPrefs struct {
	showOwn    bool
	showOthers bool
}

// Room owns the live state of one open map: the in-memory document, the
// presence roster, per-user cursor throttling, and in-progress label edits.
// The in-memory document is the source of truth between persists; writes to
// the store are coalesced through a trailing-edge debounce.
type Room struct {
	MapID string

	mu      stdsync.Mutex
	doc     *mapdoc.Document
	version int64
	ownerID string

	presence   map[string]PresenceEntry
	cursors    map[string]time.Time
	prefs      map[string]cursorPrefs
	edits      map[string]*labelEdit
	lastEditor string

	debounce       *Debouncer
	cursorInterval time.Duration

	docs      DocumentStore
	hook      PersistHook
	broadcast func(Event)
	now       func() time.Time
}

// RoomOptions configures a room. Broadcast receives every outbound event and
// must not block; Hook may be nil.
type RoomOptions struct {
	Docs           DocumentStore
	Broadcast      func(Event)
	Hook           PersistHook
	DebounceWindow time.Duration
	CursorFPS      int
	Now            func() time.Time
}

// NewRoom wraps an already loaded document. Use Load to fetch and wrap in
// one step.
func NewRoom(doc *mapdoc.Document, version int64, ownerID string, opts RoomOptions) *Room {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 300 * time.Millisecond
	}
	r := &Room{
		MapID:          doc.ID,
		doc:            doc,
		version:        version,
		ownerID:        ownerID,
		presence:       make(map[string]PresenceEntry),
		cursors:        make(map[string]time.Time),
		prefs:          make(map[string]cursorPrefs),
		edits:          make(map[string]*labelEdit),
		cursorInterval: cursorInterval(opts.CursorFPS),
		docs:           opts.Docs,
		hook:           opts.Hook,
		broadcast:      opts.Broadcast,
		now:            opts.Now,
	}
	r.debounce = NewDebouncer(opts.DebounceWindow, r.persist)
	return r
}

// Load fetches the document and opens a room for it. Fetch failures are
// terminal for the session.
func Load(ctx context.Context, mapID string, opts RoomOptions) (*Room, error) {
	doc, ownerID, err := opts.Docs.GetMap(ctx, mapID)
	if err != nil {
		return nil, fmt.Errorf("load map %s: %w", mapID, err)
	}
	return NewRoom(doc, doc.Version, ownerID, opts), nil
}

// cursorInterval converts a frames-per-second cap into a minimum gap between
// outbound cursor messages. The cap is clamped to 5..60 with 20 as default.
func cursorInterval(fps int) time.Duration {
	if fps == 0 {
		fps = 20
	}
	if fps < 5 {
		fps = 5
	}
	if fps > 60 {
		fps = 60
	}
	return time.Second / time.Duration(fps)
}

// Document returns a deep copy of the current state.
func (r *Room) Document() *mapdoc.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Version returns the last version confirmed by the store.
func (r *Room) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// OwnerID returns the map owner's user id.
func (r *Room) OwnerID() string {
	return r.ownerID
}

func (r *Room) snapshotLocked() *mapdoc.Document {
	doc := r.doc.Clone()
	doc.Version = r.version
	return doc
}

// ApplyLocalMutation updates the in-memory document immediately and fans the
// new state out to all connections. Geometry changes schedule a debounced
// persist; text-field commits (notes, links, name and description) persist
// right away since they already arrive at an explicit commit point.
func (r *Room) ApplyLocalMutation(userID string, mut Mutation) error {
	r.mu.Lock()

	var err error
	switch mut.Kind {
	case MutNodeAdd:
		id := mut.NodeID
		if id == "" {
			id = mapdoc.NewNodeID()
		}
		title := mut.Title
		if title == "" {
			title = fmt.Sprintf("Node %s", r.doc.NextNodeNumber())
		}
		err = r.doc.AddNode(mapdoc.Node{
			ID:          id,
			Title:       title,
			Position:    mapdoc.Position{X: mut.X, Y: mut.Y},
			BorderColor: mut.BorderColor,
			Creator:     userID,
			CreatedAt:   r.now().UTC(),
		})
	case MutNodeMove:
		err = r.doc.MoveNode(mut.NodeID, mapdoc.Position{X: mut.X, Y: mut.Y})
	case MutNodeDelete:
		err = r.doc.RemoveNode(mut.NodeID)
	case MutNodeStyle:
		err = r.doc.SetNodeBorder(mut.NodeID, mut.BorderColor)
	case MutEdgeAdd:
		id := mut.EdgeID
		if id == "" {
			id = mapdoc.NewEdgeID()
		}
		r.doc.AddEdge(mapdoc.Edge{
			ID:     id,
			Source: mut.Source,
			Target: mut.Target,
			Label:  mut.Label,
			Dashed: mut.Dashed,
			Arrow:  mut.Arrow,
		})
	case MutEdgeDelete:
		err = r.doc.RemoveEdge(mut.EdgeID)
	case MutNoteSet:
		r.doc.SetNote(mut.NodeID, mut.Note)
	case MutLinkSet:
		r.doc.SetLink(mut.NodeID, mut.Link)
	case MutMetaSet:
		if mut.Name != "" {
			r.doc.Name = mut.Name
		}
		r.doc.Description = mut.Description
	default:
		err = fmt.Errorf("unknown mutation kind %q", mut.Kind)
	}
	if err != nil {
		r.mu.Unlock()
		return err
	}

	r.doc.Touch()
	r.lastEditor = userID
	evt := Event{Type: EventUpdate, MapID: r.MapID, From: userID, Doc: r.snapshotLocked(), Version: r.version}
	r.mu.Unlock()

	r.emit(evt)

	switch mut.Kind {
	case MutNoteSet, MutLinkSet, MutMetaSet:
		r.debounce.Trigger()
		r.debounce.Flush()
	default:
		r.debounce.Trigger()
	}
	return nil
}

// ApplyRemoteUpdate replaces local state wholesale with a document written by
// another instance. Updates carrying a version at or below what this room has
// already seen are dropped as stale; in-progress label edits are buffered
// outside the document and survive the replacement.
func (r *Room) ApplyRemoteUpdate(doc *mapdoc.Document) bool {
	r.mu.Lock()
	if doc.Version <= r.version {
		r.mu.Unlock()
		return false
	}
	incoming := doc.Clone()
	incoming.Normalize()
	r.doc = incoming
	r.version = doc.Version
	evt := Event{Type: EventUpdate, MapID: r.MapID, Doc: r.snapshotLocked(), Version: r.version}
	r.mu.Unlock()

	r.emit(evt)
	return true
}

// persist writes the whole document back to the store with a bounded retry.
// The room's version is the optimistic-concurrency token: a conflict means
// another instance wrote first, so the write is retried on top of the new
// version. Last write still wins; the token only makes the race visible.
func (r *Room) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		r.mu.Lock()
		snapshot := r.snapshotLocked()
		expected := r.version
		r.mu.Unlock()

		newVersion, err := r.docs.UpdateMap(ctx, snapshot, expected)
		if err == nil {
			r.mu.Lock()
			r.version = newVersion
			r.mu.Unlock()
			r.emit(Event{Type: EventSaved, MapID: r.MapID, Version: newVersion})
			if r.hook != nil {
				snapshot.Version = newVersion
				go r.hook(snapshot, newVersion, r.lastActor())
			}
			return
		}
		lastErr = err
		if err == store.ErrVersionConflict {
			// Another writer bumped the version. Re-read it and overwrite.
			current, _, gerr := r.docs.GetMap(ctx, r.MapID)
			if gerr == nil {
				r.mu.Lock()
				if current.Version > r.version {
					r.version = current.Version
				}
				r.mu.Unlock()
			}
			continue
		}
		logger.Sugar.Warnf("sync: persist map %s attempt %d/%d: %v", r.MapID, attempt, persistAttempts, err)
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}

	logger.Sugar.Errorf("sync: persist map %s failed after %d attempts: %v", r.MapID, persistAttempts, lastErr)
	r.emit(Event{Type: EventSaveFailed, MapID: r.MapID, Message: "changes could not be saved"})
}

func (r *Room) lastActor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastEditor
}

// Flush forces any pending debounced persist to run now.
func (r *Room) Flush() {
	r.debounce.Flush()
}

// Join adds a user to the presence roster and fans out the rebuilt roster.
// The color is derived from the user id so all participants agree on it.
func (r *Room) Join(userID, username string) PresenceEntry {
	r.mu.Lock()
	entry, ok := r.presence[userID]
	if !ok {
		entry = PresenceEntry{
			UserID:   userID,
			Username: username,
			Color:    ColorFromID(userID),
			JoinedAt: r.now().UTC(),
		}
		r.presence[userID] = entry
	}
	r.prefs[userID] = cursorPrefs{showOwn: true, showOthers: true}
	roster := r.rosterLocked()
	r.mu.Unlock()

	r.emit(Event{Type: EventPresence, MapID: r.MapID, Roster: roster})
	return entry
}

// Leave removes a user, drops their cursor and edit state, and fans out the
// rebuilt roster. It returns the number of users still present.
func (r *Room) Leave(userID string) int {
	r.mu.Lock()
	delete(r.presence, userID)
	delete(r.cursors, userID)
	delete(r.prefs, userID)
	delete(r.edits, userID)
	remaining := len(r.presence)
	roster := r.rosterLocked()
	r.mu.Unlock()

	r.emit(Event{Type: EventPresence, MapID: r.MapID, Roster: roster})
	return remaining
}

// Roster returns the current online users sorted by join time.
func (r *Room) Roster() []PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

func (r *Room) rosterLocked() []PresenceEntry {
	roster := make([]PresenceEntry, 0, len(r.presence))
	for _, e := range r.presence {
		roster = append(roster, e)
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].UserID < roster[j].UserID
		}
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})
	return roster
}

// Cursor broadcasts a user's pointer position, throttled per user to the
// configured rate. Returns false when the message was dropped by the
// throttle or the user opted out of sharing their own cursor.
func (r *Room) Cursor(userID string, x, y float64) bool {
	r.mu.Lock()
	entry, ok := r.presence[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if p, ok := r.prefs[userID]; ok && !p.showOwn {
		r.mu.Unlock()
		return false
	}
	now := r.now()
	if last, ok := r.cursors[userID]; ok && now.Sub(last) < r.cursorInterval {
		r.mu.Unlock()
		return false
	}
	r.cursors[userID] = now
	cursor := &CursorPoint{
		UserID:   userID,
		Username: entry.Username,
		Color:    entry.Color,
		X:        x,
		Y:        y,
	}
	r.mu.Unlock()

	r.emit(Event{Type: EventCursor, MapID: r.MapID, From: userID, Cursor: cursor})
	return true
}

// SetCursorPrefs records a user's visibility toggles. Hiding others' cursors
// is applied at delivery time by WantsCursorFrom and sends no signal, so the
// user stays visible to everyone else.
func (r *Room) SetCursorPrefs(userID string, showOwn, showOthers bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs[userID] = cursorPrefs{showOwn: showOwn, showOthers: showOthers}
}

// WantsCursorFrom reports whether a cursor event from another user should be
// delivered to the given viewer.
func (r *Room) WantsCursorFrom(viewerID, fromID string) bool {
	if viewerID == fromID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prefs[viewerID]
	if !ok {
		return true
	}
	return p.showOthers
}

// BeginEdit opens a buffered title edit for a node. While the edit is open,
// keystrokes accumulate in EditInput and the document's copy of the title is
// untouched, so remote replacements cannot clobber in-progress typing.
func (r *Room) BeginEdit(userID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.doc.FindNode(nodeID)
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	r.edits[userID] = &labelEdit{nodeID: nodeID, pending: node.Title}
	return nil
}

// EditInput buffers the latest text for the user's open edit.
func (r *Room) EditInput(userID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	edit, ok := r.edits[userID]
	if !ok {
		return fmt.Errorf("no edit in progress")
	}
	edit.pending = text
	return nil
}

// EditingValue returns the buffered text of the user's open edit.
func (r *Room) EditingValue(userID string) (nodeID, text string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	edit, found := r.edits[userID]
	if !found {
		return "", "", false
	}
	return edit.nodeID, edit.pending, true
}

// CommitEdit applies the buffered title to the document and persists it.
// Commits against a node deleted remotely in the meantime are dropped.
func (r *Room) CommitEdit(userID string) error {
	r.mu.Lock()
	edit, ok := r.edits[userID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no edit in progress")
	}
	delete(r.edits, userID)
	if _, ok := r.doc.FindNode(edit.nodeID); !ok {
		r.mu.Unlock()
		return nil
	}
	if err := r.doc.SetNodeTitle(edit.nodeID, edit.pending); err != nil {
		r.mu.Unlock()
		return err
	}
	r.lastEditor = userID
	evt := Event{Type: EventUpdate, MapID: r.MapID, From: userID, Doc: r.snapshotLocked(), Version: r.version}
	r.mu.Unlock()

	r.emit(evt)
	r.debounce.Trigger()
	r.debounce.Flush()
	return nil
}

// CancelEdit discards the buffered edit without touching the document.
func (r *Room) CancelEdit(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.edits, userID)
}

// Close flushes any pending persist and stops the debouncer.
func (r *Room) Close() {
	r.debounce.Flush()
	r.debounce.Stop()
}

func (r *Room) emit(evt Event) {
	if r.broadcast != nil {
		r.broadcast(evt)
	}
}
