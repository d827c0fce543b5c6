// Package mapdoc holds the map document model: the single JSON blob a map
// row stores, and the operations the synchronization core applies to it.
package mapdoc

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNodeExists   = errors.New("node id already present")
	ErrNodeNotFound = errors.New("node not found")
	ErrEdgeNotFound = errors.New("edge not found")
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Position    Position  `json:"position"`
	BorderColor string    `json:"borderColor,omitempty"`
	Creator     string    `json:"creator,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Edge connects two nodes. Source/target may dangle after a concurrent node
// delete; renderers tolerate that rather than the store enforcing it.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
	Dashed bool   `json:"dashed,omitempty"`
	Arrow  bool   `json:"arrow,omitempty"`
}

// NodeLink is the auxiliary per-node metadata (currently a hyperlink).
type NodeLink struct {
	Link string `json:"link,omitempty"`
}

// Document is the whole durable state of one map. It is written back to the
// store wholesale on every persisted edit; Version increments on each write
// so stale change notifications can be detected.
type Document struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Nodes       []Node              `json:"nodes"`
	Edges       []Edge              `json:"edges"`
	NodeNotes   map[string]string   `json:"nodeNotes"`
	NodeData    map[string]NodeLink `json:"nodeData"`
	LastEdited  time.Time           `json:"lastEdited"`
	Version     int64               `json:"version"`
}

func New(id, name, description string) *Document {
	return &Document{
		ID:          id,
		Name:        name,
		Description: description,
		Nodes:       []Node{},
		Edges:       []Edge{},
		NodeNotes:   map[string]string{},
		NodeData:    map[string]NodeLink{},
		LastEdited:  time.Now().UTC(),
	}
}

// Normalize replaces nil slices/maps after JSON decoding so callers never
// branch on nil.
func (d *Document) Normalize() {
	if d.Nodes == nil {
		d.Nodes = []Node{}
	}
	if d.Edges == nil {
		d.Edges = []Edge{}
	}
	if d.NodeNotes == nil {
		d.NodeNotes = map[string]string{}
	}
	if d.NodeData == nil {
		d.NodeData = map[string]NodeLink{}
	}
}

func (d *Document) Clone() *Document {
	clone := *d
	clone.Nodes = append([]Node(nil), d.Nodes...)
	clone.Edges = append([]Edge(nil), d.Edges...)
	clone.NodeNotes = make(map[string]string, len(d.NodeNotes))
	for k, v := range d.NodeNotes {
		clone.NodeNotes[k] = v
	}
	clone.NodeData = make(map[string]NodeLink, len(d.NodeData))
	for k, v := range d.NodeData {
		clone.NodeData[k] = v
	}
	return &clone
}

func (d *Document) Touch() {
	d.LastEdited = time.Now().UTC()
}

func (d *Document) FindNode(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

func (d *Document) AddNode(node Node) error {
	if _, ok := d.FindNode(node.ID); ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, node.ID)
	}
	d.Nodes = append(d.Nodes, node)
	d.Touch()
	return nil
}

// RemoveNode drops the node and its note/link entries. Edges referencing the
// node are left in place; they dangle until separately removed.
func (d *Document) RemoveNode(id string) error {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			d.Nodes = append(d.Nodes[:i], d.Nodes[i+1:]...)
			delete(d.NodeNotes, id)
			delete(d.NodeData, id)
			d.Touch()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
}

func (d *Document) MoveNode(id string, pos Position) error {
	node, ok := d.FindNode(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	node.Position = pos
	d.Touch()
	return nil
}

func (d *Document) SetNodeTitle(id, title string) error {
	node, ok := d.FindNode(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	node.Title = title
	d.Touch()
	return nil
}

func (d *Document) SetNodeBorder(id, color string) error {
	node, ok := d.FindNode(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	node.BorderColor = color
	d.Touch()
	return nil
}

func (d *Document) AddEdge(edge Edge) {
	d.Edges = append(d.Edges, edge)
	d.Touch()
}

func (d *Document) RemoveEdge(id string) error {
	for i := range d.Edges {
		if d.Edges[i].ID == id {
			d.Edges = append(d.Edges[:i], d.Edges[i+1:]...)
			d.Touch()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
}

func (d *Document) SetNote(nodeID, note string) {
	if note == "" {
		delete(d.NodeNotes, nodeID)
	} else {
		d.NodeNotes[nodeID] = note
	}
	d.Touch()
}

func (d *Document) SetLink(nodeID, link string) {
	if link == "" {
		delete(d.NodeData, nodeID)
	} else {
		d.NodeData[nodeID] = NodeLink{Link: link}
	}
	d.Touch()
}

// NewNodeID mints a globally-unique node id. Node identity is never derived
// from peer state, so two users creating nodes at the same instant cannot
// collide.
func NewNodeID() string {
	return uuid.NewString()
}

func NewMapID() string {
	return uuid.NewString()
}

func NewEdgeID() string {
	return uuid.NewString()
}

// NextSequentialID is the legacy numeric allocator: max of the numeric ids
// plus one, as a decimal string. Non-numeric ids are skipped. It only feeds
// default titles ("Node 6") where a duplicate is cosmetic.
func NextSequentialID(ids []string) string {
	max := 0
	for _, id := range ids {
		n, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1)
}

// NextNodeNumber returns the default-title ordinal for a new node.
func (d *Document) NextNodeNumber() string {
	ids := make([]string, 0, len(d.Nodes))
	numeric := false
	for _, n := range d.Nodes {
		ids = append(ids, n.ID)
		if _, err := strconv.Atoi(n.ID); err == nil {
			numeric = true
		}
	}
	if numeric {
		return NextSequentialID(ids)
	}
	return strconv.Itoa(len(d.Nodes) + 1)
}
