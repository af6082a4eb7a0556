package crdt

import (
	"bytes"
	"encoding/gob"
	"sync"
)

const (
	metadataMapName = "daMetadata"
	errorMapName    = "error"
)

// SharedDoc is the CRDT shared document (spec.md §4.2): the "prosemirror"
// tree fragment, the "daMetadata" and "error" LWW register maps, and an
// Awareness sub-object, all addressed by one growing operation log. The
// shape mirrors Yorkie's Document (ApplyChangePack driving a single op
// log that every sub-CRDT replays), generalized here to the tree and map
// types this service actually needs.
type SharedDoc struct {
	mu    sync.Mutex
	actor ActorID
	clock *clockSource

	frag     *fragment
	metadata *lwwMap
	errs     *lwwMap

	awareness *Awareness

	log  []Op
	seen map[Clock]bool

	observers []func(update []byte, origin string)

	// gcEnabled tracks the document's garbage-collection toggle. New
	// documents start with GC disabled, matching the Yjs convention that a
	// document must opt in to GC once it is sure no replica still holds a
	// reference to tombstoned state. This implementation never physically
	// reclaims tombstones regardless of the flag; it exists so callers can
	// round-trip the toggle the way the wire protocol expects.
	gcEnabled bool

	destroyed bool
}

// NewSharedDoc creates an empty document for the given local actor, with
// garbage collection disabled as Yjs documents start.
func NewSharedDoc(actor ActorID) *SharedDoc {
	return &SharedDoc{
		actor:     actor,
		clock:     newClockSource(actor),
		frag:      newFragment(),
		metadata:  newLWWMap(),
		errs:      newLWWMap(),
		awareness: NewAwareness(),
		seen:      make(map[Clock]bool),
	}
}

// Awareness returns the document's ephemeral presence sub-object.
func (d *SharedDoc) Awareness() *Awareness { return d.awareness }

// OnUpdate registers an observer invoked after every local or remote
// mutation with the encoded update and its origin ("local" or the remote
// peer/connection identifier that supplied it).
func (d *SharedDoc) OnUpdate(fn func(update []byte, origin string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// SetGCEnabled records the document's GC toggle. Tombstones are never
// physically reclaimed by this implementation; see the gcEnabled field.
func (d *SharedDoc) SetGCEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gcEnabled = enabled
}

// GCEnabled reports the document's current GC toggle.
func (d *SharedDoc) GCEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gcEnabled
}

// --- local mutation API ---

func (d *SharedDoc) appendLocked(op Op) Op {
	op.Clock = d.clock.tick()
	if op.Kind == opInsertNode {
		op.NodeID = op.Clock
	}
	d.seen[op.Clock] = true
	d.log = append(d.log, op)
	d.frag.apply(op)
	return op
}

// InsertNode inserts a new node as a child of parentID, just after
// leftOrigin (the zero Clock for "at the head"), and returns the new
// node's identity for use as a future parent or left origin.
func (d *SharedDoc) InsertNode(parentID, leftOrigin Clock, tag string, isText bool, text string) Clock {
	d.mu.Lock()
	op := Op{Kind: opInsertNode, ParentID: parentID, LeftOrigin: leftOrigin, Tag: tag, IsText: isText, Text: text}
	op = d.appendLocked(op)
	id := d.log[len(d.log)-1].Clock
	d.mu.Unlock()
	d.broadcastLocal(op)
	return id
}

// DeleteNode tombstones the node identified by nodeID.
func (d *SharedDoc) DeleteNode(nodeID Clock) {
	d.mu.Lock()
	op := Op{Kind: opDeleteNode, NodeID: nodeID}
	op = d.appendLocked(op)
	d.mu.Unlock()
	d.broadcastLocal(op)
}

// SetAttr sets an attribute on the node identified by nodeID.
func (d *SharedDoc) SetAttr(nodeID Clock, key, value string) {
	d.mu.Lock()
	op := Op{Kind: opSetAttr, NodeID: nodeID, AttrKey: key, AttrVal: value}
	op = d.appendLocked(op)
	d.mu.Unlock()
	d.broadcastLocal(op)
}

// Root returns the fragment's invisible root node; its VisibleChildren are
// the top-level nodes of the document.
func (d *SharedDoc) Root() *Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frag.root
}

// Node looks up a node by identity.
func (d *SharedDoc) Node(id Clock) (*Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.frag.index[id]
	return n, ok
}

// SetMetadata sets a "daMetadata" key.
func (d *SharedDoc) SetMetadata(key, value string) { d.setMapLocal(metadataMapName, key, value) }

// Metadata returns a snapshot of the current "daMetadata" map.
func (d *SharedDoc) Metadata() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metadata.all()
}

// SetError sets an "error" key, used to surface binder/admin failures into
// the shared document so every connected client observes them uniformly.
func (d *SharedDoc) SetError(key, value string) { d.setMapLocal(errorMapName, key, value) }

// ClearError deletes an "error" key.
func (d *SharedDoc) ClearError(key string) { d.deleteMapLocal(errorMapName, key) }

// Errors returns a snapshot of the current "error" map.
func (d *SharedDoc) Errors() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errs.all()
}

func (d *SharedDoc) setMapLocal(mapName, key, value string) {
	d.mu.Lock()
	op := Op{Kind: opMapSet, MapName: mapName, MapKey: key, MapVal: value}
	op = d.appendLocked(op)
	d.applyMapLocked(op)
	d.mu.Unlock()
	d.broadcastLocal(op)
}

func (d *SharedDoc) deleteMapLocal(mapName, key string) {
	d.mu.Lock()
	op := Op{Kind: opMapDelete, MapName: mapName, MapKey: key}
	op = d.appendLocked(op)
	d.applyMapLocked(op)
	d.mu.Unlock()
	d.broadcastLocal(op)
}

func (d *SharedDoc) applyMapLocked(op Op) {
	m := d.mapFor(op.MapName)
	if m == nil {
		return
	}
	switch op.Kind {
	case opMapSet:
		m.set(op.MapKey, op.MapVal, op.Clock)
	case opMapDelete:
		m.del(op.MapKey, op.Clock)
	}
}

func (d *SharedDoc) mapFor(name string) *lwwMap {
	switch name {
	case metadataMapName:
		return d.metadata
	case errorMapName:
		return d.errs
	default:
		return nil
	}
}

// Clear tombstones every top-level fragment node (their descendants become
// unreachable with them) and every map entry, used by the
// Persistence Binder's transactional rebuild (spec §4.4.1 step 4) when a
// freshly authored HTML tree must fully replace the prior document state.
func (d *SharedDoc) Clear() {
	d.mu.Lock()
	clk := d.clock.tick()
	d.seen[clk] = true
	d.frag.clear()
	d.metadata.clear(clk)
	d.errs.clear(clk)
	d.mu.Unlock()
}

func (d *SharedDoc) broadcastLocal(op Op) {
	d.mu.Lock()
	observers := append([]func([]byte, string){}, d.observers...)
	d.mu.Unlock()
	if len(observers) == 0 {
		return
	}
	payload := encodeOps([]Op{op})
	for _, obs := range observers {
		obs(payload, "local")
	}
}

// --- remote sync API ---

// ApplyUpdate merges remote ops, skipping any whose Clock has already been
// seen (re-delivery or rebroadcast), and notifies observers of the ops that
// were newly applied, tagged with origin.
func (d *SharedDoc) ApplyUpdate(data []byte, origin string) error {
	ops, err := decodeOps(data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	var applied []Op
	for _, op := range ops {
		if d.seen[op.seenKey()] {
			continue
		}
		d.seen[op.seenKey()] = true
		d.log = append(d.log, op)
		switch op.Kind {
		case opInsertNode, opDeleteNode, opSetAttr:
			d.frag.apply(op)
		case opMapSet, opMapDelete:
			d.applyMapLocked(op)
		}
		applied = append(applied, op)
	}
	observers := append([]func([]byte, string){}, d.observers...)
	d.mu.Unlock()

	if len(applied) == 0 || len(observers) == 0 {
		return nil
	}
	payload := encodeOps(applied)
	for _, obs := range observers {
		obs(payload, origin)
	}
	return nil
}

// EncodeStateAsUpdate encodes the full operation log, used to answer Sync
// Step 1 with a Sync Step 2 payload (spec §4.3).
func (d *SharedDoc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeOps(d.log)
}

// StateVector maps each actor to the highest Seq among that actor's ops a
// replica has already applied, exchanged during Sync Step 1 so the peer can answer with only the ops the
// requester is missing.
type StateVector map[ActorID]uint64

// EncodeStateVector returns the document's current state vector.
func (d *SharedDoc) EncodeStateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector)
	for _, op := range d.log {
		if op.Clock.Seq > sv[op.Clock.Actor] {
			sv[op.Clock.Actor] = op.Clock.Seq
		}
	}
	return sv
}

// EncodeStateVectorBytes gob-encodes the document's state vector for
// transmission as a Sync Step 1 payload (spec.md §4.3).
func (d *SharedDoc) EncodeStateVectorBytes() []byte {
	sv := d.EncodeStateVector()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sv); err != nil {
		panic("crdt: state vector encode: " + err.Error())
	}
	return buf.Bytes()
}

// DecodeStateVector decodes a peer's Sync Step 1 payload.
func DecodeStateVector(data []byte) (StateVector, error) {
	var sv StateVector
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&sv); err != nil {
		return nil, err
	}
	return sv, nil
}

// DiffUpdate encodes every op this document holds that isn't covered by the
// given state vector, for incremental Sync Step 2 replies.
func (d *SharedDoc) DiffUpdate(sv StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var missing []Op
	for _, op := range d.log {
		if op.Clock.Seq > sv[op.Clock.Actor] {
			missing = append(missing, op)
		}
	}
	return encodeOps(missing)
}

// Destroy detaches all update observers and destroys the awareness
// sub-object. Idempotent.
func (d *SharedDoc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true
	d.observers = nil
	d.awareness.Destroy()
}

func encodeOps(ops []Op) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ops); err != nil {
		panic("crdt: op log encode: " + err.Error())
	}
	return buf.Bytes()
}

func decodeOps(data []byte) ([]Op, error) {
	var ops []Op
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ops); err != nil {
		return nil, err
	}
	return ops, nil
}
