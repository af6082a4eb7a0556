package crdt

// Node is one element or text node of the "prosemirror" structured XML
// fragment (spec.md §3). Nodes are never physically removed: Deleted marks
// a tombstone so that concurrent operations referencing a since-removed
// node can still be resolved, the same trade-off go-crdt's RGA makes for
// character nodes, generalized here to a tree instead of a flat sequence.
type Node struct {
	ID       Clock
	ParentID Clock // zero Clock means "fragment root"
	Tag      string
	IsText   bool
	Text     string
	Deleted  bool

	attrs     map[string]string
	attrClock map[string]Clock

	children []*Node // kept in converged sibling order; includes tombstones
}

// Attr returns the current value of key, and whether it is set.
func (n *Node) Attr(key string) (string, bool) {
	if n.attrs == nil {
		return "", false
	}
	v, ok := n.attrs[key]
	return v, ok
}

// Attrs returns a snapshot copy of the node's attribute map.
func (n *Node) Attrs() map[string]string {
	out := make(map[string]string, len(n.attrs))
	for k, v := range n.attrs {
		out[k] = v
	}
	return out
}

// VisibleChildren returns the node's non-tombstoned children in converged
// order.
func (n *Node) VisibleChildren() []*Node {
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		if !c.Deleted {
			out = append(out, c)
		}
	}
	return out
}

// idGreater is the tie-break used when two actors concurrently insert a
// sibling at the same position: higher Clock wins and sorts first, mirroring
// go-crdt's RGA ID.Greater comparison generalized from a flat sequence to
// per-parent sibling lists.
func idGreater(a, b Clock) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.Actor > b.Actor
}

// fragment is the materialized tree CRDT backing the "prosemirror" slot.
type fragment struct {
	root    *Node
	index   map[Clock]*Node
	pending map[Clock][]Op // keyed by the missing dependency (parent or left origin)
}

func newFragment() *fragment {
	root := &Node{}
	f := &fragment{
		root:    root,
		index:   map[Clock]*Node{{}: root},
		pending: make(map[Clock][]Op),
	}
	return f
}

// applyInsert integrates op into the tree if its parent and left origin are
// both already known; otherwise it buffers op until the missing dependency
// arrives, re-driving the buffer once it does (same shape as go-crdt's
// pendingOrphans replay in Merge/processNode).
func (f *fragment) applyInsert(op Op) {
	if _, dup := f.index[op.NodeID]; dup {
		return
	}
	parent, ok := f.index[op.ParentID]
	if !ok {
		f.pending[op.ParentID] = append(f.pending[op.ParentID], op)
		return
	}
	if op.LeftOrigin != (Clock{}) {
		if _, ok := f.index[op.LeftOrigin]; !ok {
			f.pending[op.LeftOrigin] = append(f.pending[op.LeftOrigin], op)
			return
		}
	}

	n := &Node{
		ID:       op.NodeID,
		ParentID: op.ParentID,
		Tag:      op.Tag,
		IsText:   op.IsText,
		Text:     op.Text,
	}
	f.integrate(parent, n, op.LeftOrigin)
	f.index[n.ID] = n

	f.drainPending(n.ID)
}

// integrate inserts n among parent's children just after leftOrigin (or at
// the head if leftOrigin is the zero Clock), breaking ties against any
// concurrently-inserted sibling by idGreater so all replicas converge on the
// same order regardless of delivery order.
func (f *fragment) integrate(parent, n *Node, leftOrigin Clock) {
	insertAfter := -1
	if leftOrigin != (Clock{}) {
		for i, c := range parent.children {
			if c.ID == leftOrigin {
				insertAfter = i
				break
			}
		}
	}
	i := insertAfter + 1
	for i < len(parent.children) {
		if idGreater(n.ID, parent.children[i].ID) {
			break
		}
		i++
	}
	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = n
}

func (f *fragment) drainPending(arrived Clock) {
	waiters, ok := f.pending[arrived]
	if !ok {
		return
	}
	delete(f.pending, arrived)
	for _, op := range waiters {
		f.apply(op)
	}
}

func (f *fragment) applyDelete(op Op) {
	n, ok := f.index[op.NodeID]
	if !ok {
		// Delete arrived before the insert; buffer it behind the same
		// dependency key so it replays once the node exists.
		f.pending[op.NodeID] = append(f.pending[op.NodeID], op)
		return
	}
	n.Deleted = true
}

func (f *fragment) applySetAttr(op Op) {
	n, ok := f.index[op.NodeID]
	if !ok {
		f.pending[op.NodeID] = append(f.pending[op.NodeID], op)
		return
	}
	if n.attrClock == nil {
		n.attrClock = make(map[string]Clock)
		n.attrs = make(map[string]string)
	}
	// Last-writer-wins: only apply if strictly newer than what's recorded.
	if cur, set := n.attrClock[op.AttrKey]; set && !cur.Less(op.Clock) {
		return
	}
	n.attrClock[op.AttrKey] = op.Clock
	n.attrs[op.AttrKey] = op.AttrVal
}

// apply dispatches op to the relevant materializer; called for every op in
// arrival order, already de-duplicated by the seen-set in doc.go.
func (f *fragment) apply(op Op) {
	switch op.Kind {
	case opInsertNode:
		f.applyInsert(op)
	case opDeleteNode:
		f.applyDelete(op)
	case opSetAttr:
		f.applySetAttr(op)
	}
}

// clear tombstones every direct child of the root (their descendants stay
// unmarked but are no longer reachable through VisibleChildren), used by the Persistence
// Binder's transactional rebuild (spec §4.4.1 step 4: "clear the prosemirror
// fragment").
func (f *fragment) clear() {
	for _, n := range f.root.children {
		n.Deleted = true
	}
}
