package crdt

// opKind tags which fields of an Op are meaningful. A flat tagged-union
// struct (rather than an interface) keeps gob encoding trivial and keeps the
// op log's on-the-wire shape stable, which is all the round-trip contract
// (spec.md §8) needs from the CRDT's internal encoding.
type opKind uint8

const (
	opInsertNode opKind = iota + 1
	opDeleteNode
	opSetAttr
	opMapSet
	opMapDelete
)

// Op is one entry in a Document's operation log. Every Op is stamped with
// the Clock of the actor that produced it; (Clock) is the op's globally
// unique identity and is how Apply de-duplicates replayed or re-delivered
// operations.
type Op struct {
	Kind  opKind
	Clock Clock

	// opInsertNode / opDeleteNode
	NodeID     Clock // the identity of the node this op creates or removes
	ParentID   Clock // zero Clock means "the fragment root"
	LeftOrigin Clock // zero Clock means "insert at the head of parent's children"
	Tag        string
	IsText     bool
	Text       string

	// opSetAttr
	AttrKey string
	AttrVal string

	// opMapSet / opMapDelete
	MapName string
	MapKey  string
	MapVal  string
}

// seenKey is the de-duplication key for the op log.
func (o Op) seenKey() Clock { return o.Clock }
