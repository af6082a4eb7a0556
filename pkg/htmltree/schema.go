// Package htmltree converts between authored HTML and the structured tree
// representation stored in the "prosemirror" CRDT slot (spec.md §4.1). It
// is organized as two pipelines, ToTree and FromTree, each a sequence of
// small, independently testable passes rather than one large function.
package htmltree

// Kind names a structural node in the document schema.
type Kind string

const (
	KindDoc            Kind = "doc"
	KindParagraph      Kind = "paragraph"
	KindHeading        Kind = "heading"
	KindBulletList     Kind = "bullet_list"
	KindOrderedList    Kind = "ordered_list"
	KindListItem       Kind = "list_item"
	KindBlockquote     Kind = "blockquote"
	KindCodeBlock      Kind = "code_block"
	KindImage          Kind = "image"
	KindTable          Kind = "table"
	KindTableRow       Kind = "table_row"
	KindTableCell      Kind = "table_cell"
	KindHorizontalRule Kind = "horizontal_rule"
	KindDiffAdded      Kind = "diff_added"
	KindDiffDeleted    Kind = "diff_deleted"
	KindText           Kind = "text"
)

// MarkType names an inline formatting mark applied to a text node.
type MarkType string

const (
	MarkBold         MarkType = "bold"
	MarkItalic       MarkType = "italic"
	MarkStrike       MarkType = "strike"
	MarkUnderline    MarkType = "underline"
	MarkCode         MarkType = "code"
	MarkLink         MarkType = "link"
	MarkSuperscript  MarkType = "superscript"
	MarkSubscript    MarkType = "subscript"
)

// Mark is one inline formatting annotation on a text node.
type Mark struct {
	Type  MarkType
	Attrs map[string]string // e.g. {"href": "..."} for MarkLink
}

// Node is one element of the structured document schema. Text nodes carry
// Text and Marks; every other kind carries Children.
type Node struct {
	Kind     Kind
	Attrs    map[string]string
	Marks    []Mark
	Text     string
	Children []*Node
}

func newNode(kind Kind) *Node {
	return &Node{Kind: kind, Attrs: make(map[string]string)}
}

func textNode(text string, marks ...Mark) *Node {
	return &Node{Kind: KindText, Text: text, Marks: marks}
}

func (n *Node) attr(key string) string {
	if n.Attrs == nil {
		return ""
	}
	return n.Attrs[key]
}

func (n *Node) setAttr(key, val string) {
	if n.Attrs == nil {
		n.Attrs = make(map[string]string)
	}
	n.Attrs[key] = val
}

func (n *Node) hasMark(t MarkType) (Mark, bool) {
	for _, m := range n.Marks {
		if m.Type == t {
			return m, true
		}
	}
	return Mark{}, false
}
