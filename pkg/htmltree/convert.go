package htmltree

import (
	"strings"

	"dacollab.dev/pkg/crdt"
)

// ApplyHTML runs ToTree on rawHTML and replays the result as CRDT
// operations into doc's "prosemirror" fragment and "daMetadata" map,
// implementing spec.md §4.1.1 step 13. Existing content is cleared first,
// matching the Persistence Binder's transactional rebuild (spec §4.4.1
// step 4), which is the only caller that needs a full replace rather than
// an incremental edit.
func ApplyHTML(doc *crdt.SharedDoc, rawHTML string) error {
	tree, metadata, err := ToTree(rawHTML)
	if err != nil {
		return err
	}
	doc.Clear()
	insertChildren(doc, crdt.Clock{}, tree.Children)
	for k, v := range metadata {
		doc.SetMetadata(k, v)
	}
	return nil
}

func insertChildren(doc *crdt.SharedDoc, parent crdt.Clock, nodes []*Node) {
	var left crdt.Clock
	for _, n := range nodes {
		left = insertNode(doc, parent, left, n)
	}
}

func insertNode(doc *crdt.SharedDoc, parent, left crdt.Clock, n *Node) crdt.Clock {
	if n.Kind == KindText {
		id := doc.InsertNode(parent, left, "", true, n.Text)
		if len(n.Marks) > 0 {
			doc.SetAttr(id, "marks", encodeMarks(n.Marks))
		}
		return id
	}
	id := doc.InsertNode(parent, left, string(n.Kind), false, "")
	for k, v := range n.Attrs {
		doc.SetAttr(id, k, v)
	}
	insertChildren(doc, id, n.Children)
	return id
}

// RenderHTML walks doc's current "prosemirror" fragment and "daMetadata"
// map back into an HTML string via FromTree, implementing the read side of
// spec.md §4.1.2 step 1.
func RenderHTML(doc *crdt.SharedDoc) (string, error) {
	root := doc.Root()
	var children []*Node
	for _, c := range root.VisibleChildren() {
		children = append(children, nodeFromCRDT(c))
	}
	tree := &Node{Kind: KindDoc, Children: children}
	return FromTree(tree, doc.Metadata())
}

func nodeFromCRDT(n *crdt.Node) *Node {
	if n.IsText {
		marksAttr, _ := n.Attr("marks")
		return &Node{Kind: KindText, Text: n.Text, Marks: decodeMarks(marksAttr)}
	}
	out := newNode(Kind(n.Tag))
	out.Attrs = n.Attrs()
	for _, c := range n.VisibleChildren() {
		out.Children = append(out.Children, nodeFromCRDT(c))
	}
	return out
}

// encodeMarks/decodeMarks give text nodes' inline marks a stable attribute
// encoding on the underlying crdt.Node, since the tree CRDT only has plain
// string attributes, not a dedicated marks facility.
func encodeMarks(marks []Mark) string {
	parts := make([]string, 0, len(marks))
	for _, m := range marks {
		if m.Type == MarkLink {
			parts = append(parts, "link:"+m.Attrs["href"])
			continue
		}
		parts = append(parts, string(m.Type))
	}
	return strings.Join(parts, "|")
}

func decodeMarks(s string) []Mark {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "|")
	marks := make([]Mark, 0, len(parts))
	for _, p := range parts {
		if href, ok := strings.CutPrefix(p, "link:"); ok {
			marks = append(marks, Mark{Type: MarkLink, Attrs: map[string]string{"href": href}})
			continue
		}
		marks = append(marks, Mark{Type: MarkType(p)})
	}
	return marks
}
