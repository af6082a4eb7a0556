package htmltree

import (
	"bytes"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// FromTree runs the full Tree→HTML pipeline (spec.md §4.1.2) and returns
// the rendered document string.
func FromTree(doc *Node, metadata map[string]string) (string, error) {
	flat := serializeChildren(doc.Children)
	replaceTablesWithBlocks(flat)
	sections := joinSections(flat)

	body := newElement("body")
	body.AppendChild(newElement("header"))

	main := newElement("main")
	for _, s := range sections {
		main.AppendChild(s)
	}
	if len(metadata) > 0 {
		main.AppendChild(buildMetadataDiv(metadata))
	}
	body.AppendChild(main)
	body.AppendChild(newElement("footer"))

	var buf bytes.Buffer
	if err := html.Render(&buf, body); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// serializeChildren is the general entry point for turning a run of schema
// nodes into html.Nodes: it flattens <da-diff-added> wrappers (step 4) and
// collapses all-image paragraphs (step 6).
func serializeChildren(nodes []*Node) []*html.Node {
	var out []*html.Node
	for _, n := range nodes {
		if n.Kind == KindDiffAdded {
			out = append(out, serializeChildren(n.Children)...)
			continue
		}
		if n.Kind == KindParagraph {
			if imgs, ok := paragraphAllImages(n); ok {
				out = append(out, imgs...)
				continue
			}
		}
		if b := serializeBlock(n); b != nil {
			out = append(out, b)
		}
	}
	return out
}

func paragraphAllImages(n *Node) ([]*html.Node, bool) {
	var imgs []*html.Node
	found := false
	for _, c := range n.Children {
		if c.Kind == KindText && strings.TrimSpace(c.Text) == "" {
			continue
		}
		if c.Kind != KindImage {
			return nil, false
		}
		imgs = append(imgs, serializeImage(c))
		found = true
	}
	return imgs, found
}

func serializeBlock(n *Node) *html.Node {
	switch n.Kind {
	case KindParagraph:
		p := newElement("p")
		appendInline(p, n.Children)
		return p
	case KindHeading:
		level := n.attr("level")
		if level == "" {
			level = "1"
		}
		h := newElement("h" + level)
		appendInline(h, n.Children)
		return h
	case KindBulletList:
		ul := newElement("ul")
		for _, li := range n.Children {
			ul.AppendChild(serializeListItem(li))
		}
		return ul
	case KindOrderedList:
		ol := newElement("ol")
		for _, li := range n.Children {
			ol.AppendChild(serializeListItem(li))
		}
		return ol
	case KindListItem:
		return serializeListItem(n)
	case KindBlockquote:
		bq := newElement("blockquote")
		for _, c := range serializeChildren(n.Children) {
			bq.AppendChild(c)
		}
		return bq
	case KindCodeBlock:
		pre := newElement("pre")
		code := newElement("code")
		code.AppendChild(newText(n.Text))
		pre.AppendChild(code)
		return pre
	case KindHorizontalRule:
		return newElement("hr")
	case KindImage:
		return serializeImage(n)
	case KindTable:
		return serializeTable(n)
	case KindDiffDeleted:
		w := newElement("da-diff-deleted")
		if v := n.attr("data-mdast"); v != "" {
			setNodeAttr(w, "data-mdast", v)
		}
		for _, c := range serializeChildren(n.Children) {
			w.AppendChild(c)
		}
		return w
	case KindDiffAdded:
		w := newElement("da-diff-added")
		for _, c := range serializeChildren(n.Children) {
			w.AppendChild(c)
		}
		return w
	default:
		return nil
	}
}

// serializeListItem implements step 6's <li> collapse rule: a list item
// containing exactly one paragraph is rendered with that paragraph's
// inline content directly, not a nested <p>.
func serializeListItem(n *Node) *html.Node {
	li := newElement("li")
	if len(n.Children) == 1 && n.Children[0].Kind == KindParagraph {
		appendInline(li, n.Children[0].Children)
		return li
	}
	for _, c := range serializeChildren(n.Children) {
		li.AppendChild(c)
	}
	return li
}

// appendInline renders a run of inline Text/Image nodes into parent,
// wrapping text in its marks' elements (innermost mark first).
func appendInline(parent *html.Node, nodes []*Node) {
	for _, n := range nodes {
		switch n.Kind {
		case KindImage:
			parent.AppendChild(serializeImage(n))
		case KindText:
			if n.Text == "\n" {
				parent.AppendChild(newElement("br"))
				continue
			}
			parent.AppendChild(wrapMarks(n.Text, n.Marks))
		}
	}
}

func wrapMarks(text string, marks []Mark) *html.Node {
	var cur *html.Node = newText(text)
	for i := len(marks) - 1; i >= 0; i-- {
		cur = wrapOneMark(cur, marks[i])
	}
	return cur
}

func wrapOneMark(inner *html.Node, m Mark) *html.Node {
	var el *html.Node
	switch m.Type {
	case MarkBold:
		el = newElement("b")
	case MarkItalic:
		el = newElement("i")
	case MarkStrike:
		el = newElement("s")
	case MarkUnderline:
		el = newElement("u")
	case MarkCode:
		el = newElement("code")
	case MarkSuperscript:
		el = newElement("sup")
	case MarkSubscript:
		el = newElement("sub")
	case MarkLink:
		el = newElement("a")
		if href, ok := m.Attrs["href"]; ok {
			setNodeAttr(el, "href", href)
		}
	default:
		return inner
	}
	el.AppendChild(inner)
	return el
}

// serializeImage implements step 6's picture-wrapping rule: any image with
// a src is always emitted as <picture><source/><source/><img></picture>,
// hoisting href/title/da-diff-added back out to a wrapping <a>.
func serializeImage(n *Node) *html.Node {
	img := newElement("img")
	src := n.attr("src")
	if src != "" {
		setNodeAttr(img, "src", src)
	}
	if alt := n.attr("alt"); alt != "" {
		setNodeAttr(img, "alt", alt)
	}
	setNodeAttr(img, "loading", "lazy")

	if src == "" {
		return img
	}

	picture := newElement("picture")
	small := newElement("source")
	setNodeAttr(small, "srcset", src)
	large := newElement("source")
	setNodeAttr(large, "srcset", src)
	setNodeAttr(large, "media", "(min-width: 600px)")
	picture.AppendChild(small)
	picture.AppendChild(large)
	picture.AppendChild(img)

	href := n.attr("href")
	if href == "" {
		return picture
	}

	a := newElement("a")
	setNodeAttr(a, "href", href)
	if title := n.attr("title"); title != "" {
		setNodeAttr(a, "title", title)
	}
	if n.attr("da-diff-added") != "" || hasAttrKey(n, "da-diff-added") {
		setNodeAttr(a, "da-diff-added", "")
	}
	a.AppendChild(picture)
	return a
}

func hasAttrKey(n *Node, key string) bool {
	if n.Attrs == nil {
		return false
	}
	_, ok := n.Attrs[key]
	return ok
}

func serializeTable(n *Node) *html.Node {
	t := newElement("table")
	if id := n.attr("data-id"); id != "" {
		setNodeAttr(t, "data-id", id)
	}
	if hasAttrKey(n, "da-diff-added") {
		setNodeAttr(t, "da-diff-added", "")
	}
	for _, row := range n.Children {
		tr := newElement("tr")
		for _, cell := range row.Children {
			td := newElement("td")
			if cs := cell.attr("colspan"); cs != "" {
				setNodeAttr(td, "colspan", cs)
			}
			for _, c := range serializeChildren(cell.Children) {
				td.AppendChild(c)
			}
			tr.AppendChild(td)
		}
		t.AppendChild(tr)
	}
	return t
}

// replaceTablesWithBlocks reverses blockToTable (spec.md §4.1.2 step 3):
// every <table> this pipeline produced is turned back into a class-bearing
// <div> block, recursively so tables nested inside <da-diff-deleted> are
// reached too.
func replaceTablesWithBlocks(nodes []*html.Node) {
	for _, n := range nodes {
		replaceTablesWithBlocksIn(n)
	}
	for i, n := range nodes {
		if n.Type == html.ElementNode && n.Data == "table" {
			nodes[i] = tableToBlock(n)
		}
	}
}

func replaceTablesWithBlocksIn(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && c.Data == "table" {
			block := tableToBlock(c)
			n.InsertBefore(block, c)
			n.RemoveChild(c)
		} else {
			replaceTablesWithBlocksIn(c)
		}
		c = next
	}
}

// joinSections implements step 5: split the flat sequence at every <hr>
// into sibling <div> sections.
func joinSections(flat []*html.Node) []*html.Node {
	var sections []*html.Node
	cur := newElement("div")
	hasContent := false

	flush := func() {
		sections = append(sections, cur)
		cur = newElement("div")
		hasContent = false
	}

	for _, n := range flat {
		if n.Type == html.ElementNode && n.Data == "hr" {
			flush()
			continue
		}
		if n.Type == html.ElementNode && n.Data == "p" && len(elementChildren(n)) == 0 && strings.TrimSpace(textContent(n)) == "" {
			// Drop every empty paragraph wherever it sits, which removes the
			// spacers emitted around section breaks and block tables.
			continue
		}
		cur.AppendChild(n)
		hasContent = true
	}
	if hasContent || len(sections) == 0 {
		sections = append(sections, cur)
	}
	return sections
}

func buildMetadataDiv(metadata map[string]string) *html.Node {
	div := newElement("div")
	setNodeAttr(div, "class", "da-metadata")

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		row := newElement("div")
		keyDiv := newElement("div")
		keyDiv.AppendChild(newText(k))
		valDiv := newElement("div")
		valDiv.AppendChild(newText(metadata[k]))
		row.AppendChild(keyDiv)
		row.AppendChild(valDiv)
		div.AppendChild(row)
	}
	return div
}
