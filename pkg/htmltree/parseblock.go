package htmltree

import (
	"strconv"

	"golang.org/x/net/html"
)

// parseBlock converts one top-level html.Node into the structured schema
// (spec.md §4.1.1 step 12). It returns nil for nodes that carry no
// structural meaning (stray whitespace text, unrecognized elements).
func parseBlock(n *html.Node) *Node {
	switch n.Type {
	case html.TextNode:
		if isWhitespaceOnlyText(n) {
			return nil
		}
		p := newNode(KindParagraph)
		p.Children = parseInline(n, nil)
		return p
	case html.ElementNode:
		return parseElementBlock(n)
	default:
		return nil
	}
}

func parseElementBlock(n *html.Node) *Node {
	switch n.Data {
	case "p":
		p := newNode(KindParagraph)
		p.Children = parseInlineChildren(n, nil)
		return p
	case "h1", "h2", "h3", "h4", "h5", "h6":
		h := newNode(KindHeading)
		level, _ := strconv.Atoi(n.Data[1:])
		h.setAttr("level", strconv.Itoa(level))
		h.Children = parseInlineChildren(n, nil)
		return h
	case "ul":
		l := newNode(KindBulletList)
		for _, li := range elementChildren(n) {
			if li.Data == "li" {
				l.Children = append(l.Children, parseListItem(li))
			}
		}
		return l
	case "ol":
		l := newNode(KindOrderedList)
		for _, li := range elementChildren(n) {
			if li.Data == "li" {
				l.Children = append(l.Children, parseListItem(li))
			}
		}
		return l
	case "blockquote":
		b := newNode(KindBlockquote)
		for _, c := range children(n) {
			if blk := parseBlock(c); blk != nil {
				b.Children = append(b.Children, blk)
			}
		}
		return b
	case "pre":
		code := newNode(KindCodeBlock)
		code.Text = textContent(n)
		return code
	case "hr":
		return newNode(KindHorizontalRule)
	case "img", "picture":
		return parseImage(n)
	case "table":
		return parseTable(n)
	case "da-diff-added":
		return parseDiffWrapper(n, KindDiffAdded)
	case "da-diff-deleted":
		return parseDiffWrapper(n, KindDiffDeleted)
	case "a":
		// A bare top-level <a> (not hoisted into an image) degrades to a
		// paragraph so its text isn't dropped.
		p := newNode(KindParagraph)
		p.Children = parseInline(n, nil)
		return p
	default:
		// Unrecognized wrapper: recurse into children as a pass-through so
		// legacy diff tags and other envelope elements don't lose content.
		var out []*Node
		for _, c := range children(n) {
			if blk := parseBlock(c); blk != nil {
				out = append(out, blk)
			}
		}
		if len(out) == 1 {
			return out[0]
		}
		if len(out) > 1 {
			wrap := newNode(KindParagraph)
			wrap.Children = out
			return wrap
		}
		return nil
	}
}

func parseListItem(li *html.Node) *Node {
	item := newNode(KindListItem)
	for _, c := range children(li) {
		if blk := parseBlock(c); blk != nil {
			item.Children = append(item.Children, blk)
		}
	}
	return item
}

func parseDiffWrapper(n *html.Node, kind Kind) *Node {
	w := newNode(kind)
	if v, ok := nodeAttr(n, "data-mdast"); ok {
		w.setAttr("data-mdast", v)
	}
	for _, c := range children(n) {
		if blk := parseBlock(c); blk != nil {
			w.Children = append(w.Children, blk)
		}
	}
	return w
}

func parseImage(n *html.Node) *Node {
	img := newNode(KindImage)
	target := n
	if n.Data == "picture" {
		if found := findDescendantImg(n); found != nil {
			target = found
		}
	}
	if v, ok := nodeAttr(target, "src"); ok {
		img.setAttr("src", v)
	}
	if v, ok := nodeAttr(target, "alt"); ok {
		img.setAttr("alt", v)
	}
	if v, ok := nodeAttr(target, "href"); ok {
		img.setAttr("href", v)
	}
	if v, ok := nodeAttr(target, "title"); ok {
		img.setAttr("title", v)
	}
	if hasNodeAttr(target, "da-diff-added") {
		img.setAttr("da-diff-added", "")
	}
	return img
}

func parseTable(n *html.Node) *Node {
	t := newNode(KindTable)
	if id, ok := nodeAttr(n, "data-id"); ok {
		t.setAttr("data-id", id)
	}
	if hasNodeAttr(n, "da-diff-added") {
		t.setAttr("da-diff-added", "")
	}
	for _, r := range elementChildren(n) {
		if r.Data != "tr" {
			continue
		}
		row := newNode(KindTableRow)
		for _, cell := range elementChildren(r) {
			if cell.Data != "td" && cell.Data != "th" {
				continue
			}
			td := newNode(KindTableCell)
			if v, ok := nodeAttr(cell, "colspan"); ok {
				td.setAttr("colspan", v)
			}
			for _, c := range children(cell) {
				if blk := parseBlock(c); blk != nil {
					td.Children = append(td.Children, blk)
				}
			}
			row.Children = append(row.Children, td)
		}
		t.Children = append(t.Children, row)
	}
	return t
}

// parseInlineChildren walks n's children producing a flat run of inline
// text nodes, carrying marks down from ancestor formatting elements.
func parseInlineChildren(n *html.Node, marks []Mark) []*Node {
	var out []*Node
	for _, c := range children(n) {
		out = append(out, parseInline(c, marks)...)
	}
	return out
}

func parseInline(n *html.Node, marks []Mark) []*Node {
	if n.Type == html.TextNode {
		if n.Data == "" {
			return nil
		}
		return []*Node{textNode(n.Data, marks...)}
	}
	if n.Type != html.ElementNode {
		return nil
	}
	if n.Data == "br" {
		return []*Node{textNode("\n", marks...)}
	}
	if n.Data == "img" || n.Data == "picture" {
		return []*Node{parseImage(n)}
	}
	mark, ok := inlineMarkFor(n)
	next := marks
	if ok {
		next = append(append([]Mark{}, marks...), mark)
	}
	return parseInlineChildren(n, next)
}

func inlineMarkFor(n *html.Node) (Mark, bool) {
	switch n.Data {
	case "b", "strong":
		return Mark{Type: MarkBold}, true
	case "i", "em":
		return Mark{Type: MarkItalic}, true
	case "s", "strike", "del":
		return Mark{Type: MarkStrike}, true
	case "u":
		return Mark{Type: MarkUnderline}, true
	case "code":
		return Mark{Type: MarkCode}, true
	case "sup":
		return Mark{Type: MarkSuperscript}, true
	case "sub":
		return Mark{Type: MarkSubscript}, true
	case "a":
		attrs := map[string]string{}
		if href, ok := nodeAttr(n, "href"); ok {
			attrs["href"] = href
		}
		return Mark{Type: MarkLink, Attrs: attrs}, true
	default:
		return Mark{}, false
	}
}
