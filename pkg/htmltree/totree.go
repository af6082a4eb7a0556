package htmltree

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const emptyBodyTemplate = `<body><header></header><main><div><p></p></div></main><footer></footer></body>`

// ToTree runs the full HTML→Tree pipeline (spec.md §4.1.1) and returns the
// structured document root plus the extracted "daMetadata" entries.
func ToTree(raw string) (*Node, map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		raw = emptyBodyTemplate
	}

	root, err := parseFragment(raw)
	if err != nil {
		return nil, nil, err
	}

	renameLegacyDiffTags(root)

	main := findMain(root)
	if main == nil {
		main = root
	}

	metadata := extractAndRemoveMetadata(main)
	wrapDiffAdded(main)
	hoistLinkImages(main)
	stripComments(main)
	blockToTable(main)
	detectSectionBreaks(main)
	sections := splitSections(main)

	doc := newNode(KindDoc)
	for _, c := range sections {
		if n := parseBlock(c); n != nil {
			doc.Children = append(doc.Children, n)
		}
	}
	return doc, metadata, nil
}

func parseFragment(raw string) (*html.Node, error) {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(raw), context)
	if err != nil {
		return nil, err
	}
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	for _, n := range nodes {
		body.AppendChild(n)
	}
	return body, nil
}

// renameLegacyDiffTags implements step 2: <da-loc-added>/<da-loc-deleted>
// are an older name for the same diff-wrapper concept.
func renameLegacyDiffTags(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "da-loc-added":
			n.Data = "da-diff-added"
		case "da-loc-deleted":
			n.Data = "da-diff-deleted"
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renameLegacyDiffTags(c)
	}
}

func findMain(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "main" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := findMain(c); m != nil {
			return m
		}
	}
	return nil
}

// extractAndRemoveMetadata implements step 5: the top-level
// <div class="da-metadata"> holds two-column key/value rows, one per
// nested <div><div>key</div><div>value</div></div>.
func extractAndRemoveMetadata(main *html.Node) map[string]string {
	metadata := make(map[string]string)
	for _, c := range elementChildren(main) {
		if c.Data != "div" {
			continue
		}
		classes := classList(c)
		if !containsStr(classes, "da-metadata") {
			continue
		}
		for _, row := range elementChildren(c) {
			cols := elementChildren(row)
			if len(cols) < 2 {
				continue
			}
			key := strings.TrimSpace(textContent(cols[0]))
			val := strings.TrimSpace(textContent(cols[1]))
			if key != "" {
				metadata[key] = val
			}
		}
		removeNode(c)
		break
	}
	return metadata
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// wrapDiffAdded implements step 6: an element carrying da-diff-added="" is
// wrapped in a synthesized <da-diff-added> element, unless it already sits
// inside one.
func wrapDiffAdded(n *html.Node) {
	for _, c := range elementChildren(n) {
		wrapDiffAdded(c)
	}
	if n.Type != html.ElementNode || n.Data == "da-diff-added" {
		return
	}
	if !hasNodeAttr(n, "da-diff-added") {
		return
	}
	if hasAncestorTag(n, "da-diff-added") {
		return
	}
	parent := n.Parent
	if parent == nil {
		return
	}
	wrapper := newElement("da-diff-added")
	parent.InsertBefore(wrapper, n)
	parent.RemoveChild(n)
	wrapper.AppendChild(n)
}

func hasAncestorTag(n *html.Node, tag string) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == tag {
			return true
		}
	}
	return false
}

// hoistLinkImages implements step 7: an <a> wrapping a <picture>/<img>
// hoists href/title/da-diff-added onto the image and is replaced by its
// children.
func hoistLinkImages(n *html.Node) {
	for _, c := range elementChildren(n) {
		hoistLinkImages(c)
	}
	if n.Type != html.ElementNode || n.Data != "a" {
		return
	}
	img := findDescendantImg(n)
	if img == nil {
		return
	}
	if href, ok := nodeAttr(n, "href"); ok {
		setNodeAttr(img, "href", href)
	}
	if title, ok := nodeAttr(n, "title"); ok {
		setNodeAttr(img, "title", title)
	}
	if hasNodeAttr(n, "da-diff-added") {
		setNodeAttr(img, "da-diff-added", "")
	}
	replaceWithChildren(n)
}

func findDescendantImg(n *html.Node) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "img" || c.Data == "picture") {
			if c.Data == "picture" {
				if img := findDescendantImg(c); img != nil {
					return img
				}
				continue
			}
			return c
		}
		if img := findDescendantImg(c); img != nil {
			return img
		}
	}
	return nil
}

// stripComments implements step 8.
func stripComments(n *html.Node) {
	c := n.FirstChild
	for c != nil {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			stripComments(c)
		}
		c = next
	}
}

// detectSectionBreaks implements step 10: a <p> whose sole text content is
// exactly "---" becomes an <hr>.
func detectSectionBreaks(n *html.Node) {
	for _, c := range elementChildren(n) {
		detectSectionBreaks(c)
	}
	if n.Type != html.ElementNode || n.Data != "p" {
		return
	}
	if strings.TrimSpace(textContent(n)) != "---" {
		return
	}
	hr := newElement("hr")
	if n.Parent != nil {
		n.Parent.InsertBefore(hr, n)
		n.Parent.RemoveChild(n)
	}
}

// splitSections implements step 11: every top-level <div> after the first
// becomes an <hr> (flanked by empty <p> spacers) followed by its inline
// contents, flattening multiple authored sections into one sequence
// delimited by <hr>.
func splitSections(main *html.Node) []*html.Node {
	divs := elementChildren(main)
	var out []*html.Node
	for i, d := range divs {
		if d.Data != "div" {
			out = append(out, d)
			continue
		}
		if i > 0 {
			out = append(out, newElement("p"), newElement("hr"), newElement("p"))
		}
		out = append(out, children(d)...)
	}
	return out
}
