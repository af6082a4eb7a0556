package htmltree

import (
	"strings"

	"golang.org/x/net/html"
)

func nodeAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setNodeAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeNodeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}

func hasNodeAttr(n *html.Node, key string) bool {
	_, ok := nodeAttr(n, key)
	return ok
}

func classList(n *html.Node) []string {
	v, ok := nodeAttr(n, "class")
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	return strings.Fields(v)
}

// children returns n's immediate element/text children as a slice,
// skipping comment and doctype nodes so later passes never have to special
// case them.
func children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.CommentNode || c.Type == html.DoctypeNode {
			continue
		}
		out = append(out, c)
	}
	return out
}

func elementChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for _, c := range children(n) {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// textContent concatenates every descendant text node's data.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// isWhitespaceOnlyText reports whether n is a text node containing only
// whitespace.
func isWhitespaceOnlyText(n *html.Node) bool {
	return n.Type == html.TextNode && strings.TrimSpace(n.Data) == ""
}

func newElement(tag string, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: tag, Attr: attrs}
}

func newText(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func appendChild(parent, child *html.Node) {
	parent.AppendChild(child)
}

// replaceWithChildren substitutes n, in its parent's child list, with n's
// own children (used to unwrap an <a> around an image once the link has
// been hoisted onto that image).
func replaceWithChildren(n *html.Node) {
	parent := n.Parent
	if parent == nil {
		return
	}
	kids := children(n)
	for _, c := range kids {
		n.RemoveChild(c)
		parent.InsertBefore(c, n)
	}
	parent.RemoveChild(n)
}

func removeNode(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}
