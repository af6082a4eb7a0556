package htmltree

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// blockToTable implements spec.md §4.1.1 step 9: inside each top-level
// <div> of <main>, any child <div> carrying a class list is rewritten as a
// <table>. The scope is exactly two levels below <main> — a top-level div's
// own classed children — never arbitrary descendants (a classed div nested
// inside a <blockquote> or list item is left alone). The one exception is a
// <da-diff-added> wrapper: since step 6 may have wrapped either a top-level
// div or one of its classed children in place, both levels look through
// such a wrapper to find the div it wraps ("applied recursively inside diff
// wrappers").
func blockToTable(main *html.Node) {
	for _, div := range topLevelDivs(main) {
		convertChildBlocks(div)
	}
}

// topLevelDivs returns main's direct <div> children, looking through any
// <da-diff-added> wrapper placed directly around one.
func topLevelDivs(main *html.Node) []*html.Node {
	var out []*html.Node
	for _, c := range elementChildren(main) {
		switch {
		case c.Data == "div":
			out = append(out, c)
		case c.Data == "da-diff-added":
			out = append(out, topLevelDivs(c)...)
		}
	}
	return out
}

// convertChildBlocks rewrites div's direct classed-<div> children as
// tables, looking through a <da-diff-added> wrapper placed directly around
// one of them the same way.
func convertChildBlocks(div *html.Node) {
	for _, c := range elementChildren(div) {
		switch {
		case c.Data == "div" && len(classList(c)) > 0:
			replaceWithTable(c)
		case c.Data == "da-diff-added":
			convertChildBlocks(c)
		}
	}
}

func replaceWithTable(c *html.Node) {
	table := buildTableFromBlock(c)
	parent := c.Parent
	parent.InsertBefore(newElement("p"), c)
	parent.InsertBefore(table, c)
	parent.InsertBefore(newElement("p"), c)
	parent.RemoveChild(c)
}

func buildTableFromBlock(div *html.Node) *html.Node {
	classes := classList(div)
	headerText := classes[0]
	if len(classes) > 1 {
		headerText += " (" + strings.Join(classes[1:], ", ") + ")"
	}

	rows := elementChildren(div)
	rowCells := make([][]*html.Node, len(rows))
	maxCols := 1
	for i, r := range rows {
		cells := elementChildren(r)
		rowCells[i] = cells
		if len(cells) > maxCols {
			maxCols = len(cells)
		}
	}

	table := newElement("table")
	if id, ok := nodeAttr(div, "data-id"); ok {
		setNodeAttr(table, "data-id", id)
	}
	if hasNodeAttr(div, "da-diff-added") {
		setNodeAttr(table, "da-diff-added", "")
	}

	headerRow := newElement("tr")
	headerCell := newElement("td")
	if maxCols > 1 {
		setNodeAttr(headerCell, "colspan", strconv.Itoa(maxCols))
	}
	headerCell.AppendChild(newText(headerText))
	headerRow.AppendChild(headerCell)
	table.AppendChild(headerRow)

	for _, cells := range rowCells {
		tr := newElement("tr")
		for i, cell := range cells {
			td := newElement("td")
			if i == len(cells)-1 && len(cells) < maxCols {
				setNodeAttr(td, "colspan", strconv.Itoa(maxCols-len(cells)+1))
			}
			for _, k := range children(cell) {
				removeNode(k)
				td.AppendChild(k)
			}
			tr.AppendChild(td)
		}
		table.AppendChild(tr)
	}
	return table
}

// tableToBlock reverses buildTableFromBlock (spec.md §4.1.2 step 3).
func tableToBlock(table *html.Node) *html.Node {
	rows := elementChildren(table)
	div := newElement("div")
	if id, ok := nodeAttr(table, "data-id"); ok {
		setNodeAttr(div, "data-id", id)
	}
	if hasNodeAttr(table, "da-diff-added") {
		setNodeAttr(div, "da-diff-added", "")
	}
	if len(rows) == 0 {
		return div
	}

	headerText := strings.TrimSpace(textContent(rows[0]))
	classes := toBlockCSSClassNames(headerText)
	setNodeAttr(div, "class", strings.Join(classes, " "))

	for _, r := range rows[1:] {
		rowDiv := newElement("div")
		for _, cell := range elementChildren(r) {
			cellDiv := newElement("div")
			for _, k := range children(cell) {
				removeNode(k)
				cellDiv.AppendChild(k)
			}
			rowDiv.AppendChild(cellDiv)
		}
		div.AppendChild(rowDiv)
	}
	return div
}

// toBlockCSSClassNames derives a block's class list from its table header
// text: "Marquee (light, bold)" → ["marquee", "light", "bold"].
func toBlockCSSClassNames(header string) []string {
	header = strings.TrimSpace(header)
	main := header
	suffix := ""
	if idx := strings.Index(header, "("); idx >= 0 && strings.HasSuffix(header, ")") {
		main = strings.TrimSpace(header[:idx])
		suffix = header[idx+1 : len(header)-1]
	}
	classes := []string{sanitizeClassName(main)}
	if suffix != "" {
		for _, part := range strings.Split(suffix, ",") {
			if c := sanitizeClassName(part); c != "" {
				classes = append(classes, c)
			}
		}
	}
	return classes
}

func sanitizeClassName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var sb strings.Builder
	prevDash := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			prevDash = false
			continue
		}
		if !prevDash {
			sb.WriteByte('-')
			prevDash = true
		}
	}
	return strings.Trim(sb.String(), "-")
}
