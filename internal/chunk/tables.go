package chunk

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// TableSignatures returns the signatures of every table in text, in order
func TableSignatures(text string) []string {
	var sigs []string
	seen := map[string]bool{}
	for _, b := range splitBlocks(text) {
		for _, sig := range b.tables {
			if !seen[sig] {
				seen[sig] = true
				sigs = append(sigs, sig)
			}
		}
	}
	return sigs
}

// Signature joins normalized header cells with "|". Cells are lowercased and
// inner whitespace becomes "_", so a signature never contains spaces.
func Signature(headers []string) string {
	cells := make([]string, 0, len(headers))
	for _, h := range headers {
		h = strings.ToLower(strings.Join(strings.Fields(h), "_"))
		if h != "" {
			cells = append(cells, h)
		}
	}
	return strings.Join(cells, "|")
}

// pipeTableSignature derives the signature from a markdown table's header row
func pipeTableSignature(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	row := strings.Trim(strings.TrimSpace(lines[0]), "|")
	return Signature(strings.Split(row, "|"))
}

// htmlTableSignatures parses HTML tables and signs each by its first row
func htmlTableSignatures(fragment string) []string {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil
	}

	var sigs []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Table {
			if row := firstRow(n); row != nil {
				if sig := Signature(cellTexts(row)); sig != "" {
					sigs = append(sigs, sig)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sigs
}

func firstRow(table *html.Node) *html.Node {
	var found *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			// Nested tables sign themselves
			if c.Type == html.ElementNode && c.DataAtom == atom.Table {
				continue
			}
			walk(c)
		}
	}
	for c := table.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return found
}

func cellTexts(row *html.Node) []string {
	var cells []string
	for c := row.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Th || c.DataAtom == atom.Td) {
			cells = append(cells, textContent(c))
		}
	}
	return cells
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
