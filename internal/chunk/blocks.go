package chunk

import (
	"strings"
)

// block is an indivisible unit: a heading, paragraph, or whole table
type block struct {
	text     string
	headings []string // Heading path in effect for this block
	tables   []string
}

// splitBlocks cuts markdown into blocks at blank lines, keeping markdown
// pipe tables and HTML tables whole.
func splitBlocks(text string) []block {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var blocks []block
	var path []string
	var buf []string
	kind := ""

	emit := func() {
		if len(buf) == 0 {
			return
		}
		body := strings.Join(buf, "\n")
		b := block{text: body, headings: append([]string(nil), path...)}
		switch kind {
		case "html":
			b.tables = htmlTableSignatures(body)
		case "pipe":
			if sig := pipeTableSignature(buf); sig != "" {
				b.tables = []string{sig}
			}
		}
		blocks = append(blocks, b)
		buf = nil
		kind = ""
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if kind == "html" {
			buf = append(buf, line)
			if strings.Contains(strings.ToLower(trimmed), "</table>") {
				emit()
			}
			continue
		}

		switch {
		case strings.Contains(strings.ToLower(trimmed), "<table"):
			emit()
			kind = "html"
			buf = append(buf, line)
			if strings.Contains(strings.ToLower(trimmed), "</table>") {
				emit()
			}
		case strings.HasPrefix(trimmed, "|"):
			if kind != "pipe" {
				emit()
				kind = "pipe"
			}
			buf = append(buf, line)
		case trimmed == "":
			emit()
		case strings.HasPrefix(trimmed, "#"):
			emit()
			level, title := heading(trimmed)
			if level > 0 {
				if level-1 < len(path) {
					path = path[:level-1]
				}
				for len(path) < level-1 {
					path = append(path, "")
				}
				path = append(path, title)
			}
			buf = append(buf, line)
			emit()
		default:
			if kind == "pipe" {
				emit()
			}
			buf = append(buf, line)
		}
	}
	emit()

	for i := range blocks {
		blocks[i].headings = compact(blocks[i].headings)
	}
	return blocks
}

// heading parses "## Title" into (2, "Title")
func heading(line string) (int, string) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || (level < len(line) && line[level] != ' ') {
		return 0, ""
	}
	return level, strings.TrimSpace(line[level:])
}

func compact(path []string) []string {
	out := path[:0:0]
	for _, p := range path {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
