// Package chunk splits OCR markdown into model-sized pieces. Each chunk
// carries its heading path and the signatures of the tables it contains, so
// extraction can scope its dedup context to same-table instances.
package chunk

import (
	"fmt"
	"strings"
)

// Chunk is a contiguous slice of the source document
type Chunk struct {
	Index  int      // 0-based position
	ID     string   // Heading path, or "chunk-<n>" when no heading precedes it
	Text   string   // Chunk body
	Tables []string // Signatures of tables inside the chunk
}

// HasTable reports whether sig is one of the chunk's table signatures
func (c Chunk) HasTable(sig string) bool {
	for _, t := range c.Tables {
		if t == sig {
			return true
		}
	}
	return false
}

// Options bound chunk size
type Options struct {
	MaxTokens int // Split when the document exceeds this; 0 never splits
	Overlap   int // Tokens of trailing context repeated at the start of the next chunk
}

// EstimateTokens approximates the token count of s at four bytes per token
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Split returns the document as one chunk when it fits the budget, and as
// heading-aware chunks otherwise. Tables are never split across chunks.
func Split(text string, opts Options) []Chunk {
	if opts.MaxTokens <= 0 || EstimateTokens(text) <= opts.MaxTokens {
		return []Chunk{{Index: 0, ID: "document", Text: text, Tables: TableSignatures(text)}}
	}

	blocks := splitBlocks(text)

	var chunks []Chunk
	var current []block
	tokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, build(len(chunks), current))

		// Carry trailing blocks into the next chunk as overlap
		var carry []block
		carried := 0
		for i := len(current) - 1; i >= 0 && opts.Overlap > 0; i-- {
			t := EstimateTokens(current[i].text)
			if carried+t > opts.Overlap {
				break
			}
			carry = append([]block{current[i]}, carry...)
			carried += t
		}
		current = carry
		tokens = carried
	}

	for _, b := range blocks {
		t := EstimateTokens(b.text)
		if tokens+t > opts.MaxTokens && tokens > 0 {
			before := len(chunks)
			flush()
			// Overlap alone must not prevent progress
			if len(chunks) > before && tokens+t > opts.MaxTokens {
				current, tokens = nil, 0
			}
		}
		current = append(current, b)
		tokens += t
	}
	flush()

	return chunks
}

func build(index int, blocks []block) Chunk {
	parts := make([]string, 0, len(blocks))
	var tables []string
	seen := map[string]bool{}
	for _, b := range blocks {
		parts = append(parts, b.text)
		for _, sig := range b.tables {
			if !seen[sig] {
				seen[sig] = true
				tables = append(tables, sig)
			}
		}
	}

	id := fmt.Sprintf("chunk-%d", index)
	// The heading path of the first block that has one names the chunk
	for _, b := range blocks {
		if len(b.headings) > 0 {
			id = strings.Join(b.headings, " > ")
			break
		}
	}

	return Chunk{
		Index:  index,
		ID:     id,
		Text:   strings.Join(parts, "\n\n"),
		Tables: tables,
	}
}
