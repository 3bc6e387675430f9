// Package chunker splits document text into overlapping, sentence-aware
// segments. Output is a pure function of the input so that vector ids derived
// from chunk positions are stable across runs.
package chunker

import (
	"strings"

	"knowledge-rag/internal/models"
)

const (
	defaultChunkSize    = 2000 // chars
	defaultChunkOverlap = 400  // chars
)

// boundaries are tried in priority order. A level matches when any of its
// markers is found in the later half of the window.
var boundaries = [][]string{
	{"\n\n"},
	{".\n", "!\n", "?\n"},
	{". ", "! ", "? "},
	{".\t", "!\t", "?\t"},
	{"\n"},
	{";"},
}

// Chunker holds the size parameters. The zero value is not usable, use New.
type Chunker struct {
	size    int
	overlap int
}

// New returns a chunker. Non-positive size falls back to the default and an
// overlap that would stall progress is reduced to a quarter of the size.
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 4
	}
	return &Chunker{size: size, overlap: overlap}
}

// Size returns the configured chunk size.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split cuts text into chunks. Offsets are rune offsets into text.
func (c *Chunker) Split(text string) []models.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	n := len(runes)
	if n <= c.size {
		return []models.Chunk{{Text: strings.TrimSpace(text), Start: 0, End: n}}
	}

	var chunks []models.Chunk
	start := 0
	for start < n {
		end := min(start+c.size, n)
		if end < n {
			end = start + bestBreak(runes[start:end])
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			chunks = append(chunks, models.Chunk{
				ChunkIndex: len(chunks),
				Text:       piece,
				Start:      start,
				End:        end,
			})
		}
		if end >= n {
			break
		}

		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// SplitDocument chunks a document and stamps tenant and document ids.
func (c *Chunker) SplitDocument(doc models.Document) []models.Chunk {
	chunks := c.Split(doc.Content)
	for i := range chunks {
		chunks[i].DocID = doc.ID
		chunks[i].TenantID = doc.TenantID
	}
	return chunks
}

// bestBreak returns the cut position inside window: the end of the highest
// priority boundary marker found in the later half, or len(window) for a hard
// cut.
func bestBreak(window []rune) int {
	s := string(window)
	half := len(window) / 2
	for _, level := range boundaries {
		best := -1
		for _, marker := range level {
			idx := strings.LastIndex(s, marker)
			if idx < 0 {
				continue
			}
			// byte index → rune index
			pos := len([]rune(s[:idx])) + len([]rune(marker))
			if pos > best {
				best = pos
			}
		}
		if best > half {
			return best
		}
	}
	return len(window)
}
