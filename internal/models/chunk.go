package models

import (
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Metadata keys stored on every vector record.
const (
	MetaTenantID       = "tenant_id"
	MetaDocID          = "doc_id"
	MetaChunkIndex     = "chunk_index"
	MetaTitle          = "title"
	MetaContentPreview = "content_preview"
	MetaSourceType     = "source_type"
	MetaExternalID     = "external_id"
	MetaCreatedAt      = "created_at"

	ContentPreviewChars = 500
)

// vectorNamespace seeds the v5 UUIDs used as vector ids.
var vectorNamespace = uuid.MustParse("6f1c8a52-5d0e-4c35-9d7e-3f0b1f2a9c41")

// Chunk is a bounded text segment of one document. Start and End are rune
// offsets into the source text.
type Chunk struct {
	DocID      string
	TenantID   string
	ChunkIndex int
	Text       string
	Start      int
	End        int
}

// VectorID returns the deterministic id for this chunk.
func (c Chunk) VectorID() string {
	return VectorID(c.DocID, c.ChunkIndex)
}

// VectorID derives the vector id from the document id and chunk index so that
// re-embedding identical text overwrites instead of duplicating.
func VectorID(docID string, chunkIndex int) string {
	return uuid.NewSHA1(vectorNamespace, []byte(docID+":"+strconv.Itoa(chunkIndex))).String()
}

// VectorRecord is what gets written to the vector database.
type VectorRecord struct {
	VectorID  string
	Embedding []float32
	Namespace string
	// Content is the full chunk text. Metadata only carries a preview.
	Content  string
	Metadata map[string]string
}

// TenantID returns the tenant recorded in the metadata.
func (r VectorRecord) TenantID() string {
	return r.Metadata[MetaTenantID]
}

// BoundValue truncates a metadata value to MaxMetadataValueChars runes.
func BoundValue(v string) string {
	return TruncateRunes(v, MaxMetadataValueChars)
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
