package models

import "time"

// Source types produced by the ingestion side and by gap answer submission.
const (
	SourceTypeEmail       = "email"
	SourceTypeFile        = "file"
	SourceTypeChat        = "chat"
	SourceTypeGapAnswer   = "knowledge_gap_answer"
	MaxMetadataValueChars = 1000
)

// Document is a tenant-owned record created by ingestion. The core only ever
// writes EmbeddedAt and EmbeddingModel.
type Document struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	SourceType     string            `json:"source_type"`
	ExternalID     string            `json:"external_id"`
	CreatedAt      time.Time         `json:"created_at"`
	EmbeddedAt     *time.Time        `json:"embedded_at,omitempty"`
	EmbeddingModel string            `json:"embedding_model,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// IsEmbedded reports whether the document has been indexed.
func (d Document) IsEmbedded() bool {
	return d.EmbeddedAt != nil
}

// GapAnswer is a question/answer pair collected outside the core that should
// become retrievable.
type GapAnswer struct {
	QuestionID string    `json:"question_id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	AnsweredBy string    `json:"answered_by"`
	AnsweredAt time.Time `json:"answered_at"`
}
