package models

import "time"

// SearchResult is one candidate passage produced for a query.
type SearchResult struct {
	VectorID   string            `json:"vector_id"`
	DocID      string            `json:"doc_id"`
	ChunkIndex int               `json:"chunk_index"`
	Score      float64           `json:"score"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Embedding  []float32         `json:"-"`
}

// Title returns the document title carried in metadata.
func (r SearchResult) Title() string {
	return r.Metadata[MetaTitle]
}

// Key identifies the passage for de-duplication.
func (r SearchResult) Key() ChunkKey {
	return ChunkKey{DocID: r.DocID, ChunkIndex: r.ChunkIndex}
}

// ChunkKey is the (doc_id, chunk_index) identity of a passage.
type ChunkKey struct {
	DocID      string
	ChunkIndex int
}

// Answer status values.
const (
	StatusOK        = "ok"
	StatusNoSources = "no_sources"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// KnowledgeAnswer is returned to the caller of the query pipeline. It is not
// persisted by the core.
type KnowledgeAnswer struct {
	Query               string                   `json:"query"`
	ExpandedQuery       string                   `json:"expanded_query"`
	AnswerText          string                   `json:"answer_text"`
	Sources             []SearchResult           `json:"sources"`
	Confidence          float64                  `json:"confidence"`
	HallucinationReport *HallucinationReport     `json:"hallucination_report,omitempty"`
	Status              string                   `json:"status"`
	Warnings            []string                 `json:"warnings,omitempty"`
	StageTimings        map[string]time.Duration `json:"stage_timings,omitempty"`
}

// Claim verdicts.
const (
	ClaimVerified     = "verified"
	ClaimUnverified   = "unverified"
	ClaimHallucinated = "hallucinated"
)

// Claim is a numeric or date value found in a generated answer.
type Claim struct {
	Text      string `json:"text"`
	Sentence  string `json:"sentence"`
	Citations []int  `json:"citations,omitempty"`
	Verdict   string `json:"verdict"`
	Reason    string `json:"reason,omitempty"`
}

// HallucinationReport summarises the verification of one answer.
type HallucinationReport struct {
	Claims             []Claim  `json:"claims"`
	Verified           int      `json:"verified"`
	Unverified         int      `json:"unverified"`
	Hallucinated       int      `json:"hallucinated"`
	CheckableSentences int      `json:"checkable_sentences"`
	CitedSentences     int      `json:"cited_sentences"`
	CitationCoverage   float64  `json:"citation_coverage"`
	LowCoverage        bool     `json:"low_coverage"`
	InvalidCitations   []int    `json:"invalid_citations,omitempty"`
	FlaggedSentences   []string `json:"flagged_sentences,omitempty"`
	Warnings           []string `json:"warnings,omitempty"`
}

// Passed reports whether the answer had no hallucinated claims and adequate
// citation coverage.
func (r *HallucinationReport) Passed() bool {
	return r != nil && r.Hallucinated == 0 && !r.LowCoverage
}
