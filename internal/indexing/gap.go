package indexing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"knowledge-rag/internal/helper"
	"knowledge-rag/internal/models"
)

// Metadata keys recorded on gap answer documents.
const (
	MetaQuestionID = "question_id"
	MetaAnsweredBy = "answered_by"
	MetaAnsweredAt = "answered_at"
)

// gapAnswerDocID is the stable document id for a question, so a revised
// answer replaces the previous one.
func gapAnswerDocID(questionID string) string {
	return "gap-" + helper.StableID("knowledge_gap:"+questionID)
}

// GapAnswerDocument converts a question/answer pair into a Document.
func GapAnswerDocument(tenantID string, ans models.GapAnswer) models.Document {
	answeredAt := ans.AnsweredAt
	if answeredAt.IsZero() {
		answeredAt = time.Now().UTC()
	}
	return models.Document{
		ID:         gapAnswerDocID(ans.QuestionID),
		TenantID:   tenantID,
		Title:      strings.TrimSpace(ans.Question),
		Content:    fmt.Sprintf("Question: %s\n\nAnswer: %s", strings.TrimSpace(ans.Question), strings.TrimSpace(ans.Answer)),
		SourceType: models.SourceTypeGapAnswer,
		ExternalID: ans.QuestionID,
		CreatedAt:  answeredAt,
		Metadata: map[string]string{
			MetaQuestionID: ans.QuestionID,
			MetaAnsweredBy: ans.AnsweredBy,
			MetaAnsweredAt: answeredAt.UTC().Format(time.RFC3339),
		},
	}
}

// SubmitGapAnswer stores the answer as a document and indexes it right away.
func (s *Service) SubmitGapAnswer(ctx context.Context, tenantID string, ans models.GapAnswer) (models.Document, IndexResult, error) {
	if tenantID == "" {
		return models.Document{}, IndexResult{}, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	if ans.QuestionID == "" || strings.TrimSpace(ans.Question) == "" || strings.TrimSpace(ans.Answer) == "" {
		return models.Document{}, IndexResult{}, fmt.Errorf("%w: gap answer needs a question id, a question and an answer", models.ErrInvalidInput)
	}
	doc := GapAnswerDocument(tenantID, ans)
	if err := s.repo.Save(ctx, doc); err != nil {
		return doc, IndexResult{}, err
	}
	res, err := s.IndexDocuments(ctx, tenantID, []models.Document{doc}, true)
	return doc, res, err
}
