package rag

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/models"
	"knowledge-rag/internal/retrieval"
	"knowledge-rag/internal/testutil"
	"knowledge-rag/internal/vectorstore"
)

type fixture struct {
	cfg      *config.Config
	store    *vectorstore.Isolated
	embedder *testutil.HashEmbedder
	client   *embedding.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	inner, err := vectorstore.NewChromemStore("", false, false, "tenant_")
	require.NoError(t, err)
	store := vectorstore.NewIsolated(inner, nil)

	emb := testutil.NewHashEmbedder()
	client := embedding.NewClient(emb, embedding.Options{
		Model:        "hash",
		Dimensions:   testutil.DefaultDims,
		BatchSize:    16,
		RetryBackoff: time.Millisecond,
		Concurrency:  1,
	}, nil, nil)

	cfg := config.Default()
	cfg.Retrieval.DisableFreshness = true
	return &fixture{cfg: cfg, store: store, embedder: emb, client: client}
}

func (f *fixture) put(t *testing.T, tenantID, docID, title, content string) {
	t.Helper()
	rec := models.VectorRecord{
		VectorID:  models.VectorID(docID, 0),
		Embedding: testutil.HashVector(title+"\n\n"+content, testutil.DefaultDims),
		Namespace: tenantID,
		Content:   content,
		Metadata: map[string]string{
			models.MetaTenantID:   tenantID,
			models.MetaDocID:      docID,
			models.MetaChunkIndex: "0",
			models.MetaTitle:      title,
		},
	}
	require.NoError(t, f.store.Upsert(context.Background(), tenantID, []models.VectorRecord{rec}))
}

func (f *fixture) engine(chat *testutil.ScriptedModel, ce retrieval.CrossEncoder) *Engine {
	if chat == nil {
		return NewEngine(f.cfg, f.client, f.store, nil, ce, nil)
	}
	return NewEngine(f.cfg, f.client, f.store, chat, ce, nil)
}

func (f *fixture) seed(t *testing.T) {
	f.put(t, "t1", "rev", "Revenue report", "Quarterly revenue grew 12% to $4.5 million.")
	f.put(t, "t1", "hire", "Hiring plan", "The team will hire 3 engineers in spring.")
	f.put(t, "t1", "office", "Office notes", "The office plants need watering on Fridays.")
}

var revenueSourceRe = regexp.MustCompile(`\[(\d+)\] Revenue report`)

// citeRevenue answers with claim, citing whichever number the prompt gave the
// revenue report.
func citeRevenue(claim string) func(system, user string) (string, error) {
	return func(_, user string) (string, error) {
		m := revenueSourceRe.FindStringSubmatch(user)
		if m == nil {
			return models.NoAnswerText, nil
		}
		return fmt.Sprintf("%s [%s].", claim, m[1]), nil
	}
}

func TestAnswer_CitedAnswer(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	chat := &testutil.ScriptedModel{Respond: citeRevenue("Quarterly revenue grew 12% last quarter")}

	ans, err := f.engine(chat, nil).Answer(context.Background(), "t1", "How much did revenue grow?", QueryOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusOK, ans.Status)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, "rev", ans.Sources[0].DocID)
	assert.Equal(t, "Quarterly revenue grew 12% last quarter [1].", ans.AnswerText)
	require.NotNil(t, ans.HallucinationReport)
	assert.Equal(t, 1, ans.HallucinationReport.Verified)
	assert.True(t, ans.HallucinationReport.Passed())
	assert.Greater(t, ans.Confidence, 0.0)
	assert.LessOrEqual(t, ans.Confidence, 1.0)
	assert.Contains(t, ans.ExpandedQuery, "revenue (sales, income)")
	for _, stage := range []string{StageExpand, StageRetrieve, StageMMR, StageGenerate, StageVerify} {
		assert.Contains(t, ans.StageTimings, stage)
	}

	calls := chat.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, models.AnswerSystemPrompt, calls[0].System)
}

func TestAnswer_HallucinatedClaimIsReported(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	chat := &testutil.ScriptedModel{Respond: citeRevenue("Quarterly revenue grew 19% last quarter")}

	ans, err := f.engine(chat, nil).Answer(context.Background(), "t1", "How much did revenue grow?", QueryOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusOK, ans.Status)
	assert.Equal(t, 1, ans.HallucinationReport.Hallucinated)
	assert.NotEmpty(t, ans.Warnings)
	assert.Less(t, ans.Confidence, 0.5)
}

func TestAnswer_ClaimsAreCheckedAgainstPromptedText(t *testing.T) {
	f := newFixture(t)
	f.cfg.Generation.MaxContextChars = 500
	f.cfg.Generation.MinSourceChars = 100
	content := "Quarterly revenue report. " + strings.Repeat("Details follow in later sections. ", 30) + "Revenue grew 12% in the quarter."
	f.put(t, "t1", "rev", "Revenue report", content)
	chat := &testutil.ScriptedModel{Respond: citeRevenue("Quarterly revenue grew 12% last quarter")}

	ans, err := f.engine(chat, nil).Answer(context.Background(), "t1", "How much did revenue grow?", QueryOptions{})
	require.NoError(t, err)

	require.Len(t, chat.Calls(), 1)
	assert.NotContains(t, chat.Calls()[0].User, "12%")
	assert.Equal(t, models.StatusOK, ans.Status)
	require.NotNil(t, ans.HallucinationReport)
	assert.Equal(t, 1, ans.HallucinationReport.Hallucinated)
	assert.False(t, ans.HallucinationReport.Passed())
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, content, ans.Sources[0].Content)
}

func TestAnswer_OtherTenantsDataIsInvisible(t *testing.T) {
	f := newFixture(t)
	f.put(t, "t2", "secret", "Revenue report", "Quarterly revenue grew 12% to $4.5 million.")
	chat := &testutil.ScriptedModel{Reply: "made up"}

	ans, err := f.engine(chat, nil).Answer(context.Background(), "t1", "quarterly revenue", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoSources, ans.Status)
	assert.Equal(t, models.NoAnswerText, ans.AnswerText)
	assert.Empty(t, ans.Sources)
	assert.Empty(t, chat.Calls())
}

func TestAnswer_ModelSaysNoAnswer(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	chat := &testutil.ScriptedModel{Reply: models.NoAnswerText}

	ans, err := f.engine(chat, nil).Answer(context.Background(), "t1", "Who won the match?", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoSources, ans.Status)
	assert.Empty(t, ans.Sources)
}

func TestAnswer_GenerationFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	chat := &testutil.ScriptedModel{Err: errors.New("503 from provider")}

	ans, err := f.engine(chat, nil).Answer(context.Background(), "t1", "revenue", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, ans.Status)
	assert.NotEmpty(t, ans.Sources)
	assert.Empty(t, ans.AnswerText)
	require.NotEmpty(t, ans.Warnings)
	assert.Contains(t, ans.Warnings[len(ans.Warnings)-1], "answer generation failed")
}

func TestAnswer_RetrievalFailureIsFailed(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.embedder.Fail = func(int, []string) error { return errors.New("connection refused") }

	ans, err := f.engine(&testutil.ScriptedModel{Reply: "x"}, nil).Answer(context.Background(), "t1", "revenue", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, ans.Status)
	assert.Empty(t, ans.Sources)
	require.NotEmpty(t, ans.Warnings)
	assert.Contains(t, ans.Warnings[0], "retrieval failed")
}

type blockingModel struct{}

func (blockingModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAnswer_Timeout(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.cfg.QueryTimeout = 50 * time.Millisecond
	e := NewEngine(f.cfg, f.client, f.store, blockingModel{}, nil, nil)

	start := time.Now()
	ans, err := e.Answer(context.Background(), "t1", "revenue", QueryOptions{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, models.StatusPartial, ans.Status)
	assert.Contains(t, ans.Warnings[len(ans.Warnings)-1], "timed out")
}

func TestAnswer_HardErrors(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	e := f.engine(&testutil.ScriptedModel{Reply: "x"}, nil)

	_, err := e.Answer(context.Background(), "", "revenue", QueryOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = e.Answer(context.Background(), "t1", "  ", QueryOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = e.Answer(context.Background(), "t1", "revenue", QueryOptions{TopK: 1000})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = e.Answer(context.Background(), "t1", "revenue", QueryOptions{
		Filter: map[string]string{models.MetaTenantID: "t2"},
	})
	assert.ErrorIs(t, err, models.ErrTenantIsolation)
}

func TestSearch_SelectsDistinctTopK(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	for i := 0; i < 6; i++ {
		f.put(t, "t1", "roi-"+strconv.Itoa(i), "ROI memo", "Return on Investment for the campaign was strong.")
	}

	sr, err := f.engine(nil, nil).Search(context.Background(), "t1", "ROI", QueryOptions{TopK: 3})
	require.NoError(t, err)
	assert.False(t, sr.Failed)
	assert.Equal(t, "ROI (Return on Investment)", sr.ExpandedQuery)
	require.Len(t, sr.Results, 3)
	seen := make(map[models.ChunkKey]bool)
	for _, r := range sr.Results {
		assert.False(t, seen[r.Key()])
		seen[r.Key()] = true
	}
}

func TestSearch_RerankerFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.cfg.Rerank.Enabled = true
	failing := retrieval.NewLLMCrossEncoder(&testutil.ScriptedModel{Err: errors.New("down")}, 1)

	sr, err := f.engine(nil, failing).Search(context.Background(), "t1", "revenue", QueryOptions{TopK: 2})
	require.NoError(t, err)
	assert.Len(t, sr.Results, 2)
	assert.Contains(t, sr.Warnings, "reranker unavailable, using retrieval order")
	assert.Contains(t, sr.StageTimings, StageRerank)
}

func TestSearch_RerankerReorders(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.cfg.Rerank.Enabled = true
	f.cfg.Rerank.Weight = 1
	office := retrieval.NewLLMCrossEncoder(&testutil.ScriptedModel{Respond: func(_, user string) (string, error) {
		if regexp.MustCompile(`plants`).MatchString(user) {
			return "1", nil
		}
		return "0", nil
	}}, 2)

	sr, err := f.engine(nil, office).Search(context.Background(), "t1", "revenue", QueryOptions{TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, sr.Results)
	assert.Equal(t, "office", sr.Results[0].DocID)
}

func TestRenumberCitations(t *testing.T) {
	got := RenumberCitations("A [2]. B [3, 2]. C [Source 9].", map[int]int{2: 1, 3: 2})
	assert.Equal(t, "A [1]. B [2, 1]. C [9].", got)
}

func TestCitedSources(t *testing.T) {
	src := []models.SearchResult{{DocID: "a"}, {DocID: "b"}, {DocID: "c"}}
	cited, mapping := citedSources("x [3]. y [1, 3]. z [7].", src)
	require.Len(t, cited, 2)
	assert.Equal(t, "a", cited[0].DocID)
	assert.Equal(t, "c", cited[1].DocID)
	assert.Equal(t, map[int]int{1: 1, 3: 2}, mapping)
}

func TestNewCrossEncoder(t *testing.T) {
	ce, err := NewCrossEncoder(config.RerankConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, ce)

	_, err = NewCrossEncoder(config.RerankConfig{Enabled: true, Backend: "http"}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	ce, err = NewCrossEncoder(config.RerankConfig{Enabled: true, Backend: "http", LLMConfig: config.LLMConfig{BaseURL: "http://localhost:8080"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &retrieval.HTTPCrossEncoder{}, ce)

	ce, err = NewCrossEncoder(config.RerankConfig{Enabled: true, Backend: "llm"}, &testutil.ScriptedModel{})
	require.NoError(t, err)
	assert.IsType(t, &retrieval.LLMCrossEncoder{}, ce)

	ce, err = NewCrossEncoder(config.RerankConfig{Enabled: true, Backend: "llm"}, nil)
	require.NoError(t, err)
	assert.Nil(t, ce)
}
