package indexing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge-rag/internal/chunker"
	"knowledge-rag/internal/config"
	"knowledge-rag/internal/db"
	"knowledge-rag/internal/docstore"
	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/loader"
	"knowledge-rag/internal/models"
	"knowledge-rag/internal/testutil"
	"knowledge-rag/internal/vectorstore"
)

type fixture struct {
	svc      *Service
	store    *vectorstore.Isolated
	repo     *docstore.Repository
	embedder *testutil.HashEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close() })
	repo := docstore.New(bdb)
	require.NoError(t, repo.Init(context.Background()))

	inner, err := vectorstore.NewChromemStore("", false, false, "tenant_")
	require.NoError(t, err)
	store := vectorstore.NewIsolated(inner, nil)

	emb := testutil.NewHashEmbedder()
	client := embedding.NewClient(emb, embedding.Options{
		Model:        "hash",
		Dimensions:   testutil.DefaultDims,
		BatchSize:    16,
		MaxRetries:   0,
		RetryBackoff: time.Millisecond,
		Concurrency:  2,
	}, nil, nil)

	svc, err := NewService(chunker.New(200, 40), client, store, repo, 4, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, store: store, repo: repo, embedder: emb}
}

func (f *fixture) save(t *testing.T, docs ...models.Document) {
	t.Helper()
	for _, d := range docs {
		require.NoError(t, f.repo.Save(context.Background(), d))
	}
}

func (f *fixture) vectors(t *testing.T, tenantID string) int64 {
	t.Helper()
	n, err := f.store.Stats(context.Background(), tenantID)
	require.NoError(t, err)
	return n
}

func newDoc(tenantID, id, content string) models.Document {
	return models.Document{
		ID:         id,
		TenantID:   tenantID,
		Title:      "Doc " + id,
		Content:    content,
		SourceType: models.SourceTypeFile,
		CreatedAt:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestIndexDocuments_EmbedsAndMarks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d1 := newDoc("t1", "d1", "Revenue grew 12% in the third quarter.")
	d2 := newDoc("t1", "d2", strings.Repeat("Long paragraph about hiring plans. ", 20))
	f.save(t, d1, d2)

	res, err := f.svc.IndexDocuments(ctx, "t1", []models.Document{d1, d2}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Embedded)
	assert.Zero(t, res.Failed)
	assert.Greater(t, res.Chunks, 2)
	assert.Equal(t, int64(res.Chunks), f.vectors(t, "t1"))

	got, err := f.repo.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.True(t, got.IsEmbedded())
	assert.Equal(t, "hash", got.EmbeddingModel)
}

func TestIndexDocuments_SecondRunSkips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := newDoc("t1", "d1", "Some content worth indexing.")
	f.save(t, d)
	_, err := f.svc.IndexDocuments(ctx, "t1", []models.Document{d}, false)
	require.NoError(t, err)
	calls := f.embedder.Calls()

	stored, err := f.repo.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	res, err := f.svc.IndexDocuments(ctx, "t1", []models.Document{stored}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []Outcome{{DocID: "d1", Reason: ReasonAlreadyEmbedded}}, res.Skips)
	assert.Equal(t, calls, f.embedder.Calls(), "nothing re-embedded")
}

func TestIndexDocuments_ForceKeepsVectorCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := newDoc("t1", "d1", strings.Repeat("Sentence about budgets. ", 30))
	f.save(t, d)

	_, err := f.svc.IndexDocuments(ctx, "t1", []models.Document{d}, true)
	require.NoError(t, err)
	first := f.vectors(t, "t1")
	for i := 0; i < 3; i++ {
		_, err = f.svc.IndexDocuments(ctx, "t1", []models.Document{d}, true)
		require.NoError(t, err)
		assert.Equal(t, first, f.vectors(t, "t1"))
	}

	d.Content = "Short now."
	f.save(t, d)
	_, err = f.svc.IndexDocuments(ctx, "t1", []models.Document{d}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.vectors(t, "t1"), "stale chunks removed when a document shrinks")
}

func TestIndexDocuments_SkipsEmptyAndDuplicates(t *testing.T) {
	f := newFixture(t)
	d := newDoc("t1", "d1", "content")
	empty := newDoc("t1", "d2", "  \n ")
	f.save(t, d, empty)

	res, err := f.svc.IndexDocuments(context.Background(), "t1", []models.Document{d, empty, d}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Embedded)
	assert.Equal(t, 2, res.Skipped)
	assert.ElementsMatch(t, []Outcome{
		{DocID: "d2", Reason: ReasonEmptyContent},
		{DocID: "d1", Reason: ReasonDuplicate},
	}, res.Skips)
}

func TestIndexDocuments_ForeignDocumentAbortsBatch(t *testing.T) {
	f := newFixture(t)
	mine := newDoc("t1", "d1", "mine")
	theirs := newDoc("t2", "d2", "theirs")

	_, err := f.svc.IndexDocuments(context.Background(), "t1", []models.Document{mine, theirs}, false)
	assert.ErrorIs(t, err, models.ErrTenantIsolation)
	assert.Zero(t, f.vectors(t, "t1"))
	assert.Zero(t, f.vectors(t, "t2"))
	assert.Zero(t, f.embedder.Calls())
}

func TestIndexDocuments_PartialFailureThenPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	poisoned := true
	f.embedder.Fail = func(_ int, texts []string) error {
		for _, text := range texts {
			if poisoned && strings.Contains(text, "poison") {
				return errors.New("provider timeout")
			}
		}
		return nil
	}
	good := newDoc("t1", "good", "healthy content")
	bad := newDoc("t1", "bad", "poison pill content")
	f.save(t, good, bad)

	res, err := f.svc.IndexDocuments(ctx, "t1", []models.Document{good, bad}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Embedded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "bad", res.Failures[0].DocID)
	assert.Contains(t, res.Failures[0].Reason, "embedding failed")

	pending, err := f.repo.ListUnembedded(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bad", pending[0].ID)

	poisoned = false
	res, err = f.svc.IndexPending(ctx, "t1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Embedded)
	pending, err = f.repo.ListUnembedded(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIndexDocuments_UnknownDocumentLeavesNoVectors(t *testing.T) {
	f := newFixture(t)
	ghost := newDoc("t1", "ghost", "never saved")

	res, err := f.svc.IndexDocuments(context.Background(), "t1", []models.Document{ghost}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, f.vectors(t, "t1"))
}

func TestIndexDocuments_ManyConcurrent(t *testing.T) {
	f := newFixture(t)
	var docs []models.Document
	for i := 0; i < 40; i++ {
		d := newDoc("t1", fmt.Sprintf("d%02d", i), fmt.Sprintf("document number %d about topic %d", i, i%5))
		docs = append(docs, d)
	}
	f.save(t, docs...)

	res, err := f.svc.IndexDocuments(context.Background(), "t1", docs, false)
	require.NoError(t, err)
	assert.Equal(t, 40, res.Embedded)
	assert.Equal(t, int64(40), f.vectors(t, "t1"))
}

func TestIndexDocuments_Metadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := newDoc("t1", "d1", "Pricing changed in 2023.")
	d.Metadata = map[string]string{"author": "kim", models.MetaTenantID: "t2"}
	f.save(t, d)
	_, err := f.svc.IndexDocuments(ctx, "t1", []models.Document{d}, false)
	require.NoError(t, err)

	res, err := f.store.Search(ctx, "t1", testutil.HashVector("pricing", testutil.DefaultDims), 1, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	meta := res[0].Metadata
	assert.Equal(t, "t1", meta[models.MetaTenantID], "document metadata cannot override the tenant")
	assert.Equal(t, "kim", meta["author"])
	assert.Equal(t, "Doc d1", meta[models.MetaTitle])
	assert.Equal(t, "2024-06-01T00:00:00Z", meta[models.MetaCreatedAt])
	assert.Equal(t, "Pricing changed in 2023.", res[0].Content)
}

func TestDeleteDocuments_RemovesVectorsAndRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d1 := newDoc("t1", "d1", "first")
	d2 := newDoc("t1", "d2", "second")
	f.save(t, d1, d2)
	_, err := f.svc.IndexDocuments(ctx, "t1", []models.Document{d1, d2}, false)
	require.NoError(t, err)

	n, err := f.svc.DeleteDocuments(ctx, "t1", []string{"d1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), f.vectors(t, "t1"))
	_, err = f.repo.Get(ctx, "t1", "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

type failingDeleteStore struct {
	vectorstore.Store
}

func (failingDeleteStore) Delete(context.Context, string, []string) error {
	return errors.New("vector db unavailable")
}

func TestDeleteDocuments_VectorFailureKeepsRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := newDoc("t1", "d1", "content")
	f.save(t, d)
	_, err := f.svc.IndexDocuments(ctx, "t1", []models.Document{d}, false)
	require.NoError(t, err)

	f.svc.store = failingDeleteStore{Store: f.store}
	_, err = f.svc.DeleteDocuments(ctx, "t1", []string{"d1"})
	require.Error(t, err)

	got, err := f.repo.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.True(t, got.IsEmbedded())
	assert.Equal(t, int64(1), f.vectors(t, "t1"))
}

func TestDeleteDocumentEmbeddings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := newDoc("t1", "d1", "content")
	f.save(t, d)
	_, err := f.svc.IndexDocuments(ctx, "t1", []models.Document{d}, false)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteDocumentEmbeddings(ctx, "t1", []string{"d1"}))
	assert.Zero(t, f.vectors(t, "t1"))
	got, err := f.repo.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.False(t, got.IsEmbedded())

	assert.ErrorIs(t, f.svc.DeleteDocumentEmbeddings(ctx, "", []string{"d1"}), models.ErrInvalidInput)
}

func TestSubmitGapAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ans := models.GapAnswer{
		QuestionID: "q-17",
		Question:   "Who approves travel expenses?",
		Answer:     "The finance lead approves travel expenses over 500 EUR.",
		AnsweredBy: "kim",
		AnsweredAt: time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC),
	}
	doc, res, err := f.svc.SubmitGapAnswer(ctx, "t1", ans)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Embedded)
	assert.Equal(t, models.SourceTypeGapAnswer, doc.SourceType)
	assert.Equal(t, gapAnswerDocID("q-17"), doc.ID)

	hits, err := f.store.Search(ctx, "t1", testutil.HashVector("travel expenses approves", testutil.DefaultDims), 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, doc.ID, hits[0].DocID)
	assert.Equal(t, "q-17", hits[0].Metadata[MetaQuestionID])
	assert.Equal(t, models.SourceTypeGapAnswer, hits[0].Metadata[models.MetaSourceType])

	ans.Answer = "The department head approves all travel."
	_, res, err = f.svc.SubmitGapAnswer(ctx, "t1", ans)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Embedded, "resubmission re-indexes even though the document was embedded")
	assert.Equal(t, int64(1), f.vectors(t, "t1"))

	_, _, err = f.svc.SubmitGapAnswer(ctx, "t1", models.GapAnswer{QuestionID: "q"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestSaveAndIndex_UnchangedFileIsNotEmbeddedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "handbook.txt")
	require.NoError(t, os.WriteFile(path, []byte("Expense reports are due on the fifth business day of each month."), 0o644))

	load := func() models.Document {
		d, err := loader.Load(path)
		require.NoError(t, err)
		return d
	}

	first, err := f.svc.SaveAndIndex(ctx, "t1", []models.Document{load()}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Embedded)
	calls := f.embedder.Calls()
	require.Positive(t, calls)

	second, err := f.svc.SaveAndIndex(ctx, "t1", []models.Document{load()}, false)
	require.NoError(t, err)
	assert.Zero(t, second.Embedded)
	assert.Equal(t, 1, second.Skipped)
	require.Len(t, second.Skips, 1)
	assert.Equal(t, ReasonAlreadyEmbedded, second.Skips[0].Reason)
	assert.Equal(t, calls, f.embedder.Calls())

	require.NoError(t, os.WriteFile(path, []byte("Expense reports are due on the tenth business day of each month."), 0o644))
	third, err := f.svc.SaveAndIndex(ctx, "t1", []models.Document{load()}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Embedded)
	assert.Greater(t, f.embedder.Calls(), calls)

	forced, err := f.svc.SaveAndIndex(ctx, "t1", []models.Document{load()}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, forced.Embedded)
}

func TestSaveAndIndex_RejectsForeignTenantBeforeSaving(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docs := []models.Document{newDoc("t1", "a", "first"), newDoc("t2", "b", "second")}

	_, err := f.svc.SaveAndIndex(ctx, "t1", docs, false)
	assert.ErrorIs(t, err, models.ErrTenantIsolation)

	_, err = f.repo.Get(ctx, "t1", "a")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Zero(t, f.embedder.Calls())
}
