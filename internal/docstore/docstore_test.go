package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/db"
	"knowledge-rag/internal/models"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	bdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close() })

	repo := New(bdb)
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func doc(tenantID, id string, created time.Time) models.Document {
	return models.Document{
		ID:         id,
		TenantID:   tenantID,
		Title:      "Title " + id,
		Content:    "content of " + id,
		SourceType: models.SourceTypeFile,
		CreatedAt:  created,
		Metadata:   map[string]string{"author": "sam"},
	}
}

func TestSaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, doc("t1", "d1", created)))

	got, err := repo.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "Title d1", got.Title)
	assert.Equal(t, "sam", got.Metadata["author"])
	assert.True(t, created.Equal(got.CreatedAt))
	assert.False(t, got.IsEmbedded())

	_, err = repo.Get(ctx, "t2", "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSave_Validation(t *testing.T) {
	repo := newRepo(t)
	err := repo.Save(context.Background(), models.Document{ID: "d1"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestSave_Upserts(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	d := doc("t1", "d1", time.Now().UTC())
	require.NoError(t, repo.Save(ctx, d))
	d.Content = "edited"
	require.NoError(t, repo.Save(ctx, d))

	got, err := repo.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)

	total, _, err := repo.Counts(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSave_KeepsEmbeddedStateForUnchangedContent(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := doc("t1", "d1", created)
	require.NoError(t, repo.Save(ctx, d))
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.MarkEmbedded(ctx, "t1", "d1", "nomic-embed-text", at))

	d.CreatedAt = created.Add(time.Hour)
	require.NoError(t, repo.Save(ctx, d))
	got, err := repo.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	require.True(t, got.IsEmbedded())
	assert.True(t, at.Equal(*got.EmbeddedAt))
	assert.Equal(t, "nomic-embed-text", got.EmbeddingModel)
	assert.True(t, d.CreatedAt.Equal(got.CreatedAt))

	pending, err := repo.ListUnembedded(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	d.Content = "rewritten content"
	require.NoError(t, repo.Save(ctx, d))
	got, err = repo.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.False(t, got.IsEmbedded())
	assert.Empty(t, got.EmbeddingModel)

	require.NoError(t, repo.MarkEmbedded(ctx, "t1", "d1", "m", at))
	d.Title = "Renamed"
	require.NoError(t, repo.Save(ctx, d))
	got, err = repo.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.False(t, got.IsEmbedded(), "a new title changes the embedded text")
}

func TestMarkAndClearEmbedded(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, doc("t1", "d1", base)))
	require.NoError(t, repo.Save(ctx, doc("t1", "d2", base.Add(time.Hour))))
	require.NoError(t, repo.Save(ctx, doc("t2", "d1", base)))

	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.MarkEmbedded(ctx, "t1", "d1", "nomic-embed-text", at))

	got, err := repo.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	require.True(t, got.IsEmbedded())
	assert.Equal(t, "nomic-embed-text", got.EmbeddingModel)

	other, err := repo.Get(ctx, "t2", "d1")
	require.NoError(t, err)
	assert.False(t, other.IsEmbedded(), "same id under another tenant is untouched")

	pending, err := repo.ListUnembedded(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "d2", pending[0].ID)

	require.NoError(t, repo.ClearEmbedded(ctx, "t1", []string{"d1"}))
	pending, err = repo.ListUnembedded(ctx, "t1", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Equal(t, "d1", pending[0].ID, "oldest first")

	err = repo.MarkEmbedded(ctx, "t1", "missing", "m", at)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListUnembedded_Limit(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Save(ctx, doc("t1", id, base.Add(time.Duration(i)*time.Minute))))
	}
	pending, err := repo.ListUnembedded(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "b", pending[1].ID)
}

func TestDelete_TenantScoped(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Now().UTC()
	require.NoError(t, repo.Save(ctx, doc("t1", "d1", now)))
	require.NoError(t, repo.Save(ctx, doc("t2", "d1", now)))

	n, err := repo.Delete(ctx, "t1", []string{"d1", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.Get(ctx, "t1", "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = repo.Get(ctx, "t2", "d1")
	assert.NoError(t, err)

	n, err = repo.Delete(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCounts(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Now().UTC()
	require.NoError(t, repo.Save(ctx, doc("t1", "d1", now)))
	require.NoError(t, repo.Save(ctx, doc("t1", "d2", now)))
	require.NoError(t, repo.MarkEmbedded(ctx, "t1", "d2", "m", now))

	total, embedded, err := repo.Counts(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, embedded)
}
