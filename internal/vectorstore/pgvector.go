package vectorstore

import (
	"context"
	"fmt"
	"regexp"

	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"

	"knowledge-rag/internal/models"
)

type vectorRow struct {
	bun.BaseModel `bun:"table:knowledge_vectors,alias:v"`

	VectorID   string            `bun:"vector_id,pk"`
	TenantID   string            `bun:"tenant_id,notnull"`
	Namespace  string            `bun:"namespace,notnull"`
	DocID      string            `bun:"doc_id,notnull"`
	ChunkIndex int               `bun:"chunk_index,notnull"`
	Content    string            `bun:"content"`
	Metadata   map[string]string `bun:"metadata,type:jsonb"`
	Embedding  pgvector.Vector   `bun:"embedding,type:vector"`
	Score      float64           `bun:"score,scanonly"`
}

var metadataKeyRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// PgVectorStore keeps all tenants in one table. The namespace and tenant_id
// columns are both matched on every statement.
type PgVectorStore struct {
	db *bun.DB
}

// NewPgVectorStore creates the table and an HNSW cosine index sized for dims.
func NewPgVectorStore(ctx context.Context, db *bun.DB, dims int) (*PgVectorStore, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("pgvector needs the embedding dimensions")
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_vectors (
			vector_id   text PRIMARY KEY,
			tenant_id   text NOT NULL,
			namespace   text NOT NULL,
			doc_id      text NOT NULL,
			chunk_index integer NOT NULL,
			content     text,
			metadata    jsonb,
			embedding   vector(%d) NOT NULL
		)`, dims),
		`CREATE INDEX IF NOT EXISTS knowledge_vectors_tenant_doc_idx ON knowledge_vectors (tenant_id, doc_id)`,
		`CREATE INDEX IF NOT EXISTS knowledge_vectors_embedding_idx ON knowledge_vectors USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to prepare pgvector schema: %w", err)
		}
	}
	return &PgVectorStore{db: db}, nil
}

func (s *PgVectorStore) Upsert(ctx context.Context, tenantID string, records []models.VectorRecord) error {
	rows := make([]vectorRow, len(records))
	for i, r := range records {
		rows[i] = vectorRow{
			VectorID:   r.VectorID,
			TenantID:   tenantID,
			Namespace:  r.Namespace,
			DocID:      r.Metadata[models.MetaDocID],
			ChunkIndex: chunkIndex(r.Metadata),
			Content:    r.Content,
			Metadata:   r.Metadata,
			Embedding:  pgvector.NewVector(r.Embedding),
		}
	}
	_, err := s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (vector_id) DO UPDATE").
		Set("tenant_id = EXCLUDED.tenant_id").
		Set("namespace = EXCLUDED.namespace").
		Set("doc_id = EXCLUDED.doc_id").
		Set("chunk_index = EXCLUDED.chunk_index").
		Set("content = EXCLUDED.content").
		Set("metadata = EXCLUDED.metadata").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return nil
}

func (s *PgVectorStore) Search(ctx context.Context, tenantID string, query []float32, topK int, filter map[string]string) ([]models.SearchResult, error) {
	vec := pgvector.NewVector(query)
	q := s.db.NewSelect().
		Model((*vectorRow)(nil)).
		Column("vector_id", "tenant_id", "namespace", "doc_id", "chunk_index", "content", "metadata", "embedding").
		ColumnExpr("1 - (v.embedding <=> ?) AS score", vec).
		Where("v.namespace = ?", tenantID).
		Where("v.tenant_id = ?", tenantID)
	for k, val := range filter {
		if !metadataKeyRe.MatchString(k) {
			return nil, fmt.Errorf("%w: unsupported filter key %q", models.ErrInvalidInput, k)
		}
		q = q.Where("v.metadata ->> ? = ?", k, val)
	}

	var rows []vectorRow
	err := q.OrderExpr("v.embedding <=> ?", vec).Limit(topK).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	out := make([]models.SearchResult, len(rows))
	for i, r := range rows {
		out[i] = models.SearchResult{
			VectorID:   r.VectorID,
			DocID:      r.DocID,
			ChunkIndex: r.ChunkIndex,
			Score:      r.Score,
			Content:    r.Content,
			Metadata:   r.Metadata,
			Embedding:  r.Embedding.Slice(),
		}
	}
	return out, nil
}

func (s *PgVectorStore) Delete(ctx context.Context, tenantID string, docIDs []string) error {
	_, err := s.db.NewDelete().
		Model((*vectorRow)(nil)).
		Where("namespace = ?", tenantID).
		Where("tenant_id = ?", tenantID).
		Where("doc_id IN (?)", bun.In(docIDs)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

func (s *PgVectorStore) Stats(ctx context.Context, tenantID string) (int64, error) {
	n, err := s.db.NewSelect().
		Model((*vectorRow)(nil)).
		Where("namespace = ?", tenantID).
		Where("tenant_id = ?", tenantID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return int64(n), nil
}

// Close is a no-op; the bun pool is owned by the caller.
func (s *PgVectorStore) Close() error {
	return nil
}
