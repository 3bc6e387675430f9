// Package docstore persists the Document fields the indexing path reads and
// writes. Every statement carries the tenant in its WHERE clause.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"knowledge-rag/internal/models"
)

type documentRow struct {
	bun.BaseModel `bun:"table:documents,alias:d"`

	TenantID       string            `bun:"tenant_id,pk"`
	ID             string            `bun:"id,pk"`
	Title          string            `bun:"title"`
	Content        string            `bun:"content,notnull"`
	SourceType     string            `bun:"source_type"`
	ExternalID     string            `bun:"external_id"`
	CreatedAt      time.Time         `bun:"created_at,notnull"`
	EmbeddedAt     *time.Time        `bun:"embedded_at,nullzero"`
	EmbeddingModel string            `bun:"embedding_model"`
	Metadata       map[string]string `bun:"metadata,type:jsonb"`
}

func toRow(d models.Document) *documentRow {
	return &documentRow{
		TenantID:       d.TenantID,
		ID:             d.ID,
		Title:          d.Title,
		Content:        d.Content,
		SourceType:     d.SourceType,
		ExternalID:     d.ExternalID,
		CreatedAt:      d.CreatedAt,
		EmbeddedAt:     d.EmbeddedAt,
		EmbeddingModel: d.EmbeddingModel,
		Metadata:       d.Metadata,
	}
}

func (r *documentRow) toModel() models.Document {
	return models.Document{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Title:          r.Title,
		Content:        r.Content,
		SourceType:     r.SourceType,
		ExternalID:     r.ExternalID,
		CreatedAt:      r.CreatedAt,
		EmbeddedAt:     r.EmbeddedAt,
		EmbeddingModel: r.EmbeddingModel,
		Metadata:       r.Metadata,
	}
}

type Repository struct {
	db *bun.DB
}

func New(db *bun.DB) *Repository {
	return &Repository{db: db}
}

// Init creates the documents table and its pending index.
func (r *Repository) Init(ctx context.Context) error {
	if _, err := r.db.NewCreateTable().Model((*documentRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	_, err := r.db.NewCreateIndex().
		Model((*documentRow)(nil)).
		Index("documents_tenant_embedded_idx").
		IfNotExists().
		Column("tenant_id", "embedded_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create documents index: %w", err)
	}
	return nil
}

const unchangedText = "?TableAlias.content = EXCLUDED.content AND ?TableAlias.title = EXCLUDED.title"

// Save inserts or replaces a document. An incoming document without an
// embedded_at keeps the stored embedding state as long as its title and content
// are unchanged, so re-saving an unchanged file does not queue it again.
func (r *Repository) Save(ctx context.Context, doc models.Document) error {
	if doc.TenantID == "" || doc.ID == "" {
		return fmt.Errorf("%w: document needs a tenant and an id", models.ErrInvalidInput)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.NewInsert().
		Model(toRow(doc)).
		On("CONFLICT (tenant_id, id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("content = EXCLUDED.content").
		Set("source_type = EXCLUDED.source_type").
		Set("external_id = EXCLUDED.external_id").
		Set("created_at = EXCLUDED.created_at").
		Set("embedded_at = CASE WHEN EXCLUDED.embedded_at IS NOT NULL THEN EXCLUDED.embedded_at"+
			" WHEN "+unchangedText+" THEN ?TableAlias.embedded_at END").
		Set("embedding_model = CASE WHEN EXCLUDED.embedded_at IS NOT NULL THEN EXCLUDED.embedding_model"+
			" WHEN "+unchangedText+" THEN ?TableAlias.embedding_model ELSE EXCLUDED.embedding_model END").
		Set("metadata = EXCLUDED.metadata").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", doc.ID, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, tenantID, docID string) (models.Document, error) {
	row := new(documentRow)
	err := r.db.NewSelect().
		Model(row).
		Where("tenant_id = ?", tenantID).
		Where("id = ?", docID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %s: %w", docID, models.ErrNotFound)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to load document %s: %w", docID, err)
	}
	return row.toModel(), nil
}

// ListUnembedded returns documents with no embedded_at, oldest first.
func (r *Repository) ListUnembedded(ctx context.Context, tenantID string, limit int) ([]models.Document, error) {
	var rows []documentRow
	q := r.db.NewSelect().
		Model(&rows).
		Where("tenant_id = ?", tenantID).
		Where("embedded_at IS NULL").
		Order("created_at ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list pending documents: %w", err)
	}
	docs := make([]models.Document, len(rows))
	for i := range rows {
		docs[i] = rows[i].toModel()
	}
	return docs, nil
}

// MarkEmbedded records a successful index run. It returns models.ErrNotFound
// when the tenant has no such document.
func (r *Repository) MarkEmbedded(ctx context.Context, tenantID, docID, model string, at time.Time) error {
	res, err := r.db.NewUpdate().
		Model((*documentRow)(nil)).
		Set("embedded_at = ?", at).
		Set("embedding_model = ?", model).
		Where("tenant_id = ?", tenantID).
		Where("id = ?", docID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark document %s embedded: %w", docID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", docID, models.ErrNotFound)
	}
	return nil
}

// ClearEmbedded resets embedded_at so the documents are picked up again.
func (r *Repository) ClearEmbedded(ctx context.Context, tenantID string, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}
	_, err := r.db.NewUpdate().
		Model((*documentRow)(nil)).
		Set("embedded_at = NULL").
		Set("embedding_model = ''").
		Where("tenant_id = ?", tenantID).
		Where("id IN (?)", bun.In(docIDs)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear embedded state: %w", err)
	}
	return nil
}

// Delete removes the documents in one transaction and returns how many rows
// went away.
func (r *Repository) Delete(ctx context.Context, tenantID string, docIDs []string) (int64, error) {
	if len(docIDs) == 0 {
		return 0, nil
	}
	var deleted int64
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*documentRow)(nil)).
			Where("tenant_id = ?", tenantID).
			Where("id IN (?)", bun.In(docIDs)).
			Exec(ctx)
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return deleted, nil
}

// Counts returns the number of documents and how many of them are embedded.
func (r *Repository) Counts(ctx context.Context, tenantID string) (total, embedded int, err error) {
	total, err = r.db.NewSelect().Model((*documentRow)(nil)).Where("tenant_id = ?", tenantID).Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count documents: %w", err)
	}
	embedded, err = r.db.NewSelect().
		Model((*documentRow)(nil)).
		Where("tenant_id = ?", tenantID).
		Where("embedded_at IS NOT NULL").
		Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return total, embedded, nil
}
