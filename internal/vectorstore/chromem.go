package vectorstore

import (
	"context"
	"fmt"
	"maps"
	"runtime"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"knowledge-rag/internal/models"
)

// ChromemStore keeps one chromem collection per tenant, named prefix+tenant.
// It runs in memory or persists to a directory.
type ChromemStore struct {
	db       *chromem.DB
	prefix   string
	compress bool
}

func NewChromemStore(dbPath string, persistent, compress bool, prefix string) (*ChromemStore, error) {
	var db *chromem.DB
	if persistent {
		var err error
		db, err = chromem.NewPersistentDB(dbPath, compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &ChromemStore{db: db, prefix: prefix, compress: compress}, nil
}

func (s *ChromemStore) collectionName(tenantID string) string {
	return s.prefix + tenantID
}

// Embeddings are always supplied, so collections never need an embedding func.
func (s *ChromemStore) collection(tenantID string) *chromem.Collection {
	return s.db.GetCollection(s.collectionName(tenantID), nil)
}

func (s *ChromemStore) Upsert(ctx context.Context, tenantID string, records []models.VectorRecord) error {
	c, err := s.db.GetOrCreateCollection(s.collectionName(tenantID), map[string]string{models.MetaTenantID: tenantID}, nil)
	if err != nil {
		return fmt.Errorf("failed to create/get collection: %w", err)
	}
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		content := r.Content
		if content == "" {
			content = r.Metadata[models.MetaContentPreview]
		}
		docs[i] = chromem.Document{
			ID:        r.VectorID,
			Content:   content,
			Metadata:  r.Metadata,
			Embedding: r.Embedding,
		}
	}
	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, tenantID string, query []float32, topK int, filter map[string]string) ([]models.SearchResult, error) {
	c := s.collection(tenantID)
	if c == nil {
		return nil, nil
	}
	n := min(topK, c.Count())
	if n == 0 {
		return nil, nil
	}
	results, err := c.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryEmbedding: query,
		NResults:       n,
		Where:          tenantFilter(tenantID, filter),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}
	out := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, models.SearchResult{
			VectorID:   r.ID,
			DocID:      r.Metadata[models.MetaDocID],
			ChunkIndex: chunkIndex(r.Metadata),
			Score:      float64(r.Similarity),
			Content:    r.Content,
			Metadata:   maps.Clone(r.Metadata),
			Embedding:  r.Embedding,
		})
	}
	return out, nil
}

func (s *ChromemStore) Delete(ctx context.Context, tenantID string, docIDs []string) error {
	c := s.collection(tenantID)
	if c == nil {
		return nil
	}
	for _, id := range docIDs {
		where := tenantFilter(tenantID, map[string]string{models.MetaDocID: id})
		if err := c.Delete(ctx, where, nil); err != nil {
			return fmt.Errorf("failed to delete vectors for %s: %w", id, err)
		}
	}
	return nil
}

func (s *ChromemStore) Stats(_ context.Context, tenantID string) (int64, error) {
	c := s.collection(tenantID)
	if c == nil {
		return 0, nil
	}
	return int64(c.Count()), nil
}

// ExportTenant writes the tenant's collection to a gob file, optionally
// AES-GCM encrypted with a 32 byte key.
func (s *ChromemStore) ExportTenant(tenantID, filePath, encryptionKey string) error {
	if s.collection(tenantID) == nil {
		return fmt.Errorf("%w: tenant %q has no vectors", models.ErrNotFound, tenantID)
	}
	name := s.collectionName(tenantID)
	log.Debug().Str("file", filePath).Str("collection", name).Bool("compress", s.compress).Msg("exporting vectors")
	if err := s.db.ExportToFile(filePath, s.compress, encryptionKey, name); err != nil {
		return fmt.Errorf("failed to export vectors: %w", err)
	}
	return nil
}

// ImportTenant replaces the tenant's collection with the one stored in
// filePath and returns the number of imported vectors. Only the collection
// named for tenantID is read, and it is rejected unless every record in it
// belongs to tenantID.
func (s *ChromemStore) ImportTenant(ctx context.Context, tenantID, filePath, encryptionKey string) (int64, error) {
	name := s.collectionName(tenantID)
	scratch := chromem.NewDB()
	if err := scratch.ImportFromFile(filePath, encryptionKey, name); err != nil {
		return 0, fmt.Errorf("failed to read export: %w", err)
	}
	c := scratch.GetCollection(name, nil)
	if c == nil || c.Count() == 0 {
		return 0, fmt.Errorf("%w: %s holds no vectors for tenant %q", models.ErrNotFound, filePath, tenantID)
	}
	total := c.Count()
	if err := c.Delete(ctx, tenantFilter(tenantID, nil), nil); err != nil {
		return 0, fmt.Errorf("failed to check export: %w", err)
	}
	if foreign := c.Count(); foreign > 0 {
		return 0, fmt.Errorf("%w: export holds %d vectors of other tenants", models.ErrTenantIsolation, foreign)
	}

	// Dropping first removes persisted chunks the export does not have.
	if err := s.db.DeleteCollection(name); err != nil {
		return 0, fmt.Errorf("failed to drop collection: %w", err)
	}
	if err := s.db.ImportFromFile(filePath, encryptionKey, name); err != nil {
		return 0, fmt.Errorf("failed to import vectors: %w", err)
	}
	return int64(total), nil
}

func (s *ChromemStore) Close() error {
	return nil
}
