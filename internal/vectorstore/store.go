// Package vectorstore is the tenant-isolated vector index. Every backend
// selects the tenant's namespace and also filters on the tenant_id metadata;
// Isolated then re-checks every record and result on the way through.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/metrics"
	"knowledge-rag/internal/models"
)

// Store is implemented by each vector database backend. Namespaces are
// created lazily: searching an unknown tenant returns no results.
type Store interface {
	Upsert(ctx context.Context, tenantID string, records []models.VectorRecord) error
	Search(ctx context.Context, tenantID string, query []float32, topK int, filter map[string]string) ([]models.SearchResult, error)
	Delete(ctx context.Context, tenantID string, docIDs []string) error
	Stats(ctx context.Context, tenantID string) (int64, error)
	Close() error
}

// New builds the configured backend wrapped in the isolation guard. bunDB is
// only needed for the pgvector backend.
func New(ctx context.Context, cfg *config.Config, bunDB *bun.DB, m *metrics.Metrics) (*Isolated, error) {
	var (
		inner Store
		err   error
	)
	vs := cfg.VectorStore
	switch vs.Backend {
	case "chromem", "":
		inner, err = NewChromemStore(vs.Path, vs.Persistent, vs.Compress, vs.CollectionPrefix)
	case "pgvector":
		if bunDB == nil {
			return nil, fmt.Errorf("pgvector backend needs a database connection")
		}
		inner, err = NewPgVectorStore(ctx, bunDB, cfg.Embedding.Dimensions)
	case "milvus":
		inner, err = NewMilvusStore(ctx, vs.Milvus, cfg.Embedding.Dimensions)
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", vs.Backend)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("backend", vs.Backend).Msg("vector store ready")
	return NewIsolated(inner, m), nil
}

// Isolated enforces the tenant contract around any Store.
type Isolated struct {
	inner   Store
	metrics *metrics.Metrics
}

func NewIsolated(inner Store, m *metrics.Metrics) *Isolated {
	return &Isolated{inner: inner, metrics: m}
}

// Upsert rejects the whole batch if any record's namespace or metadata tenant
// differs from tenantID.
func (s *Isolated) Upsert(ctx context.Context, tenantID string, records []models.VectorRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	for _, r := range records {
		if r.Namespace != tenantID || r.TenantID() != tenantID {
			return s.violation("upsert", tenantID, r.VectorID)
		}
		if r.VectorID == "" || len(r.Embedding) == 0 {
			return fmt.Errorf("%w: record needs an id and an embedding", models.ErrInvalidInput)
		}
	}
	if len(records) == 0 {
		return nil
	}
	return s.inner.Upsert(ctx, tenantID, records)
}

// Search returns an error instead of data when the caller's filter names
// another tenant or when the backend hands back a foreign record.
func (s *Isolated) Search(ctx context.Context, tenantID string, query []float32, topK int, filter map[string]string) ([]models.SearchResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", models.ErrInvalidInput)
	}
	if topK <= 0 {
		return nil, nil
	}
	extra := maps.Clone(filter)
	if v, ok := extra[models.MetaTenantID]; ok {
		if v != tenantID {
			return nil, s.violation("search_filter", tenantID, v)
		}
		delete(extra, models.MetaTenantID)
	}

	results, err := s.inner.Search(ctx, tenantID, query, topK, extra)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.Metadata[models.MetaTenantID] != tenantID {
			return nil, s.violation("search", tenantID, r.VectorID)
		}
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *Isolated) Delete(ctx context.Context, tenantID string, docIDs []string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	if len(docIDs) == 0 {
		return nil
	}
	return s.inner.Delete(ctx, tenantID, docIDs)
}

// Stats returns the vector count and updates the per-tenant gauge.
func (s *Isolated) Stats(ctx context.Context, tenantID string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	n, err := s.inner.Stats(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	s.metrics.TenantVectors(tenantID, n)
	return n, nil
}

func (s *Isolated) Close() error {
	return s.inner.Close()
}

// Snapshotter is implemented by backends that can write one tenant's vectors
// to a file and restore them.
type Snapshotter interface {
	ExportTenant(tenantID, filePath, encryptionKey string) error
	ImportTenant(ctx context.Context, tenantID, filePath, encryptionKey string) (int64, error)
}

// Export writes the tenant's vectors to filePath.
func (s *Isolated) Export(tenantID, filePath, encryptionKey string) error {
	snap, err := s.snapshotter(tenantID)
	if err != nil {
		return err
	}
	return snap.ExportTenant(tenantID, filePath, encryptionKey)
}

// Import replaces the tenant's vectors with those in filePath.
func (s *Isolated) Import(ctx context.Context, tenantID, filePath, encryptionKey string) (int64, error) {
	snap, err := s.snapshotter(tenantID)
	if err != nil {
		return 0, err
	}
	n, err := snap.ImportTenant(ctx, tenantID, filePath, encryptionKey)
	if err != nil {
		if errors.Is(err, models.ErrTenantIsolation) {
			s.violation("import", tenantID, filePath)
		}
		return 0, err
	}
	s.metrics.TenantVectors(tenantID, n)
	return n, nil
}

func (s *Isolated) snapshotter(tenantID string) (Snapshotter, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	snap, ok := s.inner.(Snapshotter)
	if !ok {
		return nil, fmt.Errorf("%w: %T cannot export or import vectors", models.ErrInvalidInput, s.inner)
	}
	return snap, nil
}

func (s *Isolated) violation(op, tenantID, subject string) error {
	s.metrics.IsolationViolation(op)
	log.Error().
		Str("operation", op).
		Str("tenant_id", tenantID).
		Str("subject", subject).
		Msg("tenant isolation violation")
	return fmt.Errorf("%w: %s for tenant %q", models.ErrTenantIsolation, op, tenantID)
}

// tenantFilter combines the mandatory tenant predicate with the caller's
// extra equality predicates.
func tenantFilter(tenantID string, extra map[string]string) map[string]string {
	where := make(map[string]string, len(extra)+1)
	maps.Copy(where, extra)
	where[models.MetaTenantID] = tenantID
	return where
}

func chunkIndex(meta map[string]string) int {
	n, _ := strconv.Atoi(meta[models.MetaChunkIndex])
	return n
}
