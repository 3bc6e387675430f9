// Package indexing runs documents through chunking, embedding and the vector
// store, and keeps the documents' embedded_at state in step with the vectors.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"knowledge-rag/internal/chunker"
	"knowledge-rag/internal/metrics"
	"knowledge-rag/internal/models"
	"knowledge-rag/internal/vectorstore"
)

// Skip reasons reported in IndexResult.Skips.
const (
	ReasonAlreadyEmbedded = "already_embedded"
	ReasonEmptyContent    = "empty_content"
	ReasonDuplicate       = "duplicate_in_batch"
)

// Embedder is satisfied by *embedding.Client.
type Embedder interface {
	EmbedDocuments(ctx context.Context, tenantID string, texts []string) ([][]float32, error)
	Model() string
}

// DocumentRepository is satisfied by *docstore.Repository.
type DocumentRepository interface {
	Save(ctx context.Context, doc models.Document) error
	Get(ctx context.Context, tenantID, docID string) (models.Document, error)
	ListUnembedded(ctx context.Context, tenantID string, limit int) ([]models.Document, error)
	MarkEmbedded(ctx context.Context, tenantID, docID, model string, at time.Time) error
	ClearEmbedded(ctx context.Context, tenantID string, docIDs []string) error
	Delete(ctx context.Context, tenantID string, docIDs []string) (int64, error)
}

// Outcome explains why one document was skipped or failed.
type Outcome struct {
	DocID  string `json:"doc_id"`
	Reason string `json:"reason"`
}

// IndexResult counts what happened to every input document. Embedded +
// Skipped + Failed always equals the input length.
type IndexResult struct {
	Embedded int       `json:"embedded"`
	Skipped  int       `json:"skipped"`
	Failed   int       `json:"failed"`
	Chunks   int       `json:"chunks"`
	Skips    []Outcome `json:"skips,omitempty"`
	Failures []Outcome `json:"failures,omitempty"`
}

type Service struct {
	chunker  *chunker.Chunker
	embedder Embedder
	store    vectorstore.Store
	repo     DocumentRepository
	pool     *ants.Pool
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService starts a worker pool of the given size. Call Close to release it.
func NewService(c *chunker.Chunker, embedder Embedder, store vectorstore.Store, repo DocumentRepository, workers int, m *metrics.Metrics) (*Service, error) {
	if workers <= 0 {
		workers = 4
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	log.Debug().
		Int("chunk_size", c.Size()).
		Int("chunk_overlap", c.Overlap()).
		Int("workers", workers).
		Msg("indexing service ready")
	return &Service{
		chunker:  c,
		embedder: embedder,
		store:    store,
		repo:     repo,
		pool:     pool,
		metrics:  m,
		tracer:   otel.Tracer("knowledge-rag/indexing"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) Close() {
	s.pool.Release()
}

// IndexDocuments embeds every document that is not yet indexed (all of them
// when force is set). One document failing never aborts the others. A
// document owned by another tenant aborts the whole call before any work.
func (s *Service) IndexDocuments(ctx context.Context, tenantID string, docs []models.Document, force bool) (IndexResult, error) {
	var res IndexResult
	if tenantID == "" {
		return res, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	for _, d := range docs {
		if d.ID == "" {
			return res, fmt.Errorf("%w: document without id", models.ErrInvalidInput)
		}
		if d.TenantID != tenantID {
			s.metrics.IsolationViolation("index")
			log.Error().Str("tenant_id", tenantID).Str("doc_id", d.ID).Msg("document belongs to another tenant")
			return res, fmt.Errorf("%w: document %s is not owned by tenant %q", models.ErrTenantIsolation, d.ID, tenantID)
		}
	}

	start := time.Now()
	seen := make(map[string]bool, len(docs))
	var todo []models.Document
	for _, d := range docs {
		switch {
		case seen[d.ID]:
			res.skip(d.ID, ReasonDuplicate)
		case !force && d.IsEmbedded():
			res.skip(d.ID, ReasonAlreadyEmbedded)
		case strings.TrimSpace(d.Content) == "":
			res.skip(d.ID, ReasonEmptyContent)
		default:
			todo = append(todo, d)
		}
		seen[d.ID] = true
	}
	for _, sk := range res.Skips {
		s.metrics.DocumentSkipped(sk.Reason)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(docID string, chunks int, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Failed++
			res.Failures = append(res.Failures, Outcome{DocID: docID, Reason: err.Error()})
			s.metrics.DocumentFailed()
			log.Warn().Err(err).Str("tenant_id", tenantID).Str("doc_id", docID).Msg("failed to index document")
			return
		}
		res.Embedded++
		res.Chunks += chunks
		s.metrics.DocumentIndexed(chunks)
	}

	for _, d := range todo {
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			n, err := s.indexOne(ctx, tenantID, d)
			record(d.ID, n, err)
		})
		if err != nil {
			wg.Done()
			record(d.ID, 0, fmt.Errorf("failed to schedule: %w", err))
		}
	}
	wg.Wait()

	log.Info().
		Str("tenant_id", tenantID).
		Int("embedded", res.Embedded).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Int("chunks", res.Chunks).
		Dur("elapsed", time.Since(start)).
		Msg("indexing finished")
	return res, nil
}

// SaveAndIndex stores the documents and indexes the stored versions. A
// document whose stored title and content match keeps its embedded state and
// is skipped unless force is set.
func (s *Service) SaveAndIndex(ctx context.Context, tenantID string, docs []models.Document, force bool) (IndexResult, error) {
	if tenantID == "" {
		return IndexResult{}, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	docs = slices.Clone(docs)
	for i := range docs {
		if docs[i].TenantID == "" {
			docs[i].TenantID = tenantID
		}
		if docs[i].TenantID != tenantID {
			// IndexDocuments rejects the batch before anything is written.
			return s.IndexDocuments(ctx, tenantID, docs, force)
		}
	}
	stored := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		if err := s.repo.Save(ctx, d); err != nil {
			return IndexResult{}, err
		}
		got, err := s.repo.Get(ctx, tenantID, d.ID)
		if err != nil {
			return IndexResult{}, err
		}
		stored = append(stored, got)
	}
	return s.IndexDocuments(ctx, tenantID, stored, force)
}

func (r *IndexResult) skip(docID, reason string) {
	r.Skipped++
	r.Skips = append(r.Skips, Outcome{DocID: docID, Reason: reason})
}

// indexOne replaces all vectors of one document and marks it embedded.
func (s *Service) indexOne(ctx context.Context, tenantID string, doc models.Document) (int, error) {
	ctx, span := s.tracer.Start(ctx, "index_document", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("doc_id", doc.ID),
	))
	defer span.End()

	n, err := s.replaceVectors(ctx, tenantID, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int("chunks", n))
	return n, nil
}

func (s *Service) replaceVectors(ctx context.Context, tenantID string, doc models.Document) (int, error) {
	chunks := s.chunker.SplitDocument(doc)
	if len(chunks) == 0 {
		return 0, models.ErrEmptyContent
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = embeddingText(doc.Title, c.Text)
	}
	vecs, err := s.embedder.EmbedDocuments(ctx, tenantID, texts)
	if err != nil {
		return 0, err
	}

	records := make([]models.VectorRecord, len(chunks))
	for i, c := range chunks {
		records[i] = models.VectorRecord{
			VectorID:  c.VectorID(),
			Embedding: vecs[i],
			Namespace: tenantID,
			Content:   c.Text,
			Metadata:  chunkMetadata(doc, c),
		}
	}

	// Old vectors go first so a shorter new version leaves no stale chunks.
	if err := s.store.Delete(ctx, tenantID, []string{doc.ID}); err != nil {
		return 0, fmt.Errorf("failed to remove previous vectors: %w", err)
	}
	if err := s.store.Upsert(ctx, tenantID, records); err != nil {
		s.clearAfterFailure(ctx, tenantID, doc.ID)
		return 0, fmt.Errorf("failed to upsert vectors: %w", err)
	}
	if err := s.repo.MarkEmbedded(ctx, tenantID, doc.ID, s.embedder.Model(), s.now()); err != nil {
		// Vectors must not outlive their document.
		if errors.Is(err, models.ErrNotFound) {
			if derr := s.store.Delete(ctx, tenantID, []string{doc.ID}); derr != nil {
				log.Error().Err(derr).Str("tenant_id", tenantID).Str("doc_id", doc.ID).Msg("failed to remove vectors of unknown document")
			}
		}
		return 0, err
	}
	return len(chunks), nil
}

func (s *Service) clearAfterFailure(ctx context.Context, tenantID, docID string) {
	if err := s.repo.ClearEmbedded(ctx, tenantID, []string{docID}); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Str("doc_id", docID).Msg("failed to clear embedded state")
	}
}

func embeddingText(title, text string) string {
	if title == "" {
		return text
	}
	return title + "\n\n" + text
}

func chunkMetadata(doc models.Document, c models.Chunk) map[string]string {
	meta := make(map[string]string, len(doc.Metadata)+8)
	for k, v := range doc.Metadata {
		meta[k] = models.BoundValue(v)
	}
	// Reserved keys always win over document metadata.
	maps.Copy(meta, map[string]string{
		models.MetaTenantID:       doc.TenantID,
		models.MetaDocID:          doc.ID,
		models.MetaChunkIndex:     strconv.Itoa(c.ChunkIndex),
		models.MetaTitle:          models.BoundValue(doc.Title),
		models.MetaContentPreview: models.TruncateRunes(c.Text, models.ContentPreviewChars),
		models.MetaSourceType:     doc.SourceType,
		models.MetaExternalID:     models.BoundValue(doc.ExternalID),
	})
	if !doc.CreatedAt.IsZero() {
		meta[models.MetaCreatedAt] = doc.CreatedAt.UTC().Format(time.RFC3339)
	}
	return meta
}

// IndexPending indexes up to limit documents that have no embedded_at. It is
// the retry path for earlier failures.
func (s *Service) IndexPending(ctx context.Context, tenantID string, limit int) (IndexResult, error) {
	if tenantID == "" {
		return IndexResult{}, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	docs, err := s.repo.ListUnembedded(ctx, tenantID, limit)
	if err != nil {
		return IndexResult{}, err
	}
	return s.IndexDocuments(ctx, tenantID, docs, false)
}

// DeleteDocumentEmbeddings removes the vectors, then clears embedded_at. If
// the vector delete fails nothing changes. Both steps are idempotent, so a
// failed clear is fixed by calling again.
func (s *Service) DeleteDocumentEmbeddings(ctx context.Context, tenantID string, docIDs []string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	if len(docIDs) == 0 {
		return nil
	}
	if err := s.store.Delete(ctx, tenantID, docIDs); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	if err := s.repo.ClearEmbedded(ctx, tenantID, docIDs); err != nil {
		return fmt.Errorf("vectors deleted but embedded state not cleared: %w", err)
	}
	log.Info().Str("tenant_id", tenantID).Int("count", len(docIDs)).Msg("deleted document embeddings")
	return nil
}

// DeleteDocuments removes vectors first and then the document rows in one
// transaction, so vectors never outlive a document. If the row delete fails
// the documents stay, with embedded_at cleared so they can be re-indexed.
func (s *Service) DeleteDocuments(ctx context.Context, tenantID string, docIDs []string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	if len(docIDs) == 0 {
		return 0, nil
	}
	if err := s.store.Delete(ctx, tenantID, docIDs); err != nil {
		return 0, fmt.Errorf("failed to delete vectors: %w", err)
	}
	n, err := s.repo.Delete(ctx, tenantID, docIDs)
	if err != nil {
		if cerr := s.repo.ClearEmbedded(ctx, tenantID, docIDs); cerr != nil {
			log.Error().Err(cerr).Str("tenant_id", tenantID).Msg("failed to clear embedded state after delete failure")
		}
		return 0, err
	}
	log.Info().Str("tenant_id", tenantID).Int64("count", n).Msg("deleted documents")
	return n, nil
}
