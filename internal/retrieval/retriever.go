package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/models"
	"knowledge-rag/internal/vectorstore"
)

// QueryEmbedder is satisfied by *embedding.Client.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, tenantID, text string) ([]float32, error)
}

// Retriever embeds a query, over-fetches candidates from the vector store and
// blends in the keyword score.
type Retriever struct {
	embedder QueryEmbedder
	store    vectorstore.Store
	cfg      config.RetrievalConfig
	keywords KeywordScorer
}

func NewRetriever(embedder QueryEmbedder, store vectorstore.Store, cfg config.RetrievalConfig) *Retriever {
	if cfg.OverFetchFactor < 1 {
		cfg.OverFetchFactor = 1
	}
	return &Retriever{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		keywords: KeywordScorer{
			ContentBoost: cfg.ContentMatchBoost,
			TitleBoost:   cfg.TitleMatchBoost,
			MaxBoost:     cfg.MaxKeywordBoost,
		},
	}
}

// FetchSize is the number of candidates requested for a final topK.
func (r *Retriever) FetchSize(topK int) int {
	return topK * r.cfg.OverFetchFactor
}

// Retrieve returns up to topK*OverFetchFactor candidates for query, best first.
// Each result's Score is the blended hybrid score; candidates below MinScore
// are dropped.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, query string, topK int, filter map[string]string) ([]models.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", models.ErrInvalidInput)
	}
	if topK <= 0 {
		return nil, nil
	}
	vec, err := r.embedder.EmbedQuery(ctx, tenantID, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := r.store.Search(ctx, tenantID, vec, r.FetchSize(topK), filter)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	if !r.cfg.DisableHybrid {
		terms := Terms(query)
		for i := range results {
			sparse := r.keywords.Boost(terms, results[i].Content, results[i].Title())
			results[i].Score = r.cfg.DenseWeight*results[i].Score + r.cfg.SparseWeight*sparse
		}
		sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	}

	if r.cfg.MinScore > 0 {
		kept := results[:0]
		for _, res := range results {
			if res.Score >= r.cfg.MinScore {
				kept = append(kept, res)
			}
		}
		results = kept
	}

	log.Debug().
		Str("tenant_id", tenantID).
		Int("count", len(results)).
		Bool("hybrid", !r.cfg.DisableHybrid).
		Msg("retrieved candidates")
	return results, nil
}
