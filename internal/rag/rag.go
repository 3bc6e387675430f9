// Package rag wires the query-time stages into one pipeline: expand, retrieve,
// freshness, rerank, MMR, generate and verify.
package rag

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/generation"
	"knowledge-rag/internal/llmservice"
	"knowledge-rag/internal/metrics"
	"knowledge-rag/internal/models"
	"knowledge-rag/internal/retrieval"
	"knowledge-rag/internal/vectorstore"
	"knowledge-rag/internal/verify"
)

// Stage names used for timings, spans and metrics.
const (
	StageExpand    = "expand"
	StageRetrieve  = "retrieve"
	StageFreshness = "freshness"
	StageRerank    = "rerank"
	StageMMR       = "mmr"
	StageGenerate  = "generate"
	StageVerify    = "verify"
)

var citationRe = regexp.MustCompile(models.CitationRegex)

// QueryOptions tunes one call. Zero values fall back to the configuration.
type QueryOptions struct {
	TopK   int
	Filter map[string]string
}

// SearchResponse is the outcome of the retrieval half of the pipeline.
type SearchResponse struct {
	Query         string                   `json:"query"`
	ExpandedQuery string                   `json:"expanded_query"`
	Results       []models.SearchResult    `json:"results"`
	Warnings      []string                 `json:"warnings,omitempty"`
	StageTimings  map[string]time.Duration `json:"stage_timings,omitempty"`
	// Failed is set when retrieval could not run, as opposed to finding nothing.
	Failed bool `json:"failed,omitempty"`
}

type Engine struct {
	cfg       *config.Config
	expander  *retrieval.Expander
	retriever *retrieval.Retriever
	freshness *retrieval.FreshnessScorer
	reranker  *retrieval.Reranker
	generator *generation.Generator
	verifier  *verify.Verifier
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

// NewEngine builds the pipeline. crossEncoder may be nil, in which case the
// rerank stage passes candidates through.
func NewEngine(cfg *config.Config, embedder retrieval.QueryEmbedder, store vectorstore.Store, chat llmservice.ChatModel, crossEncoder retrieval.CrossEncoder, m *metrics.Metrics) *Engine {
	e := &Engine{
		cfg:       cfg,
		expander:  retrieval.NewExpander(cfg.Expansion),
		retriever: retrieval.NewRetriever(embedder, store, cfg.Retrieval),
		generator: generation.NewGenerator(chat, cfg.Generation),
		verifier:  verify.NewVerifier(cfg.Verification.MinCitationCoverage),
		metrics:   m,
		tracer:    otel.Tracer("knowledge-rag/rag"),
	}
	if !cfg.Retrieval.DisableFreshness {
		e.freshness = retrieval.NewFreshnessScorer(nil)
	}
	if cfg.Rerank.Enabled && crossEncoder != nil {
		e.reranker = retrieval.NewReranker(crossEncoder, cfg.Rerank.Weight, cfg.Rerank.MaxPassageChars, cfg.Rerank.Timeout)
	}
	return e
}

// NewCrossEncoder returns the configured reranking model, or nil when
// reranking is disabled. The llm backend reuses fallback unless a separate
// rerank model is configured.
func NewCrossEncoder(cfg config.RerankConfig, fallback llmservice.ChatModel) (retrieval.CrossEncoder, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("%w: rerank backend http needs base_url", models.ErrInvalidInput)
		}
		return retrieval.NewHTTPCrossEncoder(cfg.BaseURL, cfg.Key, cfg.Model, cfg.Timeout), nil
	default:
		model := fallback
		if cfg.Model != "" {
			m, err := llmservice.NewChatModel(cfg.LLMConfig)
			if err != nil {
				return nil, fmt.Errorf("rerank model: %w", err)
			}
			model = m
		}
		if model == nil {
			return nil, nil
		}
		return retrieval.NewLLMCrossEncoder(model, cfg.Concurrency), nil
	}
}

// Search runs the pipeline up to MMR selection. Only tenant isolation and
// input validation problems are returned as errors; everything else is
// reported through the response.
func (e *Engine) Search(ctx context.Context, tenantID, query string, opts QueryOptions) (*SearchResponse, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.search(ctx, tenantID, query, opts)
}

// Answer runs the full pipeline and always returns a KnowledgeAnswer unless
// the request itself is invalid or crosses a tenant boundary.
func (e *Engine) Answer(ctx context.Context, tenantID, query string, opts QueryOptions) (*models.KnowledgeAnswer, error) {
	start := time.Now()
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "rag.answer", trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	sr, err := e.search(ctx, tenantID, query, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ans := &models.KnowledgeAnswer{
		Query:         query,
		ExpandedQuery: sr.ExpandedQuery,
		Sources:       []models.SearchResult{},
		Warnings:      sr.Warnings,
		StageTimings:  sr.StageTimings,
	}
	defer func() {
		elapsed := time.Since(start)
		e.metrics.Answer(ans.Status, elapsed)
		passed := ans.HallucinationReport.Passed()
		span.SetAttributes(
			attribute.String("status", ans.Status),
			attribute.Int("sources", len(ans.Sources)),
			attribute.Bool("verified", passed),
		)
		log.Info().
			Str("tenant_id", tenantID).
			Str("status", ans.Status).
			Int("sources", len(ans.Sources)).
			Float64("confidence", ans.Confidence).
			Bool("verified", passed).
			Dur("elapsed", elapsed).
			Msg("answered query")
	}()

	switch {
	case sr.Failed:
		ans.Status = models.StatusFailed
		return ans, nil
	case len(sr.Results) == 0:
		ans.Status = models.StatusNoSources
		ans.AnswerText = models.NoAnswerText
		return ans, nil
	}

	var gen generation.Answer
	err = e.stage(ctx, StageGenerate, ans.StageTimings, func(ctx context.Context) error {
		var err error
		gen, err = e.generator.Generate(ctx, sr.ExpandedQuery, sr.Results)
		return err
	})
	if err != nil {
		// Retrieval worked, so hand back what was found without an answer.
		ans.Status = models.StatusPartial
		ans.Sources = sr.Results
		ans.Confidence = verify.Confidence(meanScore(sr.Results), nil)
		ans.Warnings = append(ans.Warnings, e.describe(ctx, "answer generation failed", err))
		return ans, nil
	}
	if gen.Truncated {
		ans.Warnings = append(ans.Warnings, "some sources were shortened or left out to fit the context budget")
	}
	if gen.NoSources || strings.Contains(gen.Text, models.NoAnswerText) {
		ans.Status = models.StatusNoSources
		ans.AnswerText = models.NoAnswerText
		return ans, nil
	}

	var report *models.HallucinationReport
	_ = e.stage(ctx, StageVerify, ans.StageTimings, func(context.Context) error {
		report = e.verifier.Verify(gen.Text, gen.PromptedSources())
		return nil
	})
	e.metrics.HallucinatedClaims(report.Hallucinated)
	if report.LowCoverage {
		e.metrics.LowCoverage()
	}

	cited, mapping := citedSources(gen.Text, gen.Sources)
	ans.AnswerText = RenumberCitations(gen.Text, mapping)
	renumberReport(report, mapping)
	ans.Sources = cited
	ans.HallucinationReport = report
	ans.Warnings = append(ans.Warnings, report.Warnings...)
	strength := sr.Results
	if len(cited) > 0 {
		strength = cited
	}
	ans.Confidence = verify.Confidence(meanScore(strength), report)
	ans.Status = models.StatusOK
	return ans, nil
}

func (e *Engine) search(ctx context.Context, tenantID, query string, opts QueryOptions) (*SearchResponse, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is empty", models.ErrInvalidInput)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = e.cfg.Retrieval.TopK
	}
	if topK > 100 {
		return nil, fmt.Errorf("%w: top_k %d exceeds 100", models.ErrInvalidInput, topK)
	}

	sr := &SearchResponse{Query: query, StageTimings: make(map[string]time.Duration)}

	_ = e.stage(ctx, StageExpand, sr.StageTimings, func(context.Context) error {
		sr.ExpandedQuery = e.expander.Expand(query)
		return nil
	})

	var candidates []models.SearchResult
	err := e.stage(ctx, StageRetrieve, sr.StageTimings, func(ctx context.Context) error {
		var err error
		candidates, err = e.retriever.Retrieve(ctx, tenantID, sr.ExpandedQuery, topK, opts.Filter)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrTenantIsolation) || errors.Is(err, models.ErrInvalidInput) {
			return nil, err
		}
		sr.Failed = true
		sr.Warnings = append(sr.Warnings, e.describe(ctx, "retrieval failed", err))
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("retrieval failed")
		return sr, nil
	}

	if e.freshness != nil {
		_ = e.stage(ctx, StageFreshness, sr.StageTimings, func(context.Context) error {
			candidates = e.freshness.Apply(candidates)
			return nil
		})
	}

	if e.reranker != nil {
		_ = e.stage(ctx, StageRerank, sr.StageTimings, func(ctx context.Context) error {
			var applied bool
			candidates, applied = e.reranker.Rerank(ctx, sr.ExpandedQuery, candidates, topK*2)
			if !applied && len(candidates) > 0 {
				sr.Warnings = append(sr.Warnings, "reranker unavailable, using retrieval order")
			}
			return nil
		})
	}

	_ = e.stage(ctx, StageMMR, sr.StageTimings, func(context.Context) error {
		sr.Results = retrieval.SelectMMR(candidates, topK, e.cfg.Retrieval.MMRLambda)
		return nil
	})
	if sr.Results == nil {
		sr.Results = []models.SearchResult{}
	}
	return sr, nil
}

func (e *Engine) stage(ctx context.Context, name string, timings map[string]time.Duration, fn func(ctx context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "rag."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	timings[name] = elapsed
	e.metrics.Stage(name, elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) describe(ctx context.Context, what string, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s: query timed out after %s", what, e.cfg.QueryTimeout)
	}
	return fmt.Sprintf("%s: %v", what, err)
}

// citedSources returns the sources the answer cites, in source order, and the
// mapping from prompt numbers to their new positions.
func citedSources(answer string, sources []models.SearchResult) ([]models.SearchResult, map[int]int) {
	var nums []int
	for _, n := range verify.Citations(answer) {
		if n >= 1 && n <= len(sources) {
			nums = append(nums, n)
		}
	}
	slices.Sort(nums)
	out := make([]models.SearchResult, 0, len(nums))
	mapping := make(map[int]int, len(nums))
	for i, n := range nums {
		out = append(out, sources[n-1])
		mapping[n] = i + 1
	}
	return out, mapping
}

// RenumberCitations rewrites citation markers through mapping so they index
// the cited-only source list. Numbers missing from mapping are kept.
func RenumberCitations(text string, mapping map[int]int) string {
	return citationRe.ReplaceAllStringFunc(text, func(marker string) string {
		nums := verify.Citations(marker)
		if len(nums) == 0 {
			return marker
		}
		for i, n := range nums {
			if m, ok := mapping[n]; ok {
				nums[i] = m
			}
		}
		return verify.FormatCitation(nums)
	})
}

func renumberReport(r *models.HallucinationReport, mapping map[int]int) {
	for i := range r.Claims {
		c := &r.Claims[i]
		c.Sentence = RenumberCitations(c.Sentence, mapping)
		for j, n := range c.Citations {
			if m, ok := mapping[n]; ok {
				c.Citations[j] = m
			}
		}
		c.Reason = RenumberCitations(c.Reason, mapping)
	}
}

func meanScore(results []models.SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.Score
	}
	return sum / float64(len(results))
}
