package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"knowledge-rag/internal/cache"
	"knowledge-rag/internal/config"
	"knowledge-rag/internal/metrics"
	"knowledge-rag/internal/models"
)

// Embedder is the provider call. *embeddings.EmbedderImpl satisfies it.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a provider error as bad input. Such errors are not retried
// with backoff; the batch is truncated and tried once more instead.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

var permanentMarkers = []string{
	"maximum context length",
	"context length",
	"too many tokens",
	"input is too long",
	"invalid input",
}

// IsPermanent reports whether err was marked Permanent or carries a provider
// message that retrying cannot fix.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

type Options struct {
	Model             string
	Dimensions        int
	BatchSize         int
	MaxInputChars     int
	MaxRetries        int
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
	Concurrency       int
	RequestsPerSecond float64
	CachePrefix       string
}

// OptionsFromConfig maps the embedding and cache sections to client options.
func OptionsFromConfig(cfg *config.Config) Options {
	e := cfg.Embedding
	return Options{
		Model:             e.Model,
		Dimensions:        e.Dimensions,
		BatchSize:         e.BatchSize,
		MaxInputChars:     e.MaxInputChars,
		MaxRetries:        e.MaxRetries,
		RetryBackoff:      e.RetryBackoff,
		MaxRetryBackoff:   e.MaxRetryBackoff,
		Concurrency:       e.Concurrency,
		RequestsPerSecond: e.RequestsPerSecond,
		CachePrefix:       cfg.Cache.KeyPrefix,
	}
}

// Client batches, rate limits, retries and caches embedding calls. It is safe
// for concurrent use.
type Client struct {
	embedder Embedder
	opts     Options
	limiter  *rate.Limiter
	cache    cache.Store
	metrics  *metrics.Metrics
}

func NewClient(embedder Embedder, opts Options, store cache.Store, m *metrics.Metrics) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = 30000
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.MaxRetryBackoff < opts.RetryBackoff {
		opts.MaxRetryBackoff = opts.RetryBackoff
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if store == nil {
		store = cache.Noop{}
	}
	return &Client{
		embedder: embedder,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, opts.Concurrency),
		cache:    store,
		metrics:  m,
	}
}

// Model returns the embedding model name recorded on indexed documents.
func (c *Client) Model() string {
	return c.opts.Model
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, tenantID, text string) ([]float32, error) {
	vecs, err := c.EmbedDocuments(ctx, tenantID, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedDocuments returns one vector per input, in input order. Inputs over
// MaxInputChars are truncated. A batch that still fails after retries fails
// the whole call wrapped in models.ErrEmbeddingFailed.
func (c *Client) EmbedDocuments(ctx context.Context, tenantID string, texts []string) ([][]float32, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	keys := make([]string, len(texts))
	var missing []int
	for i, text := range texts {
		keys[i] = cache.Key(c.opts.CachePrefix, tenantID, c.opts.Model, text)
		if vec, ok := c.cache.Get(ctx, keys[i]); ok && c.validDims(vec) {
			out[i] = vec
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for start := 0; start < len(missing); start += c.opts.BatchSize {
		end := min(start+c.opts.BatchSize, len(missing))
		idx := missing[start:end]
		g.Go(func() error {
			batch := make([]string, len(idx))
			for j, i := range idx {
				batch[j] = c.truncate(tenantID, texts[i])
			}
			vecs, err := c.embedBatch(gctx, batch)
			if err != nil {
				return err
			}
			for j, i := range idx {
				out[i] = vecs[j]
				c.cache.Set(gctx, keys[i], vecs[j])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingFailed, err)
	}
	return out, nil
}

func (c *Client) truncate(tenantID, text string) string {
	if len([]rune(text)) <= c.opts.MaxInputChars {
		return text
	}
	log.Warn().
		Str("tenant_id", tenantID).
		Int("max_chars", c.opts.MaxInputChars).
		Msg("embedding input truncated")
	return models.TruncateRunes(text, c.opts.MaxInputChars)
}

// embedBatch calls the provider with exponential backoff on transient errors.
// A permanent error halves every input and tries exactly once more.
func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryBackoff
	b.MaxInterval = c.opts.MaxRetryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx)

	var (
		result    [][]float32
		truncated bool
		attempt   int
	)
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		vecs, err := c.embedder.EmbedDocuments(ctx, texts)
		if err != nil && IsPermanent(err) && !truncated && ctx.Err() == nil {
			truncated = true
			texts = halve(texts)
			log.Warn().Err(err).Int("count", len(texts)).Msg("embedding input rejected, retrying truncated")
			vecs, err = c.embedder.EmbedDocuments(ctx, texts)
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if IsPermanent(err) {
				return backoff.Permanent(err)
			}
			c.metrics.EmbeddingRetry()
			log.Debug().Err(err).Int("attempt", attempt).Msg("embedding request failed")
			return err
		}
		if len(vecs) != len(texts) {
			return backoff.Permanent(fmt.Errorf("provider returned %d vectors for %d inputs", len(vecs), len(texts)))
		}
		for _, v := range vecs {
			if !c.validDims(v) {
				return backoff.Permanent(fmt.Errorf("provider returned %d dimensions, expected %d", len(v), c.opts.Dimensions))
			}
		}
		result = vecs
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) validDims(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	return c.opts.Dimensions == 0 || len(v) == c.opts.Dimensions
}

func halve(texts []string) []string {
	out := make([]string, len(texts))
	for i, t := range texts {
		r := []rune(t)
		out[i] = string(r[:(len(r)+1)/2])
	}
	return out
}
