package retrieval

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/errgroup"

	"knowledge-rag/internal/llmservice"
	"knowledge-rag/internal/models"
)

// CrossEncoder scores (query, passage) pairs jointly. Scores are in [0, 1]
// and returned in passage order.
type CrossEncoder interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// Reranker blends cross-encoder scores into the candidates' prior scores.
// A nil model turns it into a passthrough.
type Reranker struct {
	model           CrossEncoder
	weight          float64
	maxPassageChars int
	timeout         time.Duration
}

func NewReranker(model CrossEncoder, weight float64, maxPassageChars int, timeout time.Duration) *Reranker {
	return &Reranker{model: model, weight: weight, maxPassageChars: maxPassageChars, timeout: timeout}
}

// Rerank scores results against query and returns the best keep of them. The
// second return reports whether the model was applied; when it is false the
// input order is preserved.
func (r *Reranker) Rerank(ctx context.Context, query string, results []models.SearchResult, keep int) ([]models.SearchResult, bool) {
	if r == nil || r.model == nil || len(results) == 0 {
		return truncate(results, keep), false
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	passages := make([]string, len(results))
	for i, res := range results {
		passages[i] = SamplePassage(res.Content, r.maxPassageChars)
	}
	scores, err := r.model.Score(ctx, query, passages)
	if err != nil {
		log.Warn().Err(err).Int("count", len(results)).Msg("rerank unavailable, keeping retrieval order")
		return truncate(results, keep), false
	}
	if len(scores) != len(results) {
		log.Warn().Int("expected", len(results)).Int("got", len(scores)).Msg("rerank returned wrong score count, keeping retrieval order")
		return truncate(results, keep), false
	}

	out := make([]models.SearchResult, len(results))
	copy(out, results)
	for i := range out {
		out[i].Score = (1-r.weight)*out[i].Score + r.weight*clamp01(scores[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return truncate(out, keep), true
}

// SamplePassage returns text unchanged when it fits in maxChars runes and
// otherwise joins equal slices from its beginning, middle and end.
func SamplePassage(text string, maxChars int) string {
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return text
	}
	const sep = " ... "
	part := (maxChars - 2*len(sep)) / 3
	if part <= 0 {
		return string(runes[:maxChars])
	}
	mid := len(runes)/2 - part/2
	return string(runes[:part]) + sep + string(runes[mid:mid+part]) + sep + string(runes[len(runes)-part:])
}

func truncate(results []models.SearchResult, n int) []models.SearchResult {
	if n >= 0 && len(results) > n {
		return results[:n]
	}
	return results
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

var scoreRe = regexp.MustCompile(`\d*\.?\d+`)

// LLMCrossEncoder asks a chat model to rate each passage.
type LLMCrossEncoder struct {
	model       llmservice.ChatModel
	concurrency int
}

func NewLLMCrossEncoder(model llmservice.ChatModel, concurrency int) *LLMCrossEncoder {
	if concurrency < 1 {
		concurrency = 1
	}
	return &LLMCrossEncoder{model: model, concurrency: concurrency}
}

// Score fails as a whole when any model call fails. A reply without a number
// scores 0.
func (e *LLMCrossEncoder) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	scores := make([]float64, len(passages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, p := range passages {
		g.Go(func() error {
			reply, err := llmservice.Complete(gctx, e.model, "", fmt.Sprintf(models.RerankPromptTemplate, query, p),
				llms.WithTemperature(0), llms.WithMaxTokens(8))
			if err != nil {
				return err
			}
			scores[i] = ParseScore(reply)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// ParseScore reads the first number in a model reply. Values above 1 are read
// as a 0-10 or 0-100 scale.
func ParseScore(reply string) float64 {
	m := scoreRe.FindString(strings.TrimSpace(reply))
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	switch {
	case v > 10:
		v /= 100
	case v > 1:
		v /= 10
	}
	return clamp01(v)
}
