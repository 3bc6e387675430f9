// Package generation turns the selected sources into a grounded, cited answer.
package generation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/llmservice"
	"knowledge-rag/internal/models"
)

// Answer is the raw model output together with the numbered sources the
// prompt offered. Sources[i] is citation [i+1] and Excerpts[i] is its text as
// the model saw it.
type Answer struct {
	Text      string
	Sources   []models.SearchResult
	Excerpts  []string
	Truncated bool
	NoSources bool
}

// PromptedSources returns copies of Sources whose Content is the excerpt the
// prompt carried. Claims are checked against these, not the full chunks.
func (a Answer) PromptedSources() []models.SearchResult {
	out := make([]models.SearchResult, len(a.Sources))
	for i, s := range a.Sources {
		if i < len(a.Excerpts) {
			s.Content = a.Excerpts[i]
		}
		out[i] = s
	}
	return out
}

// Prompt is a rendered user message and the sources it numbers.
type Prompt struct {
	Text      string
	Sources   []models.SearchResult
	Excerpts  []string
	Truncated bool
}

type Generator struct {
	model llmservice.ChatModel
	cfg   config.GenerationConfig
}

func NewGenerator(model llmservice.ChatModel, cfg config.GenerationConfig) *Generator {
	return &Generator{model: model, cfg: cfg}
}

// Generate asks the model to answer query from sources. With no sources the
// model is not called and the fixed no-answer text is returned.
func (g *Generator) Generate(ctx context.Context, query string, sources []models.SearchResult) (Answer, error) {
	if len(sources) == 0 {
		return Answer{Text: models.NoAnswerText, NoSources: true}, nil
	}
	p := g.BuildPrompt(query, sources)
	ans := Answer{Sources: p.Sources, Excerpts: p.Excerpts, Truncated: p.Truncated}

	text, err := llmservice.Complete(ctx, g.model, models.AnswerSystemPrompt, p.Text,
		llms.WithTemperature(g.cfg.Temperature),
		llms.WithMaxTokens(g.cfg.MaxTokens),
	)
	if err != nil {
		return ans, fmt.Errorf("generate answer: %w", err)
	}
	ans.Text = strings.TrimSpace(text)
	log.Debug().Int("sources", len(p.Sources)).Bool("truncated", p.Truncated).Int("chars", len(ans.Text)).Msg("answer generated")
	return ans, nil
}

// BuildPrompt renders the numbered source block and the question. It keeps at
// most MaxContextChars/MinSourceChars sources and, when their content exceeds
// MaxContextChars, shortens the longest ones first so every kept source gets
// an equal share of what is left.
func (g *Generator) BuildPrompt(query string, sources []models.SearchResult) Prompt {
	maxSources := len(sources)
	if g.cfg.MinSourceChars > 0 && g.cfg.MaxContextChars > 0 {
		maxSources = max(1, g.cfg.MaxContextChars/g.cfg.MinSourceChars)
	}
	used := sources
	if len(used) > maxSources {
		used = used[:maxSources]
	}

	lengths := make([]int, len(used))
	for i, s := range used {
		lengths[i] = utf8.RuneCountInString(s.Content)
	}
	limits, truncated := allocate(lengths, g.cfg.MaxContextChars)

	var b strings.Builder
	excerpts := make([]string, len(used))
	for i, s := range used {
		excerpts[i] = models.TruncateRunes(s.Content, limits[i])
		fmt.Fprintf(&b, models.SourceTemplate, i+1, sourceTitle(s), s.Score, excerpts[i])
		b.WriteString("\n")
	}
	return Prompt{
		Text:      fmt.Sprintf(models.AnswerUserTemplate, b.String(), query),
		Sources:   used,
		Excerpts:  excerpts,
		Truncated: truncated || len(used) < len(sources),
	}
}

// allocate water-fills budget over lengths. Sources shorter than the fair
// share keep their full length and their slack is redistributed.
func allocate(lengths []int, budget int) ([]int, bool) {
	limits := make([]int, len(lengths))
	copy(limits, lengths)
	total := 0
	for _, l := range lengths {
		total += l
	}
	if budget <= 0 || total <= budget {
		return limits, false
	}

	order := make([]int, len(lengths))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return lengths[order[a]] < lengths[order[b]] })

	remaining := budget
	for n, idx := range order {
		share := remaining / (len(order) - n)
		if lengths[idx] < share {
			share = lengths[idx]
		}
		limits[idx] = share
		remaining -= share
	}
	return limits, true
}

func sourceTitle(s models.SearchResult) string {
	if t := s.Title(); t != "" {
		return t
	}
	return s.DocID
}
