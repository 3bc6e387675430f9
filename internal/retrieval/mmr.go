package retrieval

import (
	"math"
	"strings"

	"knowledge-rag/internal/models"
)

// SelectMMR greedily picks up to topK results maximising
// lambda*relevance - (1-lambda)*max similarity to what is already picked.
// Repeated (doc_id, chunk_index) pairs are dropped before selection, keeping
// the first. Ties go to the candidate ranked earlier in the input.
func SelectMMR(results []models.SearchResult, topK int, lambda float64) []models.SearchResult {
	if topK <= 0 || len(results) == 0 {
		return nil
	}

	seen := make(map[models.ChunkKey]bool, len(results))
	candidates := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		candidates = append(candidates, r)
	}

	tokens := make([]map[string]struct{}, len(candidates))
	// maxSim[i] is candidate i's highest similarity to the selected set.
	maxSim := make([]float64, len(candidates))
	used := make([]bool, len(candidates))

	selected := make([]models.SearchResult, 0, min(topK, len(candidates)))
	for len(selected) < topK && len(selected) < len(candidates) {
		best, bestScore := -1, math.Inf(-1)
		for i, c := range candidates {
			if used[i] {
				continue
			}
			score := lambda*c.Score - (1-lambda)*maxSim[i]
			if best < 0 || score > bestScore {
				best, bestScore = i, score
			}
		}
		used[best] = true
		selected = append(selected, candidates[best])

		for i := range candidates {
			if used[i] {
				continue
			}
			if sim := similarity(candidates, tokens, i, best); sim > maxSim[i] {
				maxSim[i] = sim
			}
		}
	}
	return selected
}

// similarity uses embedding cosine when both vectors are present and token
// Jaccard on the content otherwise.
func similarity(cands []models.SearchResult, tokens []map[string]struct{}, i, j int) float64 {
	a, b := cands[i].Embedding, cands[j].Embedding
	if len(a) > 0 && len(a) == len(b) {
		return Cosine(a, b)
	}
	if tokens[i] == nil {
		tokens[i] = tokenSet(cands[i].Content)
	}
	if tokens[j] == nil {
		tokens[j] = tokenSet(cands[j].Content)
	}
	return jaccard(tokens[i], tokens[j])
}

// Cosine returns the cosine similarity of a and b, or 0 for a zero vector.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range queryTokenRe.FindAllString(strings.ToLower(text), -1) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
