package retrieval

import "strings"

const minTermLen = 3

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {}, "you": {}, "all": {},
	"any": {}, "can": {}, "had": {}, "her": {}, "was": {}, "one": {}, "our": {}, "out": {},
	"has": {}, "have": {}, "his": {}, "how": {}, "its": {}, "may": {}, "who": {}, "did": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "why": {}, "with": {}, "this": {},
	"that": {}, "these": {}, "those": {}, "from": {}, "they": {}, "them": {}, "their": {},
	"there": {}, "were": {}, "been": {}, "being": {}, "does": {}, "into": {}, "about": {},
	"over": {}, "than": {}, "then": {}, "also": {}, "some": {}, "such": {}, "only": {},
	"your": {}, "will": {}, "would": {}, "should": {}, "could": {}, "tell": {}, "show": {},
	"give": {}, "please": {}, "much": {}, "many": {},
}

// KeywordScorer computes the sparse half of the hybrid score.
type KeywordScorer struct {
	ContentBoost float64
	TitleBoost   float64
	MaxBoost     float64
}

// Terms lowercases query into distinct words of at least three characters
// that are not stopwords, in first-seen order.
func Terms(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range queryTokenRe.FindAllString(strings.ToLower(query), -1) {
		if len([]rune(tok)) < minTermLen || seen[tok] {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// Boost adds ContentBoost for every whole-word occurrence of a term in content
// and TitleBoost for every occurrence in title, capped at MaxBoost.
func (k KeywordScorer) Boost(terms []string, content, title string) float64 {
	if len(terms) == 0 {
		return 0
	}
	contentCounts := wordCounts(content)
	titleCounts := wordCounts(title)

	var boost float64
	for _, t := range terms {
		boost += float64(contentCounts[t]) * k.ContentBoost
		boost += float64(titleCounts[t]) * k.TitleBoost
		if boost >= k.MaxBoost {
			return k.MaxBoost
		}
	}
	return boost
}

func wordCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, tok := range queryTokenRe.FindAllString(strings.ToLower(text), -1) {
		counts[tok]++
	}
	return counts
}
