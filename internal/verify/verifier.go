// Package verify checks a generated answer against the sources it cites.
package verify

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"knowledge-rag/internal/models"
)

var (
	citationRe        = regexp.MustCompile(models.CitationRegex)
	numberRe          = regexp.MustCompile(models.NumberRegex)
	leadingCitationRe = regexp.MustCompile(`^(?:\s*` + models.CitationRegex + `)+`)
	listMarkerRe      = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+`)
	wordRe            = regexp.MustCompile(`[\p{L}\p{N}]+`)
	metaRe            = regexp.MustCompile(`(?i)(could not find|couldn't find|no information|not (?:mentioned|covered|specified) in the|the (?:provided )?(?:sources|documents|context) (?:do not|don't)|^(?:based on|according to) the (?:provided )?(?:sources|documents|context)[,:]?$|:$)`)
)

const minCheckableWords = 4

// Verifier extracts numeric claims and citation markers from an answer and
// checks each claim against the text of the sources it cites.
type Verifier struct {
	minCoverage float64
}

func NewVerifier(minCoverage float64) *Verifier {
	return &Verifier{minCoverage: minCoverage}
}

// Verify builds the report for answer. sources[i] is citation [i+1].
func (v *Verifier) Verify(answer string, sources []models.SearchResult) *models.HallucinationReport {
	report := &models.HallucinationReport{CitationCoverage: 1}
	if strings.TrimSpace(answer) == "" || strings.Contains(answer, models.NoAnswerText) {
		return report
	}

	sourceNumbers := make([]map[string]bool, len(sources))
	invalid := make(map[int]bool)

	for _, sentence := range SplitSentences(answer) {
		cites := Citations(sentence)
		var valid []int
		for _, n := range cites {
			if n < 1 || n > len(sources) {
				invalid[n] = true
				continue
			}
			valid = append(valid, n)
		}

		bare := strings.TrimSpace(citationRe.ReplaceAllString(sentence, " "))
		bare = listMarkerRe.ReplaceAllString(bare, "")

		if isCheckable(bare) {
			report.CheckableSentences++
			if len(cites) > 0 {
				report.CitedSentences++
			}
		}

		claims := numberRe.FindAllString(bare, -1)
		if len(claims) > 0 && len(cites) == 0 {
			report.FlaggedSentences = append(report.FlaggedSentences, sentence)
		}
		for _, raw := range claims {
			claim := models.Claim{Text: strings.TrimRight(strings.TrimSpace(raw), ","), Sentence: sentence, Citations: slices.Clone(cites)}
			switch {
			case len(cites) == 0:
				claim.Verdict = models.ClaimUnverified
				claim.Reason = "no citation"
			case len(valid) == 0:
				claim.Verdict = models.ClaimHallucinated
				claim.Reason = "cites a source that does not exist"
			default:
				if n, ok := findInSources(raw, valid, sources, sourceNumbers); ok {
					claim.Verdict = models.ClaimVerified
					claim.Reason = fmt.Sprintf("found in source [%d]", n)
				} else {
					claim.Verdict = models.ClaimHallucinated
					claim.Reason = "not found in cited source " + FormatCitation(valid)
				}
			}
			report.Claims = append(report.Claims, claim)
			switch claim.Verdict {
			case models.ClaimVerified:
				report.Verified++
			case models.ClaimUnverified:
				report.Unverified++
			case models.ClaimHallucinated:
				report.Hallucinated++
			}
		}
	}

	for n := range invalid {
		report.InvalidCitations = append(report.InvalidCitations, n)
	}
	slices.Sort(report.InvalidCitations)

	if report.CheckableSentences > 0 {
		report.CitationCoverage = float64(report.CitedSentences) / float64(report.CheckableSentences)
		report.LowCoverage = report.CitationCoverage < v.minCoverage
	}
	report.Warnings = warnings(report, v.minCoverage)
	return report
}

func warnings(r *models.HallucinationReport, minCoverage float64) []string {
	var out []string
	if r.Hallucinated > 0 {
		out = append(out, fmt.Sprintf("%d claim(s) not supported by the cited sources", r.Hallucinated))
	}
	if len(r.InvalidCitations) > 0 {
		out = append(out, fmt.Sprintf("answer cites unknown source(s) %v", r.InvalidCitations))
	}
	if len(r.FlaggedSentences) > 0 {
		out = append(out, fmt.Sprintf("%d sentence(s) state numbers without a citation", len(r.FlaggedSentences)))
	}
	if r.LowCoverage {
		out = append(out, fmt.Sprintf("citation coverage %.0f%% is below %.0f%%", r.CitationCoverage*100, minCoverage*100))
	}
	return out
}

// Confidence combines retrieval strength with the verification outcome. The
// result is in [0, 1].
func Confidence(retrieval float64, r *models.HallucinationReport) float64 {
	retrieval = clamp01(retrieval)
	if r == nil {
		return retrieval * 0.5
	}
	supported := 1.0
	if total := len(r.Claims); total > 0 {
		supported = 1 - float64(r.Hallucinated)/float64(total)
	}
	c := 0.5*retrieval + 0.3*r.CitationCoverage + 0.2*supported
	if r.Hallucinated > 0 {
		c *= 0.5
	}
	return clamp01(c)
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

func isCheckable(sentence string) bool {
	if len(wordRe.FindAllString(sentence, -1)) < minCheckableWords {
		return false
	}
	return !metaRe.MatchString(sentence)
}

// Citations returns the source numbers cited in text, in order of first
// appearance.
func Citations(text string) []int {
	var out []int
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		for _, part := range strings.Split(m[1], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || slices.Contains(out, n) {
				continue
			}
			out = append(out, n)
		}
	}
	return out
}

// FormatCitation renders nums as a single marker such as "[1, 2]".
func FormatCitation(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// SplitSentences breaks text on sentence punctuation followed by whitespace
// and on newlines. Decimal points are never split because they are not
// followed by whitespace. A sentence that starts with citation markers hands
// them back to the previous sentence, so "12%. [1]" stays attached.
func SplitSentences(text string) []string {
	var raw []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		end := -1
		switch {
		case r == '\n':
			end = i
		case (r == '.' || r == '!' || r == '?') && i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '\t' || runes[i+1] == '\n'):
			if r == '.' && isListNumber(runes[start:i]) {
				continue
			}
			end = i + 1
		}
		if end < 0 {
			continue
		}
		raw = append(raw, string(runes[start:end]))
		start = end
	}
	raw = append(raw, string(runes[start:]))

	var out []string
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if lead := leadingCitationRe.FindString(s); lead != "" && len(out) > 0 {
			out[len(out)-1] += " " + strings.TrimSpace(lead)
			s = strings.TrimSpace(s[len(lead):])
			if s == "" {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// isListNumber reports whether seg is only a list ordinal such as "2".
func isListNumber(seg []rune) bool {
	trimmed := strings.TrimSpace(string(seg))
	if trimmed == "" || len(trimmed) > 3 {
		return false
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
