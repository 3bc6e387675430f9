package retrieval

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"knowledge-rag/internal/models"
)

// Metadata keys consulted for a document date, most specific first.
var dateKeys = []string{"date", "document_date", "sent_at", "updated_at", "modified_at", models.MetaCreatedAt}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	time.RFC1123Z,
	time.RFC1123,
	"2006",
}

var yearRe = regexp.MustCompile(models.YearRegex)

// FreshnessFactor maps a document age in whole years to a score multiplier.
// Undated documents get the same factor as very old ones.
func FreshnessFactor(ageYears int, dated bool) float64 {
	switch {
	case !dated:
		return 0.90
	case ageYears <= 0:
		return 1.15
	case ageYears == 1:
		return 1.08
	case ageYears <= 5:
		return 1.00
	case ageYears <= 10:
		return 0.95
	default:
		return 0.90
	}
}

// Nudge scales score by factor relative to its magnitude, so a factor above 1
// always raises the score and one below 1 always lowers it, including for
// negative similarities.
func Nudge(score, factor float64) float64 {
	return score + math.Abs(score)*(factor-1)
}

// FreshnessScorer adjusts candidate scores by FreshnessFactor.
type FreshnessScorer struct {
	now func() time.Time
}

func NewFreshnessScorer(now func() time.Time) *FreshnessScorer {
	if now == nil {
		now = time.Now
	}
	return &FreshnessScorer{now: now}
}

// Apply reweights results in place and re-sorts them, keeping the prior order
// between equal scores.
func (f *FreshnessScorer) Apply(results []models.SearchResult) []models.SearchResult {
	currentYear := f.now().Year()
	for i := range results {
		year, ok := DocumentYear(results[i], currentYear)
		results[i].Score = Nudge(results[i].Score, FreshnessFactor(currentYear-year, ok))
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

// DocumentYear finds the year a result's document was written. Metadata dates
// win over years mentioned in the title, which win over years in the content.
// Years after maxYear are ignored when scanning text.
func DocumentYear(r models.SearchResult, maxYear int) (int, bool) {
	for _, key := range dateKeys {
		if v := strings.TrimSpace(r.Metadata[key]); v != "" {
			if t, ok := parseDate(v); ok {
				return t.Year(), true
			}
		}
	}
	if y, ok := latestYear(r.Title(), maxYear); ok {
		return y, true
	}
	return latestYear(r.Content, maxYear)
}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func latestYear(text string, maxYear int) (int, bool) {
	best := 0
	for _, m := range yearRe.FindAllString(text, -1) {
		y, err := strconv.Atoi(m)
		if err != nil || y > maxYear {
			continue
		}
		if y > best {
			best = y
		}
	}
	return best, best > 0
}
