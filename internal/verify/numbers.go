package verify

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"knowledge-rag/internal/models"
)

var numberPartsRe = regexp.MustCompile(`^[$€£]?(\d[\d,]*(?:\.\d+)?)\s?([%a-zA-Z]*)`)

var unitScale = map[string]float64{
	"k":       1e3,
	"m":       1e6,
	"million": 1e6,
	"bn":      1e9,
	"billion": 1e9,
}

// NumberForms returns the normalised spellings a numeric claim may take in a
// source: grouping commas and currency signs removed, trailing decimal zeros
// dropped, and the scaled value when a magnitude word is attached. "$1.2M"
// yields "1.2" and "1200000".
func NumberForms(raw string) []string {
	m := numberPartsRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return nil
	}
	base := normalizeDigits(m[1])
	if base == "" {
		return nil
	}
	forms := []string{base}
	if scale, ok := unitScale[strings.ToLower(m[2])]; ok {
		if v, err := strconv.ParseFloat(base, 64); err == nil {
			scaled := math.Round(v*scale*1e4) / 1e4
			forms = append(forms, strconv.FormatFloat(scaled, 'f', -1, 64))
		}
	}
	return forms
}

func normalizeDigits(s string) string {
	s = strings.Trim(strings.ReplaceAll(s, ",", ""), ".")
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// findInSources reports the first cited source whose text contains one of
// the claim's forms. cache holds the number set of each source, built on
// first use.
func findInSources(raw string, cited []int, sources []models.SearchResult, cache []map[string]bool) (int, bool) {
	forms := NumberForms(raw)
	if len(forms) == 0 {
		return 0, false
	}
	for _, n := range cited {
		idx := n - 1
		if cache[idx] == nil {
			cache[idx] = sourceNumbers(sources[idx])
		}
		for _, f := range forms {
			if cache[idx][f] {
				return n, true
			}
		}
	}
	return 0, false
}

func sourceNumbers(s models.SearchResult) map[string]bool {
	set := make(map[string]bool)
	for _, text := range []string{s.Content, s.Title()} {
		for _, raw := range numberRe.FindAllString(text, -1) {
			for _, f := range NumberForms(raw) {
				set[f] = true
			}
		}
	}
	return set
}
