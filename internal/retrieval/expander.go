// Package retrieval holds the query-time stages between the raw question and
// the final source list: expansion, hybrid retrieval, freshness weighting,
// reranking and MMR selection.
package retrieval

import (
	"regexp"
	"strings"
	"unicode"

	"knowledge-rag/internal/config"
)

var defaultAcronyms = map[string]string{
	"ROI":    "Return on Investment",
	"KPI":    "Key Performance Indicator",
	"OKR":    "Objectives and Key Results",
	"ARR":    "Annual Recurring Revenue",
	"MRR":    "Monthly Recurring Revenue",
	"CAC":    "Customer Acquisition Cost",
	"LTV":    "Lifetime Value",
	"EBITDA": "Earnings Before Interest, Taxes, Depreciation and Amortization",
	"P&L":    "Profit and Loss",
	"R&D":    "Research and Development",
	"YoY":    "Year over Year",
	"QoQ":    "Quarter over Quarter",
	"YTD":    "Year to Date",
	"SLA":    "Service Level Agreement",
	"NDA":    "Non-Disclosure Agreement",
	"SOW":    "Statement of Work",
	"RFP":    "Request for Proposal",
	"PTO":    "Paid Time Off",
	"HR":     "Human Resources",
	"CRM":    "Customer Relationship Management",
	"ERP":    "Enterprise Resource Planning",
	"CEO":    "Chief Executive Officer",
	"CFO":    "Chief Financial Officer",
	"CTO":    "Chief Technology Officer",
	"GTM":    "Go to Market",
	"ETA":    "Estimated Time of Arrival",
	"Q1":     "first quarter",
	"Q2":     "second quarter",
	"Q3":     "third quarter",
	"Q4":     "fourth quarter",
}

var defaultSynonyms = map[string][]string{
	"revenue":  {"sales", "income"},
	"customer": {"client"},
	"client":   {"customer"},
	"employee": {"staff"},
	"contract": {"agreement"},
	"invoice":  {"bill"},
	"budget":   {"forecast"},
	"deadline": {"due date"},
	"meeting":  {"call"},
	"policy":   {"guideline"},
	"salary":   {"compensation"},
}

var queryTokenRe = regexp.MustCompile(`[\p{L}\p{N}&]+`)

// Expander appends acronym and synonym expansions to a query. It holds no
// state beyond its tables and is safe for concurrent use.
type Expander struct {
	disabled bool
	acronyms map[string]string
	synonyms map[string][]string
}

// NewExpander merges cfg's tables over the built-in ones. Keys are compared
// case-insensitively.
func NewExpander(cfg config.ExpansionConfig) *Expander {
	e := &Expander{
		disabled: cfg.Disabled,
		acronyms: make(map[string]string, len(defaultAcronyms)+len(cfg.Acronyms)),
		synonyms: make(map[string][]string, len(defaultSynonyms)+len(cfg.Synonyms)),
	}
	for k, v := range defaultAcronyms {
		e.acronyms[strings.ToUpper(k)] = v
	}
	for k, v := range cfg.Acronyms {
		e.acronyms[strings.ToUpper(k)] = v
	}
	for k, v := range defaultSynonyms {
		e.synonyms[k] = v
	}
	for k, v := range cfg.Synonyms {
		e.synonyms[strings.ToLower(k)] = v
	}
	return e
}

// Expand returns query with each known term followed by its expansion in
// parentheses. Only the first occurrence of a term is expanded and terms
// whose expansion already appears in the query are left alone.
func (e *Expander) Expand(query string) string {
	if e == nil || e.disabled || strings.TrimSpace(query) == "" {
		return query
	}
	lowerQuery := strings.ToLower(query)
	seen := make(map[string]bool)

	var b strings.Builder
	last := 0
	for _, loc := range queryTokenRe.FindAllStringIndex(query, -1) {
		token := query[loc[0]:loc[1]]
		key, expansion := e.lookup(token, lowerQuery)
		if expansion == "" || seen[key] {
			continue
		}
		seen[key] = true
		b.WriteString(query[last:loc[1]])
		b.WriteString(" (")
		b.WriteString(expansion)
		b.WriteString(")")
		last = loc[1]
	}
	if last == 0 {
		return query
	}
	b.WriteString(query[last:])
	return b.String()
}

func (e *Expander) lookup(token, lowerQuery string) (string, string) {
	if looksLikeAcronym(token) {
		if exp, ok := e.acronyms[strings.ToUpper(token)]; ok && !strings.Contains(lowerQuery, strings.ToLower(exp)) {
			return "a:" + strings.ToUpper(token), exp
		}
	}
	lower := strings.ToLower(token)
	syns := e.synonyms[lower]
	if len(syns) == 0 {
		return "", ""
	}
	var missing []string
	for _, s := range syns {
		if !containsWord(lowerQuery, strings.ToLower(s)) {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return "", ""
	}
	return "s:" + lower, strings.Join(missing, ", ")
}

// looksLikeAcronym accepts ROI, P&L, Q3 and mixed forms such as YoY but not
// ordinary lowercase words, so "roi" in prose is left alone.
func looksLikeAcronym(token string) bool {
	upper, digits := 0, 0
	for _, r := range token {
		switch {
		case unicode.IsUpper(r):
			upper++
		case unicode.IsDigit(r):
			digits++
		}
	}
	return upper >= 2 || (upper == 1 && digits > 0)
}

func containsWord(haystack, word string) bool {
	for _, loc := range queryTokenRe.FindAllStringIndex(haystack, -1) {
		if haystack[loc[0]:loc[1]] == word {
			return true
		}
	}
	// multi-word synonyms
	return strings.Contains(word, " ") && strings.Contains(haystack, word)
}
