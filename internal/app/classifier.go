package app

import (
	"regexp"
	"strings"

	"projectfinder/internal/normalize"
)

type SearchPath string

const (
	PathKeyword  SearchPath = "keyword"
	PathSemantic SearchPath = "semantic"
)

var (
	amountPattern = regexp.MustCompile(`(?i)(s/\.?|us\$|\$|€)\s*\d|\d[\d.,]*\s*(soles|usd|dolares|mil|millones)\b`)
	datePattern   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{4}\b`)
	// RUC tax ids and process nomenclature such as AS-SM-12-2024-MPL.
	codePattern = regexp.MustCompile(`(?i)\b\d{11}\b|\b[a-z]{2,4}(-[a-z0-9]+){2,}\b`)
)

// Classifier picks the retrieval path of a query. Short queries and queries
// carrying structured filter terms go to keyword search; everything else,
// including ambiguous queries, goes to semantic search.
type Classifier struct {
	maxTerms    int
	filterTerms []string
}

func NewClassifier(maxTerms int, filterTerms []string) *Classifier {
	folded := make([]string, 0, len(filterTerms))
	for _, term := range filterTerms {
		if t := normalize.Fold(strings.TrimSpace(term)); t != "" {
			folded = append(folded, t)
		}
	}
	return &Classifier{maxTerms: maxTerms, filterTerms: folded}
}

// Classify returns the path and the rule that selected it.
func (c *Classifier) Classify(query string) (SearchPath, string) {
	folded := normalize.Fold(query)
	terms := strings.Fields(folded)
	if len(terms) == 0 {
		return PathSemantic, "empty"
	}
	if amountPattern.MatchString(folded) {
		return PathKeyword, "amount"
	}
	if datePattern.MatchString(folded) {
		return PathKeyword, "date"
	}
	if codePattern.MatchString(folded) {
		return PathKeyword, "code"
	}
	for _, term := range terms {
		term = strings.Trim(term, ".,;:!?¿¡()\"'")
		for _, filter := range c.filterTerms {
			if term == filter {
				return PathKeyword, "filter_term"
			}
		}
	}
	if c.maxTerms > 0 && len(terms) <= c.maxTerms {
		return PathKeyword, "short"
	}
	return PathSemantic, "default"
}
