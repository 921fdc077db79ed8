package provider

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/dandantas/scout/internal/model"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "the": true, "to": true,
	"with": true, "what": true, "how": true, "why": true, "who": true,
	"when": true, "where": true, "which": true,
}

var questionWords = []string{"who", "what", "when", "where", "why", "how", "which"}

// analyze normalizes the query and extracts its significant terms
func analyze(query string) model.Analysis {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")

	seen := make(map[string]bool)
	var terms []string
	for _, word := range strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		if stopWords[word] || seen[word] || len(word) < 2 {
			continue
		}
		seen[word] = true
		terms = append(terms, word)
	}

	return model.Analysis{
		NormalizedQuery: normalized,
		Terms:           terms,
		Intent:          intentOf(query, normalized),
	}
}

func intentOf(raw, normalized string) string {
	if strings.Count(raw, `"`) >= 2 {
		return "exact"
	}
	for _, w := range questionWords {
		if strings.HasPrefix(normalized, w+" ") {
			return "question"
		}
	}
	if strings.HasSuffix(strings.TrimSpace(raw), "?") {
		return "question"
	}
	return "lookup"
}

// plan builds one sub-query per filter value, in stable order, capped at max
func plan(cfg model.SearchConfig, analysis model.Analysis, max int) []model.SubQuery {
	text := analysis.NormalizedQuery
	if len(analysis.Terms) > 0 && analysis.Intent != "exact" {
		text = strings.Join(analysis.Terms, " ")
	}

	var out []model.SubQuery
	for _, field := range cfg.FilterFields() {
		for _, value := range cfg.Filters[field] {
			if max > 0 && len(out) >= max {
				return out
			}
			out = append(out, model.SubQuery{
				ID:      fmt.Sprintf("sq-%d", len(out)+1),
				Text:    text,
				Filters: map[string][]string{field: {value}},
				Limit:   cfg.MaxResults,
			})
		}
	}
	return out
}
