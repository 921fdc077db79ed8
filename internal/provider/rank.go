package provider

import (
	"sort"
	"strings"

	"github.com/dandantas/scout/internal/model"
)

// dedupe keeps the most confident result per URL, or per title when a result
// has no URL. First-seen order is preserved.
func dedupe(results []model.SearchResult) []model.SearchResult {
	index := make(map[string]int, len(results))
	out := make([]model.SearchResult, 0, len(results))
	for _, r := range results {
		key := dedupeKey(r)
		if i, ok := index[key]; ok {
			if r.Confidence > out[i].Confidence {
				out[i] = r
			}
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out
}

func dedupeKey(r model.SearchResult) string {
	if r.URL != "" {
		u := strings.ToLower(strings.TrimSpace(r.URL))
		u = strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
		return "url:" + strings.TrimSuffix(u, "/")
	}
	return "title:" + strings.ToLower(strings.Join(strings.Fields(r.Title), " "))
}

// rank blends provider confidence with term coverage and sorts descending.
// Ties keep a stable order by id.
func rank(results []model.SearchResult, terms []string) []model.SearchResult {
	for i := range results {
		coverage := termCoverage(results[i], terms)
		results[i].Confidence = 0.7*results[i].Confidence + 0.3*coverage
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return results[i].ID < results[j].ID
	})
	return results
}

func termCoverage(r model.SearchResult, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	text := strings.ToLower(r.Title + " " + r.Snippet)
	hits := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
