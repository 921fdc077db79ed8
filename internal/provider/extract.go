package provider

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/oliveagle/jsonpath"

	"github.com/dandantas/scout/internal/model"
)

// Paths are the JSONPath expressions locating result fields in a provider
// response. Field paths are evaluated against each result item.
type Paths struct {
	Results string
	ID      string
	Title   string
	URL     string
	Snippet string
	Score   string
}

// DefaultPaths matches a {"results":[{"id","title","url","snippet","score"}]} response
func DefaultPaths() Paths {
	return Paths{
		Results: "$.results",
		ID:      "$.id",
		Title:   "$.title",
		URL:     "$.url",
		Snippet: "$.snippet",
		Score:   "$.score",
	}
}

// Extractor turns provider responses into search results
type Extractor struct {
	results *jsonpath.Compiled
	fields  map[string]*jsonpath.Compiled
}

// NewExtractor compiles the configured paths
func NewExtractor(paths Paths) (*Extractor, error) {
	results, err := jsonpath.Compile(paths.Results)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression '%s': %w", paths.Results, err)
	}

	e := &Extractor{results: results, fields: make(map[string]*jsonpath.Compiled)}
	for name, expr := range map[string]string{
		"id":      paths.ID,
		"title":   paths.Title,
		"url":     paths.URL,
		"snippet": paths.Snippet,
		"score":   paths.Score,
	} {
		if expr == "" {
			continue
		}
		compiled, err := jsonpath.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid JSONPath expression '%s': %w", expr, err)
		}
		e.fields[name] = compiled
	}
	return e, nil
}

// Extract parses body and returns the results it holds. Items without a
// title or URL are skipped.
func (e *Extractor) Extract(body []byte, source string) ([]model.SearchResult, error) {
	var jsonData interface{}
	if err := json.Unmarshal(body, &jsonData); err != nil {
		return nil, fmt.Errorf("failed to parse provider response: %w", err)
	}

	found, err := e.results.Lookup(jsonData)
	if err != nil {
		// No results key means no results
		slog.Debug("JSONPath extraction returned no results", "source", source, "error", err.Error())
		return []model.SearchResult{}, nil
	}

	items, ok := found.([]interface{})
	if !ok {
		return nil, fmt.Errorf("provider results are %T, expected an array", found)
	}

	out := make([]model.SearchResult, 0, len(items))
	for i, item := range items {
		r := model.SearchResult{
			ID:      CoerceToString(e.lookup(item, "id")),
			Title:   CoerceToString(e.lookup(item, "title")),
			URL:     CoerceToString(e.lookup(item, "url")),
			Snippet: CoerceToString(e.lookup(item, "snippet")),
			Source:  source,
		}
		if r.Title == "" && r.URL == "" {
			continue
		}
		if r.ID == "" {
			r.ID = fmt.Sprintf("%s-%d", source, i+1)
		}

		if score, err := CoerceToNumber(e.lookup(item, "score")); err == nil {
			r.Confidence = normalizeScore(score)
		} else {
			// Providers without scores are trusted by position
			r.Confidence = 1 - float64(i)/float64(len(items)+1)
		}

		if m, ok := item.(map[string]interface{}); ok {
			r.Attributes = extraAttributes(m)
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Extractor) lookup(item interface{}, field string) interface{} {
	compiled, ok := e.fields[field]
	if !ok {
		return nil
	}
	v, err := compiled.Lookup(item)
	if err != nil {
		return nil
	}
	return v
}

var knownFields = map[string]bool{"id": true, "title": true, "url": true, "snippet": true, "score": true}

func extraAttributes(item map[string]interface{}) map[string]any {
	var attrs map[string]any
	for k, v := range item {
		if knownFields[k] {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]any)
		}
		attrs[k] = v
	}
	return attrs
}
