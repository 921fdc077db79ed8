package model

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// DefaultMaxResults is applied when a submission leaves MaxResults unset
	DefaultMaxResults = 50
	// MaxResultsLimit is the upper bound accepted for MaxResults
	MaxResultsLimit = 500
	// MaxQueryLength bounds the query text in characters
	MaxQueryLength = 1000
	// MaxTimeoutSeconds bounds the optional per-job deadline
	MaxTimeoutSeconds = 3600
)

// ValidationError describes a rejected submission field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FeatureToggles enable optional pipeline behavior
type FeatureToggles struct {
	Deduplicate    bool `json:"deduplicate" bson:"deduplicate"`
	Rank           bool `json:"rank" bson:"rank"`
	PartialResults bool `json:"partialResults" bson:"partial_results"`
}

// SearchConfig is the submitted configuration of a search job
type SearchConfig struct {
	Query          string              `json:"query" bson:"query"`
	Filters        map[string][]string `json:"filters" bson:"filters"`
	MaxResults     int                 `json:"maxResults" bson:"max_results"`
	Features       FeatureToggles      `json:"features" bson:"features"`
	TimeoutSeconds int                 `json:"timeoutSeconds,omitempty" bson:"timeout_seconds,omitempty"`
}

// Validate validates the configuration and normalizes it in place.
// Filter values are trimmed and empty values dropped.
func (c *SearchConfig) Validate() error {
	c.Query = strings.TrimSpace(c.Query)
	if c.Query == "" {
		return &ValidationError{Field: "query", Message: "query is required"}
	}
	if len([]rune(c.Query)) > MaxQueryLength {
		return &ValidationError{Field: "query", Message: fmt.Sprintf("query must be %d characters or less", MaxQueryLength)}
	}

	normalized := make(map[string][]string, len(c.Filters))
	for field, values := range c.Filters {
		field = strings.TrimSpace(field)
		if field == "" {
			return &ValidationError{Field: "filters", Message: "filter name must not be empty"}
		}
		kept := make([]string, 0, len(values))
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				kept = append(kept, v)
			}
		}
		if len(kept) > 0 {
			normalized[field] = kept
		}
	}
	if len(normalized) == 0 {
		return &ValidationError{Field: "filters", Message: "at least one scoping filter is required"}
	}
	c.Filters = normalized

	if c.MaxResults == 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.MaxResults < 1 || c.MaxResults > MaxResultsLimit {
		return &ValidationError{Field: "maxResults", Message: fmt.Sprintf("maxResults must be between 1 and %d", MaxResultsLimit)}
	}

	if c.TimeoutSeconds < 0 || c.TimeoutSeconds > MaxTimeoutSeconds {
		return &ValidationError{Field: "timeoutSeconds", Message: fmt.Sprintf("timeoutSeconds must be between 0 and %d", MaxTimeoutSeconds)}
	}

	return nil
}

// FilterFields returns the filter names in a stable order
func (c *SearchConfig) FilterFields() []string {
	fields := make([]string, 0, len(c.Filters))
	for field := range c.Filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// Clone returns a deep copy of the configuration
func (c SearchConfig) Clone() SearchConfig {
	out := c
	if c.Filters != nil {
		out.Filters = make(map[string][]string, len(c.Filters))
		for k, v := range c.Filters {
			out.Filters[k] = append([]string(nil), v...)
		}
	}
	return out
}

// SearchResult is a single ranked result record
type SearchResult struct {
	ID         string         `json:"id" bson:"id"`
	Title      string         `json:"title" bson:"title"`
	URL        string         `json:"url,omitempty" bson:"url,omitempty"`
	Snippet    string         `json:"snippet,omitempty" bson:"snippet,omitempty"`
	Source     string         `json:"source,omitempty" bson:"source,omitempty"`
	Confidence float64        `json:"confidence" bson:"confidence"`
	Attributes map[string]any `json:"attributes,omitempty" bson:"attributes,omitempty"`
}

// Analysis is the output of the query analysis stage
type Analysis struct {
	NormalizedQuery string   `json:"normalizedQuery"`
	Terms           []string `json:"terms"`
	Intent          string   `json:"intent"`
}

// SubQuery is one unit of work issued to the search provider
type SubQuery struct {
	ID      string              `json:"id"`
	Text    string              `json:"text"`
	Filters map[string][]string `json:"filters,omitempty"`
	Limit   int                 `json:"limit"`
}

// CloneResults deep-copies a result slice. Nil stays nil.
func CloneResults(in []SearchResult) []SearchResult {
	if in == nil {
		return nil
	}
	out := make([]SearchResult, len(in))
	for i, r := range in {
		out[i] = r
		if r.Attributes != nil {
			out[i].Attributes = make(map[string]any, len(r.Attributes))
			for k, v := range r.Attributes {
				out[i].Attributes[k] = v
			}
		}
	}
	return out
}
