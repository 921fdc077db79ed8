package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dandantas/scout/internal/model"
	"github.com/dandantas/scout/internal/resilience"
	"github.com/dandantas/scout/internal/trace"
)

const maxResponseBytes = 4 << 20

// Config configures the HTTP search provider
type Config struct {
	URL           string
	APIKey        string
	Timeout       time.Duration
	MaxSubQueries int
	Paths         Paths
}

// HTTPProvider implements the search capability against a JSON HTTP API.
// Analysis, planning and ranking run locally; sub-queries go to the remote
// provider.
type HTTPProvider struct {
	url           string
	apiKey        string
	maxSubQueries int
	client        *http.Client
	extractor     *Extractor
}

// NewHTTPClient creates an HTTP client with connection pooling
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableCompression:  false,
		},
	}
}

// NewHTTPProvider creates a new HTTP provider
func NewHTTPProvider(cfg Config, client *http.Client) (*HTTPProvider, error) {
	if cfg.URL == "" {
		return nil, errors.New("provider URL is required")
	}
	if client == nil {
		client = NewHTTPClient(cfg.Timeout)
	}
	if cfg.Paths.Results == "" {
		cfg.Paths = DefaultPaths()
	}
	extractor, err := NewExtractor(cfg.Paths)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSubQueries <= 0 {
		cfg.MaxSubQueries = 8
	}
	return &HTTPProvider{
		url:           cfg.URL,
		apiKey:        cfg.APIKey,
		maxSubQueries: cfg.MaxSubQueries,
		client:        client,
		extractor:     extractor,
	}, nil
}

// Analyze normalizes the query and extracts its terms
func (p *HTTPProvider) Analyze(_ context.Context, cfg model.SearchConfig) (model.Analysis, error) {
	a := analyze(cfg.Query)
	if a.NormalizedQuery == "" {
		return a, resilience.WithCategory(resilience.CategoryValidation, errors.New("query is empty after normalization"))
	}
	return a, nil
}

// GenerateSubQueries plans one sub-query per filter value
func (p *HTTPProvider) GenerateSubQueries(_ context.Context, cfg model.SearchConfig, analysis model.Analysis) ([]model.SubQuery, error) {
	return plan(cfg, analysis, p.maxSubQueries), nil
}

type subQueryRequest struct {
	Query   string              `json:"query"`
	Filters map[string][]string `json:"filters,omitempty"`
	Limit   int                 `json:"limit"`
}

// ExecuteSubQuery sends one sub-query to the provider
func (p *HTTPProvider) ExecuteSubQuery(ctx context.Context, q model.SubQuery) ([]model.SearchResult, error) {
	payload, err := json.Marshal(subQueryRequest{Query: q.Text, Filters: q.Filters, Limit: q.Limit})
	if err != nil {
		return nil, resilience.WithCategory(resilience.CategoryValidation, fmt.Errorf("failed to encode sub-query: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, resilience.WithCategory(resilience.CategoryValidation, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if id := trace.ID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.NewStatusError(resp, string(body))
	}

	results, err := p.extractor.Extract(body, q.ID)
	if err != nil {
		return nil, resilience.WithCategory(resilience.CategoryUnknown, err)
	}

	slog.Debug("Sub-query executed",
		"correlation_id", trace.ID(ctx),
		"sub_query_id", q.ID,
		"status_code", resp.StatusCode,
		"results", len(results),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return results, nil
}

// ExtractAndRank deduplicates and ranks results per the job's feature toggles
func (p *HTTPProvider) ExtractAndRank(_ context.Context, cfg model.SearchConfig, analysis model.Analysis, results []model.SearchResult) ([]model.SearchResult, error) {
	if cfg.Features.Deduplicate {
		results = dedupe(results)
	}
	if cfg.Features.Rank {
		results = rank(results, analysis.Terms)
	}
	if cfg.MaxResults > 0 && len(results) > cfg.MaxResults {
		results = results[:cfg.MaxResults]
	}
	return results, nil
}
