package service

import (
	"context"

	"github.com/dandantas/scout/internal/model"
)

// Dependency names used for circuit breakers, retry policies and metrics
const (
	DepAnalyzer       = "analyzer"
	DepQueryPlanner   = "query_planner"
	DepSearchProvider = "search_provider"
	DepRanker         = "ranker"
	DepDatastore      = "datastore"
)

// Capability performs the actual search work. The orchestrator only
// sequences and guards these calls.
type Capability interface {
	Analyze(ctx context.Context, cfg model.SearchConfig) (model.Analysis, error)
	GenerateSubQueries(ctx context.Context, cfg model.SearchConfig, analysis model.Analysis) ([]model.SubQuery, error)
	ExecuteSubQuery(ctx context.Context, query model.SubQuery) ([]model.SearchResult, error)
	ExtractAndRank(ctx context.Context, cfg model.SearchConfig, analysis model.Analysis, results []model.SearchResult) ([]model.SearchResult, error)
}

// JobStore persists the minimal job record needed for recovery and for
// lookups after the in-memory retention window
type JobStore interface {
	Save(ctx context.Context, job *model.Job) error
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ListUnfinished(ctx context.Context) ([]*model.Job, error)
}
