// Package search answers natural-language queries over the index by
// embedding the query text and ranking stored vectors.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/sorenkell/memedb/internal/model"
	"github.com/sorenkell/memedb/internal/report"
	"github.com/sorenkell/memedb/internal/store"
	"github.com/sorenkell/memedb/internal/util"
)

const (
	// DefaultK is the default number of results returned
	DefaultK = 20
	// DefaultMinScore drops matches below this cosine similarity. Scores
	// under ~0.25 are mostly noise with text embedding models.
	DefaultMinScore = 0.25
)

// Options control one search invocation
type Options struct {
	K            int     // <= 0 uses DefaultK
	MinScore     float64 // < 0 disables the cutoff
	Tags         []string
	PathContains string
}

// Result is a single ranked search hit
type Result struct {
	Record *store.Record
	Score  float64
}

// Engine runs semantic queries against the store through a model gateway
type Engine struct {
	store   *store.Store
	gateway model.Gateway
	logger  *report.EventLogger
}

// New creates a search engine
func New(s *store.Store, gateway model.Gateway, logger *report.EventLogger) *Engine {
	return &Engine{store: s, gateway: gateway, logger: logger}
}

// Search embeds the query and returns up to K matches above the score
// cutoff, best first. The same query against an unchanged index always
// returns the same results in the same order. An unreachable embedding
// model fails the whole search; it never degrades to a weaker match.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	minScore := opts.MinScore
	if minScore == 0 {
		minScore = DefaultMinScore
	}

	normalized := model.Normalize(query)
	if normalized == "" {
		return nil, fmt.Errorf("empty query")
	}

	start := time.Now()
	vec, err := e.gateway.Embed(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrEmbeddingUnavailable, err)
	}

	matches, err := e.store.SimilarityQuery(vec, opts.K, store.Filter{
		Tags:         model.NormalizeTags(opts.Tags),
		PathContains: opts.PathContains,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity query failed: %w", err)
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		if minScore > 0 && m.Score < minScore {
			continue
		}
		results = append(results, Result{Record: m.Record, Score: m.Score})
	}

	topScore := 0.0
	if len(results) > 0 {
		topScore = results[0].Score
	}
	e.logger.LogSearch(normalized, len(results), topScore, time.Since(start))
	util.DebugLog("Search %q: %d results in %v", normalized, len(results), time.Since(start).Round(time.Millisecond))

	return results, nil
}
