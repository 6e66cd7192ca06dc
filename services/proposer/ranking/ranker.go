// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ranking scores and orders documents retrieved from the knowledge
// base. Scoring is deterministic: the same query, corpus, and boost
// configuration always produce the same ordered output, which is what makes
// proposal retrieval replayable.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// rankingTracer is the OpenTelemetry tracer for Ranker operations.
var rankingTracer = otel.Tracer("aleutian.proposer.ranking")

// =============================================================================
// Interfaces
// =============================================================================

// VectorStore is the read-side contract the ranker needs from the vector
// store.
//
// # Description
//
// Query returns up to k hits for the given collection, each carrying the raw
// vector distance reported by the store and the stored document vector.
// Queries are read-only and safe for unbounded concurrent callers.
//
// # Errors
//
// Implementations report a missing collection or an unreachable store as an
// error; the ranker treats either as a degraded collection and continues
// with the remaining ones.
type VectorStore interface {
	Query(ctx context.Context, collection string, queryVector []float32, k int) ([]datatypes.QueryHit, error)
}

// Embedder converts text into the fixed-dimension vector space shared by
// every collection in the store.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// =============================================================================
// Configuration
// =============================================================================

// BoostConfig holds the scoring weights and boost multipliers.
//
// # Description
//
// The combined score is `SemanticWeight*semantic_sim +
// DistanceWeight*distance_sim`, followed by the multiplicative boosts in
// fixed order: stack match, environment match, recency decay, success rate.
// The defaults are starting points, not tuned constants; deployments adjust
// them through configuration. Changing a value changes scores but never
// breaks determinism.
//
// # Fields
//
//   - SemanticWeight: Weight of the cosine similarity term.
//   - DistanceWeight: Weight of the distance-derived similarity term
//     (`1/(1+distance)`).
//   - StackBoost: Multiplier when a document tag matches the request stack.
//   - EnvironmentBoost: Multiplier when a document tag matches the request
//     environment.
//   - RecencyWindowDays: Window over which the recency factor decays
//     linearly from 1 toward RecencyFloor.
//   - RecencyFloor: Lower bound of the recency factor.
//   - MinRelevance: Results scoring below this after boosts are dropped.
type BoostConfig struct {
	SemanticWeight    float64 `json:"semantic_weight"    yaml:"semantic_weight"`
	DistanceWeight    float64 `json:"distance_weight"    yaml:"distance_weight"`
	StackBoost        float64 `json:"stack_boost"        yaml:"stack_boost"`
	EnvironmentBoost  float64 `json:"environment_boost"  yaml:"environment_boost"`
	RecencyWindowDays float64 `json:"recency_window_days" yaml:"recency_window_days"`
	RecencyFloor      float64 `json:"recency_floor"      yaml:"recency_floor"`
	MinRelevance      float64 `json:"min_relevance"      yaml:"min_relevance"`
}

// DefaultBoostConfig returns the default scoring configuration.
func DefaultBoostConfig() BoostConfig {
	return BoostConfig{
		SemanticWeight:    0.6,
		DistanceWeight:    0.4,
		StackBoost:        1.5,
		EnvironmentBoost:  1.2,
		RecencyWindowDays: 365,
		RecencyFloor:      0.5,
		MinRelevance:      0.7,
	}
}

// Options carries the request-scoped inputs that drive boosts.
//
// # Fields
//
//   - StackTags: Stack identifiers detected from the target repository
//     (e.g. "python", "fastapi"). A document tag matching any of them earns
//     the stack boost.
//   - Environment: Deployment environment of the request (e.g.
//     "production"). A document tag equal to it earns the environment boost.
//   - MinRelevance: Overrides BoostConfig.MinRelevance when non-nil.
type Options struct {
	StackTags    []string
	Environment  string
	MinRelevance *float64
}

// =============================================================================
// Ranker
// =============================================================================

// Ranker retrieves documents from the configured collections and scores
// them for relevance to a query.
//
// # Thread Safety
//
// Safe for concurrent use; the ranker holds no per-query state.
type Ranker struct {
	store    VectorStore
	embedder Embedder
	boosts   BoostConfig

	// now is stubbed in tests to pin the recency factor.
	now func() time.Time
}

// NewRanker creates a Ranker over the given store and embedder.
//
// # Inputs
//
//   - store: Vector store adapter. Must not be nil.
//   - embedder: Embedding function. Must not be nil.
//   - boosts: Scoring configuration, usually DefaultBoostConfig with
//     overrides from the service config.
func NewRanker(store VectorStore, embedder Embedder, boosts BoostConfig) *Ranker {
	return &Ranker{
		store:    store,
		embedder: embedder,
		boosts:   boosts,
		now:      time.Now,
	}
}

// Rank queries each collection and returns scored, filtered, ordered results.
//
// # Description
//
// The query is embedded once. For every collection, up to kPerCollection
// hits are fetched, scored, filtered against the relevance cutoff, and
// ordered (descending score, ties broken by ascending document ID). The
// returned slice is the per-collection lists concatenated in the order the
// collections were given; RankGlobal merges them into one ranking.
//
// A collection whose query fails degrades to an empty list: the failure is
// logged, the collection name is returned in degraded, and the remaining
// collections are still processed. Retrieval never aborts wholesale because
// one collection is missing or its store node is down.
//
// # Inputs
//
//   - ctx: Context for cancellation and tracing.
//   - query: Natural-language query text.
//   - collections: Collections to search, in priority order.
//   - kPerCollection: Maximum hits fetched per collection.
//   - opts: Request-scoped boost inputs.
//
// # Outputs
//
//   - results: Scored results above the relevance cutoff.
//   - degraded: Names of collections that failed and were skipped.
//   - error: Non-nil only for faults that invalidate the whole call:
//     embedding failure, or a document vector whose dimensionality differs
//     from the query vector (see EmbeddingDimensionMismatchError).
//
// # Examples
//
//	results, degraded, err := ranker.Rank(ctx, "python kubernetes deployment",
//	    []string{"pipelines", "iac"}, 5, ranking.Options{
//	        StackTags:   []string{"python", "kubernetes"},
//	        Environment: "staging",
//	    })
func (r *Ranker) Rank(ctx context.Context, query string, collections []string, kPerCollection int, opts Options) (results []datatypes.ScoredResult, degraded []string, err error) {
	ctx, span := rankingTracer.Start(ctx, "Ranker.Rank")
	defer span.End()

	span.SetAttributes(
		attribute.Int("ranking.collections", len(collections)),
		attribute.Int("ranking.k_per_collection", kPerCollection),
	)

	queryVector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query embedding failed")
		return nil, nil, fmt.Errorf("failed to embed query: %w", err)
	}

	cutoff := r.boosts.MinRelevance
	if opts.MinRelevance != nil {
		cutoff = *opts.MinRelevance
	}

	results = make([]datatypes.ScoredResult, 0, len(collections)*kPerCollection)
	for _, collection := range collections {
		hits, queryErr := r.store.Query(ctx, collection, queryVector, kPerCollection)
		if queryErr != nil {
			// One collection down must not take retrieval with it.
			slog.Warn("ranking: collection degraded to empty results",
				"collection", collection,
				"error", queryErr,
			)
			degraded = append(degraded, collection)
			continue
		}

		scored := make([]datatypes.ScoredResult, 0, len(hits))
		for _, hit := range hits {
			result, scoreErr := r.score(queryVector, hit, collection, opts)
			if scoreErr != nil {
				span.RecordError(scoreErr)
				span.SetStatus(codes.Error, "scoring failed")
				return nil, degraded, scoreErr
			}
			if result.CombinedScore < cutoff {
				continue
			}
			scored = append(scored, result)
		}

		sortResults(scored)
		results = append(results, scored...)
	}

	span.SetAttributes(
		attribute.Int("ranking.results", len(results)),
		attribute.Int("ranking.degraded_collections", len(degraded)),
	)

	return results, degraded, nil
}

// RankGlobal merges per-collection result lists into one ranking.
//
// # Description
//
// Re-sorts the combined results (descending score, ties broken by ascending
// document ID) and truncates to kFinal. The input slice is not modified.
// kFinal <= 0 returns an empty slice.
func RankGlobal(results []datatypes.ScoredResult, kFinal int) []datatypes.ScoredResult {
	if kFinal <= 0 {
		return []datatypes.ScoredResult{}
	}

	merged := make([]datatypes.ScoredResult, len(results))
	copy(merged, results)
	sortResults(merged)

	if len(merged) > kFinal {
		merged = merged[:kFinal]
	}
	return merged
}

// =============================================================================
// Scoring
// =============================================================================

// score converts one store hit into a ScoredResult.
//
// # Description
//
// Combines the distance-derived similarity `1/(1+d)` with the cosine
// similarity of the query and document vectors, then applies the boosts in
// their fixed order: stack match, environment match, recency decay, success
// rate. The order is part of the contract; reordering multiplications can
// change the last bits of the result.
func (r *Ranker) score(queryVector []float32, hit datatypes.QueryHit, collection string, opts Options) (datatypes.ScoredResult, error) {
	distanceSim := 1.0 / (1.0 + hit.Distance)

	semanticSim, err := cosineSimilarity(queryVector, hit.Vector, hit.ID)
	if err != nil {
		return datatypes.ScoredResult{}, err
	}

	combined := r.boosts.SemanticWeight*semanticSim + r.boosts.DistanceWeight*distanceSim

	if anyTagMatches(hit.Metadata.Tags, opts.StackTags) {
		combined *= r.boosts.StackBoost
	}
	if opts.Environment != "" && tagMatches(hit.Metadata.Tags, opts.Environment) {
		combined *= r.boosts.EnvironmentBoost
	}
	combined *= r.recencyFactor(hit.Metadata.CreatedAt)
	combined *= 1.0 + hit.Metadata.SuccessRate

	return datatypes.ScoredResult{
		Document: datatypes.Document{
			ID:         hit.ID,
			Text:       hit.Text,
			Collection: collection,
			Metadata:   hit.Metadata,
		},
		VectorDistance:     hit.Distance,
		SemanticSimilarity: semanticSim,
		CombinedScore:      combined,
	}, nil
}

// recencyFactor returns the linear decay factor for a document's age.
//
// Decays from 1 at age zero to RecencyFloor at RecencyWindowDays and
// beyond. Documents with no creation date or one in the future count as
// brand new.
func (r *Ranker) recencyFactor(createdAt time.Time) float64 {
	if createdAt.IsZero() {
		return 1.0
	}
	ageDays := r.now().Sub(createdAt).Hours() / 24.0
	if ageDays <= 0 {
		return 1.0
	}
	return math.Max(r.boosts.RecencyFloor, 1.0-ageDays/r.boosts.RecencyWindowDays)
}

// sortResults orders results by descending combined score, breaking ties by
// ascending document ID. The stable sort makes the residual order (equal
// score and equal ID) deterministic as well.
func sortResults(results []datatypes.ScoredResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		return results[i].Document.ID < results[j].Document.ID
	})
}

// cosineSimilarity computes the cosine similarity between the query vector
// and a document vector.
//
// # Outputs
//
//   - float64: Value in [-1, 1]; 0 when either vector has zero magnitude.
//   - error: *EmbeddingDimensionMismatchError when the dimensionalities
//     differ. Vectors are opaque to the ranker; it only requires that they
//     live in the same space.
func cosineSimilarity(query, document []float32, documentID string) (float64, error) {
	if len(query) != len(document) {
		return 0, &EmbeddingDimensionMismatchError{
			QueryDims:    len(query),
			DocumentDims: len(document),
			DocumentID:   documentID,
		}
	}

	var dotProduct, normQuery, normDocument float64
	for i := range query {
		dotProduct += float64(query[i]) * float64(document[i])
		normQuery += float64(query[i]) * float64(query[i])
		normDocument += float64(document[i]) * float64(document[i])
	}

	if normQuery == 0 || normDocument == 0 {
		return 0, nil
	}

	return dotProduct / (math.Sqrt(normQuery) * math.Sqrt(normDocument)), nil
}

// anyTagMatches reports whether any document tag matches any wanted tag.
func anyTagMatches(tags, wanted []string) bool {
	for _, w := range wanted {
		if tagMatches(tags, w) {
			return true
		}
	}
	return false
}

// tagMatches reports whether the wanted value appears among the tags.
// Matching is case-insensitive; tags come from several ingestion paths with
// inconsistent casing.
func tagMatches(tags []string, wanted string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, wanted) {
			return true
		}
	}
	return false
}

// =============================================================================
// Errors
// =============================================================================

// EmbeddingDimensionMismatchError reports a document vector whose
// dimensionality differs from the query vector's.
//
// # Description
//
// This is a configuration fault (mixed embedding models writing into one
// collection), not a transient retrieval failure, so Rank fails the whole
// call instead of degrading the collection.
type EmbeddingDimensionMismatchError struct {
	QueryDims    int
	DocumentDims int
	DocumentID   string
}

// Error implements the error interface.
func (e *EmbeddingDimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: query has %d dims, document %s has %d",
		e.QueryDims, e.DocumentID, e.DocumentDims)
}

// IsEmbeddingDimensionMismatch reports whether err is (or wraps) an
// EmbeddingDimensionMismatchError.
func IsEmbeddingDimensionMismatch(err error) bool {
	var target *EmbeddingDimensionMismatchError
	return errors.As(err, &target)
}
