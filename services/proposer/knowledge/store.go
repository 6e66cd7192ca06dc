// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
)

var knowledgeTracer = otel.Tracer("aleutian.proposer.knowledge")

// WeaviateStore adapts the Weaviate collections to the vector-store
// surface the ranker queries and the ingestion pipeline writes to.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying Weaviate client handles
// connection pooling.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore wraps a connected Weaviate client.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// Query runs a nearVector search against one collection.
//
// # Description
//
// Retrieves the k nearest chunks to the query vector, including each
// chunk's stored vector so the caller can compute exact semantic
// similarity. Results come back in Weaviate's distance order; scoring and
// re-ranking happen downstream.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - collection: Knowledge collection name (not the class name).
//   - queryVector: Embedding of the search query.
//   - k: Maximum number of hits.
//
// # Outputs
//
//   - []datatypes.QueryHit: Raw hits with metadata, distance, and vector.
//   - error: Non-nil on unknown collection or query failure.
func (s *WeaviateStore) Query(ctx context.Context, collection string, queryVector []float32, k int) ([]datatypes.QueryHit, error) {
	ctx, span := knowledgeTracer.Start(ctx, "WeaviateStore.Query")
	defer span.End()

	className, err := ClassForCollection(collection)
	if err != nil {
		return nil, err
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(queryVector)

	fields := []graphql.Field{
		{Name: "text"},
		{Name: "source"},
		{Name: "title"},
		{Name: "tags"},
		{Name: "created_at"},
		{Name: "success_rate"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "distance"},
			{Name: "vector"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query on %s failed: %w", className, err)
	}

	parsed, err := ParseGraphQLResponse[kbGetResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s query results: %w", className, err)
	}

	objects := parsed.Get[className]
	hits := make([]datatypes.QueryHit, 0, len(objects))
	for _, obj := range objects {
		var distance float64
		if obj.Additional.Distance != nil {
			distance = float64(*obj.Additional.Distance)
		}
		hits = append(hits, datatypes.QueryHit{
			ID:   obj.Additional.ID,
			Text: obj.Text,
			Metadata: datatypes.DocumentMeta{
				Source:      obj.Source,
				Title:       obj.Title,
				CreatedAt:   time.UnixMilli(int64(obj.CreatedAt)).UTC(),
				SuccessRate: obj.SuccessRate,
				Tags:        obj.Tags,
			},
			Distance: distance,
			Vector:   obj.Additional.Vector,
		})
	}

	slog.Debug("knowledge query completed", "collection", collection, "hits", len(hits))
	return hits, nil
}

// IndexChunks writes one document's chunks and vectors in a single batch.
//
// # Description
//
// Builds one Weaviate object per chunk, with the chunk's deterministic id,
// and imports them in one batch request. Re-ingesting the same content
// overwrites the same object ids, so ingestion is idempotent. The returned
// count is the number of chunks the batch reported as successfully stored;
// per-item failures are logged and reflected in the count, not returned
// as an error.
func (s *WeaviateStore) IndexChunks(ctx context.Context, req datatypes.IngestRequest, chunks []Chunk, vectors [][]float32) (int, error) {
	ctx, span := knowledgeTracer.Start(ctx, "WeaviateStore.IndexChunks")
	defer span.End()

	className, err := ClassForCollection(req.Collection)
	if err != nil {
		return 0, err
	}
	if len(chunks) != len(vectors) {
		return 0, fmt.Errorf("chunk count %d does not match vector count %d", len(chunks), len(vectors))
	}

	now := time.Now().UnixMilli()
	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		objects[i] = &models.Object{
			Class:  className,
			ID:     strfmt.UUID(chunk.ID),
			Vector: vectors[i],
			Properties: map[string]interface{}{
				"text":         chunk.Text,
				"source":       req.Source,
				"title":        req.Title,
				"tags":         req.Tags,
				"created_at":   now,
				"success_rate": *req.SuccessRate,
			},
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to batch-import into %s: %w", className, err)
	}

	stored := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			stored++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				slog.Warn("weaviate batch item failed",
					"collection", req.Collection,
					"source", req.Source,
					"error", e.Message,
				)
			}
		}
	}

	slog.Info("indexed knowledge chunks",
		"collection", req.Collection,
		"source", req.Source,
		"chunks", len(chunks),
		"stored", stored,
	)
	return stored, nil
}

// Count returns the number of chunks in a collection.
func (s *WeaviateStore) Count(ctx context.Context, collection string) (int64, error) {
	className, err := ClassForCollection(collection)
	if err != nil {
		return 0, err
	}

	result, err := s.client.GraphQL().Aggregate().
		WithClassName(className).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate %s: %w", className, err)
	}

	parsed, err := ParseGraphQLResponse[kbAggregateResponse](result)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s aggregate: %w", className, err)
	}

	groups := parsed.Aggregate[className]
	if len(groups) == 0 {
		return 0, nil
	}
	return int64(groups[0].Meta.Count), nil
}

// UpdateSuccessRate patches the success_rate of every chunk belonging to a
// source document.
//
// # Description
//
// Looks up the ids of all chunks with the given source, then merges the
// new rate into each object. Used by the telemetry refresher; chunk text
// and vectors are untouched.
//
// # Outputs
//
//   - int: Number of chunks updated.
//   - error: Non-nil when the lookup fails. Per-chunk patch failures are
//     logged and skipped so one bad object cannot stall the refresh.
func (s *WeaviateStore) UpdateSuccessRate(ctx context.Context, collection, source string, rate float64) (int, error) {
	ctx, span := knowledgeTracer.Start(ctx, "WeaviateStore.UpdateSuccessRate")
	defer span.End()

	className, err := ClassForCollection(collection)
	if err != nil {
		return 0, err
	}

	sourceFilter := filters.Where().
		WithPath([]string{"source"}).
		WithOperator(filters.Equal).
		WithValueString(source)

	result, err := s.client.GraphQL().Get().
		WithClassName(className).
		WithFields(graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}}).
		WithWhere(sourceFilter).
		WithLimit(10000).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to look up chunks for %s/%s: %w", collection, source, err)
	}

	parsed, err := ParseGraphQLResponse[kbIDResponse](result)
	if err != nil {
		return 0, fmt.Errorf("failed to parse chunk ids for %s/%s: %w", collection, source, err)
	}

	updated := 0
	for _, obj := range parsed.Get[className] {
		err := s.client.Data().Updater().
			WithClassName(className).
			WithID(obj.Additional.ID).
			WithProperties(map[string]interface{}{"success_rate": rate}).
			WithMerge().
			Do(ctx)
		if err != nil {
			slog.Warn("failed to patch success rate",
				"collection", collection,
				"source", source,
				"id", obj.Additional.ID,
				"error", err,
			)
			continue
		}
		updated++
	}

	return updated, nil
}
