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
	"strings"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/ranking"
	"go.opentelemetry.io/otel/attribute"
)

// DocumentIndexer is the write/stat surface of the vector store the
// service drives. WeaviateStore implements it.
type DocumentIndexer interface {
	IndexChunks(ctx context.Context, req datatypes.IngestRequest, chunks []Chunk, vectors [][]float32) (int, error)
	Count(ctx context.Context, collection string) (int64, error)
}

// BatchEmbedder computes vectors for many texts in one call. HTTPEmbedder
// implements it.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Service ingests documents into the knowledge base and reports its
// state.
type Service struct {
	store    DocumentIndexer
	embedder BatchEmbedder
}

// NewService creates a knowledge service over a store and an embedder.
func NewService(store DocumentIndexer, embedder BatchEmbedder) *Service {
	return &Service{store: store, embedder: embedder}
}

// IndexDocument chunks, embeds, and indexes one document synchronously.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - req: The document to ingest. Defaults are filled and the request
//     validated before any work happens.
//
// # Outputs
//
//   - int: Number of chunks stored.
//   - error: Non-nil on validation, chunking, embedding, or index failure.
func (s *Service) IndexDocument(ctx context.Context, req datatypes.IngestRequest) (int, error) {
	ctx, span := knowledgeTracer.Start(ctx, "Service.IndexDocument")
	defer span.End()

	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return 0, fmt.Errorf("invalid ingest request: %w", err)
	}
	span.SetAttributes(
		attribute.String("kb.collection", req.Collection),
		attribute.String("kb.source", req.Source),
	)

	chunks, err := SplitDocument(req)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		slog.Warn("document produced no chunks", "collection", req.Collection, "source", req.Source)
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed %s: %w", req.Source, err)
	}

	stored, err := s.store.IndexChunks(ctx, req, chunks, vectors)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("kb.chunks_stored", stored))
	return stored, nil
}

// Stats reports the object count of every collection, in schema order.
// A collection whose count query fails is reported with -1 rather than
// failing the whole call.
func (s *Service) Stats(ctx context.Context) []datatypes.CollectionStats {
	stats := make([]datatypes.CollectionStats, 0, len(datatypes.KnownCollections()))
	for _, collection := range datatypes.KnownCollections() {
		count, err := s.store.Count(ctx, collection)
		if err != nil {
			slog.Warn("failed to count collection", "collection", collection, "error", err)
			count = -1
		}
		stats = append(stats, datatypes.CollectionStats{
			Collection: collection,
			Objects:    count,
		})
	}
	return stats
}

// =============================================================================
// Retriever
// =============================================================================

// Retriever grounds proposal requests in the knowledge base. It satisfies
// the lifecycle engine's ContextRetriever.
type Retriever struct {
	ranker *ranking.Ranker
	finalK int
}

// NewRetriever creates a retriever over a configured ranker. finalK caps
// the merged cross-collection result; non-positive values fall back to 10.
func NewRetriever(ranker *ranking.Ranker, finalK int) *Retriever {
	if finalK <= 0 {
		finalK = 10
	}
	return &Retriever{ranker: ranker, finalK: finalK}
}

// SearchQuery renders the retrieval query for a proposal request: the
// stated intent enriched with the target kind, environment, and detected
// stack, so collections index on technology terms as well as intent
// wording.
func SearchQuery(req datatypes.ProposalRequest) string {
	parts := make([]string, 0, 4+len(req.StackTags))
	if req.Intent != "" {
		parts = append(parts, req.Intent)
	}
	if req.Target != "" {
		parts = append(parts, string(req.Target))
	}
	if req.Environment != "" {
		parts = append(parts, req.Environment)
	}
	parts = append(parts, req.StackTags...)
	return strings.Join(parts, " ")
}

// RetrieveContext ranks knowledge for a request across its collections.
//
// # Outputs
//
//   - []datatypes.ScoredResult: Globally re-ranked results, best first.
//   - []string: Collections that failed and degraded to empty.
//   - error: Non-nil only when retrieval as a whole cannot run (embedding
//     failure); per-collection faults degrade instead.
func (r *Retriever) RetrieveContext(ctx context.Context, req datatypes.ProposalRequest) ([]datatypes.ScoredResult, []string, error) {
	ctx, span := knowledgeTracer.Start(ctx, "Retriever.RetrieveContext")
	defer span.End()

	query := SearchQuery(req)
	opts := ranking.Options{
		StackTags:    req.StackTags,
		Environment:  req.Environment,
		MinRelevance: req.MinRelevance,
	}

	results, degraded, err := r.ranker.Rank(ctx, query, req.Collections, req.KPerCollection, opts)
	if err != nil {
		return nil, degraded, err
	}

	merged := ranking.RankGlobal(results, r.finalK)
	span.SetAttributes(
		attribute.Int("kb.results", len(merged)),
		attribute.Int("kb.degraded", len(degraded)),
	)
	return merged, degraded, nil
}
