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
	"errors"
	"fmt"
	"testing"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/ranking"
)

// =============================================================================
// Test Fixtures
// =============================================================================

type fakeIndexer struct {
	gotReq     datatypes.IngestRequest
	gotChunks  []Chunk
	gotVectors [][]float32
	indexErr   error

	counts    map[string]int64
	countErrs map[string]error
}

func (f *fakeIndexer) IndexChunks(ctx context.Context, req datatypes.IngestRequest, chunks []Chunk, vectors [][]float32) (int, error) {
	f.gotReq = req
	f.gotChunks = chunks
	f.gotVectors = vectors
	if f.indexErr != nil {
		return 0, f.indexErr
	}
	return len(chunks), nil
}

func (f *fakeIndexer) Count(ctx context.Context, collection string) (int64, error) {
	if err := f.countErrs[collection]; err != nil {
		return 0, err
	}
	return f.counts[collection], nil
}

type fakeBatchEmbedder struct {
	gotTexts []string
	err      error
}

func (f *fakeBatchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.gotTexts = texts
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(i), 1}
	}
	return vectors, nil
}

type stubVectorStore struct {
	hits map[string][]datatypes.QueryHit
	errs map[string]error
}

func (s *stubVectorStore) Query(ctx context.Context, collection string, queryVector []float32, k int) ([]datatypes.QueryHit, error) {
	if err := s.errs[collection]; err != nil {
		return nil, err
	}
	return s.hits[collection], nil
}

type stubEmbedder struct {
	vector   []float32
	gotQuery string
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.gotQuery = text
	return s.vector, nil
}

// alignedHit returns a hit whose vector matches the stub query embedding,
// so cosine similarity is exactly 1 and the combined score reduces to
// 0.6 + 0.4/(1+distance).
func alignedHit(id, source string, distance float64) datatypes.QueryHit {
	return datatypes.QueryHit{
		ID:       id,
		Text:     "content of " + id,
		Metadata: datatypes.DocumentMeta{Source: source},
		Distance: distance,
		Vector:   []float32{1, 0},
	}
}

func retrievalRequest() datatypes.ProposalRequest {
	return datatypes.ProposalRequest{
		Intent:         "provision a staging CI runner",
		Repository:     "github.com/AleutianAI/deploy-configs",
		Target:         datatypes.TargetIaC,
		Environment:    "staging",
		Collections:    []string{datatypes.CollectionPipelines, datatypes.CollectionIaC},
		KPerCollection: 5,
	}
}

// =============================================================================
// Service Tests
// =============================================================================

func TestService_IndexDocument_ChunksEmbedsAndIndexes(t *testing.T) {
	indexer := &fakeIndexer{}
	embedder := &fakeBatchEmbedder{}
	svc := NewService(indexer, embedder)

	stored, err := svc.IndexDocument(context.Background(), datatypes.IngestRequest{
		Collection: datatypes.CollectionDocs,
		Source:     "runbooks/rollback.md",
		Title:      "Rollback runbook",
		Text:       "## Rollback\n\nRun the rollback pipeline and watch the error budget.",
	})
	if err != nil {
		t.Fatalf("IndexDocument failed: %v", err)
	}

	if stored != 1 {
		t.Errorf("stored = %d, want 1", stored)
	}
	if len(indexer.gotChunks) != 1 {
		t.Fatalf("indexer received %d chunks, want 1", len(indexer.gotChunks))
	}
	if len(indexer.gotVectors) != len(indexer.gotChunks) {
		t.Errorf("vectors (%d) and chunks (%d) are misaligned", len(indexer.gotVectors), len(indexer.gotChunks))
	}
	if len(embedder.gotTexts) != 1 || embedder.gotTexts[0] != indexer.gotChunks[0].Text {
		t.Error("embedded texts do not match the chunk texts")
	}
	if indexer.gotReq.ID == "" {
		t.Error("request id was not defaulted before indexing")
	}
	if indexer.gotReq.SuccessRate == nil || *indexer.gotReq.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want neutral 0.5", indexer.gotReq.SuccessRate)
	}
}

func TestService_IndexDocument_RejectsUnknownCollection(t *testing.T) {
	indexer := &fakeIndexer{}
	svc := NewService(indexer, &fakeBatchEmbedder{})

	_, err := svc.IndexDocument(context.Background(), datatypes.IngestRequest{
		Collection: "trading-cards",
		Source:     "cards.md",
		Text:       "not an ops document",
	})
	if err == nil {
		t.Fatal("expected error for unknown collection")
	}
	if indexer.gotChunks != nil {
		t.Error("indexer was called for an invalid request")
	}
}

func TestService_IndexDocument_WhitespaceDocumentIndexesNothing(t *testing.T) {
	indexer := &fakeIndexer{}
	embedder := &fakeBatchEmbedder{}
	svc := NewService(indexer, embedder)

	stored, err := svc.IndexDocument(context.Background(), datatypes.IngestRequest{
		Collection: datatypes.CollectionDocs,
		Source:     "empty.txt",
		Text:       " \n\n ",
	})
	if err != nil {
		t.Fatalf("IndexDocument failed: %v", err)
	}
	if stored != 0 {
		t.Errorf("stored = %d, want 0", stored)
	}
	if embedder.gotTexts != nil || indexer.gotChunks != nil {
		t.Error("embedder or indexer was called for an empty document")
	}
}

func TestService_IndexDocument_EmbedFailurePropagates(t *testing.T) {
	indexer := &fakeIndexer{}
	svc := NewService(indexer, &fakeBatchEmbedder{err: errors.New("embedding service unreachable")})

	_, err := svc.IndexDocument(context.Background(), datatypes.IngestRequest{
		Collection: datatypes.CollectionDocs,
		Source:     "runbooks/rollback.md",
		Text:       "Run the rollback pipeline.",
	})
	if err == nil {
		t.Fatal("expected embed failure to propagate")
	}
	if indexer.gotChunks != nil {
		t.Error("indexer was called despite the embed failure")
	}
}

func TestService_Stats_FailedCountDegradesToNegative(t *testing.T) {
	indexer := &fakeIndexer{
		counts: map[string]int64{
			datatypes.CollectionPipelines: 12,
			datatypes.CollectionIaC:       7,
			datatypes.CollectionDocs:      3,
			datatypes.CollectionIncidents: 0,
		},
		countErrs: map[string]error{
			datatypes.CollectionSLO: errors.New("aggregate query failed"),
		},
	}
	svc := NewService(indexer, &fakeBatchEmbedder{})

	stats := svc.Stats(context.Background())

	if len(stats) != len(datatypes.KnownCollections()) {
		t.Fatalf("stats has %d rows, want %d", len(stats), len(datatypes.KnownCollections()))
	}
	for i, collection := range datatypes.KnownCollections() {
		if stats[i].Collection != collection {
			t.Errorf("stats[%d] is %s, want schema order %s", i, stats[i].Collection, collection)
		}
	}
	for _, row := range stats {
		if row.Collection == datatypes.CollectionSLO {
			if row.Objects != -1 {
				t.Errorf("failed collection reports %d, want -1", row.Objects)
			}
		} else if row.Objects != indexer.counts[row.Collection] {
			t.Errorf("%s reports %d, want %d", row.Collection, row.Objects, indexer.counts[row.Collection])
		}
	}
}

// =============================================================================
// SearchQuery Tests
// =============================================================================

func TestSearchQuery_ComposesIntentTargetEnvironmentAndTags(t *testing.T) {
	query := SearchQuery(datatypes.ProposalRequest{
		Intent:      "provision a staging CI runner",
		Target:      datatypes.TargetIaC,
		Environment: "staging",
		StackTags:   []string{"terraform", "gke"},
	})

	want := fmt.Sprintf("provision a staging CI runner %s staging terraform gke", datatypes.TargetIaC)
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
}

func TestSearchQuery_SkipsEmptyFields(t *testing.T) {
	query := SearchQuery(datatypes.ProposalRequest{Intent: "rotate database credentials"})
	if query != "rotate database credentials" {
		t.Errorf("query = %q", query)
	}
}

// =============================================================================
// Retriever Tests
// =============================================================================

func TestRetriever_RetrieveContext_MergesCollectionsBestFirst(t *testing.T) {
	store := &stubVectorStore{
		hits: map[string][]datatypes.QueryHit{
			datatypes.CollectionPipelines: {
				alignedHit("p1", "ci/build.yaml", 0),
				alignedHit("p2", "ci/release.yaml", 1),
			},
			datatypes.CollectionIaC: {
				alignedHit("i1", "terraform/main.tf", 0.25),
			},
		},
	}
	embedder := &stubEmbedder{vector: []float32{1, 0}}
	retriever := NewRetriever(ranking.NewRanker(store, embedder, ranking.DefaultBoostConfig()), 10)

	req := retrievalRequest()
	results, degraded, err := retriever.RetrieveContext(context.Background(), req)
	if err != nil {
		t.Fatalf("RetrieveContext failed: %v", err)
	}
	if len(degraded) != 0 {
		t.Errorf("unexpected degraded collections: %v", degraded)
	}

	gotOrder := make([]string, len(results))
	for i, r := range results {
		gotOrder[i] = r.Document.ID
	}
	wantOrder := []string{"p1", "i1", "p2"}
	if len(gotOrder) != len(wantOrder) {
		t.Fatalf("got %d results (%v), want %d", len(gotOrder), gotOrder, len(wantOrder))
	}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("result order = %v, want %v", gotOrder, wantOrder)
		}
	}

	if embedder.gotQuery != SearchQuery(req) {
		t.Errorf("ranker embedded %q, want the composed search query %q", embedder.gotQuery, SearchQuery(req))
	}
}

func TestRetriever_RetrieveContext_TruncatesToFinalK(t *testing.T) {
	store := &stubVectorStore{
		hits: map[string][]datatypes.QueryHit{
			datatypes.CollectionPipelines: {
				alignedHit("p1", "ci/build.yaml", 0),
				alignedHit("p2", "ci/release.yaml", 1),
			},
			datatypes.CollectionIaC: {
				alignedHit("i1", "terraform/main.tf", 0.25),
			},
		},
	}
	retriever := NewRetriever(ranking.NewRanker(store, &stubEmbedder{vector: []float32{1, 0}}, ranking.DefaultBoostConfig()), 2)

	results, _, err := retriever.RetrieveContext(context.Background(), retrievalRequest())
	if err != nil {
		t.Fatalf("RetrieveContext failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("got %d results, want the final-k cap of 2", len(results))
	}
	if results[0].Document.ID != "p1" || results[1].Document.ID != "i1" {
		t.Errorf("kept %s and %s, want the two best (p1, i1)",
			results[0].Document.ID, results[1].Document.ID)
	}
}

func TestRetriever_RetrieveContext_DegradedCollectionReported(t *testing.T) {
	store := &stubVectorStore{
		hits: map[string][]datatypes.QueryHit{
			datatypes.CollectionPipelines: {alignedHit("p1", "ci/build.yaml", 0)},
		},
		errs: map[string]error{
			datatypes.CollectionIaC: errors.New("weaviate unreachable"),
		},
	}
	retriever := NewRetriever(ranking.NewRanker(store, &stubEmbedder{vector: []float32{1, 0}}, ranking.DefaultBoostConfig()), 10)

	results, degraded, err := retriever.RetrieveContext(context.Background(), retrievalRequest())
	if err != nil {
		t.Fatalf("RetrieveContext failed: %v", err)
	}

	if len(results) != 1 || results[0].Document.ID != "p1" {
		t.Errorf("expected the healthy collection's hit, got %v", results)
	}
	if len(degraded) != 1 || degraded[0] != datatypes.CollectionIaC {
		t.Errorf("degraded = %v, want [%s]", degraded, datatypes.CollectionIaC)
	}
}
