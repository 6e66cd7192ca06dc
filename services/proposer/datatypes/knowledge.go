// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Knowledge Collections
// =============================================================================

// Knowledge collection names. Each maps to one Weaviate class; see the
// knowledge package for the mapping.
const (
	CollectionPipelines = "pipelines"
	CollectionIaC       = "iac"
	CollectionDocs      = "docs"
	CollectionSLO       = "slo"
	CollectionIncidents = "incidents"
)

// KnownCollections lists every collection the service manages, in schema
// creation order.
func KnownCollections() []string {
	return []string{
		CollectionPipelines,
		CollectionIaC,
		CollectionDocs,
		CollectionSLO,
		CollectionIncidents,
	}
}

// =============================================================================
// Documents and Scoring
// =============================================================================

// DocumentMeta is the indexed metadata of a knowledge document.
//
// # Fields
//
//   - Source: Where the document came from (repo path, runbook URL, post
//     mortem id). Citation strings are built from it.
//   - Title: Human-readable title shown in rendered citation sections.
//   - CreatedAt: Index time; drives the recency decay boost.
//   - SuccessRate: Fraction [0,1] of successful deployments attributed to
//     this document's pattern; refreshed from telemetry.
//   - Tags: Free-form technology/environment tags matched against a
//     request's stack tags and environment.
type DocumentMeta struct {
	Source      string    `json:"source"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	SuccessRate float64   `json:"success_rate"`
	Tags        []string  `json:"tags,omitempty"`
}

// Document is one indexed knowledge chunk, immutable once indexed. The
// vector store owns it; the proposer only holds values returned by queries.
type Document struct {
	ID         string       `json:"id"`
	Text       string       `json:"text"`
	Collection string       `json:"collection"`
	Metadata   DocumentMeta `json:"metadata"`
}

// ScoredResult is a ranked retrieval hit. Created per query, never
// persisted.
//
// # Fields
//
//   - Document: The matched document, by value.
//   - VectorDistance: Raw distance reported by the vector store.
//   - SemanticSimilarity: Cosine similarity between query and document
//     embeddings.
//   - CombinedScore: Final deterministic score after blending and boosts;
//     the sole sort key (document id breaks ties).
type ScoredResult struct {
	Document           Document `json:"document"`
	VectorDistance     float64  `json:"vector_distance"`
	SemanticSimilarity float64  `json:"semantic_similarity"`
	CombinedScore      float64  `json:"combined_score"`
}

// QueryHit is one raw vector-store result before scoring.
type QueryHit struct {
	ID       string       `json:"id"`
	Text     string       `json:"text"`
	Metadata DocumentMeta `json:"metadata"`
	Distance float64      `json:"distance"`
	Vector   []float32    `json:"-"`
}

// =============================================================================
// Ingestion
// =============================================================================

// IngestRequest asks the knowledge service to index one source document.
// Long texts are chunked before indexing.
type IngestRequest struct {
	ID         string   `json:"id" validate:"omitempty,uuid4"`
	Collection string   `json:"collection" validate:"required"`
	Source     string   `json:"source" validate:"required,max=512"`
	Title      string   `json:"title,omitempty" validate:"omitempty,max=256"`
	Text       string   `json:"text" validate:"required"`
	Tags       []string `json:"tags,omitempty"`
	// SuccessRate seeds the document metadata; later refreshed from
	// telemetry. Default 0.5 (neutral).
	SuccessRate *float64 `json:"success_rate,omitempty"`
}

// EnsureDefaults fills the request id and neutral success rate.
func (r *IngestRequest) EnsureDefaults() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.SuccessRate == nil {
		neutral := 0.5
		r.SuccessRate = &neutral
	}
}

// Validate checks constraints and that the collection is known.
func (r *IngestRequest) Validate() error {
	if err := proposalValidate.Struct(r); err != nil {
		return err
	}
	for _, c := range KnownCollections() {
		if r.Collection == c {
			return nil
		}
	}
	return fmt.Errorf("unknown collection %q", r.Collection)
}

// JobState is the lifecycle state of an asynchronous ingestion job.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// IngestJob tracks one background ingestion task. Every state change is
// audited; nothing runs untracked.
type IngestJob struct {
	ID               string    `json:"id"`
	Collection       string    `json:"collection"`
	Source           string    `json:"source"`
	State            JobState  `json:"state"`
	DocumentsIndexed int       `json:"documents_indexed"`
	Error            string    `json:"error,omitempty"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
}

// CollectionStats reports per-collection object counts.
type CollectionStats struct {
	Collection string `json:"collection"`
	Objects    int64  `json:"objects"`
}
