// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/knowledge"
	"github.com/AleutianAI/AleutianOps/services/proposer/ranking"
)

// IngestDocument enqueues one document for background indexing.
//
// # Description
//
// The document is chunked, embedded, and indexed by the worker pool;
// the response is 202 with the queued job, whose id the caller polls at
// GET /v1/kb/jobs/:id. A full queue returns 503.
func IngestDocument(runner *knowledge.JobRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.IngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		job, err := runner.Enqueue(req)
		if err != nil {
			switch {
			case errors.Is(err, knowledge.ErrQueueFull):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			case errors.Is(err, knowledge.ErrJobExists):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusAccepted, job)
	}
}

// GetIngestJob returns the state of one ingestion job.
func GetIngestJob(runner *knowledge.JobRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, ok := runner.Job(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "ingest job not found"})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// SearchKnowledge runs a ranked query over the knowledge collections.
//
// Query parameters: query (required), collections (comma-separated,
// default all), k (per-collection fetch size, default 5, max 50).
func SearchKnowledge(ranker *ranking.Ranker) gin.HandlerFunc {
	return func(c *gin.Context) {
		query := strings.TrimSpace(c.Query("query"))
		if query == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter is required"})
			return
		}

		collections := datatypes.KnownCollections()
		if raw := c.Query("collections"); raw != "" {
			collections = nil
			for _, name := range strings.Split(raw, ",") {
				if name = strings.TrimSpace(name); name != "" {
					collections = append(collections, name)
				}
			}
			if len(collections) == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "collections parameter is empty"})
				return
			}
		}

		k, err := strconv.Atoi(c.DefaultQuery("k", "5"))
		if err != nil || k < 1 || k > 50 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "k must be between 1 and 50"})
			return
		}

		results, degraded, err := ranker.Rank(c.Request.Context(), query, collections, k, ranking.Options{})
		if err != nil {
			slog.Error("knowledge search failed", "query", query, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"results":          results,
			"degraded_sources": degraded,
			"count":            len(results),
		})
	}
}

// KnowledgeStats returns per-collection object counts.
func KnowledgeStats(service *knowledge.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"collections": service.Stats(c.Request.Context())})
	}
}
