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
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianOps/services/proposer/audit"
)

// AuditTrail returns chained audit records in append order.
//
// Query parameters: proposal_id and action narrow the result; limit
// (default 100) keeps the most recent matches.
func AuditTrail(trail audit.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}

		records, err := trail.Records(audit.Query{
			ProposalID: c.Query("proposal_id"),
			Action:     c.Query("action"),
			Limit:      limit,
		})
		if err != nil {
			slog.Error("audit trail read failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
	}
}

// AuditVerify re-reads the whole trail and checks every hash chain link.
//
// # Outputs
//
// valid plus break_index: -1 when the chain is intact, otherwise the
// zero-based index of the first record that fails verification.
func AuditVerify(trail audit.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		valid, breakIndex, err := trail.VerifyChain()
		if err != nil {
			slog.Error("audit chain verification failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		entries, err := trail.EntryCount()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"valid":       valid,
			"break_index": breakIndex,
			"entries":     entries,
			"verified_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// AuditStatistics returns aggregate counts over the trail: total entries,
// per-action tallies, file size, and the newest record's position.
func AuditStatistics(trail audit.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := trail.EntryCount()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		size, err := trail.CheckLogSize()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		records, err := trail.Records(audit.Query{})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		actions := make(map[string]int, 8)
		for _, r := range records {
			actions[r.Action]++
		}

		stats := gin.H{
			"entries":        entries,
			"log_size_bytes": size,
			"actions":        actions,
		}
		if last, err := trail.LastRecord(); err == nil && last != nil {
			stats["last_sequence"] = last.Sequence
			stats["last_timestamp"] = last.Timestamp
		}
		c.JSON(http.StatusOK, stats)
	}
}
