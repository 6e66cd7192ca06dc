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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/lifecycle"
)

// =============================================================================
// Request Types
// =============================================================================

// ApprovalRequest is the body of POST /v1/proposals/:id/approvals.
type ApprovalRequest struct {
	Approver string `json:"approver" binding:"required"`
	Role     string `json:"role,omitempty"`
}

// CancelRequest is the optional body of POST /v1/proposals/:id/cancel.
type CancelRequest struct {
	Actor string `json:"actor,omitempty"`
}

// writeEngineError maps lifecycle errors to HTTP statuses: unknown
// proposals are 404, state conflicts are 409, and an audit trail outage
// is 503 because nothing may change without its record.
func writeEngineError(c *gin.Context, err error) {
	switch {
	case lifecycle.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case lifecycle.IsWrongState(err), lifecycle.IsTerminalState(err),
		lifecycle.IsNotTerminal(err), lifecycle.IsValidationInProgress(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case lifecycle.IsAuditWrite(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// =============================================================================
// Handlers
// =============================================================================

// CreateProposal accepts a change request and starts the pipeline.
//
// # Description
//
// Returns 201 with the DRAFT proposal immediately; the pipeline runs in
// the background and the caller follows it by polling the proposal or
// subscribing to its event stream. Invalid requests return 400. An audit
// trail outage returns 503: no proposal may exist without its creation
// record.
func CreateProposal(engine *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ProposalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		p, err := engine.Create(c.Request.Context(), req)
		if err != nil {
			if lifecycle.IsAuditWrite(err) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// The pipeline outlives this request: detach cancellation but
		// keep the trace context so pipeline spans join the create trace.
		runCtx := context.WithoutCancel(c.Request.Context())
		go func() {
			if _, err := engine.Run(runCtx, p.ID); err != nil {
				slog.Error("proposal pipeline failed", "proposal_id", p.ID, "error", err)
			}
		}()

		c.JSON(http.StatusCreated, p)
	}
}

// ListProposals returns persisted proposals, newest first. Query
// parameters: state (optional lifecycle state filter) and limit
// (default 50).
func ListProposals(engine *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := datatypes.ProposalState(c.Query("state"))
		if state != "" && !state.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown state %q", state)})
			return
		}

		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}

		proposals, err := engine.List(c.Request.Context(), state, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"proposals": proposals, "count": len(proposals)})
	}
}

// GetProposal returns the full proposal, including retrieved context,
// generated files, validation results, and the policy verdict.
func GetProposal(engine *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := engine.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// GetSnapshot returns the stable terminal interchange shape. Proposals
// still moving through the pipeline return 409.
func GetSnapshot(engine *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := engine.Snapshot(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// RecordApproval appends a sign-off to a non-terminal proposal.
func RecordApproval(engine *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ApprovalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		p, err := engine.RecordApproval(c.Request.Context(), c.Param("id"),
			datatypes.Approval{Approver: req.Approver, Role: req.Role})
		if err != nil {
			writeEngineError(c, err)
			return
		}
		slog.Info("approval recorded", "proposal_id", p.ID, "approver", req.Approver, "role", req.Role)
		c.JSON(http.StatusOK, p)
	}
}

// CancelProposal moves a non-terminal proposal to INVALID. The body is
// optional; without one the cancellation is attributed to the API.
func CancelProposal(engine *lifecycle.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CancelRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}
		if req.Actor == "" {
			req.Actor = "api"
		}

		p, err := engine.Cancel(c.Request.Context(), c.Param("id"), req.Actor)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}
