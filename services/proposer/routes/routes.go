// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianOps/services/proposer/audit"
	"github.com/AleutianAI/AleutianOps/services/proposer/events"
	"github.com/AleutianAI/AleutianOps/services/proposer/handlers"
	"github.com/AleutianAI/AleutianOps/services/proposer/knowledge"
	"github.com/AleutianAI/AleutianOps/services/proposer/lifecycle"
	"github.com/AleutianAI/AleutianOps/services/proposer/ranking"
	"github.com/AleutianAI/AleutianOps/services/proposer/telemetry"
)

func SetupRoutes(router *gin.Engine, engine *lifecycle.Engine, runner *knowledge.JobRunner,
	service *knowledge.Service, ranker *ranking.Ranker, trail audit.Logger, hub *events.Hub) {

	router.GET("/health", handlers.HealthCheck)
	// Registered only when the prometheus exporter is configured.
	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		proposals := v1.Group("/proposals")
		{
			proposals.POST("", handlers.CreateProposal(engine))
			proposals.GET("", handlers.ListProposals(engine))
			proposals.GET("/:id", handlers.GetProposal(engine))
			proposals.GET("/:id/snapshot", handlers.GetSnapshot(engine))
			proposals.POST("/:id/approvals", handlers.RecordApproval(engine))
			proposals.POST("/:id/cancel", handlers.CancelProposal(engine))
			proposals.GET("/:id/events/ws", handlers.ProposalEvents(engine, hub))
		}
		// Knowledge base routes
		kb := v1.Group("/kb")
		{
			kb.POST("/documents", handlers.IngestDocument(runner))
			kb.GET("/jobs/:id", handlers.GetIngestJob(runner))
			kb.GET("/search", handlers.SearchKnowledge(ranker))
			kb.GET("/stats", handlers.KnowledgeStats(service))
		}
		// Audit trail routes
		auditRoutes := v1.Group("/audit")
		{
			auditRoutes.GET("/trail", handlers.AuditTrail(trail))
			auditRoutes.GET("/verify", handlers.AuditVerify(trail))
			auditRoutes.GET("/statistics", handlers.AuditStatistics(trail))
		}
	}
}
