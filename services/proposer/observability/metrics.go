// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus metrics shared across the
// proposer. Metrics register once at package load via promauto; services
// record through the exported functions rather than touching vectors
// directly.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Proposer
// =============================================================================

var (
	// proposalsCreated counts created proposals.
	// Labels: target (pipeline, iac, helm, monitoring)
	proposalsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "proposer",
		Name:      "proposals_created_total",
		Help:      "Total proposals created",
	}, []string{"target"})

	// transitions counts lifecycle state transitions.
	// Labels: to_state (retrieved, generated, validated, policy_checked,
	// proposed, rejected, invalid)
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "proposer",
		Name:      "transitions_total",
		Help:      "Total proposal state transitions by destination state",
	}, []string{"to_state"})

	// retrievalLatency measures context retrieval (embed + rank) time.
	// Labels: status (ok, degraded, empty)
	retrievalLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aleutian",
		Subsystem: "proposer",
		Name:      "retrieval_latency_seconds",
		Help:      "Context retrieval latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"status"})

	// validationLatency measures per-tool dry-run time.
	// Labels: tool, status (ok, failed, timeout, unavailable)
	validationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aleutian",
		Subsystem: "proposer",
		Name:      "validation_latency_seconds",
		Help:      "Dry-run tool latency in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"tool", "status"})

	// generationLatency measures backend generation call time.
	// Labels: status (ok, error)
	generationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aleutian",
		Subsystem: "proposer",
		Name:      "generation_latency_seconds",
		Help:      "Generation backend latency in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"status"})

	// policyDecisions counts policy evaluations.
	// Labels: allowed (true, false)
	policyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "proposer",
		Name:      "policy_decisions_total",
		Help:      "Total policy evaluations by outcome",
	}, []string{"allowed"})

	// auditWriteFailures counts halted transitions due to audit errors.
	auditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "proposer",
		Name:      "audit_write_failures_total",
		Help:      "Total audit trail write failures (each halts a transition)",
	})

	// ingestionJobs counts knowledge ingestion jobs by final state.
	// Labels: state (done, failed)
	ingestionJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "proposer",
		Name:      "ingestion_jobs_total",
		Help:      "Total knowledge ingestion jobs by final state",
	}, []string{"state"})

	// publishes counts publisher runs.
	// Labels: status (ok, error)
	publishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "proposer",
		Name:      "publishes_total",
		Help:      "Total proposal publish attempts",
	}, []string{"status"})

	// eventSubscribers tracks live event stream subscribers.
	eventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aleutian",
		Subsystem: "proposer",
		Name:      "event_subscribers",
		Help:      "Currently connected event stream subscribers",
	})
)

// =============================================================================
// Metrics Recording Functions
// =============================================================================

// RecordProposalCreated records one created proposal.
//
// Inputs:
//
//	target - The proposal's target kind.
func RecordProposalCreated(target string) {
	proposalsCreated.WithLabelValues(target).Inc()
}

// RecordTransition records one state transition.
//
// Inputs:
//
//	toState - Destination state of the transition.
func RecordTransition(toState string) {
	transitions.WithLabelValues(toState).Inc()
}

// RecordRetrieval records one context retrieval.
//
// Inputs:
//
//	status - "ok", "degraded", or "empty".
//	durationSec - Retrieval duration in seconds.
func RecordRetrieval(status string, durationSec float64) {
	retrievalLatency.WithLabelValues(status).Observe(durationSec)
}

// RecordValidation records one dry-run tool invocation.
//
// Inputs:
//
//	tool - Tool name.
//	status - Outcome status string.
//	durationSec - Tool wall time in seconds.
func RecordValidation(tool, status string, durationSec float64) {
	validationLatency.WithLabelValues(tool, status).Observe(durationSec)
}

// RecordGeneration records one generation backend call.
//
// Inputs:
//
//	success - Whether the backend produced usable files.
//	durationSec - Call wall time in seconds.
func RecordGeneration(success bool, durationSec float64) {
	status := "ok"
	if !success {
		status = "error"
	}
	generationLatency.WithLabelValues(status).Observe(durationSec)
}

// RecordPolicyDecision records one policy evaluation.
//
// Inputs:
//
//	allowed - Whether the evaluation allowed the operation.
func RecordPolicyDecision(allowed bool) {
	outcome := "true"
	if !allowed {
		outcome = "false"
	}
	policyDecisions.WithLabelValues(outcome).Inc()
}

// RecordAuditWriteFailure records one halted transition.
func RecordAuditWriteFailure() {
	auditWriteFailures.Inc()
}

// RecordIngestionJob records one finished ingestion job.
//
// Inputs:
//
//	state - "done" or "failed".
func RecordIngestionJob(state string) {
	ingestionJobs.WithLabelValues(state).Inc()
}

// RecordPublish records one publish attempt.
//
// Inputs:
//
//	success - Whether the publish succeeded.
func RecordPublish(success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	publishes.WithLabelValues(status).Inc()
}

// EventSubscriberConnected increments the live subscriber gauge.
func EventSubscriberConnected() {
	eventSubscribers.Inc()
}

// EventSubscriberDisconnected decrements the live subscriber gauge.
func EventSubscriberDisconnected() {
	eventSubscribers.Dec()
}
