// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"time"
)

// =============================================================================
// EventSink Interface (FOSS/Enterprise Integration Point)
// =============================================================================

// EventSink allows external systems to receive audit events.
//
// # Description
//
// FOSS provides a default no-op implementation. Enterprise injects a
// BigQuery-backed implementation that captures all events for compliance
// verification and proof generation. The local hash-chained trail remains
// authoritative either way; the sink is a mirror, not a replacement.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// # Error Handling
//
// Sink errors must not block lifecycle operations. Implementations should
// handle their own retry logic. Callers log errors but do not fail
// transitions.
//
// # Limitations
//
//   - Events are fire-and-forget from the FOSS perspective
//   - No guaranteed delivery (Enterprise handles persistence)
//   - No backpressure mechanism
type EventSink interface {
	// OnTransition is called after a lifecycle transition has been recorded
	// in the local trail and applied.
	OnTransition(ctx context.Context, event TransitionEvent) error

	// OnPolicyDecision is called after a policy verdict has been recorded.
	OnPolicyDecision(ctx context.Context, event PolicyDecisionEvent) error

	// OnValidationOutcome is called after a validation tool outcome has
	// been recorded.
	OnValidationOutcome(ctx context.Context, event ValidationEvent) error

	// OnIngestion is called after a knowledge-base ingestion job has been
	// recorded as finished.
	OnIngestion(ctx context.Context, event IngestionEvent) error
}

// =============================================================================
// Event Types
// =============================================================================

// TransitionEvent contains information about a lifecycle state transition.
//
// # Fields
//
//   - Timestamp: When the transition occurred (server time)
//   - ProposalID: The proposal that moved
//   - Actor: Who initiated the transition
//   - FromState: Prior lifecycle state (empty for creation)
//   - ToState: Resulting lifecycle state
//   - Reason: Short machine-readable reason, if any
type TransitionEvent struct {
	Timestamp  time.Time
	ProposalID string
	Actor      string
	FromState  string
	ToState    string
	Reason     string
}

// PolicyDecisionEvent contains information about a policy verdict.
//
// # Fields
//
//   - Timestamp: When the verdict was produced
//   - ProposalID: The proposal that was evaluated
//   - Allowed: Whether the operation was permitted
//   - Violations: Denial messages, in rule order (empty when allowed)
type PolicyDecisionEvent struct {
	Timestamp  time.Time
	ProposalID string
	Allowed    bool
	Violations []string
}

// ValidationEvent contains information about a single tool run.
//
// # Fields
//
//   - Timestamp: When the outcome was recorded
//   - ProposalID: The proposal the tool ran against
//   - Tool: The validation tool name
//   - Status: Outcome status ("ok", "failed", "timeout", "unavailable")
//   - Summary: One-line human-readable summary of the outcome
type ValidationEvent struct {
	Timestamp  time.Time
	ProposalID string
	Tool       string
	Status     string
	Summary    string
}

// IngestionEvent contains information about a finished ingestion job.
//
// # Fields
//
//   - Timestamp: When the job finished
//   - JobID: The ingestion job identifier
//   - Collection: Knowledge collection the documents went into
//   - Source: Document source identifier
//   - DocumentsIndexed: Number of chunks written
//   - Failed: True when the job ended in the failed state
type IngestionEvent struct {
	Timestamp        time.Time
	JobID            string
	Collection       string
	Source           string
	DocumentsIndexed int
	Failed           bool
}

// =============================================================================
// Default FOSS Implementation
// =============================================================================

// noopEventSink is the default FOSS implementation.
//
// # Description
//
// All methods are no-ops because FOSS handles audit logging separately via
// the hash-chained trail. This sink exists as the integration point for
// Enterprise to inject its BigQuery-backed implementation.
//
// # Thread Safety
//
// Safe for concurrent use (stateless).
type noopEventSink struct{}

// OnTransition is a no-op in FOSS (the local trail handles this).
func (n *noopEventSink) OnTransition(ctx context.Context, event TransitionEvent) error {
	return nil
}

// OnPolicyDecision is a no-op in FOSS.
func (n *noopEventSink) OnPolicyDecision(ctx context.Context, event PolicyDecisionEvent) error {
	return nil
}

// OnValidationOutcome is a no-op in FOSS.
func (n *noopEventSink) OnValidationOutcome(ctx context.Context, event ValidationEvent) error {
	return nil
}

// OnIngestion is a no-op in FOSS.
func (n *noopEventSink) OnIngestion(ctx context.Context, event IngestionEvent) error {
	return nil
}

// DefaultEventSink is the FOSS no-op implementation.
//
// # Description
//
// Use this as the default when no Enterprise license is present.
// Enterprise replaces this with its BigQuery-backed implementation.
var DefaultEventSink EventSink = &noopEventSink{}

// NewNoopEventSink returns a new no-op event sink instance.
//
// # Description
//
// Useful for testing or when you need a fresh instance rather than the
// package-level DefaultEventSink.
func NewNoopEventSink() EventSink {
	return &noopEventSink{}
}
