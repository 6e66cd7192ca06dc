// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"

	"github.com/AleutianAI/AleutianOps/services/proposer/audit"
)

// Sink bridges audit events onto the hub so live watchers see what
// the hash-chained trail records. Ingestion events are published under
// their job id since they have no proposal.
type Sink struct {
	hub *Hub
}

var _ audit.EventSink = (*Sink)(nil)

// NewSink wraps a hub as an audit event sink.
func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

// OnTransition publishes a lifecycle transition to proposal watchers.
func (s *Sink) OnTransition(ctx context.Context, ev audit.TransitionEvent) error {
	s.hub.Publish(ev.ProposalID, Event{
		Type:       TypeTransition,
		ProposalID: ev.ProposalID,
		Timestamp:  ev.Timestamp,
		Actor:      ev.Actor,
		FromState:  ev.FromState,
		ToState:    ev.ToState,
		Reason:     ev.Reason,
	})
	return nil
}

// OnPolicyDecision publishes a policy verdict to proposal watchers.
func (s *Sink) OnPolicyDecision(ctx context.Context, ev audit.PolicyDecisionEvent) error {
	s.hub.Publish(ev.ProposalID, Event{
		Type:       TypePolicyDecision,
		ProposalID: ev.ProposalID,
		Timestamp:  ev.Timestamp,
		Allowed:    ev.Allowed,
		Violations: ev.Violations,
	})
	return nil
}

// OnValidationOutcome publishes one tool outcome to proposal watchers.
func (s *Sink) OnValidationOutcome(ctx context.Context, ev audit.ValidationEvent) error {
	s.hub.Publish(ev.ProposalID, Event{
		Type:       TypeValidation,
		ProposalID: ev.ProposalID,
		Timestamp:  ev.Timestamp,
		Tool:       ev.Tool,
		Status:     ev.Status,
		Summary:    ev.Summary,
	})
	return nil
}

// OnIngestion publishes a finished ingestion job, keyed by job id.
func (s *Sink) OnIngestion(ctx context.Context, ev audit.IngestionEvent) error {
	status := "done"
	if ev.Failed {
		status = "failed"
	}
	s.hub.Publish(ev.JobID, Event{
		Type:      TypeIngestion,
		Timestamp: ev.Timestamp,
		Status:    status,
		Summary:   ev.Source,
	})
	return nil
}
