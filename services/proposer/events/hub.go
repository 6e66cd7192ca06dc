// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is the in-process fan-out hub that lets watchers
// follow a proposal live. Lifecycle code publishes through the audit
// sink adapter; the WebSocket handler and the review TUI subscribe.
// Publish never blocks: a subscriber that stops draining loses events,
// not the publisher.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianOps/services/proposer/observability"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 16

// EventType classifies what happened.
type EventType string

const (
	TypeTransition     EventType = "transition"
	TypePolicyDecision EventType = "policy_decision"
	TypeValidation     EventType = "validation"
	TypeIngestion      EventType = "ingestion"
)

// Event is one observable moment in a proposal or ingestion job,
// flattened for the wire. Fields beyond Type, ProposalID, and
// Timestamp are set per type.
type Event struct {
	Type       EventType `json:"type"`
	ProposalID string    `json:"proposal_id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor,omitempty"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	Status     string    `json:"status,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Allowed    bool      `json:"allowed,omitempty"`
	Violations []string  `json:"violations,omitempty"`
}

// subscriber is one registered channel.
type subscriber struct {
	ch chan Event
}

// Hub routes events to per-proposal subscribers.
//
// # Thread Safety
//
// Safe for concurrent use. Publish and Subscribe may be called from
// any goroutine; Close may race with either and wins.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[int]*subscriber
	nextID int
	buffer int
	closed bool
}

// NewHub creates a hub with the given per-subscriber buffer depth.
// A non-positive buffer falls back to DefaultBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[int]*subscriber),
		buffer: buffer,
	}
}

// Subscribe registers a watcher for one proposal id.
//
// # Description
//
//	The returned channel carries events published for the id until
//	cancel is called or the hub closes, at which point the channel is
//	closed. cancel is idempotent and safe to call from any goroutine.
//	Events published before Subscribe are not replayed; catch-up reads
//	go through the proposal API, the hub is only a live feed.
//
// # Outputs
//
//	<-chan Event - Buffered event feed for the id.
//	func() - Cancel function releasing the subscription.
func (h *Hub) Subscribe(proposalID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, h.buffer)}
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	h.nextID++
	id := h.nextID
	if h.subs[proposalID] == nil {
		h.subs[proposalID] = make(map[int]*subscriber)
	}
	h.subs[proposalID][id] = sub
	observability.EventSubscriberConnected()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.closed {
				return
			}
			if m := h.subs[proposalID]; m != nil {
				if _, ok := m[id]; ok {
					delete(m, id)
					close(sub.ch)
					observability.EventSubscriberDisconnected()
				}
				if len(m) == 0 {
					delete(h.subs, proposalID)
				}
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber of the proposal id.
//
// # Description
//
//	Delivery is best-effort: a full subscriber buffer drops the event
//	for that subscriber and logs the drop. Publishing to an id with no
//	subscribers is a no-op, as is publishing on a closed hub.
func (h *Hub) Publish(proposalID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	for _, sub := range h.subs[proposalID] {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("event dropped for slow subscriber",
				"proposal_id", proposalID,
				"event_type", ev.Type,
			)
		}
	}
}

// Close shuts the hub down and closes every subscriber channel.
// Subsequent Publish and Subscribe calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true

	for _, m := range h.subs {
		for _, sub := range m {
			close(sub.ch)
			observability.EventSubscriberDisconnected()
		}
	}
	h.subs = nil
}
