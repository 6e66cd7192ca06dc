// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit provides the tamper-evident audit trail for proposal
// lifecycle operations. Every state transition, policy decision, validation
// outcome, and ingestion job is appended to a hash-chained log file before
// the corresponding effect takes place, so the trail can reconstruct what
// the system decided and why, even after a crash mid-operation.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Actions
// =============================================================================

// Audit actions describe what kind of event a record captures. Transitions
// carry from/to states; the other actions attach supporting detail only.
const (
	// ActionCreated records a proposal entering the lifecycle. FromState is
	// empty and ToState is the initial state.
	ActionCreated = "created"

	// ActionTransition records a proposal moving between lifecycle states.
	ActionTransition = "transition"

	// ActionValidation records the outcome of a single validation tool run.
	ActionValidation = "validation"

	// ActionPolicyDecision records a policy verdict (allowed or denied,
	// with the violations in Detail).
	ActionPolicyDecision = "policy_decision"

	// ActionApproval records a reviewer sign-off on a pending proposal.
	// Actor is the approver; Detail carries the role.
	ActionApproval = "approval"

	// ActionIngestion records a knowledge-base ingestion job finishing
	// (successfully or not).
	ActionIngestion = "ingestion"
)

// =============================================================================
// Trail Types
// =============================================================================

// Entry is the caller-supplied portion of an audit record.
//
// # Description
//
// Callers fill in who did what to which proposal; the logger assigns the
// sequence number, timestamp, and chain hashes when the entry is emitted.
//
// # Fields
//
//   - ProposalID: The proposal the event belongs to. Ingestion records use
//     the job ID instead.
//   - Actor: Who initiated the event ("proposer" for engine-driven actions,
//     the requester identity for API-driven ones, "ingest-worker" for jobs).
//   - Action: One of the Action* constants.
//   - FromState: Prior lifecycle state (empty for ActionCreated).
//   - ToState: Resulting lifecycle state (empty for non-transition actions).
//   - Reason: Short machine-readable reason ("Cancelled", "PolicyDenied").
//   - Detail: Free-form human-readable detail ("terraform-plan: timeout").
//   - ContentHash: Optional SHA-256 over the artifact the event concerns,
//     typically the generated files when a proposal is published.
type Entry struct {
	ProposalID  string
	Actor       string
	Action      string
	FromState   string
	ToState     string
	Reason      string
	Detail      string
	ContentHash string
}

// Record is a single line in the audit log.
//
// # Description
//
// A Record is an Entry plus the fields the logger controls: the monotonic
// sequence number, the UTC timestamp, and the hash chain links. Records are
// serialized as JSON lines and are never rewritten once appended.
//
// # Hash Chain
//
// PrevHash is the EntryHash of the preceding record (or GenesisHash for the
// first record). EntryHash covers every other field of this record, so
// modifying any past record breaks verification at that point.
type Record struct {
	Sequence    int64  `json:"sequence"`
	Timestamp   string `json:"timestamp"`
	ProposalID  string `json:"proposal_id"`
	Actor       string `json:"actor"`
	Action      string `json:"action"`
	FromState   string `json:"from_state,omitempty"`
	ToState     string `json:"to_state,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Detail      string `json:"detail,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	PrevHash    string `json:"prev_hash"`
	EntryHash   string `json:"entry_hash"`
}

// Query selects records when reading back the trail.
//
// # Fields
//
//   - ProposalID: If non-empty, only records for this proposal (or job).
//   - Action: If non-empty, only records with this action.
//   - Limit: If positive, return at most this many records, keeping the
//     most recent ones.
type Query struct {
	ProposalID string
	Action     string
	Limit      int
}

// TransitionProof shows that a proposal reached a given state, along with
// whether the chain leading up to that record verifies.
type TransitionProof struct {
	Record     Record `json:"record"`
	ChainValid bool   `json:"chain_valid"`
	VerifiedAt string `json:"verified_at"`
}

// =============================================================================
// Logger Interface
// =============================================================================

// Logger is the tamper-evident audit trail.
//
// # Description
//
// The trail is append-only: records are assigned increasing sequence numbers
// and chained by hash, and no method rewrites or reorders existing records.
// Emit returns only after the record is flushed to disk, which is what lets
// lifecycle code append the audit record before applying the transition it
// describes.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Logger interface {
	// Emit appends an entry to the trail and returns the full record,
	// including the assigned sequence number and chain hashes. The record
	// is on disk when Emit returns.
	Emit(entry Entry) (Record, error)

	// VerifyChain re-reads the whole trail and verifies every chain link.
	// Returns the zero-based index of the first broken record, or -1 when
	// the chain is intact.
	VerifyChain() (valid bool, breakIndex int64, err error)

	// EntryCount returns the number of chained records in the trail.
	EntryCount() (int64, error)

	// LastRecord returns the most recent chained record, or nil when the
	// trail is empty.
	LastRecord() (*Record, error)

	// Records returns the chained records matching the query, in the order
	// they were appended.
	Records(q Query) ([]Record, error)

	// ProofOfState searches the trail for the record of the given proposal
	// reaching the given state and reports whether the chain up to that
	// record verifies.
	ProofOfState(proposalID, state string) (TransitionProof, error)

	// ReopenLogFile closes and reopens the underlying file so external log
	// rotation can move the old file out of the way. Chain state carries
	// over in memory.
	ReopenLogFile() error

	// CheckLogSize returns the current size of the trail file in bytes.
	CheckLogSize() (int64, error)

	// VerifyFilePermissions checks that the trail file still has
	// owner-only permissions.
	VerifyFilePermissions() error

	// Close flushes and closes the trail file.
	Close() error
}

// =============================================================================
// Content Hashing
// =============================================================================

// HashFiles computes a deterministic SHA-256 over a set of generated files.
//
// # Description
//
// Paths are sorted before hashing so the result is independent of map
// iteration order. The hash is used as the ContentHash on the audit record
// emitted when a proposal is published, tying the trail to the exact file
// contents that were proposed.
//
// # Inputs
//
//   - files: Map of file path to file content.
//
// # Outputs
//
//   - string: Hex-encoded SHA-256 digest. Empty input hashes to the digest
//     of the empty string, not to "".
func HashFiles(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, path := range paths {
		// Length-prefix both parts so path/content boundaries cannot be
		// shifted without changing the digest.
		fmt.Fprintf(&b, "%d:%s:%d:%s", len(path), path, len(files[path]), files[path])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
