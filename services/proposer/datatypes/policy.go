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

import "time"

// =============================================================================
// Policy Evaluation Context
// =============================================================================

// OperationContext is the immutable snapshot a proposal presents to the
// policy engine. Assembled once per evaluation and passed by value to every
// rule — never mutated mid-evaluation, so all rules see the same facts.
//
// # Fields
//
//   - Repository: Target repository ("host/org/name").
//   - Environment: Deployment environment the change addresses.
//   - Operation: The target kind; high-risk kinds trigger role-based
//     approval minimums.
//   - RequestedAt: When the change was requested; evaluated against
//     time-window rules.
//   - Resources: Requested capacity for resource-limit rules.
//   - ResourceOverrideApproved: Explicit escape hatch acknowledging a
//     ceiling breach.
//   - Approvals: Sign-offs recorded before evaluation.
//   - Validations: Dry-run outcome status per tool, consumed by
//     required-scan-set rules.
//   - LowGrounding: True when generation ran with zero retrieved context.
//   - EmergencyJustification: Free-text justification accompanying an
//     emergency time-window override.
type OperationContext struct {
	Repository               string                    `json:"repository"`
	Environment              string                    `json:"environment"`
	Operation                TargetKind                `json:"operation"`
	RequestedAt              time.Time                 `json:"requested_at"`
	Resources                ResourceRequest           `json:"resources"`
	ResourceOverrideApproved bool                      `json:"resource_override_approved,omitempty"`
	Approvals                []Approval                `json:"approvals"`
	Validations              map[Tool]ValidationStatus `json:"validations,omitempty"`
	LowGrounding             bool                      `json:"low_grounding,omitempty"`
	EmergencyJustification   string                    `json:"emergency_justification,omitempty"`
}

// ApprovalsWithRole counts approvals carrying the given role. An empty role
// counts every approval.
func (c OperationContext) ApprovalsWithRole(role string) int {
	if role == "" {
		return len(c.Approvals)
	}
	n := 0
	for _, a := range c.Approvals {
		if a.Role == role {
			n++
		}
	}
	return n
}

// =============================================================================
// Verdict
// =============================================================================

// Verdict is the outcome of evaluating a rule, or of evaluating a whole
// rule set: allowed is the AND over rules, violations the ordered
// concatenation of every rule's messages.
type Verdict struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations"`
}

// Allow is the empty passing verdict.
func Allow() Verdict {
	return Verdict{Allowed: true}
}

// Deny builds a failing verdict from violation messages.
func Deny(violations ...string) Verdict {
	return Verdict{Allowed: false, Violations: violations}
}

// Merge combines v with other: allowed ANDs, violations concatenate in
// order. The receiver is unchanged.
func (v Verdict) Merge(other Verdict) Verdict {
	merged := Verdict{
		Allowed:    v.Allowed && other.Allowed,
		Violations: make([]string, 0, len(v.Violations)+len(other.Violations)),
	}
	merged.Violations = append(merged.Violations, v.Violations...)
	merged.Violations = append(merged.Violations, other.Violations...)
	return merged
}

// Clone returns an independent copy.
func (v Verdict) Clone() Verdict {
	return Verdict{
		Allowed:    v.Allowed,
		Violations: append([]string(nil), v.Violations...),
	}
}
