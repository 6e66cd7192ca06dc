// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the shared domain types of the proposer service:
// proposals and their lifecycle states, retrieval results, validation
// outcomes, and the policy evaluation context.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var proposalValidate = validator.New()

// =============================================================================
// Proposal States
// =============================================================================

// ProposalState is the lifecycle state of a Proposal.
//
// Non-terminal states advance strictly forward:
//
//	DRAFT -> RETRIEVED -> GENERATED -> VALIDATED -> POLICY_CHECKED -> PROPOSED
//
// REJECTED and INVALID are terminal failure states reachable from any
// non-terminal state. No transition ever leaves a terminal state.
type ProposalState string

const (
	StateDraft         ProposalState = "DRAFT"
	StateRetrieved     ProposalState = "RETRIEVED"
	StateGenerated     ProposalState = "GENERATED"
	StateValidated     ProposalState = "VALIDATED"
	StatePolicyChecked ProposalState = "POLICY_CHECKED"
	StateProposed      ProposalState = "PROPOSED"
	StateRejected      ProposalState = "REJECTED"
	StateInvalid       ProposalState = "INVALID"
)

// Terminal reports whether no further transition is permitted from s.
func (s ProposalState) Terminal() bool {
	switch s {
	case StateProposed, StateRejected, StateInvalid:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the defined lifecycle states.
func (s ProposalState) Valid() bool {
	switch s {
	case StateDraft, StateRetrieved, StateGenerated, StateValidated,
		StatePolicyChecked, StateProposed, StateRejected, StateInvalid:
		return true
	default:
		return false
	}
}

// Terminal-state reasons recorded on Proposal.StateReason.
const (
	ReasonGenerationUnavailable = "GenerationUnavailable"
	ReasonCancelled             = "Cancelled"
	ReasonPolicyDenied          = "PolicyDenied"
)

// =============================================================================
// Target Kinds
// =============================================================================

// TargetKind classifies what a change request targets. The kind selects the
// default knowledge collections, the required dry-run tools, and the policy
// risk class. Closed set; dispatch is always by switch.
type TargetKind string

const (
	TargetPipeline   TargetKind = "pipeline"
	TargetIaC        TargetKind = "iac"
	TargetHelm       TargetKind = "helm"
	TargetMonitoring TargetKind = "monitoring"
)

// ParseTargetKind converts a string into a TargetKind.
//
// # Outputs
//
//   - TargetKind: The matching kind.
//   - error: Non-nil when s names no known kind.
func ParseTargetKind(s string) (TargetKind, error) {
	switch TargetKind(s) {
	case TargetPipeline, TargetIaC, TargetHelm, TargetMonitoring:
		return TargetKind(s), nil
	default:
		return "", fmt.Errorf("unknown target kind %q", s)
	}
}

// Valid reports whether k is a defined target kind.
func (k TargetKind) Valid() bool {
	_, err := ParseTargetKind(string(k))
	return err == nil
}

// HighRisk reports whether operations of this kind require role-based
// approval minimums.
func (k TargetKind) HighRisk() bool {
	switch k {
	case TargetIaC, TargetHelm:
		return true
	default:
		return false
	}
}

// DefaultCollections returns the knowledge collections searched for this
// target kind when the request does not name its own.
func (k TargetKind) DefaultCollections() []string {
	switch k {
	case TargetPipeline:
		return []string{CollectionPipelines, CollectionDocs}
	case TargetIaC:
		return []string{CollectionIaC, CollectionDocs, CollectionIncidents}
	case TargetHelm:
		return []string{CollectionIaC, CollectionDocs}
	case TargetMonitoring:
		return []string{CollectionSLO, CollectionDocs, CollectionIncidents}
	default:
		return []string{CollectionDocs}
	}
}

// =============================================================================
// Validation Tools and Outcomes
// =============================================================================

// Tool identifies a dry-run validation tool. Closed set.
type Tool string

const (
	ToolTerraformPlan       Tool = "terraform-plan"
	ToolHelmDryRun          Tool = "helm-dry-run"
	ToolPrometheusRuleCheck Tool = "prometheus-rule-check"
	ToolGrafanaSchemaCheck  Tool = "grafana-schema-check"
)

// ParseTool converts a string into a Tool, failing fast on unknown names.
func ParseTool(s string) (Tool, error) {
	switch Tool(s) {
	case ToolTerraformPlan, ToolHelmDryRun, ToolPrometheusRuleCheck, ToolGrafanaSchemaCheck:
		return Tool(s), nil
	default:
		return "", fmt.Errorf("unknown validation tool %q", s)
	}
}

// Valid reports whether t is a defined tool.
func (t Tool) Valid() bool {
	_, err := ParseTool(string(t))
	return err == nil
}

// RequiredTools returns the dry-run tools a target kind needs. Pipeline
// targets rely on local syntax checks only.
func RequiredTools(kind TargetKind) []Tool {
	switch kind {
	case TargetPipeline:
		return nil
	case TargetIaC:
		return []Tool{ToolTerraformPlan}
	case TargetHelm:
		return []Tool{ToolHelmDryRun}
	case TargetMonitoring:
		return []Tool{ToolPrometheusRuleCheck, ToolGrafanaSchemaCheck}
	default:
		return nil
	}
}

// ValidationStatus is the result class of one tool run.
type ValidationStatus string

const (
	ValidationOK          ValidationStatus = "ok"
	ValidationFailed      ValidationStatus = "failed"
	ValidationTimeout     ValidationStatus = "timeout"
	ValidationUnavailable ValidationStatus = "unavailable"
)

// ParseValidationStatus converts a string into a ValidationStatus,
// failing fast on unknown values.
func ParseValidationStatus(s string) (ValidationStatus, error) {
	switch ValidationStatus(s) {
	case ValidationOK, ValidationFailed, ValidationTimeout, ValidationUnavailable:
		return ValidationStatus(s), nil
	default:
		return "", fmt.Errorf("unknown validation status %q", s)
	}
}

// ValidationOutcome is the typed result of one dry-run tool invocation.
//
// # Fields
//
//   - Tool: Which tool ran.
//   - Status: ok, failed, timeout, or unavailable. Timeouts and tool
//     failures are outcomes, not errors; the proposal still advances, and
//     policy decides what they mean.
//   - Summary: One-line human summary ("plan: 3 to add, 1 to change").
//   - RawOutput: Full tool output for the reviewer.
//   - PlanAdd/PlanChange/PlanDestroy: Resource counts parsed from
//     terraform-plan output; zero for other tools.
//   - Duration: Wall time of the run.
type ValidationOutcome struct {
	Tool        Tool             `json:"tool"`
	Status      ValidationStatus `json:"status"`
	Summary     string           `json:"summary"`
	RawOutput   string           `json:"raw_output,omitempty"`
	PlanAdd     int              `json:"plan_add,omitempty"`
	PlanChange  int              `json:"plan_change,omitempty"`
	PlanDestroy int              `json:"plan_destroy,omitempty"`
	Duration    time.Duration    `json:"duration_ns,omitempty"`
}

// =============================================================================
// Proposal Request
// =============================================================================

// ProposalRequest is the caller's change request — the input that starts a
// proposal lifecycle.
//
// # Fields
//
//   - ID: Unique request identifier (UUID v4). Generated when absent.
//   - Intent: The natural-language change request.
//   - Repository: Target repository, "host/org/name" form.
//   - Target: What kind of artifact to produce (pipeline, iac, helm,
//     monitoring).
//   - Environment: Deployment environment the change addresses.
//   - Collections: Knowledge collections to search. Defaults by Target.
//   - KPerCollection: Results fetched per collection. Default 5.
//   - MinRelevance: Ranking cutoff override. Default 0.7 (via BoostConfig).
//   - Tools: Explicit dry-run tool set. Defaults by Target.
//   - ToolTimeout: Per-tool validation timeout. Default 120s.
//   - Requester: Identity recorded as the audit actor for user-driven
//     transitions.
//   - StackTags: Technology tags of the target repo ("python",
//     "kubernetes"); feed the ranking stack-match boost.
//   - Resources: Requested capacity, evaluated by resource-limit rules.
//   - ResourceOverrideApproved: Acknowledged ceiling breach; the
//     resource-limit rule's escape hatch.
//   - EmergencyJustification: Set when invoking the time-window emergency
//     override; minimum length enforced by policy.
//   - Approvals: Sign-offs gathered before submission. More can be
//     recorded on the proposal while it is in flight.
//   - BaseFiles: Existing file contents keyed by path, supplied when the
//     generation step may return diffs against them.
//   - CreatedAt: Request arrival time. Generated when absent.
type ProposalRequest struct {
	ID                       string            `json:"id" validate:"omitempty,uuid4"`
	Intent                   string            `json:"intent" validate:"required,min=3,max=4096"`
	Repository               string            `json:"repository" validate:"required,max=512"`
	Target                   TargetKind        `json:"target" validate:"required"`
	Environment              string            `json:"environment" validate:"required,max=64"`
	Collections              []string          `json:"collections,omitempty" validate:"max=8"`
	KPerCollection           int               `json:"k_per_collection,omitempty" validate:"gte=0,lte=50"`
	MinRelevance             *float64          `json:"min_relevance,omitempty"`
	Tools                    []Tool            `json:"tools,omitempty"`
	ToolTimeout              time.Duration     `json:"tool_timeout_ns,omitempty"`
	Requester                string            `json:"requester,omitempty" validate:"max=128"`
	StackTags                []string          `json:"stack_tags,omitempty"`
	Resources                ResourceRequest   `json:"resources,omitempty"`
	ResourceOverrideApproved bool              `json:"resource_override_approved,omitempty"`
	EmergencyJustification   string            `json:"emergency_justification,omitempty"`
	Approvals                []Approval        `json:"approvals,omitempty"`
	BaseFiles                map[string]string `json:"base_files,omitempty"`
	CreatedAt                time.Time         `json:"created_at,omitempty"`
}

// ResourceRequest is the capacity a change asks for, checked against
// per-environment ceilings by the resource-limit policy rule.
type ResourceRequest struct {
	CPUMillis int `json:"cpu_millis,omitempty" validate:"gte=0"`
	MemoryMB  int `json:"memory_mb,omitempty" validate:"gte=0"`
}

// EnsureDefaults populates identifiers, timestamps, and target-derived
// defaults for optional fields. Explicit caller values are preserved.
func (r *ProposalRequest) EnsureDefaults() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if len(r.Collections) == 0 {
		r.Collections = r.Target.DefaultCollections()
	}
	if r.KPerCollection == 0 {
		r.KPerCollection = 5
	}
	if len(r.Tools) == 0 {
		r.Tools = RequiredTools(r.Target)
	}
	if r.ToolTimeout == 0 {
		r.ToolTimeout = 120 * time.Second
	}
	if r.Requester == "" {
		r.Requester = "anonymous"
	}
}

// Validate checks field constraints and the closed enums. Call after
// EnsureDefaults.
func (r *ProposalRequest) Validate() error {
	if err := proposalValidate.Struct(r); err != nil {
		return err
	}
	if !r.Target.Valid() {
		return fmt.Errorf("unknown target kind %q", r.Target)
	}
	for _, tool := range r.Tools {
		if !tool.Valid() {
			return fmt.Errorf("unknown validation tool %q", tool)
		}
	}
	return nil
}

// =============================================================================
// Proposal
// =============================================================================

// Approval is one recorded sign-off on a proposal.
type Approval struct {
	Approver string    `json:"approver"`
	Role     string    `json:"role,omitempty"`
	At       time.Time `json:"at"`
}

// Proposal is the central long-lived entity: one requested change moving
// from draft to a terminal, review-ready or rejected state.
//
// Mutated only by the lifecycle machine through defined transitions; frozen
// once State is terminal. Callers receive copies, never live references.
type Proposal struct {
	ID                string                     `json:"id"`
	Request           ProposalRequest            `json:"request"`
	State             ProposalState              `json:"state"`
	StateReason       string                     `json:"state_reason,omitempty"`
	RetrievedContext  []ScoredResult             `json:"retrieved_context,omitempty"`
	DegradedSources   []string                   `json:"degraded_sources,omitempty"`
	GeneratedFiles    map[string]string          `json:"generated_files,omitempty"`
	ValidationResults map[Tool]ValidationOutcome `json:"validation_results,omitempty"`
	PolicyVerdict     *Verdict                   `json:"policy_verdict,omitempty"`
	Citations         []string                   `json:"citations,omitempty"`
	LowGrounding      bool                       `json:"low_grounding,omitempty"`
	Approvals         []Approval                 `json:"approvals,omitempty"`
	CreatedAt         time.Time                  `json:"created_at"`
	TerminalAt        *time.Time                 `json:"terminal_at,omitempty"`
}

// NewProposal creates a DRAFT proposal from a defaulted, validated request.
// Approvals gathered before submission are carried over.
func NewProposal(req ProposalRequest) *Proposal {
	return &Proposal{
		ID:        req.ID,
		Request:   req,
		State:     StateDraft,
		Approvals: append([]Approval(nil), req.Approvals...),
		CreatedAt: req.CreatedAt,
	}
}

// Clone returns a deep copy. The lifecycle machine hands copies to readers
// so no caller can mutate machine-owned state.
func (p *Proposal) Clone() *Proposal {
	cp := *p
	cp.RetrievedContext = append([]ScoredResult(nil), p.RetrievedContext...)
	cp.DegradedSources = append([]string(nil), p.DegradedSources...)
	cp.Citations = append([]string(nil), p.Citations...)
	cp.Approvals = append([]Approval(nil), p.Approvals...)
	if p.GeneratedFiles != nil {
		cp.GeneratedFiles = make(map[string]string, len(p.GeneratedFiles))
		for k, v := range p.GeneratedFiles {
			cp.GeneratedFiles[k] = v
		}
	}
	if p.ValidationResults != nil {
		cp.ValidationResults = make(map[Tool]ValidationOutcome, len(p.ValidationResults))
		for k, v := range p.ValidationResults {
			cp.ValidationResults[k] = v
		}
	}
	if p.PolicyVerdict != nil {
		v := p.PolicyVerdict.Clone()
		cp.PolicyVerdict = &v
	}
	if p.TerminalAt != nil {
		t := *p.TerminalAt
		cp.TerminalAt = &t
	}
	return &cp
}

// =============================================================================
// Terminal Snapshot
// =============================================================================

// SnapshotValidation is the reduced validation row in a terminal snapshot.
type SnapshotValidation struct {
	Tool    Tool             `json:"tool"`
	Status  ValidationStatus `json:"status"`
	Summary string           `json:"summary"`
}

// SnapshotPolicy is the policy section of a terminal snapshot.
type SnapshotPolicy struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations"`
}

// Snapshot is the persisted/interchange shape of a terminal proposal. Field
// names are stable; downstream publishers depend on them.
type Snapshot struct {
	ID         string               `json:"id"`
	State      ProposalState        `json:"state"`
	Files      map[string]string    `json:"files"`
	Validation []SnapshotValidation `json:"validation"`
	Citations  []string             `json:"citations"`
	Policy     SnapshotPolicy       `json:"policy"`
	CreatedAt  time.Time            `json:"created_at"`
	TerminalAt time.Time            `json:"terminal_at"`
}
