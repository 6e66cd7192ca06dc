// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"fmt"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
)

// Rule is one compiled policy rule. Compilation validates the YAML spec and
// resolves its predicates; evaluation is then allocation-light and cannot
// fail.
type Rule struct {
	Name string
	Kind RuleKind

	// environments limits applicability; empty applies everywhere.
	environments map[string]struct{}

	repoAllow         patternPredicate
	window            windowPredicate
	minJustification  int
	cpuLimit          limitPredicate
	memoryLimit       limitPredicate
	scanTools         []datatypes.Tool
	approvals         countPredicate
	highRiskRoles     []roleMinimum
	lowGroundingExtra int
}

// Compile validates the spec and resolves it into an evaluable Rule.
//
// Description:
//
//	Checks that the payload block matches the declared kind, compiles glob
//	patterns and the time window, and resolves scan tool names against the
//	closed tool enum. Any problem is a load-time error; a rule that
//	compiles never fails at evaluation time.
func (s RuleSpec) Compile() (Rule, error) {
	if s.Name == "" {
		return Rule{}, fmt.Errorf("rule without a name")
	}

	rule := Rule{Name: s.Name, Kind: s.Kind}
	if len(s.Environments) > 0 {
		rule.environments = make(map[string]struct{}, len(s.Environments))
		for _, env := range s.Environments {
			rule.environments[env] = struct{}{}
		}
	}

	switch s.Kind {
	case KindRepoAllowList:
		if s.RepoAllowList == nil {
			return Rule{}, fmt.Errorf("rule %s: kind %s requires a repo_allow_list block", s.Name, s.Kind)
		}
		if len(s.RepoAllowList.Allowed) == 0 {
			return Rule{}, fmt.Errorf("rule %s: empty allow list would deny every repository", s.Name)
		}
		pred, err := compilePatternPredicate(s.RepoAllowList.Allowed)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s: %w", s.Name, err)
		}
		rule.repoAllow = pred

	case KindTimeWindow:
		if s.TimeWindow == nil {
			return Rule{}, fmt.Errorf("rule %s: kind %s requires a time_window block", s.Name, s.Kind)
		}
		window, err := compileWindowPredicate(*s.TimeWindow)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s: %w", s.Name, err)
		}
		rule.window = window
		rule.minJustification = s.TimeWindow.MinJustificationLength
		if rule.minJustification <= 0 {
			rule.minJustification = DefaultMinJustificationLength
		}

	case KindResourceLimit:
		if s.ResourceLimit == nil {
			return Rule{}, fmt.Errorf("rule %s: kind %s requires a resource_limit block", s.Name, s.Kind)
		}
		rule.cpuLimit = limitPredicate{limit: s.ResourceLimit.MaxCPUMillis}
		rule.memoryLimit = limitPredicate{limit: s.ResourceLimit.MaxMemoryMB}

	case KindRequiredScans:
		if s.RequiredScans == nil {
			return Rule{}, fmt.Errorf("rule %s: kind %s requires a required_scans block", s.Name, s.Kind)
		}
		for _, name := range s.RequiredScans.Tools {
			tool, err := datatypes.ParseTool(name)
			if err != nil {
				return Rule{}, fmt.Errorf("rule %s: %w", s.Name, err)
			}
			rule.scanTools = append(rule.scanTools, tool)
		}

	case KindApprovalCount:
		if s.ApprovalCount == nil {
			return Rule{}, fmt.Errorf("rule %s: kind %s requires an approval_count block", s.Name, s.Kind)
		}
		if s.ApprovalCount.Required < 0 || s.ApprovalCount.LowGroundingExtra < 0 {
			return Rule{}, fmt.Errorf("rule %s: approval counts must not be negative", s.Name)
		}
		rule.approvals = countPredicate{required: s.ApprovalCount.Required}
		rule.highRiskRoles = sortedRoleMinimums(s.ApprovalCount.HighRiskRoles)
		rule.lowGroundingExtra = s.ApprovalCount.LowGroundingExtra

	default:
		return Rule{}, fmt.Errorf("rule %s: unknown kind %q", s.Name, s.Kind)
	}

	return rule, nil
}

// DefaultMinJustificationLength is the emergency-justification floor when a
// time-window rule does not set its own.
const DefaultMinJustificationLength = 20

// AppliesTo reports whether the rule is in scope for the environment.
func (r Rule) AppliesTo(environment string) bool {
	if len(r.environments) == 0 {
		return true
	}
	_, ok := r.environments[environment]
	return ok
}

// Evaluate runs the rule against one operation context.
//
// Dispatch is a switch over the closed kind enum. Rules out of scope for
// the context's environment pass vacuously; Engine.Evaluate filters them
// before calling here, but the check is repeated so a Rule evaluated
// directly behaves the same way.
func (r Rule) Evaluate(octx datatypes.OperationContext) datatypes.Verdict {
	if !r.AppliesTo(octx.Environment) {
		return datatypes.Allow()
	}

	switch r.Kind {
	case KindRepoAllowList:
		return r.evaluateRepoAllowList(octx)
	case KindTimeWindow:
		return r.evaluateTimeWindow(octx)
	case KindResourceLimit:
		return r.evaluateResourceLimit(octx)
	case KindRequiredScans:
		return r.evaluateRequiredScans(octx)
	case KindApprovalCount:
		return r.evaluateApprovalCount(octx)
	default:
		// Unreachable for compiled rules; Compile rejects unknown kinds.
		return datatypes.Deny(fmt.Sprintf("rule %s has unknown kind %q", r.Name, r.Kind))
	}
}

func (r Rule) evaluateRepoAllowList(octx datatypes.OperationContext) datatypes.Verdict {
	if r.repoAllow.matches(octx.Repository) {
		return datatypes.Allow()
	}
	return datatypes.Deny(fmt.Sprintf("repository %s is not on the allow list", octx.Repository))
}

// evaluateTimeWindow checks the operation's requested time, not the wall
// clock: re-evaluating the same context later must yield the same verdict.
func (r Rule) evaluateTimeWindow(octx datatypes.OperationContext) datatypes.Verdict {
	if r.window.contains(octx.RequestedAt) {
		return datatypes.Allow()
	}

	justification := octx.EmergencyJustification
	if justification == "" {
		return datatypes.Deny(fmt.Sprintf("change outside permitted window %s", r.window.description))
	}
	if got := utf8.RuneCountInString(justification); got < r.minJustification {
		return datatypes.Deny(
			fmt.Sprintf("change outside permitted window %s", r.window.description),
			fmt.Sprintf("emergency justification must be at least %d characters, got %d", r.minJustification, got),
		)
	}
	return datatypes.Allow()
}

func (r Rule) evaluateResourceLimit(octx datatypes.OperationContext) datatypes.Verdict {
	if octx.ResourceOverrideApproved {
		return datatypes.Allow()
	}

	verdict := datatypes.Allow()
	if !r.cpuLimit.within(octx.Resources.CPUMillis) {
		verdict = verdict.Merge(datatypes.Deny(fmt.Sprintf(
			"cpu request %dm exceeds %s limit %dm",
			octx.Resources.CPUMillis, octx.Environment, r.cpuLimit.limit)))
	}
	if !r.memoryLimit.within(octx.Resources.MemoryMB) {
		verdict = verdict.Merge(datatypes.Deny(fmt.Sprintf(
			"memory request %dMi exceeds %s limit %dMi",
			octx.Resources.MemoryMB, octx.Environment, r.memoryLimit.limit)))
	}
	return verdict
}

// evaluateRequiredScans requires every named tool to be present with
// status ok. A missing tool reports as "<tool>: missing", any other
// recorded status verbatim as "<tool>: <status>".
func (r Rule) evaluateRequiredScans(octx datatypes.OperationContext) datatypes.Verdict {
	tools := r.scanTools
	if len(tools) == 0 {
		tools = datatypes.RequiredTools(octx.Operation)
	}

	verdict := datatypes.Allow()
	for _, tool := range tools {
		status, recorded := octx.Validations[tool]
		switch {
		case !recorded:
			verdict = verdict.Merge(datatypes.Deny(fmt.Sprintf("%s: missing", tool)))
		case status != datatypes.ValidationOK:
			verdict = verdict.Merge(datatypes.Deny(fmt.Sprintf("%s: %s", tool, status)))
		}
	}
	return verdict
}

func (r Rule) evaluateApprovalCount(octx datatypes.OperationContext) datatypes.Verdict {
	required := r.approvals.required
	if octx.LowGrounding {
		required += r.lowGroundingExtra
	}

	verdict := datatypes.Allow()
	if got := len(octx.Approvals); got < required {
		verdict = verdict.Merge(datatypes.Deny(fmt.Sprintf(
			"%s requires %d approvals, got %d", octx.Environment, required, got)))
	}

	if octx.Operation.HighRisk() {
		for _, minimum := range r.highRiskRoles {
			if got := octx.ApprovalsWithRole(minimum.Role); got < minimum.Count {
				verdict = verdict.Merge(datatypes.Deny(fmt.Sprintf(
					"high-risk %s change requires %d approvals from role %s, got %d",
					octx.Operation, minimum.Count, minimum.Role, got)))
			}
		}
	}
	return verdict
}
