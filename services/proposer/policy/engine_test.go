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
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/policy/defaults"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// insideWindow is a Tuesday 10:00 UTC, inside the default business-hours
// window.
var insideWindow = time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)

// outsideWindow is a Saturday 22:30 UTC.
var outsideWindow = time.Date(2025, 6, 7, 22, 30, 0, 0, time.UTC)

func defaultRules(t *testing.T) []Rule {
	t.Helper()
	rules, err := Parse(defaults.Rules)
	if err != nil {
		t.Fatalf("failed to parse embedded default rules: %v", err)
	}
	return rules
}

func compileRule(t *testing.T, spec RuleSpec) Rule {
	t.Helper()
	rule, err := spec.Compile()
	if err != nil {
		t.Fatalf("failed to compile rule %s: %v", spec.Name, err)
	}
	return rule
}

// compliantProduction is an operation context that passes the full default
// rule set.
func compliantProduction() datatypes.OperationContext {
	return datatypes.OperationContext{
		Repository:  "github.com/AleutianAI/deploy-configs",
		Environment: "production",
		Operation:   datatypes.TargetIaC,
		RequestedAt: insideWindow,
		Resources:   datatypes.ResourceRequest{CPUMillis: 500, MemoryMB: 1024},
		Approvals: []datatypes.Approval{
			{Approver: "casey", Role: "sre", At: insideWindow},
			{Approver: "jordan", Role: "developer", At: insideWindow},
		},
		Validations: map[datatypes.Tool]datatypes.ValidationStatus{
			datatypes.ToolTerraformPlan: datatypes.ValidationOK,
		},
	}
}

// =============================================================================
// Parsing and Compilation
// =============================================================================

func TestParse_CompilesDefaultRules(t *testing.T) {
	rules := defaultRules(t)
	if len(rules) != 6 {
		t.Fatalf("expected 6 default rules, got %d", len(rules))
	}

	// Order in the file is the violation order.
	wantNames := []string{
		"target-repositories",
		"production-change-window",
		"production-resource-ceilings",
		"required-scans",
		"production-approvals",
		"staging-approvals",
	}
	for i, want := range wantNames {
		if rules[i].Name != want {
			t.Errorf("rule %d: got %s, want %s", i, rules[i].Name, want)
		}
	}
}

func TestParse_RejectsUnknownKind(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - name: bad
    kind: allow_everything
`))
	if err == nil || !strings.Contains(err.Error(), "unknown rule kind") {
		t.Errorf("expected unknown kind error, got %v", err)
	}
}

func TestParse_RejectsKindPayloadMismatch(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - name: window-without-payload
    kind: time_window
`))
	if err == nil || !strings.Contains(err.Error(), "requires a time_window block") {
		t.Errorf("expected payload mismatch error, got %v", err)
	}
}

func TestParse_RejectsMalformedGlobPattern(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - name: repos
    kind: repo_allow_list
    repo_allow_list:
      allowed: ["github.com/[broken"]
`))
	if err == nil || !strings.Contains(err.Error(), "invalid pattern") {
		t.Errorf("expected pattern error, got %v", err)
	}
}

func TestParse_RejectsInvertedWindow(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - name: window
    kind: time_window
    time_window:
      days: [Mon]
      start: "17:00"
      end: "09:00"
`))
	if err == nil || !strings.Contains(err.Error(), "must be after start") {
		t.Errorf("expected inverted window error, got %v", err)
	}
}

func TestParse_RejectsUnknownDay(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - name: window
    kind: time_window
    time_window:
      days: [Funday]
      start: "09:00"
      end: "17:00"
`))
	if err == nil || !strings.Contains(err.Error(), "unknown day") {
		t.Errorf("expected unknown day error, got %v", err)
	}
}

func TestParse_RejectsEmptyDocument(t *testing.T) {
	_, err := Parse([]byte("rules: []\n"))
	if err == nil || !strings.Contains(err.Error(), "no rules") {
		t.Errorf("expected empty document error, got %v", err)
	}
}

// =============================================================================
// Engine Evaluation
// =============================================================================

func TestEngine_Evaluate_AllowsCompliantOperation(t *testing.T) {
	engine := NewEngine(defaultRules(t))

	verdict := engine.Evaluate(context.Background(), compliantProduction())
	if !verdict.Allowed {
		t.Fatalf("expected allowed, got violations %v", verdict.Violations)
	}
	if len(verdict.Violations) != 0 {
		t.Errorf("expected no violations, got %v", verdict.Violations)
	}
}

// TestEngine_Evaluate_RequiresProductionApprovals checks the exact denial
// for an unapproved production change.
func TestEngine_Evaluate_RequiresProductionApprovals(t *testing.T) {
	engine := NewEngine(defaultRules(t))

	octx := datatypes.OperationContext{
		Repository:  "github.com/AleutianAI/deploy-configs",
		Environment: "production",
		Operation:   datatypes.TargetPipeline,
		RequestedAt: insideWindow,
	}

	verdict := engine.Evaluate(context.Background(), octx)
	if verdict.Allowed {
		t.Fatal("expected denial for unapproved production change")
	}
	want := []string{"production requires 2 approvals, got 0"}
	if !reflect.DeepEqual(verdict.Violations, want) {
		t.Errorf("violations: got %v, want %v", verdict.Violations, want)
	}
}

// TestEngine_Evaluate_NoShortCircuit verifies a context violating several
// rules reports every violation, ordered by rule position.
func TestEngine_Evaluate_NoShortCircuit(t *testing.T) {
	engine := NewEngine(defaultRules(t))

	octx := datatypes.OperationContext{
		Repository:  "github.com/outsider/repo",
		Environment: "production",
		Operation:   datatypes.TargetPipeline,
		RequestedAt: insideWindow,
	}

	verdict := engine.Evaluate(context.Background(), octx)
	want := []string{
		"repository github.com/outsider/repo is not on the allow list",
		"production requires 2 approvals, got 0",
	}
	if !reflect.DeepEqual(verdict.Violations, want) {
		t.Errorf("violations: got %v, want %v", verdict.Violations, want)
	}
}

// TestEngine_Evaluate_ReportsScanStatusVerbatim verifies a timed-out
// dry-run surfaces as "<tool>: timeout" in the denial.
func TestEngine_Evaluate_ReportsScanStatusVerbatim(t *testing.T) {
	engine := NewEngine(defaultRules(t))

	octx := compliantProduction()
	octx.Validations[datatypes.ToolTerraformPlan] = datatypes.ValidationTimeout

	verdict := engine.Evaluate(context.Background(), octx)
	if verdict.Allowed {
		t.Fatal("expected denial for timed-out scan")
	}
	want := []string{"terraform-plan: timeout"}
	if !reflect.DeepEqual(verdict.Violations, want) {
		t.Errorf("violations: got %v, want %v", verdict.Violations, want)
	}
}

func TestEngine_Evaluate_ReportsMissingScan(t *testing.T) {
	engine := NewEngine(defaultRules(t))

	octx := compliantProduction()
	octx.Validations = nil

	verdict := engine.Evaluate(context.Background(), octx)
	want := []string{"terraform-plan: missing"}
	if !reflect.DeepEqual(verdict.Violations, want) {
		t.Errorf("violations: got %v, want %v", verdict.Violations, want)
	}
}

func TestEngine_Evaluate_SkipsOutOfScopeEnvironments(t *testing.T) {
	rule := compileRule(t, RuleSpec{
		Name:          "production-only",
		Kind:          KindApprovalCount,
		Environments:  []string{"production"},
		ApprovalCount: &ApprovalCountSpec{Required: 2},
	})
	engine := NewEngine([]Rule{rule})

	verdict := engine.Evaluate(context.Background(), datatypes.OperationContext{
		Environment: "staging",
		Operation:   datatypes.TargetPipeline,
	})
	if !verdict.Allowed {
		t.Errorf("expected staging to pass a production-only rule, got %v", verdict.Violations)
	}
}

// TestEngine_Evaluate_Monotonic verifies adding approvals and validations
// can only move a verdict toward allowed, never away from it.
func TestEngine_Evaluate_Monotonic(t *testing.T) {
	engine := NewEngine(defaultRules(t))

	octx := compliantProduction()
	before := engine.Evaluate(context.Background(), octx)
	if !before.Allowed {
		t.Fatalf("baseline should be allowed, got %v", before.Violations)
	}

	octx.Approvals = append(octx.Approvals,
		datatypes.Approval{Approver: "riley", Role: "sre", At: insideWindow},
		datatypes.Approval{Approver: "alex", Role: "security", At: insideWindow},
	)
	octx.Validations[datatypes.ToolHelmDryRun] = datatypes.ValidationOK

	after := engine.Evaluate(context.Background(), octx)
	if !after.Allowed {
		t.Errorf("adding approvals flipped verdict to denied: %v", after.Violations)
	}
}

func TestEngine_Replace_SwapsRuleSet(t *testing.T) {
	engine := NewEngine(defaultRules(t))
	octx := datatypes.OperationContext{
		Repository:  "github.com/outsider/repo",
		Environment: "production",
		Operation:   datatypes.TargetPipeline,
		RequestedAt: insideWindow,
	}

	if v := engine.Evaluate(context.Background(), octx); v.Allowed {
		t.Fatal("expected denial under default rules")
	}

	permissive := compileRule(t, RuleSpec{
		Name:          "any-repo",
		Kind:          KindRepoAllowList,
		RepoAllowList: &RepoAllowListSpec{Allowed: []string{"github.com/*/*"}},
	})
	engine.Replace([]Rule{permissive})

	if v := engine.Evaluate(context.Background(), octx); !v.Allowed {
		t.Errorf("expected allowed under permissive rules, got %v", v.Violations)
	}
}

// =============================================================================
// Rule Families
// =============================================================================

func TestRule_RepoAllowList_ExactAndGlob(t *testing.T) {
	rule := compileRule(t, RuleSpec{
		Name: "repos",
		Kind: KindRepoAllowList,
		RepoAllowList: &RepoAllowListSpec{Allowed: []string{
			"github.com/AleutianAI/exact-repo",
			"github.com/platform/*",
		}},
	})

	if v := rule.Evaluate(datatypes.OperationContext{Repository: "github.com/AleutianAI/exact-repo"}); !v.Allowed {
		t.Errorf("exact match denied: %v", v.Violations)
	}
	if v := rule.Evaluate(datatypes.OperationContext{Repository: "github.com/platform/api"}); !v.Allowed {
		t.Errorf("glob match denied: %v", v.Violations)
	}
	if v := rule.Evaluate(datatypes.OperationContext{Repository: "github.com/other/repo"}); v.Allowed {
		t.Error("expected denial for repository off the list")
	}
}

func TestRule_TimeWindow_AllowsInsideWindow(t *testing.T) {
	rule := compileRule(t, RuleSpec{
		Name: "window",
		Kind: KindTimeWindow,
		TimeWindow: &TimeWindowSpec{
			Days:  []string{"Mon", "Tue", "Wed", "Thu", "Fri"},
			Start: "09:00",
			End:   "17:00",
		},
	})

	v := rule.Evaluate(datatypes.OperationContext{RequestedAt: insideWindow})
	if !v.Allowed {
		t.Errorf("expected allowed inside window, got %v", v.Violations)
	}
}

func TestRule_TimeWindow_DeniesOutsideWindow(t *testing.T) {
	rule := compileRule(t, RuleSpec{
		Name: "window",
		Kind: KindTimeWindow,
		TimeWindow: &TimeWindowSpec{
			Days:  []string{"Mon", "Tue", "Wed", "Thu", "Fri"},
			Start: "09:00",
			End:   "17:00",
		},
	})

	v := rule.Evaluate(datatypes.OperationContext{RequestedAt: outsideWindow})
	if v.Allowed {
		t.Fatal("expected denial outside window")
	}
	if len(v.Violations) != 1 || !strings.Contains(v.Violations[0], "outside permitted window") {
		t.Errorf("violations: got %v", v.Violations)
	}
}

func TestRule_TimeWindow_EmergencyJustificationOverrides(t *testing.T) {
	rule := compileRule(t, RuleSpec{
		Name: "window",
		Kind: KindTimeWindow,
		TimeWindow: &TimeWindowSpec{
			Days:                   []string{"Mon"},
			Start:                  "09:00",
			End:                    "17:00",
			MinJustificationLength: 20,
		},
	})

	v := rule.Evaluate(datatypes.OperationContext{
		RequestedAt:            outsideWindow,
		EmergencyJustification: "SEV-1: payment API returning 500s, rolling back ingress",
	})
	if !v.Allowed {
		t.Errorf("expected emergency override, got %v", v.Violations)
	}
}

func TestRule_TimeWindow_ShortJustificationStillDenied(t *testing.T) {
	rule := compileRule(t, RuleSpec{
		Name: "window",
		Kind: KindTimeWindow,
		TimeWindow: &TimeWindowSpec{
			Days:                   []string{"Mon"},
			Start:                  "09:00",
			End:                    "17:00",
			MinJustificationLength: 20,
		},
	})

	v := rule.Evaluate(datatypes.OperationContext{
		RequestedAt:            outsideWindow,
		EmergencyJustification: "urgent",
	})
	if v.Allowed {
		t.Fatal("expected denial for short justification")
	}
	if len(v.Violations) != 2 {
		t.Fatalf("expected window and justification violations, got %v", v.Violations)
	}
	if want := "emergency justification must be at least 20 characters, got 6"; v.Violations[1] != want {
		t.Errorf("justification violation: got %q, want %q", v.Violations[1], want)
	}
}

func TestRule_ResourceLimit_DeniesOverCeiling(t *testing.T) {
	rule := compileRule(t, RuleSpec{
		Name:          "ceilings",
		Kind:          KindResourceLimit,
		ResourceLimit: &ResourceLimitSpec{MaxCPUMillis: 2000, MaxMemoryMB: 4096},
	})

	v := rule.Evaluate(datatypes.OperationContext{
		Environment: "production",
		Resources:   datatypes.ResourceRequest{CPUMillis: 4000, MemoryMB: 8192},
	})
	if v.Allowed {
		t.Fatal("expected denial over ceilings")
	}
	want := []string{
		"cpu request 4000m exceeds production limit 2000m",
		"memory request 8192Mi exceeds production limit 4096Mi",
	}
	if !reflect.DeepEqual(v.Violations, want) {
		t.Errorf("violations: got %v, want %v", v.Violations, want)
	}
}

func TestRule_ResourceLimit_ApprovedOverrideEscapes(t *testing.T) {
	rule := compileRule(t, RuleSpec{
		Name:          "ceilings",
		Kind:          KindResourceLimit,
		ResourceLimit: &ResourceLimitSpec{MaxCPUMillis: 2000, MaxMemoryMB: 4096},
	})

	v := rule.Evaluate(datatypes.OperationContext{
		Environment:              "production",
		Resources:                datatypes.ResourceRequest{CPUMillis: 4000},
		ResourceOverrideApproved: true,
	})
	if !v.Allowed {
		t.Errorf("expected approved override to pass, got %v", v.Violations)
	}
}

func TestRule_ApprovalCount_HighRiskRoleMinimums(t *testing.T) {
	rule := compileRule(t, RuleSpec{
		Name: "approvals",
		Kind: KindApprovalCount,
		ApprovalCount: &ApprovalCountSpec{
			Required:      2,
			HighRiskRoles: map[string]int{"sre": 1},
		},
	})

	octx := datatypes.OperationContext{
		Environment: "production",
		Operation:   datatypes.TargetIaC,
		Approvals: []datatypes.Approval{
			{Approver: "casey", Role: "developer"},
			{Approver: "jordan", Role: "developer"},
		},
	}

	v := rule.Evaluate(octx)
	if v.Allowed {
		t.Fatal("expected denial without an sre approval")
	}
	want := []string{"high-risk iac change requires 1 approvals from role sre, got 0"}
	if !reflect.DeepEqual(v.Violations, want) {
		t.Errorf("violations: got %v, want %v", v.Violations, want)
	}

	// The same approvals on a low-risk kind pass.
	octx.Operation = datatypes.TargetPipeline
	if v := rule.Evaluate(octx); !v.Allowed {
		t.Errorf("expected low-risk kind to skip role minimums, got %v", v.Violations)
	}
}

func TestRule_ApprovalCount_LowGroundingRaisesRequirement(t *testing.T) {
	rule := compileRule(t, RuleSpec{
		Name: "approvals",
		Kind: KindApprovalCount,
		ApprovalCount: &ApprovalCountSpec{
			Required:          2,
			LowGroundingExtra: 1,
		},
	})

	octx := datatypes.OperationContext{
		Environment:  "production",
		Operation:    datatypes.TargetPipeline,
		LowGrounding: true,
		Approvals: []datatypes.Approval{
			{Approver: "casey"},
			{Approver: "jordan"},
		},
	}

	v := rule.Evaluate(octx)
	want := []string{"production requires 3 approvals, got 2"}
	if !reflect.DeepEqual(v.Violations, want) {
		t.Errorf("violations: got %v, want %v", v.Violations, want)
	}
}
