// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package publisher

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
)

func proposedSnapshot() datatypes.Snapshot {
	return datatypes.Snapshot{
		ID:    "c0ffee00-1111-4000-8000-000000000001",
		State: datatypes.StateProposed,
		Files: map[string]string{
			"infra/main.tf":                "resource {}\n",
			"infra/variables.tf":           "variable {}\n",
			"deploy/chart/values.yaml":     "replicas: 2\n",
			".github/workflows/deploy.yml": "name: deploy\n",
			"scripts/rollout.sh":           "#!/bin/bash\n",
		},
		Validation: []datatypes.SnapshotValidation{
			{
				Tool:    datatypes.ToolTerraformPlan,
				Status:  datatypes.ValidationOK,
				Summary: "plan: 3 to add, 1 to change, 0 to destroy",
			},
			{
				Tool:    datatypes.ToolHelmDryRun,
				Status:  datatypes.ValidationFailed,
				Summary: "lint failed | missing Chart.yaml",
			},
		},
		Citations: []string{"[terraform/modules/gke:abc123]", "[runbooks/rollback.md:def456]"},
		Policy:    datatypes.SnapshotPolicy{Allowed: true},
		CreatedAt: time.Date(2026, 3, 1, 11, 58, 0, 0, time.UTC),
		TerminalAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// Render Tests
// =============================================================================

func TestRender_OnlyProposedSnapshots(t *testing.T) {
	p := New(Config{})
	snap := proposedSnapshot()

	for _, state := range []datatypes.ProposalState{
		datatypes.StateDraft,
		datatypes.StateRejected,
		datatypes.StateInvalid,
	} {
		snap.State = state
		if _, err := p.Render(snap, "add pipeline"); err == nil {
			t.Errorf("expected error for state %s", state)
		}
	}
}

func TestRender_RequiresFiles(t *testing.T) {
	p := New(Config{})
	snap := proposedSnapshot()
	snap.Files = nil

	if _, err := p.Render(snap, "add pipeline"); err == nil {
		t.Fatal("expected error for a snapshot without files")
	}
}

func TestRender_ChangeShape(t *testing.T) {
	p := New(Config{BaseBranch: "develop"})
	change, err := p.Render(proposedSnapshot(), "Add GKE deploy pipeline for the payments service")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	if change.Branch != "aleutian/proposal-20260301-120000-c0ffee00" {
		t.Errorf("branch = %q", change.Branch)
	}
	if change.Title != "[AleutianOps] Add GKE deploy pipeline for the payments service" {
		t.Errorf("title = %q", change.Title)
	}
	if change.BaseBranch != "develop" {
		t.Errorf("base branch = %q", change.BaseBranch)
	}
	if len(change.Files) != 5 {
		t.Errorf("files = %d, want 5", len(change.Files))
	}
}

func TestRender_FilesAreCopied(t *testing.T) {
	p := New(Config{})
	snap := proposedSnapshot()

	change, err := p.Render(snap, "intent")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	change.Files["infra/main.tf"] = "tampered"
	if snap.Files["infra/main.tf"] == "tampered" {
		t.Error("mutating the change must not reach the snapshot")
	}
}

func TestRender_BodySections(t *testing.T) {
	p := New(Config{})
	change, err := p.Render(proposedSnapshot(), "Add GKE deploy pipeline")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	body := change.Body

	for _, want := range []string{
		"# AleutianOps Generated Change",
		"Add GKE deploy pipeline",
		"### Terraform Infrastructure",
		"- `infra/main.tf`",
		"### Helm Chart",
		"- `deploy/chart/values.yaml`",
		"### CI/CD Workflows",
		"- `.github/workflows/deploy.yml`",
		"### Other",
		"- `scripts/rollout.sh`",
		"## Terraform Plan",
		"`+3 ~1 -0`",
		"| terraform-plan | ok |",
		"| helm-dry-run | failed | lint failed \\| missing Chart.yaml |",
		"## Knowledge Base Citations",
		"1. `[terraform/modules/gke:abc123]`",
		"2. `[runbooks/rollback.md:def456]`",
		"## Policy Verdict",
		"Allowed.",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q\n\nbody:\n%s", want, body)
		}
	}
}

func TestRender_DeniedPolicyListsViolations(t *testing.T) {
	// A hand-built snapshot with a denying verdict still renders the
	// violations verbatim; reaching here with one is the caller's bug,
	// but the body must never hide the denial.
	p := New(Config{})
	snap := proposedSnapshot()
	snap.Policy = datatypes.SnapshotPolicy{
		Allowed:    false,
		Violations: []string{"production requires 2 approvals, got 0"},
	}

	change, err := p.Render(snap, "intent")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(change.Body, "**Denied**:") {
		t.Error("body missing denial marker")
	}
	if !strings.Contains(change.Body, "- production requires 2 approvals, got 0") {
		t.Error("body missing violation")
	}
}

func TestRender_NoCitations(t *testing.T) {
	p := New(Config{})
	snap := proposedSnapshot()
	snap.Citations = nil

	change, err := p.Render(snap, "intent")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(change.Body, "No knowledge base sources referenced.") {
		t.Error("body missing empty-citations line")
	}
}

// =============================================================================
// Title and BranchName Tests
// =============================================================================

func TestTitle_TruncatesAt72Runes(t *testing.T) {
	long := strings.Repeat("migrate the fleet ", 10)
	title := Title(long)

	if n := utf8.RuneCountInString(title); n > 72 {
		t.Errorf("title is %d runes, want <= 72", n)
	}
	if !strings.HasSuffix(title, "…") {
		t.Errorf("truncated title should end with ellipsis: %q", title)
	}
	if !strings.HasPrefix(title, "[AleutianOps] ") {
		t.Errorf("title = %q", title)
	}
}

func TestTitle_ShortIntentUntouched(t *testing.T) {
	if got := Title("add pipeline"); got != "[AleutianOps] add pipeline" {
		t.Errorf("title = %q", got)
	}
}

func TestBranchName_ShortIDKept(t *testing.T) {
	snap := datatypes.Snapshot{
		ID:         "ab12",
		TerminalAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if got := BranchName(snap); got != "aleutian/proposal-20260102-030405-ab12" {
		t.Errorf("branch = %q", got)
	}
}

func TestBranchName_Deterministic(t *testing.T) {
	snap := proposedSnapshot()
	if BranchName(snap) != BranchName(snap) {
		t.Error("branch name must be stable for the same snapshot")
	}
}
