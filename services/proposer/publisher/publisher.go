// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package publisher renders a terminal proposal snapshot into a
// reviewable change: branch name, PR title, and a Markdown body
// carrying everything a reviewer needs to judge the change without
// opening the service. The SCM API call itself belongs to whoever
// consumes the rendered change; this package only prepares it and
// guards the SCM token.
package publisher

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/observability"
)

// maxTitleRunes is the conventional SCM title limit.
const maxTitleRunes = 72

// titlePrefix marks generated changes in review queues.
const titlePrefix = "[AleutianOps] "

// fileGroups are the path prefixes the body groups generated files
// under, in render order.
var fileGroups = []struct {
	Prefix  string
	Heading string
}{
	{"infra/", "Terraform Infrastructure"},
	{"deploy/chart/", "Helm Chart"},
	{".github/workflows/", "CI/CD Workflows"},
}

// planSummaryRe extracts the add/change/destroy counts the validation
// gateway folds into terraform plan summaries.
var planSummaryRe = regexp.MustCompile(`plan: (\d+) to add, (\d+) to change, (\d+) to destroy`)

// Change is a rendered, ready-to-submit review request.
//
// # Fields
//
//   - Branch: Head branch name, unique per proposal.
//   - Title: One-line title, capped at 72 runes.
//   - Body: Markdown body with validation, citation, and policy detail.
//   - Files: Generated files keyed by repository path.
//   - BaseBranch: Branch the change targets.
type Change struct {
	Branch     string
	Title      string
	Body       string
	Files      map[string]string
	BaseBranch string
}

// Config tunes rendering.
type Config struct {
	// BaseBranch is the branch changes target. Default "main".
	BaseBranch string
}

// Publisher renders terminal snapshots into changes.
//
// # Thread Safety
//
// Safe for concurrent use; rendering is pure.
type Publisher struct {
	baseBranch string
}

// New creates a publisher.
func New(cfg Config) *Publisher {
	base := cfg.BaseBranch
	if base == "" {
		base = "main"
	}
	return &Publisher{baseBranch: base}
}

// Render builds the reviewable change for a PROPOSED snapshot.
//
// # Description
//
//	Only PROPOSED snapshots become changes; rendering anything else is
//	a programmer error, because rejected and invalid proposals must
//	never leave the service as submittable changes. The branch name is
//	derived from the terminal timestamp and the proposal id, so
//	re-rendering the same snapshot gives the same branch.
//
// # Inputs
//
//	snap - Terminal snapshot in state PROPOSED.
//	intent - The original change request text, used for title and summary.
//
// # Outputs
//
//	Change - The rendered change.
//	error - Non-nil when the snapshot is not PROPOSED or carries no files.
func (p *Publisher) Render(snap datatypes.Snapshot, intent string) (Change, error) {
	if snap.State != datatypes.StateProposed {
		observability.RecordPublish(false)
		return Change{}, fmt.Errorf("cannot render snapshot in state %s, need %s", snap.State, datatypes.StateProposed)
	}
	if len(snap.Files) == 0 {
		observability.RecordPublish(false)
		return Change{}, fmt.Errorf("proposal %s has no generated files to publish", snap.ID)
	}

	files := make(map[string]string, len(snap.Files))
	for path, content := range snap.Files {
		files[path] = content
	}

	change := Change{
		Branch:     BranchName(snap),
		Title:      Title(intent),
		Body:       p.body(snap, intent),
		Files:      files,
		BaseBranch: p.baseBranch,
	}
	observability.RecordPublish(true)
	return change, nil
}

// BranchName derives the head branch for a snapshot:
// aleutian/proposal-{timestamp}-{id8}.
func BranchName(snap datatypes.Snapshot) string {
	id := snap.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("aleutian/proposal-%s-%s", snap.TerminalAt.UTC().Format("20060102-150405"), id)
}

// Title renders the one-line title, truncated at 72 runes so review
// queues never wrap it.
func Title(intent string) string {
	title := titlePrefix + strings.TrimSpace(intent)
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes-1]) + "…"
	}
	return title
}

// body renders the Markdown body.
func (p *Publisher) body(snap datatypes.Snapshot, intent string) string {
	var b strings.Builder

	b.WriteString("# AleutianOps Generated Change\n\n")
	fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(intent))
	fmt.Fprintf(&b, "- **Proposal**: `%s`\n", snap.ID)
	fmt.Fprintf(&b, "- **Created**: %s\n", snap.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "- **Finalized**: %s\n", snap.TerminalAt.UTC().Format("2006-01-02 15:04:05 UTC"))

	writeFilesSection(&b, snap.Files)
	writePlanSection(&b, snap.Validation)
	writeValidationSection(&b, snap.Validation)
	writeCitationsSection(&b, snap.Citations)
	writePolicySection(&b, snap.Policy)

	b.WriteString("\n---\n*Generated by AleutianOps. Review all changes and plan output before merging.*\n")
	return b.String()
}

// writeFilesSection lists generated files grouped by path prefix.
func writeFilesSection(b *strings.Builder, files map[string]string) {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	b.WriteString("\n## Generated Files\n")

	grouped := make(map[string]bool, len(paths))
	for _, group := range fileGroups {
		var section []string
		for _, path := range paths {
			if strings.HasPrefix(path, group.Prefix) {
				section = append(section, path)
				grouped[path] = true
			}
		}
		if len(section) == 0 {
			continue
		}
		fmt.Fprintf(b, "\n### %s\n", group.Heading)
		for _, path := range section {
			fmt.Fprintf(b, "- `%s`\n", path)
		}
	}

	var rest []string
	for _, path := range paths {
		if !grouped[path] {
			rest = append(rest, path)
		}
	}
	if len(rest) > 0 {
		b.WriteString("\n### Other\n")
		for _, path := range rest {
			fmt.Fprintf(b, "- `%s`\n", path)
		}
	}
}

// writePlanSection renders the terraform plan counts compactly when a
// terraform-plan row is present.
func writePlanSection(b *strings.Builder, validation []datatypes.SnapshotValidation) {
	for _, row := range validation {
		if row.Tool != datatypes.ToolTerraformPlan {
			continue
		}
		b.WriteString("\n## Terraform Plan\n")
		if m := planSummaryRe.FindStringSubmatch(row.Summary); m != nil {
			fmt.Fprintf(b, "`+%s ~%s -%s`\n", m[1], m[2], m[3])
		} else if row.Summary != "" {
			fmt.Fprintf(b, "%s\n", row.Summary)
		} else {
			fmt.Fprintf(b, "status: %s\n", row.Status)
		}
		return
	}
}

// writeValidationSection renders one table row per tool outcome.
func writeValidationSection(b *strings.Builder, validation []datatypes.SnapshotValidation) {
	if len(validation) == 0 {
		return
	}

	b.WriteString("\n## Validation Results\n\n")
	b.WriteString("| Tool | Status | Summary |\n")
	b.WriteString("|------|--------|---------|\n")
	for _, row := range validation {
		fmt.Fprintf(b, "| %s | %s | %s |\n", row.Tool, row.Status, escapeTableCell(row.Summary))
	}
}

// writeCitationsSection renders the knowledge base provenance list.
func writeCitationsSection(b *strings.Builder, citations []string) {
	b.WriteString("\n## Knowledge Base Citations\n")
	if len(citations) == 0 {
		b.WriteString("No knowledge base sources referenced.\n")
		return
	}
	for i, citation := range citations {
		fmt.Fprintf(b, "%d. `%s`\n", i+1, citation)
	}
}

// writePolicySection renders the verdict, with violations verbatim
// when denied.
func writePolicySection(b *strings.Builder, policy datatypes.SnapshotPolicy) {
	b.WriteString("\n## Policy Verdict\n")
	if policy.Allowed {
		b.WriteString("Allowed.\n")
		return
	}
	b.WriteString("**Denied**:\n")
	for _, v := range policy.Violations {
		fmt.Fprintf(b, "- %s\n", v)
	}
}

// escapeTableCell keeps tool summaries from breaking the Markdown table.
func escapeTableCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
