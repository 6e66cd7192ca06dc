// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"sort"
	"time"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
)

// BuildSnapshot reduces a terminal proposal to its stable interchange
// shape.
//
// # Description
//
// Every collection field is present even when empty (empty map or slice,
// never null) and validation rows are ordered by tool name, so two builds
// of the same proposal serialize identically. REJECTED and INVALID
// proposals snapshot too; their policy section reflects whatever verdict
// was reached, or a zero verdict when the pipeline ended before the
// policy check.
//
// # Inputs
//
//   - p: The proposal to snapshot. Must be in a terminal state.
//
// # Outputs
//
//   - datatypes.Snapshot: The stable terminal shape.
//   - error: NotTerminalError when the proposal is still moving.
func BuildSnapshot(p *datatypes.Proposal) (datatypes.Snapshot, error) {
	if !p.State.Terminal() {
		return datatypes.Snapshot{}, &NotTerminalError{ID: p.ID, State: p.State}
	}

	files := make(map[string]string, len(p.GeneratedFiles))
	for name, content := range p.GeneratedFiles {
		files[name] = content
	}

	rows := make([]datatypes.SnapshotValidation, 0, len(p.ValidationResults))
	for _, outcome := range p.ValidationResults {
		rows = append(rows, datatypes.SnapshotValidation{
			Tool:    outcome.Tool,
			Status:  outcome.Status,
			Summary: outcome.Summary,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Tool < rows[j].Tool })

	policy := datatypes.SnapshotPolicy{Violations: []string{}}
	if p.PolicyVerdict != nil {
		policy.Allowed = p.PolicyVerdict.Allowed
		policy.Violations = append(policy.Violations, p.PolicyVerdict.Violations...)
	}

	citations := []string{}
	citations = append(citations, p.Citations...)

	var terminalAt time.Time
	if p.TerminalAt != nil {
		terminalAt = *p.TerminalAt
	}

	return datatypes.Snapshot{
		ID:         p.ID,
		State:      p.State,
		Files:      files,
		Validation: rows,
		Citations:  citations,
		Policy:     policy,
		CreatedAt:  p.CreatedAt,
		TerminalAt: terminalAt,
	}, nil
}
