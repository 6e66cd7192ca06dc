// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected string
	}{
		{
			name:     "short strings pass through",
			input:    "add a canary stage",
			max:      40,
			expected: "add a canary stage",
		},
		{
			name:     "long strings get an ellipsis",
			input:    strings.Repeat("a", 50),
			max:      10,
			expected: strings.Repeat("a", 7) + "...",
		},
		{
			name:     "newlines are flattened",
			input:    "line one\nline two",
			max:      40,
			expected: "line one line two",
		},
		{
			name:     "multibyte runes are not split",
			input:    strings.Repeat("ü", 50),
			max:      10,
			expected: strings.Repeat("ü", 7) + "...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.input, tt.max); got != tt.expected {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.expected)
			}
		})
	}
}

func TestSortProposalsByCreation(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	proposals := []datatypes.Proposal{
		{ID: "middle", CreatedAt: base.Add(1 * time.Hour)},
		{ID: "oldest", CreatedAt: base},
		{ID: "newest", CreatedAt: base.Add(2 * time.Hour)},
	}

	sortProposalsByCreation(proposals)

	expected := []string{"newest", "middle", "oldest"}
	for i, id := range expected {
		if proposals[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, proposals[i].ID, id)
		}
	}
}

func TestRunListProposals(t *testing.T) {
	// 1. Mock the list endpoint with two proposals
	var gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ProposalList{
			Proposals: []datatypes.Proposal{
				{
					ID:    "aaaa1111-0000-0000-0000-000000000000",
					State: datatypes.StateProposed,
					Request: datatypes.ProposalRequest{
						Intent:      "add a canary stage",
						Target:      datatypes.TargetPipeline,
						Environment: "staging",
					},
				},
				{
					ID:          "bbbb2222-0000-0000-0000-000000000000",
					State:       datatypes.StateRejected,
					StateReason: "Denied by policy",
					Request: datatypes.ProposalRequest{
						Intent:      "raise prod memory limits",
						Target:      datatypes.TargetIaC,
						Environment: "prod",
					},
				},
			},
			Count: 2,
		})
	}))
	defer server.Close()
	t.Setenv("ALEUTIAN_PROPOSER_URL", server.URL)

	// 2. Run the command and capture the listing
	output := captureStdout(t, func() { runListProposals(listProposalsCmd, nil) })

	// 3. Validate the layout and that the default limit reached the API
	if gotLimit != "20" {
		t.Errorf("limit param = %q, want the flag default 20", gotLimit)
	}
	if !strings.Contains(output, "Proposals (2):") {
		t.Errorf("output missing the header: %q", output)
	}
	if !strings.Contains(output, "aaaa1111-0000-0000-0000-000000000000") ||
		!strings.Contains(output, "PROPOSED") {
		t.Errorf("output missing the first proposal row: %q", output)
	}
	if !strings.Contains(output, "pipeline/staging") || !strings.Contains(output, "iac/prod") {
		t.Errorf("output missing target/environment columns: %q", output)
	}
	if !strings.Contains(output, "reason: Denied by policy") {
		t.Errorf("output missing the state reason line: %q", output)
	}
}

func TestRunApproveProposal(t *testing.T) {
	// 1. Mock the approvals endpoint and record what arrives
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(datatypes.Proposal{
			ID:        "p-9",
			State:     datatypes.StateGenerated,
			Approvals: []datatypes.Approval{{Approver: "jdoe", Role: "sre"}},
		})
	}))
	defer server.Close()
	t.Setenv("ALEUTIAN_PROPOSER_URL", server.URL)

	// 2. Set the flags like the shell would
	oldApprover, oldRole := approveApprover, approveRole
	approveApprover, approveRole = "jdoe", "sre"
	defer func() { approveApprover, approveRole = oldApprover, oldRole }()

	// 3. Run the command
	output := captureStdout(t, func() { runApproveProposal(approveCmd, []string{"p-9"}) })

	// 4. Validate the request and the confirmation line
	if gotPath != "/v1/proposals/p-9/approvals" {
		t.Errorf("posted to %q, want /v1/proposals/p-9/approvals", gotPath)
	}
	if gotPayload["approver"] != "jdoe" || gotPayload["role"] != "sre" {
		t.Errorf("payload = %v, want approver=jdoe role=sre", gotPayload)
	}
	if !strings.Contains(output, "Recorded approval by jdoe on p-9 (1 total)") {
		t.Errorf("output = %q, want the confirmation line", output)
	}
}

func TestRunCancelProposal(t *testing.T) {
	// 1. Mock the cancel endpoint
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(datatypes.Proposal{
			ID:    "p-4",
			State: datatypes.StateInvalid,
		})
	}))
	defer server.Close()
	t.Setenv("ALEUTIAN_PROPOSER_URL", server.URL)

	oldActor := cancelActor
	cancelActor = "jdoe"
	defer func() { cancelActor = oldActor }()

	// 2. Run and validate
	output := captureStdout(t, func() { runCancelProposal(cancelProposalCmd, []string{"p-4"}) })

	if gotPayload["actor"] != "jdoe" {
		t.Errorf("payload = %v, want actor=jdoe", gotPayload)
	}
	if !strings.Contains(output, "Cancelled proposal p-4 (now INVALID)") {
		t.Errorf("output = %q, want the cancellation line", output)
	}
}
