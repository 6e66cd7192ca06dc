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
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/spf13/cobra"
)

// ProposalList is the list endpoint response.
type ProposalList struct {
	Proposals []datatypes.Proposal `json:"proposals"`
	Count     int                  `json:"count"`
}

func runListProposals(cmd *cobra.Command, args []string) {
	base := getProposerBaseURL()
	listURL := fmt.Sprintf("%s/v1/proposals?limit=%d", base, listLimit)
	if listState != "" {
		listURL += "&state=" + url.QueryEscape(listState)
	}

	var list ProposalList
	if err := getJSON(listURL, &list); err != nil {
		log.Fatalf("Failed to list proposals: %v", err)
	}

	if outputJSON {
		printJSON(list)
		return
	}
	if list.Count == 0 {
		fmt.Println("No proposals found.")
		return
	}
	sortProposalsByCreation(list.Proposals)

	fmt.Printf("Proposals (%d):\n", list.Count)
	fmt.Println("------------------------------------------------------------------")
	for _, p := range list.Proposals {
		fmt.Printf("%s  %-14s  %s/%s\n", p.ID, p.State, p.Request.Target, p.Request.Environment)
		fmt.Printf("    %s\n", truncate(p.Request.Intent, 96))
		if p.StateReason != "" {
			fmt.Printf("    reason: %s\n", truncate(p.StateReason, 96))
		}
	}
}

func runGetProposal(cmd *cobra.Command, args []string) {
	proposalURL := fmt.Sprintf("%s/v1/proposals/%s", getProposerBaseURL(), args[0])

	var proposal datatypes.Proposal
	if err := getJSON(proposalURL, &proposal); err != nil {
		log.Fatalf("Failed to fetch proposal %s: %v", args[0], err)
	}
	printJSON(proposal)
}

func runGetSnapshot(cmd *cobra.Command, args []string) {
	snapshotURL := fmt.Sprintf("%s/v1/proposals/%s/snapshot", getProposerBaseURL(), args[0])

	var snap datatypes.Snapshot
	if err := getJSON(snapshotURL, &snap); err != nil {
		log.Fatalf("Failed to fetch the snapshot for %s: %v", args[0], err)
	}
	printJSON(snap)
}

func runApproveProposal(cmd *cobra.Command, args []string) {
	approveURL := fmt.Sprintf("%s/v1/proposals/%s/approvals", getProposerBaseURL(), args[0])
	payload := map[string]string{
		"approver": resolveRequester(approveApprover),
		"role":     approveRole,
	}

	var proposal datatypes.Proposal
	if err := postJSON(approveURL, payload, &proposal); err != nil {
		log.Fatalf("Failed to record the approval: %v", err)
	}
	fmt.Printf("Recorded approval by %s on %s (%d total)\n",
		payload["approver"], proposal.ID, len(proposal.Approvals))
}

func runCancelProposal(cmd *cobra.Command, args []string) {
	cancelURL := fmt.Sprintf("%s/v1/proposals/%s/cancel", getProposerBaseURL(), args[0])
	payload := map[string]string{"actor": resolveRequester(cancelActor)}

	var proposal datatypes.Proposal
	if err := postJSON(cancelURL, payload, &proposal); err != nil {
		log.Fatalf("Failed to cancel proposal %s: %v", args[0], err)
	}
	fmt.Printf("Cancelled proposal %s (now %s)\n", proposal.ID, proposal.State)
}

// truncate shortens s to max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// sortProposalsByCreation orders newest first for display.
func sortProposalsByCreation(proposals []datatypes.Proposal) {
	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].CreatedAt.After(proposals[j].CreatedAt)
	})
}
