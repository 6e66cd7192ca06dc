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
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianOps/services/proposer/audit"
	"github.com/spf13/cobra"
)

// Exit codes for audit verify.
const (
	AuditVerifyExitSuccess = 0
	AuditVerifyExitBroken  = 1
	AuditVerifyExitError   = 2
)

// VerifyResponse mirrors the audit verify endpoint payload.
type VerifyResponse struct {
	Valid      bool   `json:"valid"`
	BreakIndex int64  `json:"break_index"`
	Entries    int64  `json:"entries"`
	VerifiedAt string `json:"verified_at"`
}

// TrailResponse mirrors the audit trail endpoint payload.
type TrailResponse struct {
	Records []audit.Record `json:"records"`
	Count   int            `json:"count"`
}

// runAuditVerify checks the hash chain end to end. Exit code 0 means the
// chain is intact, 1 means it is broken, 2 means the check did not run.
func runAuditVerify(cmd *cobra.Command, args []string) {
	var response VerifyResponse
	if err := getJSON(getProposerBaseURL()+"/v1/audit/verify", &response); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to verify audit trail: %v\n", err)
		os.Exit(AuditVerifyExitError)
	}

	if !response.Valid {
		fmt.Printf("Audit trail BROKEN at record %d (%d entries checked at %s)\n",
			response.BreakIndex, response.Entries, response.VerifiedAt)
		fmt.Println("The trail was modified after the fact. Inspect the log file before trusting it.")
		os.Exit(AuditVerifyExitBroken)
	}

	fmt.Printf("Audit trail OK: %d entries, chain intact (verified at %s)\n",
		response.Entries, response.VerifiedAt)
	os.Exit(AuditVerifyExitSuccess)
}

// runAuditTrail prints chained records, optionally filtered.
func runAuditTrail(cmd *cobra.Command, args []string) {
	proposalID, _ := cmd.Flags().GetString("proposal")
	action, _ := cmd.Flags().GetString("action")
	limit, _ := cmd.Flags().GetInt("limit")

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if proposalID != "" {
		params.Set("proposal_id", proposalID)
	}
	if action != "" {
		params.Set("action", action)
	}

	var response TrailResponse
	trailURL := fmt.Sprintf("%s/v1/audit/trail?%s", getProposerBaseURL(), params.Encode())
	if err := getJSON(trailURL, &response); err != nil {
		log.Fatalf("Failed to fetch audit trail: %v", err)
	}

	if outputJSON {
		printJSON(response)
		return
	}

	if response.Count == 0 {
		fmt.Println("No audit records match.")
		return
	}

	fmt.Printf("Audit records (%d):\n", response.Count)
	fmt.Println(strings.Repeat("-", 78))
	for _, r := range response.Records {
		line := fmt.Sprintf("%6d  %s  %-18s %s", r.Sequence, r.Timestamp, r.Action, r.Actor)
		if r.ProposalID != "" {
			line += "  " + shortID(r.ProposalID)
		}
		fmt.Println(line)
		if r.FromState != "" || r.ToState != "" {
			fmt.Printf("        %s -> %s", r.FromState, r.ToState)
			if r.Reason != "" {
				fmt.Printf(" (%s)", r.Reason)
			}
			fmt.Println()
		}
		if r.Detail != "" {
			fmt.Printf("        %s\n", truncate(r.Detail, 70))
		}
	}
}

// runAuditStats prints aggregate trail statistics.
func runAuditStats(cmd *cobra.Command, args []string) {
	var stats struct {
		Entries       int64          `json:"entries"`
		LogSizeBytes  int64          `json:"log_size_bytes"`
		Actions       map[string]int `json:"actions"`
		LastSequence  int64          `json:"last_sequence"`
		LastTimestamp string         `json:"last_timestamp"`
	}
	if err := getJSON(getProposerBaseURL()+"/v1/audit/statistics", &stats); err != nil {
		log.Fatalf("Failed to fetch audit statistics: %v", err)
	}

	fmt.Println("Audit trail statistics:")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("%-20s %d\n", "entries", stats.Entries)
	fmt.Printf("%-20s %d bytes\n", "log size", stats.LogSizeBytes)
	if stats.LastSequence > 0 {
		fmt.Printf("%-20s %d at %s\n", "newest record", stats.LastSequence, stats.LastTimestamp)
	}
	if len(stats.Actions) > 0 {
		fmt.Println()
		fmt.Println("By action:")
		actions := make([]string, 0, len(stats.Actions))
		for a := range stats.Actions {
			actions = append(actions, a)
		}
		sort.Strings(actions)
		for _, a := range actions {
			fmt.Printf("  %-18s %d\n", a, stats.Actions[a])
		}
	}
}
