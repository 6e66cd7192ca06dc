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
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/publisher"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// =============================================================================
// API Client
// =============================================================================

// proposerReview talks to the proposer for the review session.
type proposerReview struct {
	base string
	pub  *publisher.Publisher
}

// Approve records a sign-off on an in-flight proposal.
func (c *proposerReview) Approve(id, approver, role string) (*datatypes.Proposal, error) {
	payload := map[string]string{"approver": approver, "role": role}
	var proposal datatypes.Proposal
	if err := postJSON(c.base+"/v1/proposals/"+id+"/approvals", payload, &proposal); err != nil {
		return nil, err
	}
	return &proposal, nil
}

// Cancel rejects an in-flight proposal.
func (c *proposerReview) Cancel(id, actor string) (*datatypes.Proposal, error) {
	var proposal datatypes.Proposal
	if err := postJSON(c.base+"/v1/proposals/"+id+"/cancel", map[string]string{"actor": actor}, &proposal); err != nil {
		return nil, err
	}
	return &proposal, nil
}

// Refresh re-reads a proposal and re-renders its change when it has one.
func (c *proposerReview) Refresh(id string) (*datatypes.Proposal, *publisher.Change, error) {
	var proposal datatypes.Proposal
	if err := getJSON(c.base+"/v1/proposals/"+id, &proposal); err != nil {
		return nil, nil, err
	}
	item := c.buildItem(proposal)
	return &proposal, item.change, nil
}

// Export writes a rendered change to disk under dir, one directory per
// branch, with a CHANGE.md describing what the files are.
func (c *proposerReview) Export(item reviewItem, dir string) (string, error) {
	if item.change == nil {
		return "", fmt.Errorf("proposal %s has no rendered change", item.proposal.ID)
	}

	target := filepath.Join(dir, filepath.Base(item.change.Branch))
	for path, content := range item.change.Files {
		if strings.Contains(path, "..") {
			return "", fmt.Errorf("refusing to write outside the export dir: %s", path)
		}
		dest := filepath.Join(target, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
		}
		if err := os.WriteFile(dest, []byte(content), 0644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", dest, err)
		}
	}

	manifest := fmt.Sprintf("# %s\n\nBranch: %s\nBase: %s\n\n%s",
		item.change.Title, item.change.Branch, item.change.BaseBranch, item.change.Body)
	if err := os.WriteFile(filepath.Join(target, "CHANGE.md"), []byte(manifest), 0644); err != nil {
		return "", fmt.Errorf("failed to write CHANGE.md: %w", err)
	}
	return target, nil
}

// buildItem pairs a proposal with its rendered change. Only PROPOSED
// proposals have exported snapshots, so everything else rides bare.
func (c *proposerReview) buildItem(p datatypes.Proposal) reviewItem {
	item := reviewItem{proposal: p}
	if p.State != datatypes.StateProposed {
		return item
	}

	var snap datatypes.Snapshot
	if err := getJSON(c.base+"/v1/proposals/"+p.ID+"/snapshot", &snap); err != nil {
		item.renderErr = err
		return item
	}
	change, err := c.pub.Render(snap, p.Request.Intent)
	if err != nil {
		item.renderErr = err
		return item
	}
	item.change = &change
	return item
}

// =============================================================================
// Run Function
// =============================================================================

// runReview loads the review queue and opens the interactive session.
func runReview(cmd *cobra.Command, args []string) {
	base := getProposerBaseURL()
	client := &proposerReview{
		base: base,
		pub:  publisher.New(publisher.Config{BaseBranch: reviewBaseBranch}),
	}

	var list ProposalList
	if err := getJSON(fmt.Sprintf("%s/v1/proposals?limit=%d", base, reviewLimit), &list); err != nil {
		log.Fatalf("Failed to list proposals: %v", err)
	}

	// Rejected and invalid proposals are history; everything else can
	// still take a decision.
	reviewable := make([]datatypes.Proposal, 0, len(list.Proposals))
	for _, p := range list.Proposals {
		if p.State == datatypes.StateRejected || p.State == datatypes.StateInvalid {
			continue
		}
		reviewable = append(reviewable, p)
	}
	if len(reviewable) == 0 {
		fmt.Println("Nothing to review.")
		return
	}
	sortProposalsByCreation(reviewable)

	items := make([]reviewItem, 0, len(reviewable))
	for _, p := range reviewable {
		items = append(items, client.buildItem(p))
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		printReviewQueue(items)
		return
	}

	config := reviewTUIConfig{
		Approver:  resolveRequester(reviewApprover),
		Role:      reviewRole,
		ExportDir: reviewExportDir,
	}

	m := newReviewModel(items, client, config)
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		log.Fatalf("Review session failed: %v", err)
	}

	final, ok := finalModel.(reviewModel)
	if !ok {
		log.Fatalf("Unexpected model type from bubbletea: %T", finalModel)
	}
	printSessionResult(final)
}

// printReviewQueue is the non-interactive fallback when stdin is a pipe.
func printReviewQueue(items []reviewItem) {
	fmt.Printf("Review queue (%d):\n", len(items))
	fmt.Println(strings.Repeat("-", 66))
	for _, item := range items {
		p := item.proposal
		fmt.Printf("%s  %-14s  %s/%s\n", p.ID, p.State, p.Request.Target, p.Request.Environment)
		fmt.Printf("    %s\n", truncate(p.Request.Intent, 70))
	}
	fmt.Println()
	fmt.Println("No terminal detected. Decide from a shell with:")
	fmt.Println("  aleutianops proposal approve <id>")
	fmt.Println("  aleutianops proposal cancel <id>")
}

// printSessionResult summarizes the decisions made in the session.
func printSessionResult(m reviewModel) {
	var approved, rejected, exported int
	for _, d := range m.decisions {
		switch d {
		case reviewApproved:
			approved++
		case reviewRejected:
			rejected++
		case reviewExported:
			exported++
		}
	}
	if approved+rejected+exported == 0 {
		fmt.Println("Review session ended with no decisions.")
		return
	}
	fmt.Printf("Review session: %d approved, %d rejected, %d exported\n",
		approved, rejected, exported)
}
