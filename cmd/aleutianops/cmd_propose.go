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
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/events"
	"github.com/AleutianAI/AleutianOps/services/proposer/stack"
	"github.com/charmbracelet/huh"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func runPropose(cmd *cobra.Command, args []string) {
	intent := strings.TrimSpace(strings.Join(args, " "))

	if proposeRepository == "" {
		proposeRepository = config.Defaults.Repository
	}
	if proposeEnvironment == "" {
		proposeEnvironment = config.Defaults.Environment
	}

	// Fill the gaps interactively when we have a terminal; otherwise every
	// required field must come from flags or config.
	if intent == "" || proposeRepository == "" || proposeTarget == "" || proposeEnvironment == "" {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			log.Fatalf("Missing required fields (intent, --repo, --target, --environment) and no terminal to ask on.")
		}
		if err := proposeForm(&intent).Run(); err != nil {
			log.Fatalf("Aborted: %v", err)
		}
	}

	target := datatypes.TargetKind(proposeTarget)
	if !target.Valid() {
		log.Fatalf("Unknown target %q. Use pipeline, iac, helm, or monitoring.", proposeTarget)
	}

	stackTags := proposeStackTags
	if proposePath != "" {
		detected, err := stack.Detect(proposePath)
		if err != nil {
			log.Fatalf("Stack detection failed for %s: %v", proposePath, err)
		}
		tags := detected.Tags()
		if len(tags) == 0 {
			fmt.Printf("No recognized stack in %s, continuing without stack tags.\n", proposePath)
		} else {
			fmt.Printf("Detected stack: %s\n", strings.Join(tags, ", "))
		}
		stackTags = mergeTags(stackTags, tags)
	}

	tools := make([]datatypes.Tool, 0, len(proposeTools))
	for _, name := range proposeTools {
		tool := datatypes.Tool(name)
		if !tool.Valid() {
			log.Fatalf("Unknown validation tool %q.", name)
		}
		tools = append(tools, tool)
	}

	request := datatypes.ProposalRequest{
		Intent:                 intent,
		Repository:             proposeRepository,
		Target:                 target,
		Environment:            proposeEnvironment,
		Requester:              resolveRequester(proposeRequester),
		StackTags:              stackTags,
		Tools:                  tools,
		Collections:            proposeCollections,
		EmergencyJustification: proposeEmergency,
	}
	if proposeCPUMillis > 0 || proposeMemoryMB > 0 {
		request.Resources = datatypes.ResourceRequest{
			CPUMillis: proposeCPUMillis,
			MemoryMB:  proposeMemoryMB,
		}
	}

	var proposal datatypes.Proposal
	url := fmt.Sprintf("%s/v1/proposals", getProposerBaseURL())
	if err := postJSON(url, request, &proposal); err != nil {
		log.Fatalf("Failed to create the proposal: %v", err)
	}

	if proposeJSON {
		printJSON(proposal)
	} else {
		fmt.Printf("Created proposal %s (%s)\n", proposal.ID, proposal.State)
	}

	if proposeWatch {
		watchProposal(proposal.ID)
		return
	}
	if !proposeJSON {
		fmt.Printf("Follow it with: aleutianops proposal watch %s\n", proposal.ID)
	}
}

// proposeForm asks for whatever propose fields are still empty.
func proposeForm(intent *string) *huh.Form {
	var fields []huh.Field
	if *intent == "" {
		fields = append(fields, huh.NewInput().
			Title("What should change?").
			Placeholder("Add a canary stage before the production deploy").
			Value(intent))
	}
	if proposeRepository == "" {
		fields = append(fields, huh.NewInput().
			Title("Repository").
			Description("host/org/name").
			Value(&proposeRepository))
	}
	if proposeTarget == "" {
		fields = append(fields, huh.NewSelect[string]().
			Title("Target").
			Options(huh.NewOptions("pipeline", "iac", "helm", "monitoring")...).
			Value(&proposeTarget))
	}
	if proposeEnvironment == "" {
		fields = append(fields, huh.NewInput().
			Title("Environment").
			Placeholder("staging").
			Value(&proposeEnvironment))
	}
	return huh.NewForm(huh.NewGroup(fields...))
}

// mergeTags appends detected tags that are not already present.
func mergeTags(existing, detected []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[strings.ToLower(t)] = true
	}
	merged := existing
	for _, t := range detected {
		if !seen[strings.ToLower(t)] {
			merged = append(merged, t)
			seen[strings.ToLower(t)] = true
		}
	}
	return merged
}

func runWatchProposal(cmd *cobra.Command, args []string) {
	watchProposal(args[0])
}

// watchProposal streams pipeline events over the proposer websocket until
// the proposal reaches a terminal state.
func watchProposal(id string) {
	base := getProposerBaseURL()
	wsURL := "ws" + strings.TrimPrefix(base, "http") + fmt.Sprintf("/v1/proposals/%s/events/ws", id)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			log.Fatalf("Proposal %s not found.", id)
		}
		// Proxies that strip the Upgrade header land here.
		fmt.Println("Event stream unavailable, polling instead...")
		proposal, pollErr := waitForTerminal(id, 10*time.Minute)
		if pollErr != nil {
			log.Fatalf("Failed watching proposal %s: %v", id, pollErr)
		}
		printOutcome(proposal.State, id)
		return
	}
	defer conn.Close()

	fmt.Printf("Watching proposal %s...\n", id)
	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			log.Fatalf("Event stream closed unexpectedly: %v", err)
		}
		printEvent(ev)

		if ev.Type == events.TypeTransition && datatypes.ProposalState(ev.ToState).Terminal() {
			printOutcome(datatypes.ProposalState(ev.ToState), id)
			return
		}
	}
}

// printEvent renders one pipeline event as a single line.
func printEvent(ev events.Event) {
	stamp := ev.Timestamp.Local().Format("15:04:05")
	switch ev.Type {
	case events.TypeTransition:
		line := fmt.Sprintf("  %s transition  %s -> %s", stamp, ev.FromState, ev.ToState)
		if ev.FromState == "" {
			line = fmt.Sprintf("  %s state       %s", stamp, ev.ToState)
		}
		if ev.Reason != "" {
			line += fmt.Sprintf(" (%s)", ev.Reason)
		}
		fmt.Println(line)
	case events.TypeValidation:
		line := fmt.Sprintf("  %s validation  %s %s", stamp, ev.Tool, ev.Status)
		if ev.Summary != "" {
			line += fmt.Sprintf(": %s", firstLine(ev.Summary))
		}
		fmt.Println(line)
	case events.TypePolicyDecision:
		if ev.Allowed {
			fmt.Printf("  %s policy      allowed\n", stamp)
		} else {
			fmt.Printf("  %s policy      denied: %s\n", stamp, strings.Join(ev.Violations, "; "))
		}
	default:
		fmt.Printf("  %s %s\n", stamp, ev.Type)
	}
}

// printOutcome tells the user what to do with a finished proposal.
func printOutcome(state datatypes.ProposalState, id string) {
	switch state {
	case datatypes.StateProposed:
		fmt.Printf("\nProposal %s is ready for review.\n", id)
		fmt.Println("Review it with: aleutianops review")
	case datatypes.StateRejected:
		fmt.Printf("\nProposal %s was rejected by policy.\n", id)
		fmt.Printf("See details with: aleutianops proposal get %s\n", id)
	case datatypes.StateInvalid:
		fmt.Printf("\nProposal %s did not survive the pipeline.\n", id)
		fmt.Printf("See details with: aleutianops proposal get %s\n", id)
	}
}

// firstLine trims a multi-line summary down to its first line.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// waitForTerminal polls until the proposal leaves the pipeline, for
// callers that cannot hold a websocket open.
func waitForTerminal(id string, timeout time.Duration) (datatypes.Proposal, error) {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("%s/v1/proposals/%s", getProposerBaseURL(), id)
	for {
		var proposal datatypes.Proposal
		if err := getJSON(url, &proposal); err != nil {
			return datatypes.Proposal{}, err
		}
		if proposal.State.Terminal() {
			return proposal, nil
		}
		if time.Now().After(deadline) {
			return proposal, fmt.Errorf("proposal %s still %s after %s", id, proposal.State, timeout)
		}
		time.Sleep(500 * time.Millisecond)
	}
}
