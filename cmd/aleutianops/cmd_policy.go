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
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/policy"
	"github.com/AleutianAI/AleutianOps/services/proposer/policy/defaults"
	"github.com/spf13/cobra"
)

// Exit codes for policy test.
const (
	PolicyTestExitSuccess   = 0
	PolicyTestExitViolation = 1
	PolicyTestExitError     = 2
)

// loadPolicyRules compiles the rule set named by --rules, or the embedded
// defaults when the flag is empty. Returns the compiled rules, the raw
// YAML, and a label naming the source.
func loadPolicyRules() ([]policy.Rule, []byte, string) {
	if policyRulePath != "" {
		data, err := os.ReadFile(policyRulePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot read rules file: %v\n", err)
			os.Exit(PolicyTestExitError)
		}
		rules, err := policy.Parse(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid rules file %s: %v\n", policyRulePath, err)
			os.Exit(PolicyTestExitError)
		}
		return rules, data, policyRulePath
	}

	rules, err := policy.Parse(defaults.Rules)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: embedded rules are invalid: %v\n", err)
		os.Exit(PolicyTestExitError)
	}
	return rules, defaults.Rules, "embedded defaults"
}

// runPolicyShow prints the active rules as YAML after compiling them.
func runPolicyShow(cmd *cobra.Command, args []string) {
	rules, data, source := loadPolicyRules()
	fmt.Printf("# %d rules loaded from %s\n", len(rules), source)
	fmt.Println(string(data))
}

// runPolicyTest evaluates a JSON operation context file against the
// active rules.
//
// The file uses the same shape the API reports, so a context captured
// from a live proposal can be replayed as-is.
//
// # Exit Codes
//
//   - 0: The operation is allowed
//   - 1: The operation violates at least one rule
//   - 2: Error
func runPolicyTest(cmd *cobra.Command, args []string) {
	rules, _, source := loadPolicyRules()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read context file: %v\n", err)
		os.Exit(PolicyTestExitError)
	}
	var octx datatypes.OperationContext
	if err := json.Unmarshal(raw, &octx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid context file %s: %v\n", args[0], err)
		os.Exit(PolicyTestExitError)
	}
	if octx.RequestedAt.IsZero() {
		octx.RequestedAt = time.Now().UTC()
	}

	verdict := policy.NewEngine(rules).Evaluate(context.Background(), octx)

	if outputJSON {
		printJSON(verdict)
	} else if verdict.Allowed {
		fmt.Printf("Allowed by %d rules (%s).\n", len(rules), source)
	} else {
		fmt.Printf("Denied with %d violation(s):\n", len(verdict.Violations))
		for _, v := range verdict.Violations {
			fmt.Printf("  - %s\n", v)
		}
	}

	if !verdict.Allowed {
		os.Exit(PolicyTestExitViolation)
	}
	os.Exit(PolicyTestExitSuccess)
}

// runPolicyVerify prints the SHA256 of the embedded rule set.
func runPolicyVerify(cmd *cobra.Command, args []string) {
	data := defaults.Rules
	hash := sha256.Sum256(data)

	rules, err := policy.Parse(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: embedded rules do not compile: %v\n", err)
		os.Exit(PolicyTestExitError)
	}

	fmt.Println("--- Embedded Policy Verification ---")
	fmt.Printf("Rules compiled: %d\n", len(rules))
	fmt.Printf("Policy byte size: %d bytes\n", len(data))
	fmt.Printf("SHA256 Fingerprint: %x\n", hash)
	fmt.Println("------------------------------------")
}
