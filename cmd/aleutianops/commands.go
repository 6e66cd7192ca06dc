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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string

	proposeRepository  string
	proposePath        string
	proposeTarget      string
	proposeEnvironment string
	proposeRequester   string
	proposeStackTags   []string
	proposeTools       []string
	proposeCollections []string
	proposeCPUMillis   int
	proposeMemoryMB    int
	proposeEmergency   string
	proposeWatch       bool
	proposeJSON        bool

	listState  string
	listLimit  int
	outputJSON bool

	approveApprover string
	approveRole     string
	cancelActor     string

	reviewLimit      int
	reviewApprover   string
	reviewRole       string
	reviewBaseBranch string
	reviewExportDir  string

	kbCollection   string
	kbTags         []string
	kbSuccessRate  float64
	kbWait         bool
	kbSearchK      int
	kbCollections  []string
	kbBucket       string
	kbProject      string
	kbKeyPath      string
	kbPrefix       string
	kbDest         string
	policyRulePath string

	rootCmd = &cobra.Command{
		Use:   "aleutianops",
		Short: "A cli to create, review, and audit AI-generated change proposals",
		Long: `AleutianOps turns natural-language change requests into reviewable
				proposals backed by your own pipelines, IaC, and runbooks. The cli
				talks to a running proposer service and never applies changes itself.`,
	}

	// --- Proposals ---
	proposeCmd = &cobra.Command{
		Use:   "propose [intent]",
		Short: "Submit a change request and follow it to a reviewable proposal",
		Run:   runPropose, // Defined in cmd_propose.go
	}

	proposalCmd = &cobra.Command{
		Use:   "proposal",
		Short: "Inspect and act on individual proposals",
	}
	listProposalsCmd = &cobra.Command{
		Use:   "list",
		Short: "List proposals, optionally filtered by state",
		Run:   runListProposals, // Defined in cmd_proposal.go
	}
	getProposalCmd = &cobra.Command{
		Use:   "get [proposal_id]",
		Short: "Show the full record of a proposal",
		Args:  cobra.ExactArgs(1),
		Run:   runGetProposal, // Defined in cmd_proposal.go
	}
	snapshotCmd = &cobra.Command{
		Use:   "snapshot [proposal_id]",
		Short: "Show the terminal snapshot of a finished proposal",
		Args:  cobra.ExactArgs(1),
		Run:   runGetSnapshot, // Defined in cmd_proposal.go
	}
	approveCmd = &cobra.Command{
		Use:   "approve [proposal_id]",
		Short: "Record an approval on a proposal",
		Args:  cobra.ExactArgs(1),
		Run:   runApproveProposal, // Defined in cmd_proposal.go
	}
	cancelProposalCmd = &cobra.Command{
		Use:   "cancel [proposal_id]",
		Short: "Cancel a proposal that has not reached a terminal state",
		Args:  cobra.ExactArgs(1),
		Run:   runCancelProposal, // Defined in cmd_proposal.go
	}
	watchProposalCmd = &cobra.Command{
		Use:   "watch [proposal_id]",
		Short: "Stream live pipeline events for a proposal",
		Args:  cobra.ExactArgs(1),
		Run:   runWatchProposal, // Defined in cmd_propose.go
	}

	// --- Review ---
	reviewCmd = &cobra.Command{
		Use:   "review",
		Short: "Interactively review proposed changes and approve or reject them",
		Run:   runReview, // Defined in cmd_review.go
	}

	// --- Knowledge Base ---
	kbCmd = &cobra.Command{
		Use:   "kb",
		Short: "Manage the operational knowledge base",
	}
	kbIngestCmd = &cobra.Command{
		Use:   "ingest [file or directory path...]",
		Short: "Index local documents into a knowledge collection",
		Args:  cobra.MinimumNArgs(1),
		Run:   runKBIngest, // Defined in cmd_kb.go
	}
	kbJobCmd = &cobra.Command{
		Use:   "job [job_id]",
		Short: "Show the status of an ingestion job",
		Args:  cobra.ExactArgs(1),
		Run:   runKBJob, // Defined in cmd_kb.go
	}
	kbSearchCmd = &cobra.Command{
		Use:   "search [query]",
		Short: "Run a ranked search across knowledge collections",
		Args:  cobra.MinimumNArgs(1),
		Run:   runKBSearch, // Defined in cmd_kb.go
	}
	kbStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show per-collection document counts",
		Run:   runKBStats, // Defined in cmd_kb.go
	}
	kbPushCmd = &cobra.Command{
		Use:   "push [local_directory]",
		Short: "Upload a knowledge export to Google Cloud Storage (GCS)",
		Args:  cobra.ExactArgs(1),
		Run:   runKBPush, // Defined in cmd_kb.go
	}
	kbPullCmd = &cobra.Command{
		Use:   "pull",
		Short: "Download a shared knowledge export from GCS",
		Run:   runKBPull, // Defined in cmd_kb.go
	}

	// --- Audit ---
	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Inspect and verify the append-only audit trail",
	}
	auditVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit trail hash chain end to end",
		Run:   runAuditVerify, // Defined in cmd_audit.go
	}
	auditTrailCmd = &cobra.Command{
		Use:   "trail",
		Short: "Show audit records, optionally filtered",
		Run:   runAuditTrail, // Defined in cmd_audit.go
	}
	auditStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show audit trail statistics",
		Run:   runAuditStats, // Defined in cmd_audit.go
	}

	// --- Policies ---
	policyCmd = &cobra.Command{
		Use:   "policy",
		Short: "Work with the data-driven policy rules",
		Long: `Use policy + subcommands to inspect the rules the proposer enforces.
				Without --rules these commands use the rule set embedded in the
				binary, which is also what a fresh service deployment runs.`,
	}
	policyShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the active policy rules",
		Run:   runPolicyShow, // Defined in cmd_policy.go
	}
	policyTestCmd = &cobra.Command{
		Use:   "test [context_file]",
		Short: "Evaluate a proposal context file against the policy rules",
		Args:  cobra.ExactArgs(1),
		Run:   runPolicyTest, // Defined in cmd_policy.go
	}
	policyVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Print the SHA256 of the embedded policy rules",
		Long:  `Calculates the SHA256 hash of the compiled-in policy rules. Use this to verify that a binary runs the expected version of your governance rules.`,
		Run:   runPolicyVerify, // Defined in cmd_policy.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "aleutianops.yaml",
		"Path to the cli config file")

	// propose
	rootCmd.AddCommand(proposeCmd)
	proposeCmd.Flags().StringVarP(&proposeRepository, "repo", "r", "",
		"Target repository (host/org/name)")
	proposeCmd.Flags().StringVar(&proposePath, "path", "",
		"Local checkout to detect the technology stack from")
	proposeCmd.Flags().StringVarP(&proposeTarget, "target", "t", "",
		"Change target: pipeline, iac, helm, or monitoring")
	proposeCmd.Flags().StringVarP(&proposeEnvironment, "environment", "e", "",
		"Deployment environment the change addresses")
	proposeCmd.Flags().StringVar(&proposeRequester, "requester", "",
		"Identity recorded as the requester (default: current OS user)")
	proposeCmd.Flags().StringSliceVar(&proposeStackTags, "tag", nil,
		"Stack tags boosting retrieval (repeatable)")
	proposeCmd.Flags().StringSliceVar(&proposeTools, "tool", nil,
		"Validation tools to run (default derived from target)")
	proposeCmd.Flags().StringSliceVar(&proposeCollections, "collection", nil,
		"Knowledge collections to retrieve from (default: all)")
	proposeCmd.Flags().IntVar(&proposeCPUMillis, "cpu-millis", 0,
		"Requested CPU in millicores, checked against environment ceilings")
	proposeCmd.Flags().IntVar(&proposeMemoryMB, "memory-mb", 0,
		"Requested memory in MB, checked against environment ceilings")
	proposeCmd.Flags().StringVar(&proposeEmergency, "emergency", "",
		"Justification for proposing outside the allowed time window")
	proposeCmd.Flags().BoolVarP(&proposeWatch, "watch", "w", false,
		"Stream pipeline events until the proposal reaches a terminal state")
	proposeCmd.Flags().BoolVar(&proposeJSON, "json", false,
		"Print the created proposal as JSON")

	// proposal subcommands
	rootCmd.AddCommand(proposalCmd)
	proposalCmd.AddCommand(listProposalsCmd)
	listProposalsCmd.Flags().StringVar(&listState, "state", "",
		"Filter by state (e.g. DRAFT, PROPOSED, REJECTED)")
	listProposalsCmd.Flags().IntVar(&listLimit, "limit", 50,
		"Maximum number of proposals to list")
	listProposalsCmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	proposalCmd.AddCommand(getProposalCmd)
	proposalCmd.AddCommand(snapshotCmd)
	proposalCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringVar(&approveApprover, "approver", "",
		"Identity recording the approval (default: current OS user)")
	approveCmd.Flags().StringVar(&approveRole, "role", "",
		"Role the approval carries (e.g. sre, platform)")
	proposalCmd.AddCommand(cancelProposalCmd)
	cancelProposalCmd.Flags().StringVar(&cancelActor, "actor", "",
		"Identity recorded as the canceller (default: current OS user)")
	proposalCmd.AddCommand(watchProposalCmd)

	// review
	rootCmd.AddCommand(reviewCmd)
	reviewCmd.Flags().IntVar(&reviewLimit, "limit", 20,
		"Maximum number of proposed changes to load")
	reviewCmd.Flags().StringVar(&reviewApprover, "approver", "",
		"Identity recording approvals (default: current OS user)")
	reviewCmd.Flags().StringVar(&reviewRole, "role", "",
		"Role recorded with approvals")
	reviewCmd.Flags().StringVar(&reviewBaseBranch, "base-branch", "main",
		"Base branch shown in change previews")
	reviewCmd.Flags().StringVar(&reviewExportDir, "export-dir", "aleutianops-changes",
		"Directory accepted changes are exported into")

	// knowledge base
	rootCmd.AddCommand(kbCmd)
	kbCmd.AddCommand(kbIngestCmd)
	kbIngestCmd.Flags().StringVarP(&kbCollection, "collection", "c", "docs",
		"Collection to index into: pipelines, iac, docs, slo, or incidents")
	kbIngestCmd.Flags().StringSliceVar(&kbTags, "tag", nil,
		"Stack tags stored with each document (repeatable)")
	kbIngestCmd.Flags().Float64Var(&kbSuccessRate, "success-rate", 0.5,
		"Historical success rate seed for ranking boosts (0..1)")
	kbIngestCmd.Flags().BoolVar(&kbWait, "wait", false,
		"Wait for ingestion jobs to finish before returning")
	kbCmd.AddCommand(kbJobCmd)
	kbCmd.AddCommand(kbSearchCmd)
	kbSearchCmd.Flags().IntVar(&kbSearchK, "k", 5, "Results to return (1-50)")
	kbSearchCmd.Flags().StringSliceVar(&kbCollections, "collection", nil,
		"Collections to search (default: all)")
	kbSearchCmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	kbCmd.AddCommand(kbStatsCmd)
	kbCmd.AddCommand(kbPushCmd)
	kbPushCmd.Flags().StringVar(&kbBucket, "bucket", "", "GCS bucket name")
	kbPushCmd.Flags().StringVar(&kbProject, "project", "", "GCP project id")
	kbPushCmd.Flags().StringVar(&kbKeyPath, "key", "", "Path to a service account key file")
	kbPushCmd.Flags().StringVar(&kbPrefix, "prefix", "knowledge", "Object prefix inside the bucket")
	kbCmd.AddCommand(kbPullCmd)
	kbPullCmd.Flags().StringVar(&kbBucket, "bucket", "", "GCS bucket name")
	kbPullCmd.Flags().StringVar(&kbProject, "project", "", "GCP project id")
	kbPullCmd.Flags().StringVar(&kbKeyPath, "key", "", "Path to a service account key file")
	kbPullCmd.Flags().StringVar(&kbPrefix, "prefix", "knowledge", "Object prefix to download")
	kbPullCmd.Flags().StringVar(&kbDest, "dest", ".", "Local directory to download into")

	// audit
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTrailCmd)
	auditTrailCmd.Flags().String("proposal", "", "Filter records by proposal id")
	auditTrailCmd.Flags().String("action", "", "Filter records by action")
	auditTrailCmd.Flags().Int("limit", 100, "Maximum number of records")
	auditTrailCmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	auditCmd.AddCommand(auditStatsCmd)

	// policies
	rootCmd.AddCommand(policyCmd)
	policyCmd.PersistentFlags().StringVar(&policyRulePath, "rules", "",
		"Path to a policy rules file (default: embedded rules)")
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyTestCmd)
	policyTestCmd.Flags().BoolVar(&outputJSON, "json", false, "Output the verdict as JSON")
	policyCmd.AddCommand(policyVerifyCmd)
}
