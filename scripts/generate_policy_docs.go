// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// generate_policy_docs generates a markdown reference from the embedded
// default policy rules.
//
// Usage:
//
//	go run scripts/generate_policy_docs.go > docs/policy_reference.md
//
// The generated documentation includes:
//   - Every rule grouped by kind, with its scope and parameters
//   - The SHA256 fingerprint `aleutianops policy verify` reports
//   - Summary statistics
package main

import (
	"crypto/sha256"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuleSetYAML is the root structure for YAML deserialization.
type RuleSetYAML struct {
	Rules []RuleYAML `yaml:"rules"`
}

// RuleYAML carries the documentation-relevant fields of one rule.
type RuleYAML struct {
	Name          string             `yaml:"name"`
	Kind          string             `yaml:"kind"`
	Description   string             `yaml:"description"`
	Environments  []string           `yaml:"environments"`
	RepoAllowList *RepoAllowListYAML `yaml:"repo_allow_list"`
	TimeWindow    *TimeWindowYAML    `yaml:"time_window"`
	ResourceLimit *ResourceLimitYAML `yaml:"resource_limit"`
	RequiredScans map[string]any     `yaml:"required_scans"`
	ApprovalCount *ApprovalCountYAML `yaml:"approval_count"`
}

// RepoAllowListYAML lists the repository patterns a rule allows.
type RepoAllowListYAML struct {
	Allowed []string `yaml:"allowed"`
}

// TimeWindowYAML is the change-window schedule of a rule.
type TimeWindowYAML struct {
	Days                   []string `yaml:"days"`
	Start                  string   `yaml:"start"`
	End                    string   `yaml:"end"`
	MinJustificationLength int      `yaml:"min_justification_length"`
}

// ResourceLimitYAML is the capacity ceiling of a rule.
type ResourceLimitYAML struct {
	MaxCPUMillis int `yaml:"max_cpu_millis"`
	MaxMemoryMB  int `yaml:"max_memory_mb"`
}

// ApprovalCountYAML is the sign-off requirement of a rule.
type ApprovalCountYAML struct {
	Required          int            `yaml:"required"`
	LowGroundingExtra int            `yaml:"low_grounding_extra"`
	HighRiskRoles     map[string]int `yaml:"high_risk_roles"`
}

// RuleKindSection groups the rules of one kind for rendering.
type RuleKindSection struct {
	Kind        string
	Title       string
	Description string
	Rules       []RuleYAML
}

func main() {
	// Read the YAML file
	data, err := os.ReadFile("services/proposer/policy/defaults/default_rules.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading default_rules.yaml: %v\n", err)
		os.Exit(1)
	}

	var ruleSet RuleSetYAML
	if err := yaml.Unmarshal(data, &ruleSet); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing YAML: %v\n", err)
		os.Exit(1)
	}

	sections := groupByKind(ruleSet.Rules)

	generateMarkdown(sections, ruleSet.Rules, data)
}

// groupByKind collects rules into per-kind sections, ordered by kind name.
func groupByKind(rules []RuleYAML) []RuleKindSection {
	sectionMap := map[string]*RuleKindSection{
		"repo_allow_list": {
			Kind:        "repo_allow_list",
			Title:       "Repository Allow Lists",
			Description: "Restrict which repositories a proposal may target. Patterns support a trailing `*` wildcard.",
		},
		"time_window": {
			Kind:        "time_window",
			Title:       "Change Windows",
			Description: "Restrict when changes may ship. Requests outside the window pass only with a written emergency justification of the configured minimum length.",
		},
		"resource_limit": {
			Kind:        "resource_limit",
			Title:       "Resource Ceilings",
			Description: "Cap the CPU and memory a change may request per environment. Breaching a ceiling needs an explicitly approved override.",
		},
		"required_scans": {
			Kind:        "required_scans",
			Title:       "Required Scans",
			Description: "Require every dry-run tool of the target kind to have passed before a change ships.",
		},
		"approval_count": {
			Kind:        "approval_count",
			Title:       "Approval Requirements",
			Description: "Require recorded sign-offs. Ungrounded proposals can demand extra approvals, and specific roles can carry their own minimum.",
		},
	}

	for _, rule := range rules {
		section, ok := sectionMap[rule.Kind]
		if !ok {
			section = &RuleKindSection{Kind: rule.Kind, Title: rule.Kind}
			sectionMap[rule.Kind] = section
		}
		section.Rules = append(section.Rules, rule)
	}

	sections := make([]RuleKindSection, 0, len(sectionMap))
	for _, section := range sectionMap {
		if len(section.Rules) > 0 {
			sections = append(sections, *section)
		}
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].Kind < sections[j].Kind })
	return sections
}

// generateMarkdown renders the reference document to stdout.
func generateMarkdown(sections []RuleKindSection, rules []RuleYAML, raw []byte) {
	fingerprint := sha256.Sum256(raw)

	fmt.Println("# Default Policy Rule Reference")
	fmt.Println()
	fmt.Printf("Generated: %s\n", time.Now().Format("2006-01-02"))
	fmt.Println()
	fmt.Println("These rules are embedded in every binary and enforced when no policy")
	fmt.Println("file is configured. Override them with `ALEUTIAN_POLICY_RULES`; verify")
	fmt.Println("a deployed binary with `aleutianops policy verify`.")
	fmt.Println()
	fmt.Printf("SHA256 Fingerprint: `%x`\n", fingerprint)
	fmt.Println()

	for _, section := range sections {
		fmt.Printf("## %s\n\n", section.Title)
		if section.Description != "" {
			fmt.Printf("%s\n\n", section.Description)
		}

		fmt.Println("| Rule | Environments | Parameters |")
		fmt.Println("|------|--------------|------------|")
		for _, rule := range section.Rules {
			fmt.Printf("| `%s` | %s | %s |\n", rule.Name, environmentsCell(rule), parametersCell(rule))
		}
		fmt.Println()

		for _, rule := range section.Rules {
			if rule.Description != "" {
				fmt.Printf("- `%s`: %s\n", rule.Name, rule.Description)
			}
		}
		fmt.Println()
	}

	generateSummary(sections, rules)
}

// environmentsCell renders the environments a rule is scoped to.
func environmentsCell(rule RuleYAML) string {
	if len(rule.Environments) == 0 {
		return "all"
	}
	return strings.Join(rule.Environments, ", ")
}

// parametersCell renders the kind-specific parameters of a rule.
func parametersCell(rule RuleYAML) string {
	switch {
	case rule.RepoAllowList != nil:
		return fmt.Sprintf("allowed: %s", strings.Join(rule.RepoAllowList.Allowed, ", "))
	case rule.TimeWindow != nil:
		w := rule.TimeWindow
		cell := fmt.Sprintf("%s %s-%s", strings.Join(w.Days, "/"), w.Start, w.End)
		if w.MinJustificationLength > 0 {
			cell += fmt.Sprintf(", emergency justification >= %d chars", w.MinJustificationLength)
		}
		return cell
	case rule.ResourceLimit != nil:
		return fmt.Sprintf("cpu <= %dm, memory <= %dMB",
			rule.ResourceLimit.MaxCPUMillis, rule.ResourceLimit.MaxMemoryMB)
	case rule.RequiredScans != nil:
		return "all tools of the target kind"
	case rule.ApprovalCount != nil:
		a := rule.ApprovalCount
		parts := []string{fmt.Sprintf("required: %d", a.Required)}
		if a.LowGroundingExtra > 0 {
			parts = append(parts, fmt.Sprintf("low grounding: +%d", a.LowGroundingExtra))
		}
		for _, role := range sortedKeys(a.HighRiskRoles) {
			parts = append(parts, fmt.Sprintf("%s: >=%d", role, a.HighRiskRoles[role]))
		}
		return strings.Join(parts, ", ")
	}
	return "-"
}

// generateSummary renders the closing statistics block.
func generateSummary(sections []RuleKindSection, rules []RuleYAML) {
	fmt.Println("## Summary")
	fmt.Println()
	fmt.Printf("- Total rules: %d\n", len(rules))
	fmt.Printf("- Rule kinds: %d\n", len(sections))

	environments := map[string]bool{}
	for _, rule := range rules {
		for _, env := range rule.Environments {
			environments[env] = true
		}
	}
	scoped := sortedKeysBool(environments)
	if len(scoped) > 0 {
		fmt.Printf("- Environment-scoped rules cover: %s\n", strings.Join(scoped, ", "))
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysBool(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
