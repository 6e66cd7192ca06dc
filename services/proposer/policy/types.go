// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy evaluates operation contexts against a declarative rule
// set.
//
// Rules are data, not code: each rule is a YAML struct of one of five
// closed kinds, compiled onto a small set of predicates (pattern match,
// time window, numeric limit, count threshold). Evaluation runs every rule,
// ANDs their verdicts, and concatenates violations in rule order, so a
// denied proposal always reports the complete list of problems rather than
// the first one found.
//
// Thread Safety:
//
//	The Engine is safe for concurrent use; rule sets are replaced
//	atomically on hot reload.
package policy

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuleKind identifies one of the closed rule families.
type RuleKind string

const (
	// KindRepoAllowList restricts which repositories may be targeted.
	KindRepoAllowList RuleKind = "repo_allow_list"

	// KindTimeWindow restricts when changes may be proposed.
	KindTimeWindow RuleKind = "time_window"

	// KindResourceLimit caps requested CPU and memory per environment.
	KindResourceLimit RuleKind = "resource_limit"

	// KindRequiredScans requires named dry-run tools to have passed.
	KindRequiredScans RuleKind = "required_scans"

	// KindApprovalCount requires a minimum number of sign-offs.
	KindApprovalCount RuleKind = "approval_count"
)

// UnmarshalYAML validates the kind against the closed set.
func (k *RuleKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	kind := RuleKind(s)
	switch kind {
	case KindRepoAllowList, KindTimeWindow, KindResourceLimit, KindRequiredScans, KindApprovalCount:
		*k = kind
		return nil
	default:
		return fmt.Errorf("unknown rule kind %q", s)
	}
}

// RulesFile is the top-level shape of a policy rules YAML file.
type RulesFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule as written in YAML, before compilation. Exactly one
// payload block must be set, and it must match Kind.
type RuleSpec struct {
	Name         string   `yaml:"name"`
	Kind         RuleKind `yaml:"kind"`
	Description  string   `yaml:"description,omitempty"`
	Environments []string `yaml:"environments,omitempty"`

	RepoAllowList *RepoAllowListSpec `yaml:"repo_allow_list,omitempty"`
	TimeWindow    *TimeWindowSpec    `yaml:"time_window,omitempty"`
	ResourceLimit *ResourceLimitSpec `yaml:"resource_limit,omitempty"`
	RequiredScans *RequiredScansSpec `yaml:"required_scans,omitempty"`
	ApprovalCount *ApprovalCountSpec `yaml:"approval_count,omitempty"`
}

// RepoAllowListSpec lists permitted repositories, exact names or glob
// patterns ("*" does not cross "/").
type RepoAllowListSpec struct {
	Allowed []string `yaml:"allowed"`
}

// TimeWindowSpec defines the permitted change window in UTC.
//
// Days use three-letter names (Mon..Sun); Start and End are "HH:MM" with
// End after Start. An operation outside the window passes only with an
// emergency justification of at least MinJustificationLength characters.
type TimeWindowSpec struct {
	Days                   []string `yaml:"days"`
	Start                  string   `yaml:"start"`
	End                    string   `yaml:"end"`
	MinJustificationLength int      `yaml:"min_justification_length"`
}

// ResourceLimitSpec caps requested capacity. A zero limit means no cap on
// that resource.
type ResourceLimitSpec struct {
	MaxCPUMillis int `yaml:"max_cpu_millis"`
	MaxMemoryMB  int `yaml:"max_memory_mb"`
}

// RequiredScansSpec names the dry-run tools that must all have completed
// with status ok. An empty Tools list derives the set from the operation's
// target kind.
type RequiredScansSpec struct {
	Tools []string `yaml:"tools,omitempty"`
}

// ApprovalCountSpec requires sign-offs before a change may proceed.
//
// HighRiskRoles maps role name to the minimum approvals carrying that role,
// enforced only for high-risk operation kinds. LowGroundingExtra raises the
// required count for proposals generated without retrieved context.
type ApprovalCountSpec struct {
	Required          int            `yaml:"required"`
	HighRiskRoles     map[string]int `yaml:"high_risk_roles,omitempty"`
	LowGroundingExtra int            `yaml:"low_grounding_extra,omitempty"`
}

// =============================================================================
// Predicates
// =============================================================================

// patternPredicate matches a value against exact strings or glob patterns.
type patternPredicate struct {
	patterns []string
}

// compilePatternPredicate validates every glob pattern up front so a
// malformed pattern is a load error, not a silent non-match at evaluation.
func compilePatternPredicate(patterns []string) (patternPredicate, error) {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return patternPredicate{}, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}
	return patternPredicate{patterns: patterns}, nil
}

func (p patternPredicate) matches(value string) bool {
	for _, pattern := range p.patterns {
		if pattern == value {
			return true
		}
		if ok, _ := path.Match(pattern, value); ok {
			return true
		}
	}
	return false
}

// windowPredicate is a weekly recurring clock-time window, evaluated in
// UTC.
type windowPredicate struct {
	days        map[time.Weekday]struct{}
	startMinute int
	endMinute   int
	description string
}

// weekdayNames is the closed set of accepted day spellings.
var weekdayNames = map[string]time.Weekday{
	"Mon": time.Monday,
	"Tue": time.Tuesday,
	"Wed": time.Wednesday,
	"Thu": time.Thursday,
	"Fri": time.Friday,
	"Sat": time.Saturday,
	"Sun": time.Sunday,
}

func compileWindowPredicate(spec TimeWindowSpec) (windowPredicate, error) {
	if len(spec.Days) == 0 {
		return windowPredicate{}, fmt.Errorf("time window needs at least one day")
	}

	days := make(map[time.Weekday]struct{}, len(spec.Days))
	for _, name := range spec.Days {
		day, ok := weekdayNames[name]
		if !ok {
			return windowPredicate{}, fmt.Errorf("unknown day %q (use Mon..Sun)", name)
		}
		days[day] = struct{}{}
	}

	start, err := parseClockMinute(spec.Start)
	if err != nil {
		return windowPredicate{}, fmt.Errorf("invalid window start: %w", err)
	}
	end, err := parseClockMinute(spec.End)
	if err != nil {
		return windowPredicate{}, fmt.Errorf("invalid window end: %w", err)
	}
	if end <= start {
		return windowPredicate{}, fmt.Errorf("window end %s must be after start %s", spec.End, spec.Start)
	}

	return windowPredicate{
		days:        days,
		startMinute: start,
		endMinute:   end,
		description: fmt.Sprintf("%s %s-%s UTC", strings.Join(spec.Days, ","), spec.Start, spec.End),
	}, nil
}

// parseClockMinute converts "HH:MM" into minutes since midnight.
func parseClockMinute(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// contains reports whether t (converted to UTC) falls inside the window.
// The end minute is exclusive.
func (w windowPredicate) contains(t time.Time) bool {
	utc := t.UTC()
	if _, ok := w.days[utc.Weekday()]; !ok {
		return false
	}
	minute := utc.Hour()*60 + utc.Minute()
	return minute >= w.startMinute && minute < w.endMinute
}

// limitPredicate is a numeric ceiling; a non-positive limit disables it.
type limitPredicate struct {
	limit int
}

func (p limitPredicate) within(value int) bool {
	return p.limit <= 0 || value <= p.limit
}

// countPredicate is a minimum-count threshold.
type countPredicate struct {
	required int
}

func (p countPredicate) satisfied(count int) bool {
	return count >= p.required
}

// roleMinimum is one role's compiled approval floor.
type roleMinimum struct {
	Role  string
	Count int
}

// sortedRoleMinimums flattens the role map into a deterministic order so
// violation messages are stable across evaluations.
func sortedRoleMinimums(roles map[string]int) []roleMinimum {
	minimums := make([]roleMinimum, 0, len(roles))
	for role, count := range roles {
		minimums = append(minimums, roleMinimum{Role: role, Count: count})
	}
	sort.Slice(minimums, func(i, j int) bool { return minimums[i].Role < minimums[j].Role })
	return minimums
}
