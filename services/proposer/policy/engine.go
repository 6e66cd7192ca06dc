// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

// policyTracer is the OpenTelemetry tracer for policy evaluation.
var policyTracer = otel.Tracer("aleutian.proposer.policy")

// Engine evaluates operation contexts against its current rule set.
//
// Thread Safety: safe for concurrent use. Replace swaps the whole rule set
// under a write lock; evaluations in flight finish against the set they
// started with.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewEngine creates an Engine over an already compiled rule set.
func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Evaluate runs every rule in scope and combines their verdicts.
//
// Description:
//
//	All rules are always evaluated; there is no short-circuit on the first
//	denial. The verdict's allowed field is the AND over rule verdicts and
//	violations are concatenated in rule order, so callers see the complete
//	set of problems at once. Evaluation is a pure function of the context:
//	the same OperationContext against the same rule set always produces
//	the same verdict.
//
// Inputs:
//
//	ctx - Context for tracing; evaluation itself does not block.
//	octx - Immutable facts about the operation under evaluation.
//
// Outputs:
//
//	datatypes.Verdict - Combined allowed flag and ordered violations.
func (e *Engine) Evaluate(ctx context.Context, octx datatypes.OperationContext) datatypes.Verdict {
	_, span := policyTracer.Start(ctx, "Engine.Evaluate")
	defer span.End()

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	verdict := EvaluateAll(rules, octx)

	span.SetAttributes(
		attribute.String("policy.environment", octx.Environment),
		attribute.Int("policy.rules", len(rules)),
		attribute.Bool("policy.allowed", verdict.Allowed),
		attribute.Int("policy.violations", len(verdict.Violations)),
	)
	if !verdict.Allowed {
		slog.Info("policy denied operation",
			"repository", octx.Repository,
			"environment", octx.Environment,
			"violations", len(verdict.Violations),
		)
	}

	return verdict
}

// EvaluateAll combines the verdicts of every rule in scope for the
// context's environment, in rule order.
func EvaluateAll(rules []Rule, octx datatypes.OperationContext) datatypes.Verdict {
	verdict := datatypes.Allow()
	for _, rule := range rules {
		if !rule.AppliesTo(octx.Environment) {
			continue
		}
		verdict = verdict.Merge(rule.Evaluate(octx))
	}
	return verdict
}

// Replace atomically swaps the active rule set.
func (e *Engine) Replace(rules []Rule) {
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	slog.Info("policy rule set replaced", "rules", len(rules))
}

// Rules returns a copy of the active rule set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Parse compiles a YAML rules document.
//
// Description:
//
//	Performs the full load sequence:
//	 1. Unmarshal the YAML into RuleSpec structs (closed kinds validated
//	    during decoding).
//	 2. Compile every spec: payload/kind match, glob patterns, time
//	    windows, tool names.
//	 3. Reject an empty document; a policy engine with zero rules would
//	    allow everything silently.
//
//	Rule order in the file is preserved; it is the violation order.
func Parse(data []byte) ([]Rule, error) {
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("policy rules document contains no rules")
	}

	rules := make([]Rule, 0, len(file.Rules))
	for _, spec := range file.Rules {
		rule, err := spec.Compile()
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy rules: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadFile reads and compiles a rules file from disk.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy rules file: %w", err)
	}
	return Parse(data)
}
