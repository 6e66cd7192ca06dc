// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle drives proposals through their state machine.
//
// A proposal moves DRAFT -> RETRIEVED -> GENERATED -> VALIDATED ->
// POLICY_CHECKED -> PROPOSED, or ends early in REJECTED (policy denial) or
// INVALID (generation failure, cancellation). The engine owns every
// mutation: each transition writes one audit record durably before the
// state advances, then persists the proposal, publishes an event, and
// increments metrics. A failed audit write halts the transition; the
// proposal stays where it was.
//
// Thread Safety:
//
//	Safe for concurrent use. Each proposal is guarded by its own mutex;
//	long-running external work (generation, validation) runs outside the
//	lock and re-checks the state before applying results, so a
//	cancellation landed meanwhile always wins.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianOps/services/proposer/audit"
	"github.com/AleutianAI/AleutianOps/services/proposer/citations"
	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// lifecycleTracer is the OpenTelemetry tracer for lifecycle operations.
var lifecycleTracer = otel.Tracer("aleutian.proposer.lifecycle")

// EngineActor is the audit actor recorded for engine-driven transitions.
const EngineActor = "proposer"

// =============================================================================
// Interfaces
// =============================================================================

// ContextRetriever fetches and ranks knowledge documents for a request.
// Retrieval failures degrade, they never abort: err is reserved for faults
// the caller should treat as "no context available".
type ContextRetriever interface {
	RetrieveContext(ctx context.Context, req datatypes.ProposalRequest) (results []datatypes.ScoredResult, degraded []string, err error)
}

// Generator produces candidate configuration files from a request and its
// retrieved grounding context.
type Generator interface {
	Generate(ctx context.Context, req datatypes.ProposalRequest, grounding []datatypes.ScoredResult) (map[string]string, error)
}

// ToolRunner executes one dry-run validation tool against generated files.
// The supplied context carries the per-tool timeout.
type ToolRunner interface {
	Run(ctx context.Context, tool datatypes.Tool, files map[string]string) (datatypes.ValidationOutcome, error)
}

// PolicyEvaluator decides whether an operation may proceed.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, octx datatypes.OperationContext) datatypes.Verdict
}

// ProposalStore persists proposals across process restarts.
type ProposalStore interface {
	Put(ctx context.Context, p *datatypes.Proposal) error
	Get(ctx context.Context, id string) (*datatypes.Proposal, error)
	List(ctx context.Context, state datatypes.ProposalState, limit int) ([]*datatypes.Proposal, error)
}

// =============================================================================
// Engine
// =============================================================================

// Deps are the collaborators the engine drives.
type Deps struct {
	Retriever ContextRetriever
	Generator Generator
	Runner    ToolRunner
	Policy    PolicyEvaluator
	Store     ProposalStore
	Trail     audit.Logger

	// Events receives post-transition notifications. Optional; nil uses
	// the no-op sink.
	Events audit.EventSink
}

// Config tunes engine behavior that is not carried per request.
type Config struct {
	// FinalK caps the globally ranked context attached to a proposal.
	FinalK int

	// MaxCitations caps the citation list on PROPOSED proposals.
	MaxCitations int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		FinalK:       10,
		MaxCitations: citations.DefaultMaxCitations,
	}
}

// managedProposal pairs a proposal with its guard state.
type managedProposal struct {
	mu         sync.Mutex
	proposal   *datatypes.Proposal
	validating bool
}

// Engine owns all proposals and their transitions.
type Engine struct {
	deps Deps
	cfg  Config

	mu     sync.Mutex
	active map[string]*managedProposal
}

// NewEngine creates a lifecycle engine.
//
// # Inputs
//
//   - deps: Collaborators; all but Events are required.
//   - cfg: Engine configuration; zero values fall back to DefaultConfig.
//
// # Outputs
//
//   - *Engine: Ready engine.
//   - error: Non-nil when a required dependency is missing.
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Retriever == nil:
		return nil, fmt.Errorf("lifecycle engine requires a ContextRetriever")
	case deps.Generator == nil:
		return nil, fmt.Errorf("lifecycle engine requires a Generator")
	case deps.Runner == nil:
		return nil, fmt.Errorf("lifecycle engine requires a ToolRunner")
	case deps.Policy == nil:
		return nil, fmt.Errorf("lifecycle engine requires a PolicyEvaluator")
	case deps.Store == nil:
		return nil, fmt.Errorf("lifecycle engine requires a ProposalStore")
	case deps.Trail == nil:
		return nil, fmt.Errorf("lifecycle engine requires an audit.Logger")
	}
	if deps.Events == nil {
		deps.Events = audit.DefaultEventSink
	}

	defaults := DefaultConfig()
	if cfg.FinalK <= 0 {
		cfg.FinalK = defaults.FinalK
	}
	if cfg.MaxCitations <= 0 {
		cfg.MaxCitations = defaults.MaxCitations
	}

	return &Engine{
		deps:   deps,
		cfg:    cfg,
		active: make(map[string]*managedProposal),
	}, nil
}

// Create registers a new DRAFT proposal from a change request.
//
// # Description
//
// Fills request defaults, validates it, writes the creation audit record
// (durably, before the proposal exists anywhere else), then registers and
// persists the proposal.
func (e *Engine) Create(ctx context.Context, req datatypes.ProposalRequest) (*datatypes.Proposal, error) {
	ctx, span := lifecycleTracer.Start(ctx, "Engine.Create")
	defer span.End()

	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid proposal request")
		return nil, fmt.Errorf("invalid proposal request: %w", err)
	}

	p := datatypes.NewProposal(req)
	span.SetAttributes(
		attribute.String("proposal.id", p.ID),
		attribute.String("proposal.target", string(req.Target)),
	)

	if _, err := e.deps.Trail.Emit(audit.Entry{
		ProposalID: p.ID,
		Actor:      req.Requester,
		Action:     audit.ActionCreated,
		ToState:    string(datatypes.StateDraft),
		Detail:     fmt.Sprintf("target=%s environment=%s", req.Target, req.Environment),
	}); err != nil {
		observability.RecordAuditWriteFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit write failed")
		return nil, &AuditWriteError{ProposalID: p.ID, To: datatypes.StateDraft, Err: err}
	}

	e.mu.Lock()
	e.active[p.ID] = &managedProposal{proposal: p}
	e.mu.Unlock()

	if err := e.deps.Store.Put(ctx, p); err != nil {
		slog.Error("failed to persist created proposal", "proposal_id", p.ID, "error", err)
	}
	observability.RecordProposalCreated(string(req.Target))
	slog.Info("proposal created",
		"proposal_id", p.ID,
		"target", req.Target,
		"environment", req.Environment,
		"requester", req.Requester,
	)

	return p.Clone(), nil
}

// Run drives a proposal from its current state to a terminal one.
//
// Step failures that are lifecycle outcomes (generation unavailable,
// policy denial, cancellation) terminate the proposal and are reported
// through its state, not through the error return. The error return is
// reserved for infrastructure faults: unknown proposal, audit write
// failure, a concurrent validation run.
func (e *Engine) Run(ctx context.Context, id string) (*datatypes.Proposal, error) {
	ctx, span := lifecycleTracer.Start(ctx, "Engine.Run")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", id))

	for {
		m, err := e.managed(id)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		state := m.proposal.State
		m.mu.Unlock()
		if state.Terminal() {
			span.SetAttributes(attribute.String("proposal.terminal_state", string(state)))
			return e.Get(ctx, id)
		}

		if ctx.Err() != nil {
			return e.Cancel(ctx, id, EngineActor)
		}

		switch state {
		case datatypes.StateDraft:
			_, err = e.Retrieve(ctx, id)
		case datatypes.StateRetrieved:
			_, err = e.Generate(ctx, id)
		case datatypes.StateGenerated:
			_, err = e.Validate(ctx, id)
		case datatypes.StateValidated:
			_, err = e.CheckPolicy(ctx, id)
		case datatypes.StatePolicyChecked:
			_, err = e.Finalize(ctx, id)
		default:
			err = fmt.Errorf("proposal %s in unexpected state %s", id, state)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pipeline step failed")
			return nil, err
		}
	}
}

// Retrieve moves DRAFT -> RETRIEVED.
//
// This transition always succeeds: a retrieval fault degrades to an empty
// context and records every requested collection as degraded, because a
// proposal without grounding is still reviewable (policy sees the
// low-grounding flag).
func (e *Engine) Retrieve(ctx context.Context, id string) (*datatypes.Proposal, error) {
	ctx, span := lifecycleTracer.Start(ctx, "Engine.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", id))

	m, err := e.managed(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.proposal.State != datatypes.StateDraft {
		defer m.mu.Unlock()
		return nil, &WrongStateError{ID: id, State: m.proposal.State, Operation: "retrieve"}
	}
	req := m.proposal.Request
	m.mu.Unlock()

	start := time.Now()
	results, degraded, retrieveErr := e.deps.Retriever.RetrieveContext(ctx, req)
	if retrieveErr != nil {
		if e.wasCancelled(ctx, retrieveErr) {
			return e.Cancel(ctx, id, EngineActor)
		}
		slog.Warn("context retrieval degraded to empty",
			"proposal_id", id,
			"error", retrieveErr,
		)
		results = nil
		degraded = append([]string(nil), req.Collections...)
	}

	status := "ok"
	switch {
	case len(results) == 0:
		status = "empty"
	case len(degraded) > 0:
		status = "degraded"
	}
	observability.RecordRetrieval(status, time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("retrieval.results", len(results)),
		attribute.Int("retrieval.degraded", len(degraded)),
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proposal.State != datatypes.StateDraft {
		return nil, &WrongStateError{ID: id, State: m.proposal.State, Operation: "retrieve"}
	}

	m.proposal.RetrievedContext = results
	m.proposal.DegradedSources = degraded
	m.proposal.LowGrounding = len(results) == 0

	detail := fmt.Sprintf("%d documents", len(results))
	if len(degraded) > 0 {
		detail = fmt.Sprintf("%d documents, degraded: %v", len(results), degraded)
	}
	if err := e.transition(ctx, m.proposal, datatypes.StateRetrieved, "", detail, "", EngineActor); err != nil {
		return nil, err
	}
	return m.proposal.Clone(), nil
}

// Generate moves RETRIEVED -> GENERATED, or to INVALID with reason
// GenerationUnavailable when the generation backend fails. There is no
// retry here; callers decide whether to resubmit.
func (e *Engine) Generate(ctx context.Context, id string) (*datatypes.Proposal, error) {
	ctx, span := lifecycleTracer.Start(ctx, "Engine.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", id))

	m, err := e.managed(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.proposal.State != datatypes.StateRetrieved {
		defer m.mu.Unlock()
		return nil, &WrongStateError{ID: id, State: m.proposal.State, Operation: "generate"}
	}
	req := m.proposal.Request
	grounding := append([]datatypes.ScoredResult(nil), m.proposal.RetrievedContext...)
	m.mu.Unlock()

	files, genErr := e.deps.Generator.Generate(ctx, req, grounding)
	if genErr != nil && e.wasCancelled(ctx, genErr) {
		return e.Cancel(ctx, id, EngineActor)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proposal.State != datatypes.StateRetrieved {
		return nil, &WrongStateError{ID: id, State: m.proposal.State, Operation: "generate"}
	}

	if genErr != nil {
		span.RecordError(genErr)
		span.SetStatus(codes.Error, "generation unavailable")
		slog.Error("generation failed, proposal invalid",
			"proposal_id", id,
			"error", genErr,
		)
		if err := e.transition(ctx, m.proposal, datatypes.StateInvalid,
			datatypes.ReasonGenerationUnavailable, genErr.Error(), "", EngineActor); err != nil {
			return nil, err
		}
		return m.proposal.Clone(), nil
	}

	m.proposal.GeneratedFiles = files
	detail := fmt.Sprintf("%d files", len(files))
	if err := e.transition(ctx, m.proposal, datatypes.StateGenerated, "", detail, "", EngineActor); err != nil {
		return nil, err
	}
	return m.proposal.Clone(), nil
}

// Validate moves GENERATED -> VALIDATED.
//
// # Description
//
// Fans out one runner call per required tool, each under the request's
// per-tool timeout. A timeout or tool failure is an outcome, never an
// error: the proposal reaches VALIDATED carrying whatever outcomes were
// collected, and policy decides what a non-ok scan means.
//
// At most one validation run may be in flight per proposal; a concurrent
// call fails with ValidationInProgressError so a proposal leaves GENERATED
// exactly once.
func (e *Engine) Validate(ctx context.Context, id string) (*datatypes.Proposal, error) {
	ctx, span := lifecycleTracer.Start(ctx, "Engine.Validate")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", id))

	m, err := e.managed(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.proposal.State != datatypes.StateGenerated {
		defer m.mu.Unlock()
		return nil, &WrongStateError{ID: id, State: m.proposal.State, Operation: "validate"}
	}
	if m.validating {
		defer m.mu.Unlock()
		return nil, &ValidationInProgressError{ID: id}
	}
	m.validating = true
	tools := append([]datatypes.Tool(nil), m.proposal.Request.Tools...)
	timeout := m.proposal.Request.ToolTimeout
	files := make(map[string]string, len(m.proposal.GeneratedFiles))
	for k, v := range m.proposal.GeneratedFiles {
		files[k] = v
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.validating = false
		m.mu.Unlock()
	}()

	outcomes := make([]datatypes.ValidationOutcome, len(tools))
	g, groupCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	for i, tool := range tools {
		g.Go(func() error {
			outcomes[i] = e.runTool(groupCtx, tool, timeout, files)
			return nil
		})
	}
	// Workers never return errors; outcomes carry every result.
	_ = g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proposal.State != datatypes.StateGenerated {
		// Cancelled while tools were running; the cancellation won.
		return nil, &WrongStateError{ID: id, State: m.proposal.State, Operation: "validate"}
	}

	m.proposal.ValidationResults = make(map[datatypes.Tool]datatypes.ValidationOutcome, len(outcomes))
	for _, outcome := range outcomes {
		m.proposal.ValidationResults[outcome.Tool] = outcome

		if _, err := e.deps.Trail.Emit(audit.Entry{
			ProposalID: id,
			Actor:      EngineActor,
			Action:     audit.ActionValidation,
			Detail:     fmt.Sprintf("%s: %s", outcome.Tool, outcome.Status),
		}); err != nil {
			observability.RecordAuditWriteFailure()
			return nil, &AuditWriteError{ProposalID: id, To: datatypes.StateValidated, Err: err}
		}
		if err := e.deps.Events.OnValidationOutcome(ctx, audit.ValidationEvent{
			Timestamp:  time.Now().UTC(),
			ProposalID: id,
			Tool:       string(outcome.Tool),
			Status:     string(outcome.Status),
			Summary:    outcome.Summary,
		}); err != nil {
			slog.Warn("validation event delivery failed", "proposal_id", id, "error", err)
		}
	}

	detail := fmt.Sprintf("%d tools", len(outcomes))
	if err := e.transition(ctx, m.proposal, datatypes.StateValidated, "", detail, "", EngineActor); err != nil {
		return nil, err
	}
	return m.proposal.Clone(), nil
}

// runTool invokes one tool under its timeout and maps errors to outcomes.
func (e *Engine) runTool(ctx context.Context, tool datatypes.Tool, timeout time.Duration, files map[string]string) datatypes.ValidationOutcome {
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	outcome, err := e.deps.Runner.Run(toolCtx, tool, files)
	elapsed := time.Since(start)

	if err != nil {
		status := datatypes.ValidationUnavailable
		summary := fmt.Sprintf("tool error: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			status = datatypes.ValidationTimeout
			summary = fmt.Sprintf("timed out after %s", timeout)
		}
		outcome = datatypes.ValidationOutcome{
			Tool:    tool,
			Status:  status,
			Summary: summary,
		}
	}
	outcome.Tool = tool
	outcome.Duration = elapsed

	observability.RecordValidation(string(tool), string(outcome.Status), elapsed.Seconds())
	return outcome
}

// CheckPolicy moves VALIDATED -> POLICY_CHECKED, or to REJECTED carrying
// the violation list verbatim.
func (e *Engine) CheckPolicy(ctx context.Context, id string) (*datatypes.Proposal, error) {
	ctx, span := lifecycleTracer.Start(ctx, "Engine.CheckPolicy")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", id))

	m, err := e.managed(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proposal.State != datatypes.StateValidated {
		return nil, &WrongStateError{ID: id, State: m.proposal.State, Operation: "check policy"}
	}

	octx := operationContext(m.proposal)
	verdict := e.deps.Policy.Evaluate(ctx, octx)
	m.proposal.PolicyVerdict = &verdict
	observability.RecordPolicyDecision(verdict.Allowed)
	span.SetAttributes(
		attribute.Bool("policy.allowed", verdict.Allowed),
		attribute.Int("policy.violations", len(verdict.Violations)),
	)

	if _, err := e.deps.Trail.Emit(audit.Entry{
		ProposalID: id,
		Actor:      EngineActor,
		Action:     audit.ActionPolicyDecision,
		Detail:     policyDetail(verdict),
	}); err != nil {
		observability.RecordAuditWriteFailure()
		return nil, &AuditWriteError{ProposalID: id, To: datatypes.StatePolicyChecked, Err: err}
	}
	if err := e.deps.Events.OnPolicyDecision(ctx, audit.PolicyDecisionEvent{
		Timestamp:  time.Now().UTC(),
		ProposalID: id,
		Allowed:    verdict.Allowed,
		Violations: append([]string(nil), verdict.Violations...),
	}); err != nil {
		slog.Warn("policy event delivery failed", "proposal_id", id, "error", err)
	}

	if !verdict.Allowed {
		if err := e.transition(ctx, m.proposal, datatypes.StateRejected,
			datatypes.ReasonPolicyDenied, policyDetail(verdict), "", EngineActor); err != nil {
			return nil, err
		}
		return m.proposal.Clone(), nil
	}

	if err := e.transition(ctx, m.proposal, datatypes.StatePolicyChecked, "", "", "", EngineActor); err != nil {
		return nil, err
	}
	return m.proposal.Clone(), nil
}

// Finalize moves POLICY_CHECKED -> PROPOSED: attaches citations, records
// knowledge usage, and stamps the generated files' content hash into the
// terminal audit record.
func (e *Engine) Finalize(ctx context.Context, id string) (*datatypes.Proposal, error) {
	ctx, span := lifecycleTracer.Start(ctx, "Engine.Finalize")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", id))

	m, err := e.managed(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proposal.State != datatypes.StatePolicyChecked {
		return nil, &WrongStateError{ID: id, State: m.proposal.State, Operation: "finalize"}
	}

	cites, lowGrounding := citations.Attach(m.proposal.RetrievedContext, e.cfg.MaxCitations)
	m.proposal.Citations = cites
	m.proposal.LowGrounding = lowGrounding

	contentHash := audit.HashFiles(m.proposal.GeneratedFiles)
	usage := citations.TrackUsage(contentHash, cites)
	slog.Info("knowledge usage tracked",
		"proposal_id", id,
		"sources", usage.UsageCount,
		"content_hash", contentHash[:8],
	)

	detail := fmt.Sprintf("%d files, %d citations", len(m.proposal.GeneratedFiles), len(cites))
	if err := e.transition(ctx, m.proposal, datatypes.StateProposed, "", detail, contentHash, EngineActor); err != nil {
		return nil, err
	}
	return m.proposal.Clone(), nil
}

// Cancel moves any non-terminal proposal to INVALID with reason Cancelled.
// Cancelling a terminal proposal fails with TerminalStateError.
func (e *Engine) Cancel(ctx context.Context, id string, actor string) (*datatypes.Proposal, error) {
	ctx, span := lifecycleTracer.Start(ctx, "Engine.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", id))

	m, err := e.managed(id)
	if err != nil {
		return nil, err
	}
	if actor == "" {
		actor = EngineActor
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proposal.State.Terminal() {
		return nil, &TerminalStateError{ID: id, State: m.proposal.State}
	}

	if err := e.transition(ctx, m.proposal, datatypes.StateInvalid,
		datatypes.ReasonCancelled, "", "", actor); err != nil {
		return nil, err
	}
	slog.Info("proposal cancelled", "proposal_id", id, "actor", actor)
	return m.proposal.Clone(), nil
}

// RecordApproval appends a sign-off to a non-terminal proposal. Approvals
// recorded while validation runs are visible to the later policy check.
func (e *Engine) RecordApproval(ctx context.Context, id string, approval datatypes.Approval) (*datatypes.Proposal, error) {
	ctx, span := lifecycleTracer.Start(ctx, "Engine.RecordApproval")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", id))

	m, err := e.managed(id)
	if err != nil {
		return nil, err
	}
	if approval.At.IsZero() {
		approval.At = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proposal.State.Terminal() {
		return nil, &TerminalStateError{ID: id, State: m.proposal.State}
	}

	if _, err := e.deps.Trail.Emit(audit.Entry{
		ProposalID: id,
		Actor:      approval.Approver,
		Action:     audit.ActionApproval,
		Detail:     fmt.Sprintf("role=%s", approval.Role),
	}); err != nil {
		observability.RecordAuditWriteFailure()
		return nil, &AuditWriteError{ProposalID: id, To: m.proposal.State, Err: err}
	}

	m.proposal.Approvals = append(m.proposal.Approvals, approval)
	if err := e.deps.Store.Put(context.WithoutCancel(ctx), m.proposal); err != nil {
		slog.Error("failed to persist proposal after approval", "proposal_id", id, "error", err)
	}
	return m.proposal.Clone(), nil
}

// Get returns a copy of a proposal, preferring the live registry and
// falling back to the store for proposals from earlier runs.
func (e *Engine) Get(ctx context.Context, id string) (*datatypes.Proposal, error) {
	e.mu.Lock()
	m, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.proposal.Clone(), nil
	}

	p, err := e.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &NotFoundError{ID: id}
	}
	return p, nil
}

// List returns persisted proposals, optionally filtered by state.
func (e *Engine) List(ctx context.Context, state datatypes.ProposalState, limit int) ([]*datatypes.Proposal, error) {
	return e.deps.Store.List(ctx, state, limit)
}

// Snapshot returns the stable terminal interchange shape of a proposal.
// Non-terminal proposals fail with NotTerminalError.
func (e *Engine) Snapshot(ctx context.Context, id string) (datatypes.Snapshot, error) {
	p, err := e.Get(ctx, id)
	if err != nil {
		return datatypes.Snapshot{}, err
	}
	return BuildSnapshot(p)
}

// =============================================================================
// Internals
// =============================================================================

// managed looks up the live registry entry for a proposal.
func (e *Engine) managed(id string) (*managedProposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.active[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return m, nil
}

// transition writes the audit record durably, then advances the state and
// runs post-effects (persist, event, metric). Callers hold the proposal
// lock. A failed audit write leaves the proposal untouched.
func (e *Engine) transition(ctx context.Context, p *datatypes.Proposal, to datatypes.ProposalState, reason, detail, contentHash, actor string) error {
	from := p.State

	if _, err := e.deps.Trail.Emit(audit.Entry{
		ProposalID:  p.ID,
		Actor:       actor,
		Action:      audit.ActionTransition,
		FromState:   string(from),
		ToState:     string(to),
		Reason:      reason,
		Detail:      detail,
		ContentHash: contentHash,
	}); err != nil {
		observability.RecordAuditWriteFailure()
		slog.Error("audit write failed, transition halted",
			"proposal_id", p.ID,
			"from", from,
			"to", to,
			"error", err,
		)
		return &AuditWriteError{ProposalID: p.ID, To: to, Err: err}
	}

	p.State = to
	if reason != "" {
		p.StateReason = reason
	}
	if to.Terminal() {
		now := time.Now().UTC()
		p.TerminalAt = &now
	}
	observability.RecordTransition(string(to))

	// Post-effects survive caller cancellation; the transition already
	// happened and must be observable.
	bg := context.WithoutCancel(ctx)
	if err := e.deps.Store.Put(bg, p); err != nil {
		slog.Error("failed to persist proposal after transition",
			"proposal_id", p.ID,
			"state", to,
			"error", err,
		)
	}
	if err := e.deps.Events.OnTransition(bg, audit.TransitionEvent{
		Timestamp:  time.Now().UTC(),
		ProposalID: p.ID,
		Actor:      actor,
		FromState:  string(from),
		ToState:    string(to),
		Reason:     reason,
	}); err != nil {
		slog.Warn("transition event delivery failed", "proposal_id", p.ID, "error", err)
	}

	slog.Info("proposal transitioned",
		"proposal_id", p.ID,
		"from", from,
		"to", to,
		"reason", reason,
	)
	return nil
}

// wasCancelled reports whether err or the context reflects caller
// cancellation rather than a backend fault.
func (e *Engine) wasCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// operationContext assembles the immutable policy input from a proposal.
func operationContext(p *datatypes.Proposal) datatypes.OperationContext {
	statuses := make(map[datatypes.Tool]datatypes.ValidationStatus, len(p.ValidationResults))
	for tool, outcome := range p.ValidationResults {
		statuses[tool] = outcome.Status
	}

	return datatypes.OperationContext{
		Repository:               p.Request.Repository,
		Environment:              p.Request.Environment,
		Operation:                p.Request.Target,
		RequestedAt:              p.Request.CreatedAt,
		Resources:                p.Request.Resources,
		ResourceOverrideApproved: p.Request.ResourceOverrideApproved,
		Approvals:                append([]datatypes.Approval(nil), p.Approvals...),
		Validations:              statuses,
		LowGrounding:             p.LowGrounding,
		EmergencyJustification:   p.Request.EmergencyJustification,
	}
}

// policyDetail renders a verdict for audit detail fields.
func policyDetail(v datatypes.Verdict) string {
	if v.Allowed {
		return "allowed"
	}
	return fmt.Sprintf("denied: %v", v.Violations)
}
