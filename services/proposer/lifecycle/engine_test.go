// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianOps/services/proposer/audit"
	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/policy"
)

// ===== Fakes =====

type fakeRetriever struct {
	results  []datatypes.ScoredResult
	degraded []string
	err      error
}

func (f *fakeRetriever) RetrieveContext(ctx context.Context, req datatypes.ProposalRequest) ([]datatypes.ScoredResult, []string, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.results, f.degraded, nil
}

type fakeGenerator struct {
	files map[string]string
	err   error
}

func (f *fakeGenerator) Generate(ctx context.Context, req datatypes.ProposalRequest, grounding []datatypes.ScoredResult) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.files, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	delays   map[datatypes.Tool]time.Duration
	statuses map[datatypes.Tool]datatypes.ValidationStatus
	errs     map[datatypes.Tool]error
}

func (f *fakeRunner) Run(ctx context.Context, tool datatypes.Tool, files map[string]string) (datatypes.ValidationOutcome, error) {
	f.mu.Lock()
	delay := f.delays[tool]
	status := f.statuses[tool]
	err := f.errs[tool]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return datatypes.ValidationOutcome{}, ctx.Err()
		}
	}
	if err != nil {
		return datatypes.ValidationOutcome{}, err
	}
	if status == "" {
		status = datatypes.ValidationOK
	}
	return datatypes.ValidationOutcome{
		Tool:    tool,
		Status:  status,
		Summary: string(status),
	}, nil
}

type fakePolicy struct {
	mu      sync.Mutex
	verdict datatypes.Verdict
	last    datatypes.OperationContext
	called  bool
}

func (f *fakePolicy) Evaluate(ctx context.Context, octx datatypes.OperationContext) datatypes.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = octx
	f.called = true
	return f.verdict
}

type memStore struct {
	mu   sync.Mutex
	byID map[string]*datatypes.Proposal
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[string]*datatypes.Proposal)}
}

func (s *memStore) Put(ctx context.Context, p *datatypes.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = p.Clone()
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*datatypes.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (s *memStore) List(ctx context.Context, state datatypes.ProposalState, limit int) ([]*datatypes.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*datatypes.Proposal
	for _, p := range s.byID {
		if state != "" && p.State != state {
			continue
		}
		out = append(out, p.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type recordingSink struct {
	mu          sync.Mutex
	transitions []audit.TransitionEvent
	policies    []audit.PolicyDecisionEvent
	validations []audit.ValidationEvent
}

func (r *recordingSink) OnTransition(ctx context.Context, event audit.TransitionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, event)
	return nil
}

func (r *recordingSink) OnPolicyDecision(ctx context.Context, event audit.PolicyDecisionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = append(r.policies, event)
	return nil
}

func (r *recordingSink) OnValidationOutcome(ctx context.Context, event audit.ValidationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validations = append(r.validations, event)
	return nil
}

func (r *recordingSink) OnIngestion(ctx context.Context, event audit.IngestionEvent) error {
	return nil
}

func (r *recordingSink) transitionPath() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var path []string
	for _, t := range r.transitions {
		path = append(path, t.ToState)
	}
	return path
}

// failingTrail delegates to a real logger until failAfter emits have
// happened, then refuses every write.
type failingTrail struct {
	audit.Logger
	mu        sync.Mutex
	failAfter int
	count     int
}

func (f *failingTrail) Emit(entry audit.Entry) (audit.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.count > f.failAfter {
		return audit.Record{}, errors.New("disk full")
	}
	return f.Logger.Emit(entry)
}

// ===== Fixtures =====

func grounding() []datatypes.ScoredResult {
	return []datatypes.ScoredResult{
		{
			Document: datatypes.Document{
				ID:         "doc-1",
				Text:       "stages:\n  - build\n  - test",
				Collection: "pipelines",
				Metadata:   datatypes.DocumentMeta{Source: "pipelines", Title: "Build pipeline"},
			},
			CombinedScore: 0.92,
		},
		{
			Document: datatypes.Document{
				ID:         "doc-2",
				Text:       "resource \"google_compute_instance\" \"ci\" {}",
				Collection: "iac",
				Metadata:   datatypes.DocumentMeta{Source: "iac", Title: "CI runner"},
			},
			CombinedScore: 0.81,
		},
	}
}

func iacRequest() datatypes.ProposalRequest {
	return datatypes.ProposalRequest{
		Intent:      "provision a staging CI runner",
		Repository:  "github.com/AleutianAI/deploy-configs",
		Target:      datatypes.TargetIaC,
		Environment: "staging",
		Requester:   "casey",
	}
}

func newTestEngine(t *testing.T, mutate func(*Deps)) (*Engine, *recordingSink, audit.Logger) {
	t.Helper()

	trail, err := audit.NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = trail.Close() })

	sink := &recordingSink{}
	deps := Deps{
		Retriever: &fakeRetriever{results: grounding()},
		Generator: &fakeGenerator{files: map[string]string{"main.tf": "resource \"x\" \"y\" {}\n"}},
		Runner:    &fakeRunner{},
		Policy:    &fakePolicy{verdict: datatypes.Verdict{Allowed: true}},
		Store:     newMemStore(),
		Trail:     trail,
		Events:    sink,
	}
	if mutate != nil {
		mutate(&deps)
	}

	eng, err := NewEngine(deps, Config{})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return eng, sink, trail
}

func mustCreate(t *testing.T, eng *Engine, req datatypes.ProposalRequest) *datatypes.Proposal {
	t.Helper()
	p, err := eng.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return p
}

// requiredScansEngine compiles a real required-scans rule so validation
// outcomes flow through genuine policy evaluation.
func requiredScansEngine(t *testing.T) *policy.Engine {
	t.Helper()
	rule, err := policy.RuleSpec{
		Name:          "required-scans",
		Kind:          policy.KindRequiredScans,
		RequiredScans: &policy.RequiredScansSpec{},
	}.Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return policy.NewEngine([]policy.Rule{rule})
}

// ===== Creation =====

func TestEngine_Create_StartsInDraftAndAudits(t *testing.T) {
	eng, _, trail := newTestEngine(t, nil)

	p := mustCreate(t, eng, iacRequest())

	if p.State != datatypes.StateDraft {
		t.Errorf("state = %s, want %s", p.State, datatypes.StateDraft)
	}
	if p.ID == "" {
		t.Error("expected a generated proposal id")
	}

	records, err := trail.Records(audit.Query{ProposalID: p.ID, Action: audit.ActionCreated})
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("created records = %d, want 1", len(records))
	}
	if records[0].Actor != "casey" {
		t.Errorf("created actor = %q, want %q", records[0].Actor, "casey")
	}
}

func TestEngine_Create_RejectsInvalidRequest(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)

	req := iacRequest()
	req.Intent = ""
	if _, err := eng.Create(context.Background(), req); err == nil {
		t.Fatal("expected error for empty intent")
	}
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	if _, err := NewEngine(Deps{}, Config{}); err == nil {
		t.Fatal("expected error for empty deps")
	}
}

// ===== Full Pipeline =====

func TestEngine_Run_HappyPathReachesProposed(t *testing.T) {
	eng, sink, trail := newTestEngine(t, nil)
	p := mustCreate(t, eng, iacRequest())

	final, err := eng.Run(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.State != datatypes.StateProposed {
		t.Fatalf("state = %s, want %s", final.State, datatypes.StateProposed)
	}
	if final.TerminalAt == nil {
		t.Error("expected TerminalAt on terminal proposal")
	}
	if len(final.GeneratedFiles) != 1 {
		t.Errorf("generated files = %d, want 1", len(final.GeneratedFiles))
	}
	if len(final.Citations) != 2 {
		t.Errorf("citations = %d, want 2", len(final.Citations))
	}
	if final.LowGrounding {
		t.Error("grounded proposal must not be flagged low-grounding")
	}
	if outcome := final.ValidationResults[datatypes.ToolTerraformPlan]; outcome.Status != datatypes.ValidationOK {
		t.Errorf("terraform-plan status = %s, want %s", outcome.Status, datatypes.ValidationOK)
	}

	wantPath := []string{"RETRIEVED", "GENERATED", "VALIDATED", "POLICY_CHECKED", "PROPOSED"}
	if got := sink.transitionPath(); !reflect.DeepEqual(got, wantPath) {
		t.Errorf("transition path = %v, want %v", got, wantPath)
	}

	valid, breakIndex, err := trail.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !valid {
		t.Errorf("audit chain broken at index %d", breakIndex)
	}

	proofs, err := trail.Records(audit.Query{ProposalID: p.ID, Action: audit.ActionTransition})
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	last := proofs[len(proofs)-1]
	if last.ToState != string(datatypes.StateProposed) {
		t.Errorf("final transition ToState = %s, want PROPOSED", last.ToState)
	}
	if last.ContentHash == "" {
		t.Error("expected content hash on the PROPOSED transition record")
	}
}

func TestEngine_Run_ToolTimeoutStillValidatesThenPolicyRejects(t *testing.T) {
	eng, _, _ := newTestEngine(t, func(d *Deps) {
		d.Runner = &fakeRunner{delays: map[datatypes.Tool]time.Duration{
			datatypes.ToolTerraformPlan: 5 * time.Second,
		}}
		d.Policy = requiredScansEngine(t)
	})

	req := iacRequest()
	req.ToolTimeout = 50 * time.Millisecond
	p := mustCreate(t, eng, req)

	final, err := eng.Run(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.State != datatypes.StateRejected {
		t.Fatalf("state = %s, want %s", final.State, datatypes.StateRejected)
	}
	outcome, ok := final.ValidationResults[datatypes.ToolTerraformPlan]
	if !ok {
		t.Fatal("expected a terraform-plan outcome")
	}
	if outcome.Status != datatypes.ValidationTimeout {
		t.Errorf("terraform-plan status = %s, want %s", outcome.Status, datatypes.ValidationTimeout)
	}

	if final.PolicyVerdict == nil {
		t.Fatal("expected a policy verdict")
	}
	want := []string{"terraform-plan: timeout"}
	if !reflect.DeepEqual(final.PolicyVerdict.Violations, want) {
		t.Errorf("violations = %v, want %v", final.PolicyVerdict.Violations, want)
	}
	if final.StateReason != datatypes.ReasonPolicyDenied {
		t.Errorf("state reason = %q, want %q", final.StateReason, datatypes.ReasonPolicyDenied)
	}
}

func TestEngine_Run_GenerationFailureInvalidatesWithoutRetry(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model endpoint unreachable")}
	eng, _, trail := newTestEngine(t, func(d *Deps) { d.Generator = gen })
	p := mustCreate(t, eng, iacRequest())

	final, err := eng.Run(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.State != datatypes.StateInvalid {
		t.Fatalf("state = %s, want %s", final.State, datatypes.StateInvalid)
	}
	if final.StateReason != datatypes.ReasonGenerationUnavailable {
		t.Errorf("state reason = %q, want %q", final.StateReason, datatypes.ReasonGenerationUnavailable)
	}
	if len(final.ValidationResults) != 0 {
		t.Errorf("expected no validation results, got %d", len(final.ValidationResults))
	}

	records, err := trail.Records(audit.Query{ProposalID: p.ID, Action: audit.ActionTransition})
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	last := records[len(records)-1]
	if last.Reason != datatypes.ReasonGenerationUnavailable {
		t.Errorf("audited reason = %q, want %q", last.Reason, datatypes.ReasonGenerationUnavailable)
	}
}

func TestEngine_Run_RetrievalFaultDegradesToEmptyContext(t *testing.T) {
	pol := &fakePolicy{verdict: datatypes.Verdict{Allowed: true}}
	eng, _, _ := newTestEngine(t, func(d *Deps) {
		d.Retriever = &fakeRetriever{err: errors.New("vector store unreachable")}
		d.Policy = pol
	})
	p := mustCreate(t, eng, iacRequest())

	final, err := eng.Run(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.State != datatypes.StateProposed {
		t.Fatalf("state = %s, want %s (retrieval faults must not abort)", final.State, datatypes.StateProposed)
	}
	if len(final.RetrievedContext) != 0 {
		t.Errorf("expected empty context, got %d documents", len(final.RetrievedContext))
	}
	if len(final.DegradedSources) == 0 {
		t.Error("expected degraded sources to be recorded")
	}
	if !final.LowGrounding {
		t.Error("empty context must flag low grounding")
	}
	if len(final.Citations) != 0 {
		t.Errorf("expected no citations, got %v", final.Citations)
	}
	if !pol.last.LowGrounding {
		t.Error("policy must see the low-grounding flag")
	}
}

func TestEngine_Run_PolicyDenialCarriesViolationsVerbatim(t *testing.T) {
	violations := []string{"production requires 2 approvals, got 0"}
	eng, sink, _ := newTestEngine(t, func(d *Deps) {
		d.Policy = &fakePolicy{verdict: datatypes.Verdict{Allowed: false, Violations: violations}}
	})
	p := mustCreate(t, eng, iacRequest())

	final, err := eng.Run(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.State != datatypes.StateRejected {
		t.Fatalf("state = %s, want %s", final.State, datatypes.StateRejected)
	}
	if !reflect.DeepEqual(final.PolicyVerdict.Violations, violations) {
		t.Errorf("violations = %v, want %v", final.PolicyVerdict.Violations, violations)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.policies) != 1 {
		t.Fatalf("policy events = %d, want 1", len(sink.policies))
	}
	if !reflect.DeepEqual(sink.policies[0].Violations, violations) {
		t.Errorf("event violations = %v, want %v", sink.policies[0].Violations, violations)
	}
}

// ===== Transition Discipline =====

func TestEngine_StepsRejectOutOfOrderCalls(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	p := mustCreate(t, eng, iacRequest())
	ctx := context.Background()

	if _, err := eng.Validate(ctx, p.ID); err == nil {
		t.Error("Validate on DRAFT must fail")
	}
	if _, err := eng.CheckPolicy(ctx, p.ID); err == nil {
		t.Error("CheckPolicy on DRAFT must fail")
	}
	if _, err := eng.Finalize(ctx, p.ID); err == nil {
		t.Error("Finalize on DRAFT must fail")
	}

	var wrong *WrongStateError
	_, err := eng.CheckPolicy(ctx, p.ID)
	if !errors.As(err, &wrong) {
		t.Fatalf("error = %v, want WrongStateError", err)
	}
	if wrong.State != datatypes.StateDraft {
		t.Errorf("reported state = %s, want DRAFT", wrong.State)
	}
}

func TestEngine_AuditWriteFailureHaltsTransition(t *testing.T) {
	real, err := audit.NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = real.Close() })

	// The creation record goes through; the first transition does not.
	trail := &failingTrail{Logger: real, failAfter: 1}
	eng, _, _ := newTestEngine(t, func(d *Deps) { d.Trail = trail })
	p := mustCreate(t, eng, iacRequest())

	_, err = eng.Retrieve(context.Background(), p.ID)
	if !IsAuditWrite(err) {
		t.Fatalf("error = %v, want AuditWriteError", err)
	}

	got, err := eng.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != datatypes.StateDraft {
		t.Errorf("state after failed audit write = %s, want DRAFT", got.State)
	}
}

func TestEngine_Validate_SecondConcurrentRunRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t, func(d *Deps) {
		d.Runner = &fakeRunner{delays: map[datatypes.Tool]time.Duration{
			datatypes.ToolTerraformPlan: 300 * time.Millisecond,
		}}
	})
	req := iacRequest()
	req.ToolTimeout = 5 * time.Second
	p := mustCreate(t, eng, req)
	ctx := context.Background()

	if _, err := eng.Retrieve(ctx, p.ID); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if _, err := eng.Generate(ctx, p.ID); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := eng.Validate(ctx, p.ID)
		firstDone <- err
	}()

	// Give the first run time to claim the validation slot.
	time.Sleep(50 * time.Millisecond)
	if _, err := eng.Validate(ctx, p.ID); !IsValidationInProgress(err) {
		t.Errorf("concurrent Validate error = %v, want ValidationInProgressError", err)
	}

	if err := <-firstDone; err != nil {
		t.Fatalf("first Validate failed: %v", err)
	}
	got, err := eng.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != datatypes.StateValidated {
		t.Errorf("state = %s, want VALIDATED", got.State)
	}
}

// ===== Cancellation =====

func TestEngine_Cancel_NonTerminalBecomesInvalid(t *testing.T) {
	eng, _, trail := newTestEngine(t, nil)
	p := mustCreate(t, eng, iacRequest())

	cancelled, err := eng.Cancel(context.Background(), p.ID, "casey")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.State != datatypes.StateInvalid {
		t.Errorf("state = %s, want INVALID", cancelled.State)
	}
	if cancelled.StateReason != datatypes.ReasonCancelled {
		t.Errorf("state reason = %q, want %q", cancelled.StateReason, datatypes.ReasonCancelled)
	}
	if cancelled.TerminalAt == nil {
		t.Error("expected TerminalAt after cancellation")
	}

	records, err := trail.Records(audit.Query{ProposalID: p.ID, Action: audit.ActionTransition})
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 1 || records[0].Reason != datatypes.ReasonCancelled {
		t.Errorf("expected one audited Cancelled transition, got %+v", records)
	}
}

func TestEngine_Cancel_TerminalFailsWithConflict(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	p := mustCreate(t, eng, iacRequest())

	if _, err := eng.Cancel(context.Background(), p.ID, "casey"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := eng.Cancel(context.Background(), p.ID, "casey"); !IsTerminalState(err) {
		t.Errorf("second Cancel error = %v, want TerminalStateError", err)
	}
}

func TestEngine_Cancel_DuringValidationWins(t *testing.T) {
	eng, _, _ := newTestEngine(t, func(d *Deps) {
		d.Runner = &fakeRunner{delays: map[datatypes.Tool]time.Duration{
			datatypes.ToolTerraformPlan: 5 * time.Second,
		}}
	})
	req := iacRequest()
	req.ToolTimeout = 400 * time.Millisecond
	p := mustCreate(t, eng, req)
	ctx := context.Background()

	if _, err := eng.Retrieve(ctx, p.ID); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if _, err := eng.Generate(ctx, p.ID); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	validateDone := make(chan error, 1)
	go func() {
		_, err := eng.Validate(ctx, p.ID)
		validateDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := eng.Cancel(ctx, p.ID, "casey"); err != nil {
		t.Fatalf("Cancel during validation failed: %v", err)
	}

	// The in-flight validation must discard its results, not resurrect
	// the proposal.
	if err := <-validateDone; err == nil {
		t.Error("expected the overtaken Validate to report a state conflict")
	}
	got, err := eng.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != datatypes.StateInvalid {
		t.Errorf("state = %s, want INVALID", got.State)
	}
	if len(got.ValidationResults) != 0 {
		t.Errorf("expected no validation results after cancel, got %d", len(got.ValidationResults))
	}
}

// ===== Approvals =====

func TestEngine_RecordApproval_VisibleToPolicyCheck(t *testing.T) {
	pol := &fakePolicy{verdict: datatypes.Verdict{Allowed: true}}
	eng, _, _ := newTestEngine(t, func(d *Deps) { d.Policy = pol })
	p := mustCreate(t, eng, iacRequest())

	if _, err := eng.RecordApproval(context.Background(), p.ID, datatypes.Approval{
		Approver: "jordan",
		Role:     "sre",
	}); err != nil {
		t.Fatalf("RecordApproval failed: %v", err)
	}

	if _, err := eng.Run(context.Background(), p.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	pol.mu.Lock()
	defer pol.mu.Unlock()
	if !pol.called {
		t.Fatal("policy was never evaluated")
	}
	if len(pol.last.Approvals) != 1 || pol.last.Approvals[0].Approver != "jordan" {
		t.Errorf("policy approvals = %+v, want the recorded sign-off", pol.last.Approvals)
	}
	if pol.last.Approvals[0].At.IsZero() {
		t.Error("approval timestamp must be defaulted")
	}
}

func TestEngine_RecordApproval_TerminalFails(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	p := mustCreate(t, eng, iacRequest())
	if _, err := eng.Cancel(context.Background(), p.ID, "casey"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	_, err := eng.RecordApproval(context.Background(), p.ID, datatypes.Approval{Approver: "jordan"})
	if !IsTerminalState(err) {
		t.Errorf("error = %v, want TerminalStateError", err)
	}
}

// ===== Lookup =====

func TestEngine_Get_FallsBackToStore(t *testing.T) {
	store := newMemStore()
	eng, _, _ := newTestEngine(t, func(d *Deps) { d.Store = store })

	persisted := &datatypes.Proposal{
		ID:        "old-run-id",
		State:     datatypes.StateProposed,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Put(context.Background(), persisted); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := eng.Get(context.Background(), "old-run-id")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != datatypes.StateProposed {
		t.Errorf("state = %s, want PROPOSED", got.State)
	}

	if _, err := eng.Get(context.Background(), "missing"); !IsNotFound(err) {
		t.Errorf("error = %v, want NotFoundError", err)
	}
}

// ===== Snapshots =====

func TestEngine_Snapshot_TerminalShape(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	p := mustCreate(t, eng, iacRequest())
	if _, err := eng.Run(context.Background(), p.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	snap, err := eng.Snapshot(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if snap.ID != p.ID || snap.State != datatypes.StateProposed {
		t.Errorf("snapshot identity = %s/%s, want %s/PROPOSED", snap.ID, snap.State, p.ID)
	}
	if snap.Files == nil || snap.Citations == nil || snap.Validation == nil || snap.Policy.Violations == nil {
		t.Error("snapshot collections must be present even when empty")
	}
	if !snap.Policy.Allowed {
		t.Error("snapshot policy must reflect the allow verdict")
	}
	if snap.TerminalAt.IsZero() {
		t.Error("snapshot must carry the terminal timestamp")
	}
}

func TestEngine_Snapshot_NotTerminalFails(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	p := mustCreate(t, eng, iacRequest())

	_, err := eng.Snapshot(context.Background(), p.ID)
	if !IsNotTerminal(err) {
		t.Errorf("error = %v, want NotTerminalError", err)
	}
}

func TestBuildSnapshot_ValidationRowsSortedByTool(t *testing.T) {
	now := time.Now().UTC()
	p := &datatypes.Proposal{
		ID:    "snap-1",
		State: datatypes.StateProposed,
		ValidationResults: map[datatypes.Tool]datatypes.ValidationOutcome{
			datatypes.ToolTerraformPlan:       {Tool: datatypes.ToolTerraformPlan, Status: datatypes.ValidationOK},
			datatypes.ToolHelmDryRun:          {Tool: datatypes.ToolHelmDryRun, Status: datatypes.ValidationOK},
			datatypes.ToolPrometheusRuleCheck: {Tool: datatypes.ToolPrometheusRuleCheck, Status: datatypes.ValidationFailed},
		},
		CreatedAt:  now,
		TerminalAt: &now,
	}

	snap, err := BuildSnapshot(p)
	if err != nil {
		t.Fatalf("BuildSnapshot failed: %v", err)
	}

	var tools []datatypes.Tool
	for _, row := range snap.Validation {
		tools = append(tools, row.Tool)
	}
	want := []datatypes.Tool{
		datatypes.ToolHelmDryRun,
		datatypes.ToolPrometheusRuleCheck,
		datatypes.ToolTerraformPlan,
	}
	if !reflect.DeepEqual(tools, want) {
		t.Errorf("row order = %v, want %v", tools, want)
	}
}
