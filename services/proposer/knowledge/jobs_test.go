// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianOps/services/proposer/audit"
	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
)

// =============================================================================
// Test Fixtures
// =============================================================================

type fakeIngestor struct {
	mu      sync.Mutex
	indexed int
	err     error
	got     []datatypes.IngestRequest
}

func (f *fakeIngestor) IndexDocument(ctx context.Context, req datatypes.IngestRequest) (int, error) {
	f.mu.Lock()
	f.got = append(f.got, req)
	f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.indexed, nil
}

type captureSink struct {
	mu         sync.Mutex
	ingestions []audit.IngestionEvent
}

func (c *captureSink) OnTransition(ctx context.Context, event audit.TransitionEvent) error {
	return nil
}

func (c *captureSink) OnPolicyDecision(ctx context.Context, event audit.PolicyDecisionEvent) error {
	return nil
}

func (c *captureSink) OnValidationOutcome(ctx context.Context, event audit.ValidationEvent) error {
	return nil
}

func (c *captureSink) OnIngestion(ctx context.Context, event audit.IngestionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ingestions = append(c.ingestions, event)
	return nil
}

func (c *captureSink) events() []audit.IngestionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.IngestionEvent, len(c.ingestions))
	copy(out, c.ingestions)
	return out
}

func newIngestTrail(t *testing.T) audit.Logger {
	t.Helper()
	trail, err := audit.NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { trail.Close() })
	return trail
}

func docRequest() datatypes.IngestRequest {
	return datatypes.IngestRequest{
		Collection: datatypes.CollectionDocs,
		Source:     "runbooks/deploy.md",
		Title:      "Deploy runbook",
		Text:       "## Deploy\n\nShip through the staging pipeline first.",
	}
}

// waitForJobState polls until the job reaches the wanted state.
func waitForJobState(t *testing.T, runner *JobRunner, id string, want datatypes.JobState) datatypes.IngestJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := runner.Job(id)
		if ok && job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := runner.Job(id)
	t.Fatalf("job %s never reached %s (last seen %s)", id, want, job.State)
	return datatypes.IngestJob{}
}

// =============================================================================
// JobRunner Tests
// =============================================================================

func TestJobRunner_RunsJobToCompletion(t *testing.T) {
	trail := newIngestTrail(t)
	sink := &captureSink{}
	runner, err := NewJobRunner(&fakeIngestor{indexed: 3}, trail, sink, JobRunnerConfig{})
	if err != nil {
		t.Fatalf("NewJobRunner failed: %v", err)
	}
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	job, err := runner.Enqueue(docRequest())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.State != datatypes.JobQueued {
		t.Errorf("enqueued state = %s, want %s", job.State, datatypes.JobQueued)
	}

	done := waitForJobState(t, runner, job.ID, datatypes.JobDone)
	runner.Stop()

	if done.DocumentsIndexed != 3 {
		t.Errorf("documents indexed = %d, want 3", done.DocumentsIndexed)
	}
	if done.Error != "" {
		t.Errorf("unexpected job error %q", done.Error)
	}
	if done.FinishedAt.IsZero() {
		t.Error("finished job has no FinishedAt")
	}

	records, err := trail.Records(audit.Query{ProposalID: job.ID, Action: audit.ActionIngestion})
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 ingestion audit records, got %d", len(records))
	}
	wantReasons := []string{
		string(datatypes.JobQueued),
		string(datatypes.JobRunning),
		string(datatypes.JobDone),
	}
	for i, rec := range records {
		if rec.Actor != IngestWorkerActor {
			t.Errorf("record %d actor = %q, want %q", i, rec.Actor, IngestWorkerActor)
		}
		if rec.Reason != wantReasons[i] {
			t.Errorf("record %d reason = %q, want %q", i, rec.Reason, wantReasons[i])
		}
	}
	if !strings.Contains(records[2].Detail, "chunks=3") {
		t.Errorf("completion detail %q does not carry the chunk count", records[2].Detail)
	}

	events := sink.events()
	if len(events) != 1 {
		t.Fatalf("expected 1 ingestion event, got %d", len(events))
	}
	if events[0].Failed || events[0].DocumentsIndexed != 3 || events[0].JobID != job.ID {
		t.Errorf("unexpected ingestion event %+v", events[0])
	}
}

func TestJobRunner_FailedJobRecordsError(t *testing.T) {
	trail := newIngestTrail(t)
	sink := &captureSink{}
	runner, err := NewJobRunner(&fakeIngestor{err: errors.New("weaviate write failed")}, trail, sink, JobRunnerConfig{})
	if err != nil {
		t.Fatalf("NewJobRunner failed: %v", err)
	}
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	job, err := runner.Enqueue(docRequest())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	failed := waitForJobState(t, runner, job.ID, datatypes.JobFailed)
	runner.Stop()

	if !strings.Contains(failed.Error, "weaviate write failed") {
		t.Errorf("job error = %q, want the ingestor failure", failed.Error)
	}

	records, err := trail.Records(audit.Query{ProposalID: job.ID})
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 audit records, got %d", len(records))
	}
	last := records[len(records)-1]
	if last.Reason != string(datatypes.JobFailed) {
		t.Errorf("audit reason = %q, want %q", last.Reason, datatypes.JobFailed)
	}
	if !strings.Contains(last.Detail, "error=weaviate write failed") {
		t.Errorf("audit detail %q does not carry the failure", last.Detail)
	}

	events := sink.events()
	if len(events) != 1 || !events[0].Failed {
		t.Errorf("expected one failed ingestion event, got %+v", events)
	}
}

func TestJobRunner_Enqueue_RejectsInvalidRequest(t *testing.T) {
	runner, err := NewJobRunner(&fakeIngestor{}, newIngestTrail(t), nil, JobRunnerConfig{})
	if err != nil {
		t.Fatalf("NewJobRunner failed: %v", err)
	}

	req := docRequest()
	req.Collection = "trading-cards"
	if _, err := runner.Enqueue(req); err == nil {
		t.Fatal("expected error for unknown collection")
	}
	if got := runner.Jobs(); len(got) != 0 {
		t.Errorf("invalid request was tracked: %v", got)
	}
}

func TestJobRunner_Enqueue_RejectsDuplicateID(t *testing.T) {
	runner, err := NewJobRunner(&fakeIngestor{}, newIngestTrail(t), nil, JobRunnerConfig{})
	if err != nil {
		t.Fatalf("NewJobRunner failed: %v", err)
	}

	req := docRequest()
	req.ID = "a6e1b9c7-6f3d-4b62-9d5e-8a2f1c3d4e5f"
	if _, err := runner.Enqueue(req); err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}

	_, err = runner.Enqueue(req)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("duplicate enqueue error = %v, want already-exists", err)
	}
}

func TestJobRunner_Enqueue_RejectsWhenQueueFull(t *testing.T) {
	runner, err := NewJobRunner(&fakeIngestor{}, newIngestTrail(t), nil, JobRunnerConfig{Workers: 1, QueueSize: 1})
	if err != nil {
		t.Fatalf("NewJobRunner failed: %v", err)
	}

	// Workers never start, so the first job occupies the whole queue.
	if _, err := runner.Enqueue(docRequest()); err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}

	_, err = runner.Enqueue(docRequest())
	if err == nil || !strings.Contains(err.Error(), "queue is full") {
		t.Fatalf("second enqueue error = %v, want queue-full", err)
	}
	if got := runner.Jobs(); len(got) != 1 {
		t.Errorf("rejected job should not stay tracked, got %d jobs", len(got))
	}
}

func TestJobRunner_Jobs_MostRecentFirst(t *testing.T) {
	runner, err := NewJobRunner(&fakeIngestor{}, newIngestTrail(t), nil, JobRunnerConfig{QueueSize: 8})
	if err != nil {
		t.Fatalf("NewJobRunner failed: %v", err)
	}

	ids := make([]string, 3)
	for i := range ids {
		job, err := runner.Enqueue(docRequest())
		if err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
		ids[i] = job.ID
		time.Sleep(2 * time.Millisecond)
	}

	jobs := runner.Jobs()
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != ids[2] || jobs[2].ID != ids[0] {
		t.Errorf("jobs are not most-recent-first: %s, %s, %s", jobs[0].ID, jobs[1].ID, jobs[2].ID)
	}
}

func TestJobRunner_StartTwiceFails(t *testing.T) {
	runner, err := NewJobRunner(&fakeIngestor{}, newIngestTrail(t), nil, JobRunnerConfig{})
	if err != nil {
		t.Fatalf("NewJobRunner failed: %v", err)
	}
	t.Cleanup(runner.Stop)

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := runner.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

func TestJobRunner_Stop_Idempotent(t *testing.T) {
	runner, err := NewJobRunner(&fakeIngestor{}, newIngestTrail(t), nil, JobRunnerConfig{})
	if err != nil {
		t.Fatalf("NewJobRunner failed: %v", err)
	}
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	runner.Stop()
	runner.Stop()
}

func TestNewJobRunner_RequiresDependencies(t *testing.T) {
	trail := newIngestTrail(t)

	if _, err := NewJobRunner(nil, trail, nil, JobRunnerConfig{}); err == nil {
		t.Error("expected error for nil ingestor")
	}
	if _, err := NewJobRunner(&fakeIngestor{}, nil, nil, JobRunnerConfig{}); err == nil {
		t.Error("expected error for nil trail")
	}

	runner, err := NewJobRunner(&fakeIngestor{}, trail, nil, JobRunnerConfig{})
	if err != nil {
		t.Fatalf("NewJobRunner failed: %v", err)
	}
	if runner.cfg.Workers != 2 || runner.cfg.QueueSize != 64 {
		t.Errorf("zero config not defaulted: %+v", runner.cfg)
	}
}
