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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianOps/services/proposer/audit"
	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/observability"
)

// IngestWorkerActor is the audit actor recorded for background ingestion.
const IngestWorkerActor = "ingest-worker"

var (
	// ErrQueueFull reports an enqueue against a queue at capacity.
	ErrQueueFull = errors.New("ingestion queue is full")
	// ErrJobExists reports an enqueue reusing a tracked job id.
	ErrJobExists = errors.New("job already exists")
)

// Ingestor indexes one document synchronously. Service implements it.
type Ingestor interface {
	IndexDocument(ctx context.Context, req datatypes.IngestRequest) (int, error)
}

// JobRunnerConfig tunes the background ingestion pool.
type JobRunnerConfig struct {
	// Workers is the number of concurrent ingestion workers.
	Workers int

	// QueueSize bounds the backlog; Enqueue fails once it is full.
	QueueSize int
}

// DefaultJobRunnerConfig returns the default pool sizing.
func DefaultJobRunnerConfig() JobRunnerConfig {
	return JobRunnerConfig{
		Workers:   2,
		QueueSize: 64,
	}
}

type ingestTask struct {
	jobID string
	req   datatypes.IngestRequest
}

// JobRunner executes ingestion requests asynchronously on a bounded
// worker pool. Every job's outcome is audited; nothing runs untracked.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type JobRunner struct {
	ingestor Ingestor
	trail    audit.Logger
	events   audit.EventSink
	cfg      JobRunnerConfig

	mu      sync.Mutex
	jobs    map[string]*datatypes.IngestJob
	pending int

	queue    chan ingestTask
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  bool
}

// NewJobRunner creates an ingestion pool. events may be nil.
func NewJobRunner(ingestor Ingestor, trail audit.Logger, events audit.EventSink, cfg JobRunnerConfig) (*JobRunner, error) {
	if ingestor == nil {
		return nil, fmt.Errorf("job runner requires an Ingestor")
	}
	if trail == nil {
		return nil, fmt.Errorf("job runner requires an audit.Logger")
	}
	if events == nil {
		events = audit.DefaultEventSink
	}

	defaults := DefaultJobRunnerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}

	return &JobRunner{
		ingestor: ingestor,
		trail:    trail,
		events:   events,
		cfg:      cfg,
		jobs:     make(map[string]*datatypes.IngestJob),
		queue:    make(chan ingestTask, cfg.QueueSize),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the worker pool. Calling Start twice fails.
func (r *JobRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("job runner is already running")
	}
	r.running = true
	r.mu.Unlock()

	slog.Info("ingestion workers starting", "workers", r.cfg.Workers, "queue_size", r.cfg.QueueSize)
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx)
	}
	return nil
}

// Stop signals the workers and waits for in-flight jobs to finish.
// Queued jobs that have not started stay queued and are dropped. Safe to
// call multiple times.
func (r *JobRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

// Enqueue validates a request, registers a queued job, and hands it to
// the pool.
//
// # Outputs
//
//   - datatypes.IngestJob: The queued job, with its id for later polling.
//   - error: Non-nil on validation failure or a full queue.
func (r *JobRunner) Enqueue(req datatypes.IngestRequest) (datatypes.IngestJob, error) {
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return datatypes.IngestJob{}, fmt.Errorf("invalid ingest request: %w", err)
	}

	job := datatypes.IngestJob{
		ID:         req.ID,
		Collection: req.Collection,
		Source:     req.Source,
		State:      datatypes.JobQueued,
		EnqueuedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	if _, exists := r.jobs[job.ID]; exists {
		r.mu.Unlock()
		return datatypes.IngestJob{}, fmt.Errorf("ingest job %s: %w", job.ID, ErrJobExists)
	}
	if r.pending >= r.cfg.QueueSize {
		r.mu.Unlock()
		return datatypes.IngestJob{}, ErrQueueFull
	}
	r.pending++
	r.jobs[job.ID] = &job
	// Copy under the lock; once the task reaches the queue a worker may
	// mutate the tracked job through the map pointer.
	queued := job
	r.mu.Unlock()

	observability.RecordIngestionJob(string(datatypes.JobQueued))
	// The queued entry lands on the trail before workers can see the
	// task, keeping the audit order queued -> running -> done|failed.
	r.auditJob(queued.ID, datatypes.JobQueued,
		fmt.Sprintf("collection=%s source=%s", queued.Collection, queued.Source))
	slog.Info("ingest job queued", "job_id", queued.ID, "collection", queued.Collection, "source", queued.Source)

	// The pending reservation guarantees a free slot, so this never blocks.
	r.queue <- ingestTask{jobID: queued.ID, req: req}
	return queued, nil
}

// Job returns a copy of one job's current state.
func (r *JobRunner) Job(id string) (datatypes.IngestJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return datatypes.IngestJob{}, false
	}
	return *job, true
}

// Jobs returns copies of all known jobs, most recently enqueued first.
func (r *JobRunner) Jobs() []datatypes.IngestJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]datatypes.IngestJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAt.After(out[j].EnqueuedAt)
	})
	return out
}

// workerLoop pulls tasks until stopped.
func (r *JobRunner) workerLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case task := <-r.queue:
			r.mu.Lock()
			r.pending--
			r.mu.Unlock()
			r.process(ctx, task)
		}
	}
}

// process runs one ingestion job and records its outcome.
func (r *JobRunner) process(ctx context.Context, task ingestTask) {
	r.setState(task.jobID, datatypes.JobRunning, 0, "")
	observability.RecordIngestionJob(string(datatypes.JobRunning))
	r.auditJob(task.jobID, datatypes.JobRunning,
		fmt.Sprintf("collection=%s source=%s", task.req.Collection, task.req.Source))

	indexed, err := r.ingestor.IndexDocument(ctx, task.req)

	var state datatypes.JobState
	var errMsg string
	if err != nil {
		state = datatypes.JobFailed
		errMsg = err.Error()
		slog.Error("ingest job failed",
			"job_id", task.jobID,
			"collection", task.req.Collection,
			"source", task.req.Source,
			"error", err,
		)
	} else {
		state = datatypes.JobDone
		slog.Info("ingest job finished",
			"job_id", task.jobID,
			"collection", task.req.Collection,
			"source", task.req.Source,
			"chunks", indexed,
		)
	}
	r.setState(task.jobID, state, indexed, errMsg)
	observability.RecordIngestionJob(string(state))

	detail := fmt.Sprintf("collection=%s source=%s chunks=%d", task.req.Collection, task.req.Source, indexed)
	if errMsg != "" {
		detail = fmt.Sprintf("collection=%s source=%s error=%s", task.req.Collection, task.req.Source, errMsg)
	}
	r.auditJob(task.jobID, state, detail)

	if eventErr := r.events.OnIngestion(ctx, audit.IngestionEvent{
		Timestamp:        time.Now().UTC(),
		JobID:            task.jobID,
		Collection:       task.req.Collection,
		Source:           task.req.Source,
		DocumentsIndexed: indexed,
		Failed:           state == datatypes.JobFailed,
	}); eventErr != nil {
		slog.Warn("ingestion event delivery failed", "job_id", task.jobID, "error", eventErr)
	}
}

// auditJob records one lifecycle transition on the audit trail. Audit
// failures surface as metrics and logs; the job itself keeps going.
func (r *JobRunner) auditJob(jobID string, state datatypes.JobState, detail string) {
	if _, err := r.trail.Emit(audit.Entry{
		ProposalID: jobID,
		Actor:      IngestWorkerActor,
		Action:     audit.ActionIngestion,
		Reason:     string(state),
		Detail:     detail,
	}); err != nil {
		observability.RecordAuditWriteFailure()
		slog.Error("failed to audit ingest job", "job_id", jobID, "state", state, "error", err)
	}
}

// setState updates one job's tracked state.
func (r *JobRunner) setState(id string, state datatypes.JobState, indexed int, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return
	}
	job.State = state
	job.DocumentsIndexed = indexed
	job.Error = errMsg
	if state == datatypes.JobDone || state == datatypes.JobFailed {
		job.FinishedAt = time.Now().UTC()
	}
}
