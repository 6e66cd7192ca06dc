// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate runs dry-run validation tools against generated
// files: cheap local syntax pre-checks first, then the remote tool
// runner over HTTP. Tool failures and timeouts are outcomes, never Go
// errors; errors are reserved for programmer mistakes.
package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
)

var validateTracer = otel.Tracer("aleutian.proposer.validate")

// toolRequest is the wire body for one tool invocation.
type toolRequest struct {
	Files map[string]string `json:"files"`
}

// toolResponse is the tool runner's wire response.
type toolResponse struct {
	Status    string `json:"status"`
	Summary   string `json:"summary"`
	RawOutput string `json:"raw_output"`
	Add       int    `json:"add"`
	Change    int    `json:"change"`
	Destroy   int    `json:"destroy"`
}

// RunnerConfig holds the tool runner endpoint settings.
type RunnerConfig struct {
	// BaseURL is the tool runner service root, without a trailing slash.
	BaseURL string

	// HTTPClient overrides the default client. Deadlines come from the
	// caller's context, not the client.
	HTTPClient *http.Client
}

// HTTPToolRunner invokes dry-run tools on a remote runner service.
//
// # Thread Safety
//
// Safe for concurrent use; each Run builds its own request.
type HTTPToolRunner struct {
	baseURL string
	client  *http.Client
}

// NewHTTPToolRunner creates a runner client for the given endpoint.
func NewHTTPToolRunner(cfg RunnerConfig) (*HTTPToolRunner, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tool runner requires a base URL")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPToolRunner{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
	}, nil
}

// Run executes one dry-run tool against the generated files.
//
// # Description
//
//	Local syntax pre-checks run first; when they find errors the outcome
//	is failed and the remote tool is never called, since a dry run over
//	files that do not parse proves nothing. Otherwise the files POST to
//	{baseURL}/v1/tools/{tool}. A context deadline maps to a timeout
//	outcome and a transport failure to unavailable; only an unknown tool
//	or cancellation produces a Go error.
//
// # Inputs
//
//	ctx - Carries the per-tool deadline.
//	tool - Which dry-run tool to invoke. Must parse.
//	files - Generated files keyed by path.
//
// # Outputs
//
//	datatypes.ValidationOutcome - Always populated when err is nil.
//	error - Non-nil only for unknown tools or a cancelled context.
func (r *HTTPToolRunner) Run(ctx context.Context, tool datatypes.Tool, files map[string]string) (datatypes.ValidationOutcome, error) {
	ctx, span := validateTracer.Start(ctx, "HTTPToolRunner.Run")
	defer span.End()
	span.SetAttributes(attribute.String("validation.tool", string(tool)))

	if !tool.Valid() {
		return datatypes.ValidationOutcome{}, fmt.Errorf("unknown validation tool %q", tool)
	}

	if findings := PreCheck(ctx, files); len(findings) > 0 {
		var b strings.Builder
		for _, f := range findings {
			b.WriteString(f.String())
			b.WriteByte('\n')
		}
		slog.Info("local syntax checks failed, skipping remote tool",
			"tool", tool,
			"findings", len(findings),
		)
		return datatypes.ValidationOutcome{
			Tool:      tool,
			Status:    datatypes.ValidationFailed,
			Summary:   fmt.Sprintf("local syntax checks failed (%d findings)", len(findings)),
			RawOutput: b.String(),
		}, nil
	}

	return r.invoke(ctx, tool, files)
}

// invoke POSTs the files to the remote runner and maps the response.
func (r *HTTPToolRunner) invoke(ctx context.Context, tool datatypes.Tool, files map[string]string) (datatypes.ValidationOutcome, error) {
	body, err := json.Marshal(toolRequest{Files: files})
	if err != nil {
		return datatypes.ValidationOutcome{}, fmt.Errorf("cannot encode tool request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/tools/%s", r.baseURL, tool)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return datatypes.ValidationOutcome{}, fmt.Errorf("cannot build tool request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return datatypes.ValidationOutcome{}, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("validation tool timed out", "tool", tool, "elapsed", time.Since(start))
			return datatypes.ValidationOutcome{
				Tool:    tool,
				Status:  datatypes.ValidationTimeout,
				Summary: "timed out",
			}, nil
		}
		slog.Warn("tool runner unreachable", "tool", tool, "error", err)
		return datatypes.ValidationOutcome{
			Tool:    tool,
			Status:  datatypes.ValidationUnavailable,
			Summary: fmt.Sprintf("tool runner unreachable: %v", err),
		}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return datatypes.ValidationOutcome{
			Tool:    tool,
			Status:  datatypes.ValidationUnavailable,
			Summary: fmt.Sprintf("tool runner returned HTTP %d", resp.StatusCode),
		}, nil
	}

	var wire toolResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return datatypes.ValidationOutcome{
			Tool:    tool,
			Status:  datatypes.ValidationUnavailable,
			Summary: fmt.Sprintf("cannot decode tool response: %v", err),
		}, nil
	}

	status, err := datatypes.ParseValidationStatus(wire.Status)
	if err != nil {
		return datatypes.ValidationOutcome{
			Tool:    tool,
			Status:  datatypes.ValidationUnavailable,
			Summary: fmt.Sprintf("tool runner returned unknown status %q", wire.Status),
		}, nil
	}

	summary := wire.Summary
	if summary == "" && tool == datatypes.ToolTerraformPlan {
		summary = fmt.Sprintf("plan: %d to add, %d to change, %d to destroy",
			wire.Add, wire.Change, wire.Destroy)
	}

	return datatypes.ValidationOutcome{
		Tool:        tool,
		Status:      status,
		Summary:     summary,
		RawOutput:   wire.RawOutput,
		PlanAdd:     wire.Add,
		PlanChange:  wire.Change,
		PlanDestroy: wire.Destroy,
	}, nil
}
