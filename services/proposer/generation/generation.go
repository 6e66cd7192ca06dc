// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation turns a proposal request and its retrieved context
// into candidate configuration files through an OpenAI-compatible chat
// completions backend.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/observability"
)

var generationTracer = otel.Tracer("aleutian.proposer.generation")

const defaultModel = "gpt-4o-mini"

// Config holds the generation backend settings.
type Config struct {
	// Model is the chat completions model name.
	Model string

	// BaseURL points at an OpenAI-compatible endpoint. Empty means the
	// public API.
	BaseURL string

	// APIKey authenticates against the backend. Local endpoints that do
	// not check credentials may leave it empty.
	APIKey string

	// Temperature for sampling. Zero leaves the backend default.
	Temperature float32

	// MaxTokens bounds the completion length. Zero leaves the backend
	// default.
	MaxTokens int

	// RequestsPerSecond and Burst tune the outbound rate limiter.
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Model:             defaultModel,
		Temperature:       0.2,
		RequestsPerSecond: 1,
		Burst:             2,
	}
}

// ConfigFromEnv reads backend settings from the environment, falling
// back to the Podman secret for the API key.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	if cfg.APIKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		if raw, err := os.ReadFile(secretPath); err == nil {
			cfg.APIKey = strings.TrimSpace(string(raw))
			slog.Info("Read the OpenAI API key from Podman secrets")
		}
	}

	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.Model = model
	} else {
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	cfg.BaseURL = os.Getenv("OPENAI_BASE_URL")
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		slog.Warn("OPENAI_API_KEY not set and no OPENAI_BASE_URL override; generation calls will fail auth")
	}

	return cfg
}

// OpenAIGenerator is the generation backend the lifecycle engine drives.
//
// # Thread Safety
//
// Safe for concurrent use. The rate limiter serializes outbound calls
// across goroutines.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	limiter     *rate.Limiter
}

// NewOpenAIGenerator builds a generator from cfg, filling unset fields
// from DefaultConfig.
func NewOpenAIGenerator(cfg Config) *OpenAIGenerator {
	defaults := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	slog.Info("Initializing generation backend", "model", cfg.Model)
	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Generate produces the candidate file set for one proposal request.
//
// # Description
//
//	Builds a target-specific prompt from the request and its grounding,
//	waits for a rate limiter slot, and calls the completions endpoint
//	once. The response must be a fenced JSON files object or a unified
//	diff against req.BaseFiles. There is no retry here; callers decide
//	what a failure means.
//
// # Inputs
//
//	ctx - Carries the caller's deadline for the whole call.
//	req - The proposal request, including any base files.
//	grounding - Ranked context chunks, best first.
//
// # Outputs
//
//	map[string]string - Generated files keyed by path.
//	error - BackendTimeoutError, BackendUnavailableError, or
//	        MalformedResponseError; cancellation passes through.
func (g *OpenAIGenerator) Generate(ctx context.Context, req datatypes.ProposalRequest, grounding []datatypes.ScoredResult) (map[string]string, error) {
	ctx, span := generationTracer.Start(ctx, "OpenAIGenerator.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("generation.model", g.model),
		attribute.Int("generation.grounding", len(grounding)),
	)

	start := time.Now()
	files, err := g.generate(ctx, req, grounding)
	observability.RecordGeneration(err == nil, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("generation.files", len(files)))
	return files, nil
}

func (g *OpenAIGenerator) generate(ctx context.Context, req datatypes.ProposalRequest, grounding []datatypes.ScoredResult) (map[string]string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, g.classify(err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req.Target)},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(req, grounding)},
		},
	}
	if g.temperature > 0 {
		chatReq.Temperature = g.temperature
	}
	if g.maxTokens > 0 {
		chatReq.MaxCompletionTokens = g.maxTokens
	}

	slog.Debug("Generating files via chat completions", "model", g.model, "grounding", len(grounding))
	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		slog.Error("Generation backend call failed", "model", g.model, "error", err)
		return nil, g.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("generation backend returned no choices")
	}

	slog.Debug("Received generation response", "finish_reason", resp.Choices[0].FinishReason)
	return ParseResponse(resp.Choices[0].Message.Content, req.BaseFiles)
}

// classify maps transport failures onto the error taxonomy.
// Cancellation passes through untouched so callers can tell an abort
// from an outage.
func (g *OpenAIGenerator) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &BackendTimeoutError{Model: g.model, Err: err}
	}
	return &BackendUnavailableError{Model: g.model, Err: err}
}
