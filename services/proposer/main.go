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
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianOps/services/proposer/audit"
	"github.com/AleutianAI/AleutianOps/services/proposer/events"
	"github.com/AleutianAI/AleutianOps/services/proposer/generation"
	"github.com/AleutianAI/AleutianOps/services/proposer/knowledge"
	"github.com/AleutianAI/AleutianOps/services/proposer/lifecycle"
	"github.com/AleutianAI/AleutianOps/services/proposer/policy"
	"github.com/AleutianAI/AleutianOps/services/proposer/policy/defaults"
	"github.com/AleutianAI/AleutianOps/services/proposer/ranking"
	"github.com/AleutianAI/AleutianOps/services/proposer/routes"
	"github.com/AleutianAI/AleutianOps/services/proposer/store"
	"github.com/AleutianAI/AleutianOps/services/proposer/telemetry"
	"github.com/AleutianAI/AleutianOps/services/proposer/validate"
)

func envOr(key, fallback string) string {
	if v := strings.Trim(os.Getenv(key), "\"' "); v != "" {
		return v
	}
	return fallback
}

// newWeaviateClient parses the service URL and builds the client.
func newWeaviateClient(rawURL string) (*weaviate.Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
}

func main() {
	port := envOr("ALEUTIAN_PROPOSER_PORT", "12310")
	dataDir := envOr("ALEUTIAN_DATA_DIR", "/data/aleutianops")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Telemetry ---
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		log.Fatalf("failed to set up telemetry: %v", err)
	}

	// --- Weaviate ---
	weaviateURL := envOr("WEAVIATE_SERVICE_URL", "http://aleutian-weaviate:8080")
	weaviateClient, err := newWeaviateClient(weaviateURL)
	if err != nil {
		log.Fatalf("failed to create the Weaviate client for %s: %v", weaviateURL, err)
	}
	if err := knowledge.EnsureSchema(ctx, weaviateClient); err != nil {
		// Queries against missing collections degrade at runtime, so a
		// slow-starting Weaviate does not block the proposer.
		slog.Warn("could not ensure the Weaviate schema at startup", "error", err)
	}

	// --- Knowledge base ---
	weaviateStore := knowledge.NewWeaviateStore(weaviateClient)
	embedder := knowledge.NewHTTPEmbedder(envOr("EMBEDDING_SERVICE_URL", "http://aleutian-embedding:12007"))
	ranker := ranking.NewRanker(weaviateStore, embedder, ranking.DefaultBoostConfig())
	retriever := knowledge.NewRetriever(ranker, 0)
	kbService := knowledge.NewService(weaviateStore, embedder)

	// --- Audit trail ---
	trail, err := audit.NewLogger(filepath.Join(dataDir, "audit", "trail.jsonl"))
	if err != nil {
		log.Fatalf("failed to open the audit trail: %v", err)
	}

	// --- Proposal store ---
	proposalStore, err := store.Open(store.DefaultConfig(filepath.Join(dataDir, "proposals")))
	if err != nil {
		log.Fatalf("failed to open the proposal store: %v", err)
	}

	// --- Policy engine ---
	rules, rulesPath := loadPolicyRules()
	policyEngine := policy.NewEngine(rules)
	var policyWatcher *policy.ReloadWatcher
	if rulesPath != "" {
		policyWatcher, err = policy.NewReloadWatcher(rulesPath, policyEngine)
		if err != nil {
			log.Fatalf("failed to watch the policy rules file: %v", err)
		}
		if err := policyWatcher.Start(ctx); err != nil {
			log.Fatalf("failed to start the policy rules watcher: %v", err)
		}
	}

	// --- Validation tool runner ---
	toolRunner, err := validate.NewHTTPToolRunner(validate.RunnerConfig{
		BaseURL: envOr("TOOL_RUNNER_SERVICE_URL", "http://aleutian-tool-runner:12320"),
	})
	if err != nil {
		log.Fatalf("failed to create the tool runner client: %v", err)
	}

	// --- Events and lifecycle ---
	hub := events.NewHub(events.DefaultBuffer)
	sink := events.NewSink(hub)

	engine, err := lifecycle.NewEngine(lifecycle.Deps{
		Retriever: retriever,
		Generator: generation.NewOpenAIGenerator(generation.ConfigFromEnv()),
		Runner:    toolRunner,
		Policy:    policyEngine,
		Store:     proposalStore,
		Trail:     trail,
		Events:    sink,
	}, lifecycle.DefaultConfig())
	if err != nil {
		log.Fatalf("failed to create the lifecycle engine: %v", err)
	}

	// --- Ingestion workers ---
	jobRunner, err := knowledge.NewJobRunner(kbService, trail, sink, knowledge.DefaultJobRunnerConfig())
	if err != nil {
		log.Fatalf("failed to create the ingestion job runner: %v", err)
	}
	if err := jobRunner.Start(ctx); err != nil {
		log.Fatalf("failed to start the ingestion workers: %v", err)
	}

	// --- HTTP server ---
	router := gin.Default()
	router.Use(otelgin.Middleware("aleutianops-proposer"))
	routes.SetupRoutes(router, engine, jobRunner, kbService, ranker, trail, hub)

	// Reopen the audit log on SIGHUP so logrotate can move the old file
	// without losing the in-memory chain state.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := trail.ReopenLogFile(); err != nil {
				slog.Error("failed to reopen the audit trail after rotation", "error", err)
			}
		}
	}()

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slog.Info("shutting down the AleutianOps proposer")
		jobRunner.Stop()
		if policyWatcher != nil {
			policyWatcher.Stop()
		}
		hub.Close()
		if err := proposalStore.Close(); err != nil {
			slog.Error("failed to close the proposal store", "error", err)
		}
		if err := trail.Close(); err != nil {
			slog.Error("failed to close the audit trail", "error", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down telemetry", "error", err)
		}
		os.Exit(0)
	}()

	slog.Info("starting the AleutianOps proposer", "port", port, "weaviate", weaviateURL)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("failed to start the server: %v", err)
	}
}

// loadPolicyRules reads the configured rules file, falling back to the
// embedded defaults. The returned path is empty when the defaults are in
// use, which disables the file watcher.
func loadPolicyRules() ([]policy.Rule, string) {
	path := os.Getenv("ALEUTIAN_POLICY_RULES")
	if path == "" {
		rules, err := policy.Parse(defaults.Rules)
		if err != nil {
			log.Fatalf("embedded policy rules are invalid: %v", err)
		}
		slog.Info("policy rules loaded from embedded defaults", "rules", len(rules))
		return rules, ""
	}

	rules, err := policy.LoadFile(path)
	if err != nil {
		log.Fatalf("failed to load the policy rules from %s: %v", path, err)
	}
	slog.Info("policy rules loaded", "path", path, "rules", len(rules))
	return rules, path
}
