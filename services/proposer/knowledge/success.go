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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
)

// FluxQuerier is the slice of the InfluxDB query API the refresher reads
// from. api.QueryAPI implements it.
type FluxQuerier interface {
	Query(ctx context.Context, query string) (*api.QueryTableResult, error)
}

// SuccessRateStore is the slice of the vector store the refresher writes
// to. WeaviateStore implements it.
type SuccessRateStore interface {
	UpdateSuccessRate(ctx context.Context, collection, source string, rate float64) (int, error)
}

// RefresherConfig tunes the telemetry-driven success-rate refresh.
//
// # Fields
//
//   - Interval: How often to refresh. Default: 1 hour.
//   - Lookback: Telemetry window aggregated per refresh. Default: 30 days.
//   - Bucket: InfluxDB bucket holding deployment outcomes.
type RefresherConfig struct {
	Interval time.Duration
	Lookback time.Duration
	Bucket   string
}

// DefaultRefresherConfig returns the default refresh cadence and window.
func DefaultRefresherConfig() RefresherConfig {
	return RefresherConfig{
		Interval: 1 * time.Hour,
		Lookback: 30 * 24 * time.Hour,
		Bucket:   "deploy-telemetry",
	}
}

// SuccessRateRefresher periodically recomputes per-source success rates
// from deployment telemetry and patches them into the knowledge base, so
// ranking favors patterns that keep working.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Only one refresher
// should run per proposer instance.
type SuccessRateRefresher struct {
	queryAPI FluxQuerier
	store    SuccessRateStore
	cfg      RefresherConfig

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewSuccessRateRefresher creates a refresher over an InfluxDB query API
// and the knowledge store.
func NewSuccessRateRefresher(queryAPI FluxQuerier, store SuccessRateStore, cfg RefresherConfig) *SuccessRateRefresher {
	defaults := DefaultRefresherConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaults.Lookback
	}
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}

	return &SuccessRateRefresher{
		queryAPI: queryAPI,
		store:    store,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
}

// Start launches the background refresh loop. An initial refresh runs
// immediately.
func (r *SuccessRateRefresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("success-rate refresher is already running")
	}
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	slog.Info("success-rate refresher starting",
		"interval", r.cfg.Interval.String(),
		"lookback", r.cfg.Lookback.String(),
		"bucket", r.cfg.Bucket,
	)
	go r.runLoop(ctx)
	return nil
}

// Stop signals the refresh loop to exit. Safe to call multiple times.
func (r *SuccessRateRefresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	close(r.done)
	r.running = false
	slog.Info("success-rate refresher stopped")
}

// runLoop refreshes at the configured interval until stopped.
func (r *SuccessRateRefresher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// refresh wraps RunNow with error handling so a failed cycle never
// crashes the loop.
func (r *SuccessRateRefresher) refresh(ctx context.Context) {
	updated, err := r.RunNow(ctx)
	if err != nil {
		slog.Error("success-rate refresh failed", "error", err)
		return
	}
	if updated > 0 {
		slog.Info("success-rate refresh completed", "chunks_updated", updated)
	} else {
		slog.Debug("success-rate refresh completed (no outcomes)")
	}
}

// fluxQuery renders the aggregation over deployment outcomes: the mean of
// the success field (1.0 success, 0.0 failure) per collection and source
// over the lookback window.
func (r *SuccessRateRefresher) fluxQuery() string {
	return fmt.Sprintf(`
		from(bucket: "%s")
		  |> range(start: -%s)
		  |> filter(fn: (r) => r._measurement == "deploy_outcomes")
		  |> filter(fn: (r) => r._field == "success")
		  |> group(columns: ["collection", "source"])
		  |> mean()
	`, r.cfg.Bucket, r.cfg.Lookback.String())
}

// RunNow performs one refresh cycle immediately.
//
// # Outputs
//
//   - int: Total number of chunks whose success_rate was patched.
//   - error: Non-nil when the telemetry query fails. Per-source update
//     failures are logged and skipped.
func (r *SuccessRateRefresher) RunNow(ctx context.Context) (int, error) {
	result, err := r.queryAPI.Query(ctx, r.fluxQuery())
	if err != nil {
		return 0, fmt.Errorf("telemetry query failed: %w", err)
	}

	updated := 0
	for result.Next() {
		record := result.Record()
		collection, _ := record.ValueByKey("collection").(string)
		source, _ := record.ValueByKey("source").(string)
		rate, ok := record.Value().(float64)
		if collection == "" || source == "" || !ok {
			continue
		}
		if rate < 0 {
			rate = 0
		}
		if rate > 1 {
			rate = 1
		}

		n, err := r.store.UpdateSuccessRate(ctx, collection, source, rate)
		if err != nil {
			slog.Warn("failed to update success rate",
				"collection", collection,
				"source", source,
				"error", err,
			)
			continue
		}
		updated += n
	}
	if result.Err() != nil {
		return updated, fmt.Errorf("error reading telemetry results: %w", result.Err())
	}

	return updated, nil
}
