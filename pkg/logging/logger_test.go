// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.level.String()
			if got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo}, // Unknown defaults to Info
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			got := tt.level.toSlogLevel()
			if got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	if logger.slog == nil {
		t.Error("logger.slog is nil")
	}
	defer logger.Close()
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "proposer-test",
		Quiet:   true,
	})

	logger.Info("file logging works", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	pattern := filepath.Join(dir, "proposer-test_*.log")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(matches))
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "file logging works") {
		t.Errorf("log file missing message, got: %s", data)
	}
	if !strings.Contains(string(data), `"service":"proposer-test"`) {
		t.Errorf("log file missing service attribute, got: %s", data)
	}
}

func TestLogger_With(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})
	defer logger.Close()

	child := logger.With("proposal_id", "p-123")
	if child == nil {
		t.Fatal("With() returned nil")
	}
	if child == logger {
		t.Error("With() should return a new Logger")
	}
}

func TestLogger_ExporterReceivesEntries(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Service: "proposer", Quiet: true, Exporter: exporter})

	logger.Info("exported message", "count", 2)
	logger.Debug("filtered out") // Below configured level

	// Export is asynchronous; wait briefly for delivery.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(exporter.Entries()) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 exported entry, got %d", len(entries))
	}
	if entries[0].Message != "exported message" {
		t.Errorf("Message = %q, want %q", entries[0].Message, "exported message")
	}
	if entries[0].Service != "proposer" {
		t.Errorf("Service = %q, want %q", entries[0].Service, "proposer")
	}
	if entries[0].Attrs["count"] != 2 {
		t.Errorf("Attrs[count] = %v, want 2", entries[0].Attrs["count"])
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: &NopExporter{}})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("concurrent", "goroutine", n, "iteration", j)
			}
		}(i)
	}
	wg.Wait()
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"tilde", "~/logs", filepath.Join(home, "logs")},
		{"absolute", "/var/log/aleutian", "/var/log/aleutian"},
		{"relative", "relative/path", "relative/path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := expandPath(tt.in)
			if got != tt.want {
				t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestArgsToMap(t *testing.T) {
	got := argsToMap([]any{"key1", "value1", "key2", 123, "dangling"})
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(got), got)
	}
	if got["key1"] != "value1" {
		t.Errorf("key1 = %v, want value1", got["key1"])
	}
	if got["key2"] != 123 {
		t.Errorf("key2 = %v, want 123", got["key2"])
	}
}

func TestWriterExporter(t *testing.T) {
	var sb strings.Builder
	exporter := NewWriterExporter(&sb)

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     LevelWarn,
		Message:   "degraded retrieval",
		Attrs:     map[string]any{"collection": "iac"},
	}
	if err := exporter.Export(context.Background(), entry); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	out := sb.String()
	if !strings.Contains(out, "degraded retrieval") {
		t.Errorf("output missing message: %q", out)
	}
	if !strings.Contains(out, "WARN") {
		t.Errorf("output missing level: %q", out)
	}
}
