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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"
	"strings"
	"time"
)

// Constants for default connection settings
const (
	DefaultProposerPort = 12310
	DefaultProposerHost = "localhost"
)

// blockedDirs are skipped when walking directories for ingestion.
var blockedDirs = map[string]bool{
	".git":          true,
	".venv":         true,
	"node_modules":  true,
	"__pycache__":   true,
	"build":         true,
	"dist":          true,
	".pytest_cache": true,
	".mypy_cache":   true,
	".terraform":    true,
}

// allowedFileExts limits ingestion to text the knowledge base can use.
var allowedFileExts = map[string]bool{
	".md":     true,
	".txt":    true,
	".yaml":   true,
	".yml":    true,
	".tf":     true,
	".tfvars": true,
	".json":   true,
	".toml":   true,
	".tpl":    true,
}

// getProposerBaseURL returns the standard address for the proposer service.
func getProposerBaseURL() string {
	// 1. Priority: Environment Variable (Used by Tests & Docker overrides)
	if url := os.Getenv("ALEUTIAN_PROPOSER_URL"); url != "" {
		return url
	}
	// 2. Config file
	if config.Server.URL != "" {
		return config.Server.URL
	}
	// 3. Default: Standard Host/Port
	return fmt.Sprintf("http://%s:%d", DefaultProposerHost, DefaultProposerPort)
}

// apiClient covers every proposer call except document ingestion, which
// gets its own longer timeout in cmd_kb.go.
var apiClient = &http.Client{Timeout: 30 * time.Second}

// apiError turns a non-2xx proposer response into an error, preferring the
// service's {"error": "..."} body over the raw status line.
func apiError(resp *http.Response, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("proposer returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("proposer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// getJSON fetches url and decodes the response into out.
func getJSON(url string, out interface{}) error {
	resp, err := apiClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach the proposer at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read the proposer response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return apiError(resp, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// postJSON posts payload to url and decodes the response into out when it
// is non-nil.
func postJSON(url string, payload interface{}, out interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode the request body: %w", err)
		}
		reqBody = bytes.NewBuffer(raw)
	}

	resp, err := apiClient.Post(url, "application/json", reqBody)
	if err != nil {
		return fmt.Errorf("failed to reach the proposer at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read the proposer response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return apiError(resp, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// printJSON pretty-prints v to stdout.
func printJSON(v interface{}) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("Error formatting JSON: %v\n", err)
		return
	}
	fmt.Println(string(raw))
}

// resolveRequester picks the acting identity: flag, then config, then the
// OS user.
func resolveRequester(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if config.Defaults.Requester != "" {
		return config.Defaults.Requester
	}
	if current, err := user.Current(); err == nil && current.Username != "" {
		return current.Username
	}
	return "unknown"
}
