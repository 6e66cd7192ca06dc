// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package e2e

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// runCLI executes the built binary in an empty directory so no config
// file leaks in, and returns combined output plus the exit code.
func runCLI(t *testing.T, args ...string) (string, int) {
	t.Helper()

	cmd := exec.Command(cliBinary, args...)
	cmd.Dir = t.TempDir()
	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(out), exitErr.ExitCode()
	}
	t.Fatalf("Failed to run %v: %v\nOutput: %s", args, err, out)
	return "", -1
}

// TestHelpListsCommandSurface checks the top-level commands are wired.
func TestHelpListsCommandSurface(t *testing.T) {
	output, code := runCLI(t, "--help")
	if code != 0 {
		t.Fatalf("--help exited %d:\n%s", code, output)
	}

	for _, command := range []string{"propose", "proposal", "review", "kb", "audit", "policy"} {
		if !strings.Contains(output, command) {
			t.Errorf("help output is missing the %q command:\n%s", command, output)
		}
	}
}

// TestPolicyVerifyReportsFingerprint checks the embedded rules verify
// cleanly and the fingerprint block is rendered.
func TestPolicyVerifyReportsFingerprint(t *testing.T) {
	output, code := runCLI(t, "policy", "verify")
	if code != 0 {
		t.Fatalf("policy verify exited %d:\n%s", code, output)
	}

	for _, marker := range []string{"Embedded Policy Verification", "Rules compiled:", "SHA256 Fingerprint:"} {
		if !strings.Contains(output, marker) {
			t.Errorf("policy verify output is missing %q:\n%s", marker, output)
		}
	}
}

// TestPolicyShowPrintsEmbeddedRules checks the default rule set is
// dumped when no rules file is configured.
func TestPolicyShowPrintsEmbeddedRules(t *testing.T) {
	output, code := runCLI(t, "policy", "show")
	if code != 0 {
		t.Fatalf("policy show exited %d:\n%s", code, output)
	}
	if !strings.Contains(output, "embedded defaults") {
		t.Errorf("policy show should name the embedded defaults:\n%s", output)
	}
	if !strings.Contains(output, "rules:") {
		t.Errorf("policy show should print the raw rule set:\n%s", output)
	}
}

// TestPolicyTestExitCodes drives the evaluator with captured contexts
// and checks the documented exit code contract: 0 allowed, 1 denied.
func TestPolicyTestExitCodes(t *testing.T) {
	tests := []struct {
		name        string
		context     string
		wantCode    int
		wantMarker  string
		wantAllowed bool
	}{
		{
			name: "dev pipeline change is allowed",
			context: `{
				"repository": "github.com/AleutianAI/pipelines",
				"environment": "dev",
				"operation": "pipeline",
				"requested_at": "2025-06-02T10:30:00Z",
				"approvals": []
			}`,
			wantCode:    0,
			wantMarker:  "Allowed by",
			wantAllowed: true,
		},
		{
			name: "unapproved production change is denied",
			context: `{
				"repository": "github.com/AleutianAI/deployments",
				"environment": "production",
				"operation": "helm",
				"requested_at": "2025-06-02T10:30:00Z",
				"approvals": [],
				"validations": {"helm-dry-run": "ok"}
			}`,
			wantCode:    1,
			wantMarker:  "Denied with",
			wantAllowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			contextFile := filepath.Join(dir, "context.json")
			if err := os.WriteFile(contextFile, []byte(tt.context), 0644); err != nil {
				t.Fatalf("Failed to write context file: %v", err)
			}

			// 1. Human output carries the verdict line and the exit code.
			output, code := runCLI(t, "policy", "test", contextFile)
			if code != tt.wantCode {
				t.Errorf("policy test exited %d, want %d:\n%s", code, tt.wantCode, output)
			}
			if !strings.Contains(output, tt.wantMarker) {
				t.Errorf("policy test output is missing %q:\n%s", tt.wantMarker, output)
			}

			// 2. JSON output is a machine-readable verdict.
			output, code = runCLI(t, "policy", "test", contextFile, "--json")
			if code != tt.wantCode {
				t.Errorf("policy test --json exited %d, want %d:\n%s", code, tt.wantCode, output)
			}
			var verdict struct {
				Allowed    bool     `json:"allowed"`
				Violations []string `json:"violations"`
			}
			if err := json.Unmarshal([]byte(output), &verdict); err != nil {
				t.Fatalf("policy test --json did not print JSON: %v\n%s", err, output)
			}
			if verdict.Allowed != tt.wantAllowed {
				t.Errorf("verdict.Allowed = %v, want %v", verdict.Allowed, tt.wantAllowed)
			}
			if !tt.wantAllowed && len(verdict.Violations) == 0 {
				t.Error("denied verdict should list violations")
			}
		})
	}
}

// TestPolicyTestRejectsGarbageContext checks parse failures use the
// error exit code, not the violation one.
func TestPolicyTestRejectsGarbageContext(t *testing.T) {
	dir := t.TempDir()
	contextFile := filepath.Join(dir, "context.json")
	if err := os.WriteFile(contextFile, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write context file: %v", err)
	}

	output, code := runCLI(t, "policy", "test", contextFile)
	if code != 2 {
		t.Errorf("policy test exited %d for a garbage context, want 2:\n%s", code, output)
	}
}
