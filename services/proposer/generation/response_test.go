// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"strings"
	"testing"
)

// fence wraps body in a fenced code block the way chat backends emit them.
func fence(lang, body string) string {
	return "```" + lang + "\n" + body + "\n```"
}

// =============================================================================
// JSON Response Tests
// =============================================================================

func TestParseResponse_FencedJSONFiles(t *testing.T) {
	content := fence("json", `{"files": {"deploy/main.tf": "terraform {\n}\n", ".github/workflows/ci.yml": "name: ci\n"}}`)

	files, err := ParseResponse(content, nil)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}

	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files["deploy/main.tf"] != "terraform {\n}\n" {
		t.Errorf("unexpected main.tf content %q", files["deploy/main.tf"])
	}
	if files[".github/workflows/ci.yml"] != "name: ci\n" {
		t.Errorf("unexpected workflow content %q", files[".github/workflows/ci.yml"])
	}
}

func TestParseResponse_BareJSONWithoutFence(t *testing.T) {
	files, err := ParseResponse(`{"files": {"chart/values.yaml": "replicas: 2\n"}}`, nil)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if files["chart/values.yaml"] != "replicas: 2\n" {
		t.Errorf("unexpected values.yaml content %q", files["chart/values.yaml"])
	}
}

func TestParseResponse_ProseAroundFenceIsIgnored(t *testing.T) {
	content := "Here is the configuration:\n\n" +
		fence("json", `{"files": {"rules.yml": "groups: []\n"}}`) +
		"\nLet me know if anything needs adjusting."

	files, err := ParseResponse(content, nil)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if files["rules.yml"] != "groups: []\n" {
		t.Errorf("unexpected rules.yml content %q", files["rules.yml"])
	}
}

func TestParseResponse_EmptyFilesObjectIsMalformed(t *testing.T) {
	_, err := ParseResponse(fence("json", `{"files": {}}`), nil)
	if err == nil {
		t.Fatal("expected error for empty files object")
	}
	if !IsMalformedResponse(err) {
		t.Errorf("expected MalformedResponseError, got %v", err)
	}
}

func TestParseResponse_ProseIsMalformed(t *testing.T) {
	_, err := ParseResponse("I cannot generate that configuration.", nil)
	if err == nil {
		t.Fatal("expected error for prose response")
	}
	if !IsMalformedResponse(err) {
		t.Errorf("expected MalformedResponseError, got %v", err)
	}
}

func TestParseResponse_UnterminatedFenceIsMalformed(t *testing.T) {
	content := "```json\n{\"files\": {\"a.tf\": \"x\"}}"

	_, err := ParseResponse(content, nil)
	if err == nil {
		t.Fatal("expected error for truncated response")
	}
	if !IsMalformedResponse(err) {
		t.Errorf("expected MalformedResponseError, got %v", err)
	}
}

// =============================================================================
// Diff Response Tests
// =============================================================================

func TestParseResponse_DiffModifiesBaseFile(t *testing.T) {
	base := "terraform {\n  required_version = \">= 1.6\"\n}\n\nmodule \"gke\" {\n  source = \"./modules/gke\"\n  node_count = 3\n}\n"
	baseFiles := map[string]string{
		"deploy/main.tf":      base,
		"deploy/variables.tf": "variable \"region\" {}\n",
	}
	patch := strings.Join([]string{
		"--- a/deploy/main.tf",
		"+++ b/deploy/main.tf",
		"@@ -5,4 +5,4 @@",
		" module \"gke\" {",
		"   source = \"./modules/gke\"",
		"-  node_count = 3",
		"+  node_count = 5",
		" }",
	}, "\n")

	files, err := ParseResponse(fence("diff", patch), baseFiles)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}

	want := strings.Replace(base, "node_count = 3", "node_count = 5", 1)
	if files["deploy/main.tf"] != want {
		t.Errorf("applied content mismatch:\ngot:  %q\nwant: %q", files["deploy/main.tf"], want)
	}
	if files["deploy/variables.tf"] != baseFiles["deploy/variables.tf"] {
		t.Errorf("untouched base file changed: %q", files["deploy/variables.tf"])
	}
	if len(files) != 2 {
		t.Errorf("expected 2 files, got %d", len(files))
	}
}

func TestParseResponse_DiffAppliesMultipleHunks(t *testing.T) {
	base := "a1\na2\na3\na4\na5\nb1\nb2\nb3\nb4\nb5\n"
	patch := strings.Join([]string{
		"--- a/f.txt",
		"+++ b/f.txt",
		"@@ -1,3 +1,3 @@",
		" a1",
		"-a2",
		"+A2",
		" a3",
		"@@ -8,3 +8,4 @@",
		" b3",
		"-b4",
		"+B4",
		"+B4b",
		" b5",
	}, "\n")

	files, err := ParseResponse(fence("diff", patch), map[string]string{"f.txt": base})
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}

	want := "a1\nA2\na3\na4\na5\nb1\nb2\nb3\nB4\nB4b\nb5\n"
	if files["f.txt"] != want {
		t.Errorf("applied content mismatch:\ngot:  %q\nwant: %q", files["f.txt"], want)
	}
}

func TestParseResponse_DiffCreatesNewFile(t *testing.T) {
	baseFiles := map[string]string{"deploy/main.tf": "module \"gke\" {}\n"}
	patch := strings.Join([]string{
		"--- /dev/null",
		"+++ b/deploy/outputs.tf",
		"@@ -0,0 +1,3 @@",
		"+output \"endpoint\" {",
		"+  value = module.gke.endpoint",
		"+}",
	}, "\n")

	files, err := ParseResponse(fence("diff", patch), baseFiles)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}

	want := "output \"endpoint\" {\n  value = module.gke.endpoint\n}"
	if files["deploy/outputs.tf"] != want {
		t.Errorf("new file content mismatch:\ngot:  %q\nwant: %q", files["deploy/outputs.tf"], want)
	}
	if _, ok := files["deploy/main.tf"]; !ok {
		t.Error("base file dropped from result")
	}
}

func TestParseResponse_DiffDeletesFile(t *testing.T) {
	baseFiles := map[string]string{
		"old.yaml":  "foo: 1\nbar: 2\n",
		"keep.yaml": "x: 1\n",
	}
	patch := strings.Join([]string{
		"--- a/old.yaml",
		"+++ /dev/null",
		"@@ -1,2 +0,0 @@",
		"-foo: 1",
		"-bar: 2",
	}, "\n")

	files, err := ParseResponse(fence("diff", patch), baseFiles)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}

	if _, ok := files["old.yaml"]; ok {
		t.Error("deleted file still present in result")
	}
	if files["keep.yaml"] != "x: 1\n" {
		t.Errorf("unrelated file changed: %q", files["keep.yaml"])
	}
}

func TestParseResponse_MultiFileDiff(t *testing.T) {
	baseFiles := map[string]string{"chart/values.yaml": "replicas: 2\nimage: app:v1\n"}
	patch := strings.Join([]string{
		"--- a/chart/values.yaml",
		"+++ b/chart/values.yaml",
		"@@ -1,2 +1,2 @@",
		"-replicas: 2",
		"+replicas: 4",
		" image: app:v1",
		"--- /dev/null",
		"+++ b/chart/templates/pdb.yaml",
		"@@ -0,0 +1,2 @@",
		"+apiVersion: policy/v1",
		"+kind: PodDisruptionBudget",
	}, "\n")

	files, err := ParseResponse(fence("diff", patch), baseFiles)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}

	if files["chart/values.yaml"] != "replicas: 4\nimage: app:v1\n" {
		t.Errorf("unexpected values.yaml content %q", files["chart/values.yaml"])
	}
	if files["chart/templates/pdb.yaml"] != "apiVersion: policy/v1\nkind: PodDisruptionBudget" {
		t.Errorf("unexpected pdb.yaml content %q", files["chart/templates/pdb.yaml"])
	}
}

func TestParseResponse_DiffWithGitHeaders(t *testing.T) {
	base := "name: ci\non: push\n"
	patch := strings.Join([]string{
		"diff --git a/.github/workflows/ci.yml b/.github/workflows/ci.yml",
		"index 1111111..2222222 100644",
		"--- a/.github/workflows/ci.yml",
		"+++ b/.github/workflows/ci.yml",
		"@@ -1,2 +1,2 @@",
		" name: ci",
		"-on: push",
		"+on: [push, pull_request]",
	}, "\n")

	files, err := ParseResponse(fence("diff", patch), map[string]string{".github/workflows/ci.yml": base})
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}

	want := "name: ci\non: [push, pull_request]\n"
	if files[".github/workflows/ci.yml"] != want {
		t.Errorf("applied content mismatch:\ngot:  %q\nwant: %q", files[".github/workflows/ci.yml"], want)
	}
}
