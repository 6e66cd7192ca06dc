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
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianOps/services/proposer/citations"
	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
)

// maxSnippetRunes bounds how much of one retrieved chunk reaches the
// prompt. Chunks are already sized at ingestion; this guards against
// oversized documents that predate chunk limits.
const maxSnippetRunes = 1500

const responseContract = `Respond in exactly one of two forms:
1. A fenced json code block containing {"files": {"path": "complete file content"}} with every file written out in full.
2. Only when base files are provided: a fenced diff code block containing a unified diff (--- a/path, +++ b/path) against those base files.
Never mix the two forms. Never add prose outside the fenced block.`

const groundingContract = `Ground every choice in the context snippets below. Each snippet carries a citation tag like [source:id]; prefer the conventions those snippets show over generic defaults. Do not invent resource names, registries, or endpoints that the context does not support.`

// systemPrompt returns the instruction block for one target kind.
func systemPrompt(kind datatypes.TargetKind) string {
	var role string
	switch kind {
	case datatypes.TargetPipeline:
		role = "You are a senior platform engineer. You write CI/CD pipeline configuration (GitHub Actions or GitLab CI) for deployment workflows."
	case datatypes.TargetIaC:
		role = "You are a senior platform engineer. You write Terraform configuration for cloud infrastructure."
	case datatypes.TargetHelm:
		role = "You are a senior platform engineer. You write Helm charts and values files for Kubernetes workloads."
	case datatypes.TargetMonitoring:
		role = "You are a senior platform engineer. You write Prometheus alerting rules and Grafana dashboard definitions."
	default:
		role = "You are a senior platform engineer. You write infrastructure configuration files."
	}
	return role + "\n\n" + groundingContract + "\n\n" + responseContract
}

// buildUserPrompt renders the request and its retrieved context into the
// user message. Base files are included verbatim so the backend can emit
// a diff against them; snippets keep their citation tags.
func buildUserPrompt(req datatypes.ProposalRequest, grounding []datatypes.ScoredResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Intent: %s\n", req.Intent)
	fmt.Fprintf(&b, "Repository: %s\n", req.Repository)
	fmt.Fprintf(&b, "Target: %s\n", req.Target)
	fmt.Fprintf(&b, "Environment: %s\n", req.Environment)
	if len(req.StackTags) > 0 {
		fmt.Fprintf(&b, "Stack: %s\n", strings.Join(req.StackTags, ", "))
	}
	if req.Resources.CPUMillis > 0 || req.Resources.MemoryMB > 0 {
		fmt.Fprintf(&b, "Requested resources: %dm CPU, %dMi memory\n",
			req.Resources.CPUMillis, req.Resources.MemoryMB)
	}

	if len(req.BaseFiles) > 0 {
		b.WriteString("\nBase files (a unified diff against these is acceptable):\n")
		paths := make([]string, 0, len(req.BaseFiles))
		for path := range req.BaseFiles {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			fmt.Fprintf(&b, "\n=== %s ===\n%s\n", path, req.BaseFiles[path])
		}
	}

	if len(grounding) > 0 {
		b.WriteString("\nContext snippets:\n")
		for _, result := range grounding {
			fmt.Fprintf(&b, "\n%s\n%s\n", citations.Format(result.Document), snippet(result.Document.Text))
		}
	}

	return b.String()
}

// snippet truncates chunk text at a rune boundary.
func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= maxSnippetRunes {
		return text
	}
	return string(runes[:maxSnippetRunes])
}
