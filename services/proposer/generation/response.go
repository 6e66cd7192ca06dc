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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// filesPayload is the JSON response shape.
type filesPayload struct {
	Files map[string]string `json:"files"`
}

// ParseResponse turns one backend completion into the generated file set.
//
// # Description
//
//	Two response shapes are accepted. A JSON object {"files": {path:
//	content}} is taken as the complete output. A unified diff is applied
//	on top of baseFiles to produce whole files: changed and added files
//	are rewritten, deleted files drop out, untouched base files carry
//	over. Fenced code blocks are unwrapped first; a bare response is
//	tried as-is.
//
// # Inputs
//
//	content - The raw completion text.
//	baseFiles - The request's base files, or nil.
//
// # Outputs
//
//	map[string]string - Generated files keyed by path.
//	error - *MalformedResponseError when the response matches neither shape.
func ParseResponse(content string, baseFiles map[string]string) (map[string]string, error) {
	candidates := fencedBlocks(content)
	if len(candidates) == 0 {
		candidates = []string{content}
	}

	for _, block := range candidates {
		files, ok := parseFilesJSON(block)
		if !ok {
			continue
		}
		if len(files) == 0 {
			return nil, &MalformedResponseError{Detail: "files object is empty"}
		}
		return files, nil
	}

	for _, block := range candidates {
		if looksLikeDiff(block) {
			return applyUnifiedDiff(block, baseFiles)
		}
	}

	return nil, &MalformedResponseError{Detail: "response is neither a files object nor a unified diff"}
}

// fencedBlocks extracts the contents of ``` fenced code blocks, dropping
// the fence lines and any language tag. An unterminated fence yields
// nothing; a truncated response must not half-apply.
func fencedBlocks(content string) []string {
	var blocks []string
	var current []string
	inFence := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inFence {
				blocks = append(blocks, strings.Join(current, "\n"))
				current = nil
			}
			inFence = !inFence
			continue
		}
		if inFence {
			current = append(current, line)
		}
	}
	return blocks
}

// parseFilesJSON reports whether block is a JSON object carrying a
// "files" member. A block that is not that shape is not an error; the
// caller falls through to diff handling.
func parseFilesJSON(block string) (map[string]string, bool) {
	trimmed := strings.TrimSpace(block)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var payload filesPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, false
	}
	if payload.Files == nil {
		return nil, false
	}
	return payload.Files, true
}

// looksLikeDiff reports whether block carries unified diff file headers.
func looksLikeDiff(block string) bool {
	padded := "\n" + block
	return strings.Contains(padded, "\n--- ") && strings.Contains(padded, "\n+++ ")
}

// applyUnifiedDiff applies a multi-file unified diff on top of baseFiles.
func applyUnifiedDiff(patch string, baseFiles map[string]string) (map[string]string, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, &MalformedResponseError{Detail: fmt.Sprintf("cannot parse unified diff: %v", err)}
	}
	if len(fileDiffs) == 0 {
		return nil, &MalformedResponseError{Detail: "unified diff touches no files"}
	}

	files := make(map[string]string, len(baseFiles)+len(fileDiffs))
	for path, content := range baseFiles {
		files[path] = content
	}

	for _, fd := range fileDiffs {
		path := diffPath(fd)
		if path == "" {
			return nil, &MalformedResponseError{Detail: "diff entry has no usable path"}
		}
		if fd.NewName == "/dev/null" {
			delete(files, path)
			continue
		}
		files[path] = applyFileDiff(files[path], fd)
	}
	return files, nil
}

// diffPath resolves one diff entry to a repository path, stripping the
// a/ and b/ prefixes git-style diffs carry.
func diffPath(fd *diff.FileDiff) string {
	path := fd.NewName
	if path == "" || path == "/dev/null" {
		path = fd.OrigName
	}
	path = strings.TrimPrefix(path, "a/")
	path = strings.TrimPrefix(path, "b/")
	if path == "/dev/null" {
		return ""
	}
	return path
}

// applyFileDiff rebuilds one file from its base content and hunks: copy
// original lines up to each hunk start, then replay added, removed, and
// context lines in order.
func applyFileDiff(original string, fd *diff.FileDiff) string {
	if fd.OrigName == "/dev/null" || original == "" {
		// New file. The added lines are the whole content.
		var lines []string
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					lines = append(lines, strings.TrimPrefix(line, "+"))
				}
			}
		}
		return strings.Join(lines, "\n")
	}

	origLines := strings.Split(original, "\n")
	newLines := make([]string, 0, len(origLines))

	origIdx := 0
	for _, hunk := range fd.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		for origIdx < hunkStart && origIdx < len(origLines) {
			newLines = append(newLines, origLines[origIdx])
			origIdx++
		}

		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				newLines = append(newLines, strings.TrimPrefix(line, "+"))
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				origIdx++
			case strings.HasPrefix(line, " ") || line == "":
				if origIdx < len(origLines) {
					newLines = append(newLines, origLines[origIdx])
					origIdx++
				}
			}
		}
	}

	for origIdx < len(origLines) {
		newLines = append(newLines, origLines[origIdx])
		origIdx++
	}

	return strings.Join(newLines, "\n")
}
