// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/dockerfile"
	"github.com/smacker/go-tree-sitter/python"
	"gopkg.in/yaml.v3"
)

// maxFindingsPerFile caps the findings one malformed file can produce.
const maxFindingsPerFile = 10

// yamlLineRe extracts the line number yaml.v3 embeds in parse errors.
var yamlLineRe = regexp.MustCompile(`yaml: line (\d+): (.*)`)

// Finding is one local syntax error.
type Finding struct {
	Path    string
	Line    int
	Message string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: syntax error at line %d: %s", f.Path, f.Line, f.Message)
}

// PreCheck scans generated files for syntax errors before any remote
// tool runs.
//
// # Description
//
//	YAML files are parsed with yaml.v3; shell scripts, Dockerfiles, and
//	Python files with their tree-sitter grammars. Files outside those
//	types pass untouched: the remote dry-run tools own their formats.
//	Findings come back in sorted path order so output is stable.
//
// # Outputs
//
//	[]Finding - One entry per syntax error, empty when everything parses.
func PreCheck(ctx context.Context, files map[string]string) []Finding {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var findings []Finding
	for _, path := range paths {
		findings = append(findings, checkFile(ctx, path, files[path])...)
	}
	return findings
}

// checkFile routes one file to its checker by name.
func checkFile(ctx context.Context, path, content string) []Finding {
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(path, ".yml"), strings.HasSuffix(path, ".yaml"):
		return checkYAML(path, content)
	case strings.HasSuffix(path, ".sh"):
		return checkGrammar(ctx, path, content, bash.GetLanguage())
	case strings.HasSuffix(path, ".py"):
		return checkGrammar(ctx, path, content, python.GetLanguage())
	case base == "Dockerfile" || strings.HasPrefix(base, "Dockerfile."):
		return checkGrammar(ctx, path, content, dockerfile.GetLanguage())
	default:
		return nil
	}
}

// checkYAML reports the first parse error yaml.v3 finds.
func checkYAML(path, content string) []Finding {
	var node yaml.Node
	err := yaml.Unmarshal([]byte(content), &node)
	if err == nil {
		return nil
	}

	line := 0
	message := err.Error()
	if m := yamlLineRe.FindStringSubmatch(message); m != nil {
		line, _ = strconv.Atoi(m[1])
		message = m[2]
	}
	return []Finding{{Path: path, Line: line, Message: message}}
}

// checkGrammar parses content with a tree-sitter grammar and walks the
// tree for ERROR and MISSING nodes.
func checkGrammar(ctx context.Context, path, content string, lang *sitter.Language) []Finding {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, []byte(content))
	if err != nil {
		return []Finding{{Path: path, Line: 0, Message: fmt.Sprintf("parse failed: %v", err)}}
	}
	defer tree.Close()

	var findings []Finding
	collectErrors(tree.RootNode(), path, &findings, 0)
	return findings
}

// collectErrors recursively collects syntax errors. The depth guard
// prevents stack overflow on deeply nested trees.
func collectErrors(node *sitter.Node, path string, findings *[]Finding, depth int) {
	if depth > 1000 || len(*findings) >= maxFindingsPerFile {
		return
	}

	if node.IsError() || node.IsMissing() {
		message := "unexpected token"
		if node.IsMissing() {
			message = fmt.Sprintf("missing %s", node.Type())
		}
		*findings = append(*findings, Finding{
			Path:    path,
			Line:    int(node.StartPoint().Row) + 1,
			Message: message,
		})
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		collectErrors(node.Child(i), path, findings, depth+1)
	}
}
