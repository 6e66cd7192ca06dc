// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stack detects the technology stack of a target repository
// from its manifest files. The result feeds the ranker's stack-match
// boost and the knowledge base search query, so detection favors
// being cheap and predictable over being exhaustive: manifests at the
// repository root decide the language, and dependency names decide
// the framework.
package stack

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

// maxWalkEntries caps the test-discovery walk so a pathological tree
// cannot stall proposal creation.
const maxWalkEntries = 4000

// skipDirs are directories the test-discovery walk never descends into.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
}

// goFrameworkModules maps well-known Go web framework module paths to
// their short names.
var goFrameworkModules = map[string]string{
	"github.com/gin-gonic/gin": "gin",
	"github.com/labstack/echo": "echo",
	"github.com/go-chi/chi":    "chi",
}

// pythonFrameworks and nodeFrameworks are checked in order; the first
// dependency hit wins.
var (
	pythonFrameworks = []string{"django", "fastapi", "flask"}
	nodeFrameworks   = []string{"next", "express"}
)

// Stack describes what a target repository is built with.
//
// # Fields
//
//   - Language: Primary language ("go", "python", "node"). Empty when
//     no manifest was recognized.
//   - Framework: Web framework short name, empty when none detected.
//   - PackageManager: Tool that installs dependencies ("go", "pip",
//     "poetry", "npm", "yarn").
//   - HasDockerfile: A Dockerfile (or Dockerfile.<variant>) sits at
//     the repository root.
//   - HasTests: The repository carries test files for its language.
type Stack struct {
	Language       string `json:"language"`
	Framework      string `json:"framework,omitempty"`
	PackageManager string `json:"package_manager,omitempty"`
	HasDockerfile  bool   `json:"has_dockerfile"`
	HasTests       bool   `json:"has_tests"`
}

// Tags flattens the stack into ranking boost tags.
//
// # Outputs
//
//	[]string - Lower-case tags: language, framework, the package
//	manager when it differs from the language, and "docker" when a
//	Dockerfile is present. Empty for an unrecognized stack.
func (s Stack) Tags() []string {
	var tags []string
	if s.Language != "" {
		tags = append(tags, s.Language)
	}
	if s.Framework != "" {
		tags = append(tags, s.Framework)
	}
	if s.PackageManager != "" && s.PackageManager != s.Language {
		tags = append(tags, s.PackageManager)
	}
	if s.HasDockerfile {
		tags = append(tags, "docker")
	}
	return tags
}

// Detect inspects a repository root and reports its stack.
//
// # Description
//
//	Root manifests decide the language: go.mod wins over
//	pyproject.toml and requirements.txt, which win over package.json.
//	A go.mod is parsed properly with x/mod to read requires; the
//	python and node manifests are scanned for dependency names, which
//	matches how loosely those files are actually written. A repository
//	with no recognized manifest comes back with an empty Language and
//	no error; only an unreadable root is an error.
//
// # Inputs
//
//	root - Path to the repository root.
//
// # Outputs
//
//	Stack - Detected stack, possibly with empty Language.
//	error - Non-nil when root does not exist or is not a directory.
func Detect(root string) (Stack, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Stack{}, fmt.Errorf("cannot read repository root: %w", err)
	}
	if !info.IsDir() {
		return Stack{}, fmt.Errorf("repository root %s is not a directory", root)
	}

	var s Stack
	switch {
	case fileExists(filepath.Join(root, "go.mod")):
		s = detectGo(root)
	case fileExists(filepath.Join(root, "pyproject.toml")):
		s = detectPython(root, "pyproject.toml")
	case fileExists(filepath.Join(root, "requirements.txt")):
		s = detectPython(root, "requirements.txt")
	case fileExists(filepath.Join(root, "package.json")):
		s = detectNode(root)
	}

	s.HasDockerfile = hasDockerfile(root)
	if s.Language != "" {
		s.HasTests = hasTests(root, s.Language)
	}
	return s, nil
}

// detectGo parses go.mod for the framework. Parse failures degrade to
// a bare Go stack rather than failing detection.
func detectGo(root string) Stack {
	s := Stack{Language: "go", PackageManager: "go"}

	content, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		return s
	}
	f, err := modfile.Parse("go.mod", content, nil)
	if err != nil {
		return s
	}

	for _, req := range f.Require {
		for prefix, name := range goFrameworkModules {
			// Match both bare and /vN major-version module paths.
			if req.Mod.Path == prefix || strings.HasPrefix(req.Mod.Path, prefix+"/") {
				s.Framework = name
				return s
			}
		}
	}
	return s
}

// detectPython scans the manifest text for framework names. The
// package manager is poetry when pyproject.toml declares it, pip
// otherwise.
func detectPython(root, manifest string) Stack {
	s := Stack{Language: "python", PackageManager: "pip"}

	content, err := os.ReadFile(filepath.Join(root, manifest))
	if err != nil {
		return s
	}
	text := strings.ToLower(string(content))

	if manifest == "pyproject.toml" && strings.Contains(text, "[tool.poetry]") {
		s.PackageManager = "poetry"
	}
	for _, fw := range pythonFrameworks {
		if containsDependency(text, fw) {
			s.Framework = fw
			break
		}
	}
	return s
}

// packageJSON is the subset of package.json that detection reads.
type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
}

// detectNode parses package.json. The lock file decides the package
// manager.
func detectNode(root string) Stack {
	s := Stack{Language: "node", PackageManager: "npm"}
	if fileExists(filepath.Join(root, "yarn.lock")) {
		s.PackageManager = "yarn"
	}

	content, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return s
	}
	var pkg packageJSON
	if err := json.Unmarshal(content, &pkg); err != nil {
		return s
	}

	for _, fw := range nodeFrameworks {
		if _, ok := pkg.Dependencies[fw]; ok {
			s.Framework = fw
			break
		}
		if _, ok := pkg.DevDependencies[fw]; ok {
			s.Framework = fw
			break
		}
	}
	return s
}

// containsDependency reports whether a dependency name appears at the
// start of a line or inside a quoted string, which covers
// requirements.txt entries and pyproject.toml tables without a TOML
// parser.
func containsDependency(text, name string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, name) || strings.Contains(line, "\""+name) || strings.Contains(line, "'"+name) {
			return true
		}
	}
	return false
}

// hasDockerfile checks the repository root for a Dockerfile or any
// Dockerfile.<variant>.
func hasDockerfile(root string) bool {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "Dockerfile" || strings.HasPrefix(name, "Dockerfile.") {
			return true
		}
	}
	return false
}

// hasTests walks the tree looking for test files in the detected
// language. The walk is bounded and skips dependency directories.
func hasTests(root, language string) bool {
	found := false
	visited := 0

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		visited++
		if found || visited > maxWalkEntries {
			return fs.SkipAll
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if isTestFile(d.Name(), language) {
			found = true
			return fs.SkipAll
		}
		return nil
	})

	return found
}

// isTestFile applies the naming convention of each language's test
// runner.
func isTestFile(name, language string) bool {
	switch language {
	case "go":
		return strings.HasSuffix(name, "_test.go")
	case "python":
		return strings.HasPrefix(name, "test_") && strings.HasSuffix(name, ".py") ||
			strings.HasSuffix(name, "_test.py")
	case "node":
		return strings.HasSuffix(name, ".test.js") || strings.HasSuffix(name, ".test.ts") ||
			strings.HasSuffix(name, ".spec.js") || strings.HasSuffix(name, ".spec.ts")
	default:
		return false
	}
}

// fileExists reports whether path exists and is a regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
