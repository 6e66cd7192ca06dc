// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package citations builds the source attributions attached to a proposal.
//
// Every proposal that reaches review carries the knowledge-base documents
// that grounded it, as "[source:id]" citation strings. A proposal generated
// with no retrieved context is not an error, but it is flagged as low
// grounding so policy can treat it with suspicion.
package citations

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
)

// DefaultMaxCitations caps the citation list when the caller does not.
const DefaultMaxCitations = 10

// Fallbacks for documents indexed with incomplete metadata.
const (
	fallbackSource = "KB"
	fallbackID     = "unknown"
	fallbackTitle  = "Untitled"
)

// sectionHeading opens the rendered citation block.
const sectionHeading = "# Citations"

// citationPattern matches one "[source:id]" citation string.
var citationPattern = regexp.MustCompile(`\[([^\[\]:]+):([^\[\]]+)\]`)

// Format returns the citation string for one document: "[source:id]".
// Missing metadata falls back to "KB" and "unknown" rather than producing
// an empty bracket pair.
func Format(doc datatypes.Document) string {
	source := doc.Metadata.Source
	if source == "" {
		source = fallbackSource
	}
	id := doc.ID
	if id == "" {
		id = fallbackID
	}
	return fmt.Sprintf("[%s:%s]", source, id)
}

// Attach computes the citation list for ranked retrieval results.
//
// Description:
//
//	Walks the results in rank order, formats each document's citation, and
//	deduplicates on the (source, id) pair; the first occurrence keeps its
//	position. The list is capped at maxCitations (DefaultMaxCitations when
//	maxCitations <= 0).
//
// Inputs:
//
//	results - Ranked retrieval results, best first.
//	maxCitations - Cap on the returned list; <= 0 selects the default.
//
// Outputs:
//
//	[]string - Citation strings in rank order, deduplicated and capped.
//	bool - Low-grounding flag: true when results is empty. Not an error;
//	       policy decides what an ungrounded proposal is allowed to do.
func Attach(results []datatypes.ScoredResult, maxCitations int) ([]string, bool) {
	cited := collect(results, maxCitations)
	citations := make([]string, len(cited))
	for i, c := range cited {
		citations[i] = c.citation
	}
	return citations, len(results) == 0
}

// RenderSection appends a numbered citation section to generated content.
//
// Description:
//
//	Produces:
//
//	    {content}
//
//	    # Citations
//	    [1] [source:id]: {title}
//	    [2] ...
//
//	using the same deduplication and cap as Attach. Documents without a
//	title render as "Untitled". Content with no results is returned
//	unchanged; an empty citation section would only add noise.
func RenderSection(content string, results []datatypes.ScoredResult, maxCitations int) string {
	cited := collect(results, maxCitations)
	if len(cited) == 0 {
		return content
	}

	lines := make([]string, len(cited))
	for i, c := range cited {
		title := c.title
		if title == "" {
			title = fallbackTitle
		}
		lines[i] = fmt.Sprintf("[%d] %s: %s", i+1, c.citation, title)
	}

	return content + "\n\n" + sectionHeading + "\n" + strings.Join(lines, "\n")
}

// Report is the result of validating citations in generated content.
type Report struct {
	HasCitations       bool `json:"has_citations"`
	CitationCount      int  `json:"citation_count"`
	HasCitationSection bool `json:"has_citation_section"`
	Valid              bool `json:"valid"`
}

// Validate checks that content carries well-formed citations.
//
// Valid means at least one "[source:id]" citation and a rendered
// "# Citations" section are both present.
func Validate(content string) Report {
	count := len(citationPattern.FindAllString(content, -1))
	hasSection := strings.Contains(content, sectionHeading)

	return Report{
		HasCitations:       count > 0,
		CitationCount:      count,
		HasCitationSection: hasSection,
		Valid:              count > 0 && hasSection,
	}
}

// UsageRecord summarizes which knowledge sources grounded one piece of
// content. The lifecycle folds it into the audit trail.
type UsageRecord struct {
	ContentHash string   `json:"content_hash"`
	SourcesUsed []string `json:"sources_used"`
	UsageCount  int      `json:"usage_count"`
}

// TrackUsage builds the usage record for generated content and its
// citations. The hash identifies the exact content the sources grounded.
func TrackUsage(content string, citations []string) UsageRecord {
	sum := sha256.Sum256([]byte(content))
	return UsageRecord{
		ContentHash: hex.EncodeToString(sum[:]),
		SourcesUsed: append([]string(nil), citations...),
		UsageCount:  len(citations),
	}
}

// citedDoc pairs a citation string with the title shown in rendered
// sections.
type citedDoc struct {
	citation string
	title    string
}

// collect deduplicates and caps citations in rank order.
func collect(results []datatypes.ScoredResult, maxCitations int) []citedDoc {
	if maxCitations <= 0 {
		maxCitations = DefaultMaxCitations
	}

	type key struct{ source, id string }
	seen := make(map[key]struct{}, len(results))
	cited := make([]citedDoc, 0, min(len(results), maxCitations))
	for _, result := range results {
		k := key{source: result.Document.Metadata.Source, id: result.Document.ID}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		citation := Format(result.Document)
		cited = append(cited, citedDoc{
			citation: citation,
			title:    result.Document.Metadata.Title,
		})
		if len(cited) == maxCitations {
			break
		}
	}
	return cited
}
