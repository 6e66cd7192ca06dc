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
	"fmt"
	"path/filepath"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
)

var (
	chunkSize    = 1000
	chunkOverlap = int(float64(chunkSize) * 0.10)

	defaultSeparators = []string{"\n\n", "\n", " ", ""}

	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}

	// hclSeparators keep Terraform blocks intact where possible.
	hclSeparators = []string{
		"\nresource ", "\nmodule ", "\ndata ", "\nvariable ", "\noutput ",
		"\nlocals ", "\nprovider ",
		"\n\n", "\n", " ", "",
	}

	// yamlSeparators split on document markers and top-level keys first.
	yamlSeparators = []string{
		"\n---\n", "\n\n", "\n", " ", "",
	}
)

// Chunk is one piece of a split document, ready for embedding and
// indexing.
//
// # Fields
//
//   - ID: Deterministic id derived from collection, source, and content,
//     so re-ingesting identical content overwrites rather than duplicates.
//   - Text: The chunk content.
//   - Index: Zero-based position within the parent document.
type Chunk struct {
	ID    string
	Text  string
	Index int
}

// splitterForSource picks chunking separators by file type so chunks
// break on structural boundaries instead of mid-block.
func splitterForSource(source string) textsplitter.TextSplitter {
	switch filepath.Ext(source) {
	case ".md":
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators(markdownSeparators),
		)

	case ".tf", ".hcl":
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators(hclSeparators),
		)

	case ".yaml", ".yml":
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators(yamlSeparators),
		)

	default:
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators(defaultSeparators),
		)
	}
}

// ChunkID derives the deterministic id for one chunk. Version 5 UUIDs
// over collection, source, and content mean the same material always maps
// to the same object.
func ChunkID(collection, source, text string) string {
	name := fmt.Sprintf("%s\x00%s\x00%s", collection, source, text)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// SplitDocument chunks an ingest request's text for indexing.
//
// # Outputs
//
//   - []Chunk: The chunks in document order, each with its deterministic
//     id. Empty when the text splits to nothing.
//   - error: Non-nil when the splitter fails.
func SplitDocument(req datatypes.IngestRequest) ([]Chunk, error) {
	splitter := splitterForSource(req.Source)

	pieces, err := splitter.SplitText(req.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to split %s: %w", req.Source, err)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for i, piece := range pieces {
		if piece == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			ID:    ChunkID(req.Collection, req.Source, piece),
			Text:  piece,
			Index: i,
		})
	}
	return chunks, nil
}
