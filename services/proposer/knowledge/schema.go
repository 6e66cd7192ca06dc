// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge manages the operational knowledge base: Weaviate-backed
// collections of pipeline configs, IaC modules, internal docs, SLO
// definitions and incident postmortems, the ingestion pipeline that chunks
// and indexes new material, and the retriever that grounds proposals in
// what is already known to work.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// Collection class names. Every knowledge collection maps to one Weaviate
// class; all classes share the same property shape so query and ingestion
// code is collection-agnostic.
var collectionClasses = map[string]string{
	datatypes.CollectionPipelines: "KbPipelines",
	datatypes.CollectionIaC:       "KbIac",
	datatypes.CollectionDocs:      "KbDocs",
	datatypes.CollectionSLO:       "KbSlo",
	datatypes.CollectionIncidents: "KbIncidents",
}

// ClassForCollection maps a collection name to its Weaviate class.
func ClassForCollection(collection string) (string, error) {
	class, ok := collectionClasses[collection]
	if !ok {
		return "", fmt.Errorf("unknown knowledge collection %q", collection)
	}
	return class, nil
}

// classDescriptions give each collection class a human-readable purpose.
var classDescriptions = map[string]string{
	"KbPipelines": "CI/CD pipeline configurations known to pass in production.",
	"KbIac":       "Terraform and infrastructure-as-code modules in active use.",
	"KbDocs":      "Internal platform documentation and runbooks.",
	"KbSlo":       "Service level objective definitions and alerting rules.",
	"KbIncidents": "Incident postmortems and their remediations.",
}

// knowledgeClass builds the schema for one collection class. Vectors come
// from the embedding service, so the vectorizer is disabled.
func knowledgeClass(className string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       className,
		Description: classDescriptions[className],
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "text",
				DataType:     []string{"text"},
				Description:  "The chunk content.",
				Tokenization: "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Origin of the parent document (repo path, runbook URL, postmortem id).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "title",
				DataType:     []string{"text"},
				Description:  "Human-readable title of the parent document.",
				Tokenization: "word",
			},
			{
				Name:            "tags",
				DataType:        []string{"text[]"},
				Description:     "Technology and environment tags matched against request stacks.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the chunk was indexed. Drives recency decay.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "success_rate",
				DataType:        []string{"number"},
				Description:     "Fraction of successful deployments attributed to this pattern. Refreshed from telemetry.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureSchema creates any missing collection classes.
//
// # Description
//
// Checks each collection class and creates the ones Weaviate does not know
// yet. Existing classes are left untouched; property drift is not
// reconciled here.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - client: Connected Weaviate client.
//
// # Outputs
//
//   - error: Non-nil when a class creation fails.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	for _, collection := range datatypes.KnownCollections() {
		className := collectionClasses[collection]
		class := knowledgeClass(className)

		_, err := client.Schema().ClassGetter().WithClassName(className).Do(ctx)
		if err == nil {
			slog.Debug("knowledge schema already exists", "class", className)
			continue
		}

		slog.Info("creating knowledge schema", "class", className, "collection", collection)
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("failed to create schema for class %s: %w", className, err)
		}
	}
	return nil
}
