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
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target
// type.
//
// # Description
//
// Encapsulates the marshal/unmarshal round trip needed to convert
// Weaviate's dynamic response (map[string]models.JSONObject) into a typed
// struct. The target type T must carry json tags matching the response
// shape.
//
// # Inputs
//
//   - resp: The GraphQL response from the client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if the response is nil or parsing fails.
//
// # Limitations
//
//   - Type mismatches produce zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// kbObject is one knowledge chunk as returned by a Get query. The Get
// response keys objects by class name, so responses for every collection
// class share this shape.
type kbObject struct {
	Text        string   `json:"text"`
	Source      string   `json:"source"`
	Title       string   `json:"title"`
	Tags        []string `json:"tags"`
	CreatedAt   float64  `json:"created_at"`
	SuccessRate float64  `json:"success_rate"`
	Additional  struct {
		ID       string    `json:"id"`
		Distance *float32  `json:"distance"`
		Vector   []float32 `json:"vector"`
	} `json:"_additional"`
}

// kbGetResponse is the envelope of a Get query, keyed by class name.
type kbGetResponse struct {
	Get map[string][]kbObject `json:"Get"`
}

// kbAggregateResponse is the envelope of an Aggregate meta-count query.
type kbAggregateResponse struct {
	Aggregate map[string][]struct {
		Meta struct {
			Count float64 `json:"count"`
		} `json:"meta"`
	} `json:"Aggregate"`
}

// kbIDResponse is the envelope of an id-only Get query, used when a
// follow-up mutation needs the object ids for a filter.
type kbIDResponse struct {
	Get map[string][]struct {
		Additional struct {
			ID string `json:"id"`
		} `json:"_additional"`
	} `json:"Get"`
}
