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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	embedTimeout      = 30 * time.Second
	batchEmbedTimeout = 5 * time.Minute

	// maxEmbedLength truncates pathological inputs before embedding.
	maxEmbedLength = 8192
)

type embeddingRequest struct {
	Text string `json:"text"`
}

type embeddingResponse struct {
	Id        string    `json:"id"`
	Timestamp int64     `json:"timestamp"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Dim       int       `json:"dim"`
}

type batchEmbeddingRequest struct {
	Texts []string `json:"texts"`
}

type batchEmbeddingResponse struct {
	Id        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Vectors   [][]float32 `json:"vectors"`
	Model     string      `json:"model"`
	Dim       int         `json:"dim"`
}

// HTTPEmbedder talks to the embedding service's /embed and /batch_embed
// endpoints.
//
// # Thread Safety
//
// Safe for concurrent use; both underlying HTTP clients pool connections.
type HTTPEmbedder struct {
	baseURL     string
	client      *http.Client
	batchClient *http.Client
}

// NewHTTPEmbedder creates an embedder for the service at baseURL, for
// example "http://embedding:12007".
func NewHTTPEmbedder(baseURL string) *HTTPEmbedder {
	return &HTTPEmbedder{
		baseURL:     baseURL,
		client:      &http.Client{Timeout: embedTimeout},
		batchClient: &http.Client{Timeout: batchEmbedTimeout},
	}
}

// Embed computes the vector for one text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(text) > maxEmbedLength {
		text = text[:maxEmbedLength]
	}

	var resp embeddingResponse
	if err := e.post(ctx, e.client, e.baseURL+"/embed", embeddingRequest{Text: text}, &resp); err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(resp.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return resp.Vector, nil
}

// EmbedBatch computes vectors for a batch of texts in one request. The
// result has exactly one vector per input text.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp batchEmbeddingResponse
	if err := e.post(ctx, e.batchClient, e.baseURL+"/batch_embed", batchEmbeddingRequest{Texts: texts}, &resp); err != nil {
		return nil, fmt.Errorf("batch embedding failed: %w", err)
	}
	if len(resp.Vectors) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(resp.Vectors), len(texts))
	}
	return resp.Vectors, nil
}

// post sends one JSON request and decodes the JSON response.
func (e *HTTPEmbedder) post(ctx context.Context, client *http.Client, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
