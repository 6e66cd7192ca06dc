// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianOps/cmd/aleutianops/gcs"
	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/spf13/cobra"
)

// =============================================================================
// Ingestion
// =============================================================================

// ingestWorker posts files to the knowledge ingest endpoint. Results go
// out on the jobs channel so the caller can wait on them.
func ingestWorker(
	id int,
	wg *sync.WaitGroup,
	files <-chan string,
	ingestURL string,
	collection string,
	tags []string,
	successRate float64,
	queued chan<- datatypes.IngestJob,
) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Minute}

	for file := range files {
		fmt.Printf("[Worker %d] Ingesting: %s\n", id, file)
		content, err := os.ReadFile(file)
		if err != nil {
			log.Printf("[Worker %d] Could not read file %s: %v", id, file, err)
			continue
		}

		rate := successRate
		request := datatypes.IngestRequest{
			Collection:  collection,
			Source:      file,
			Title:       filepath.Base(file),
			Text:        string(content),
			Tags:        tags,
			SuccessRate: &rate,
		}
		postBody, err := json.Marshal(request)
		if err != nil {
			log.Printf("[Worker %d] could not create request for file %s: %v", id, file, err)
			continue
		}

		resp, err := client.Post(ingestURL, "application/json", bytes.NewBuffer(postBody))
		if err != nil {
			log.Printf("[Worker %d] Failed to send %s to the proposer: %v", id, file, err)
			continue
		}

		bodyBytes, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 400 {
			log.Printf("[Worker %d] Proposer error for %s, status %d: %s\n", id,
				file, resp.StatusCode, string(bodyBytes))
		} else {
			var job datatypes.IngestJob
			if err := json.Unmarshal(bodyBytes, &job); err == nil {
				log.Printf("[Worker %d] Queued %s as job %s\n", id, file, job.ID)
				queued <- job
			} else {
				log.Printf("[Worker %d] Queued %s (response unclear)\n", id, file)
			}
		}
		resp.Body.Close()
	}
}

// runKBIngest walks the given paths and indexes every eligible file.
func runKBIngest(cmd *cobra.Command, args []string) {
	baseURL := getProposerBaseURL()
	ingestURL := fmt.Sprintf("%s/v1/kb/documents", baseURL)

	fmt.Println("Finding files to index...")
	var allFiles []string
	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			log.Printf("Skipping %s: %v", path, err)
			continue
		}
		if !info.IsDir() {
			// Named files skip the extension filter on purpose
			allFiles = append(allFiles, path)
			continue
		}
		err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if blockedDirs[info.Name()] {
					log.Printf("Skipping blocked directory: %s\n", p)
					return filepath.SkipDir
				}
				return nil
			}
			if !allowedFileExts[filepath.Ext(p)] {
				return nil
			}
			allFiles = append(allFiles, p)
			return nil
		})
		if err != nil {
			log.Printf("Error walking path %s: %v", path, err)
		}
	}
	if len(allFiles) == 0 {
		fmt.Println("No valid files found to index.")
		return
	}

	numWorkers := 8
	if len(allFiles) < numWorkers {
		numWorkers = len(allFiles)
	}
	fmt.Printf("Found %d files. Indexing into %q with %d workers...\n",
		len(allFiles), kbCollection, numWorkers)

	var wg sync.WaitGroup
	files := make(chan string, len(allFiles))
	queued := make(chan datatypes.IngestJob, len(allFiles))

	for w := 1; w <= numWorkers; w++ {
		wg.Add(1)
		go ingestWorker(w, &wg, files, ingestURL, kbCollection, kbTags, kbSuccessRate, queued)
	}
	for _, file := range allFiles {
		files <- file
	}
	close(files)
	wg.Wait()
	close(queued)

	var jobs []datatypes.IngestJob
	for job := range queued {
		jobs = append(jobs, job)
	}
	fmt.Printf("\nQueued %d of %d files.\n", len(jobs), len(allFiles))
	if len(jobs) == 0 {
		return
	}

	if !kbWait {
		fmt.Println("Check progress with: aleutianops kb job <id>")
		return
	}

	fmt.Println("Waiting for ingestion to finish...")
	var indexed, failed int
	for _, job := range jobs {
		final, err := waitForIngestJob(baseURL, job.ID, 5*time.Minute)
		if err != nil {
			log.Printf("Job %s: %v", job.ID, err)
			failed++
			continue
		}
		if final.State == datatypes.JobFailed {
			log.Printf("Job %s failed: %s", final.ID, final.Error)
			failed++
			continue
		}
		indexed += final.DocumentsIndexed
	}
	fmt.Printf("Ingestion complete: %d chunks indexed, %d jobs failed.\n", indexed, failed)
}

// waitForIngestJob polls a job until it settles or the timeout passes.
func waitForIngestJob(baseURL, id string, timeout time.Duration) (*datatypes.IngestJob, error) {
	deadline := time.Now().Add(timeout)
	for {
		var job datatypes.IngestJob
		if err := getJSON(fmt.Sprintf("%s/v1/kb/jobs/%s", baseURL, id), &job); err != nil {
			return nil, err
		}
		if job.State == datatypes.JobDone || job.State == datatypes.JobFailed {
			return &job, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for job %s (still %s)", id, job.State)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// runKBJob prints one ingest job.
func runKBJob(cmd *cobra.Command, args []string) {
	var job datatypes.IngestJob
	if err := getJSON(fmt.Sprintf("%s/v1/kb/jobs/%s", getProposerBaseURL(), args[0]), &job); err != nil {
		log.Fatalf("Failed to fetch job: %v", err)
	}
	printJSON(job)
}

// =============================================================================
// Search and Stats
// =============================================================================

// SearchResponse mirrors the knowledge search endpoint payload.
type SearchResponse struct {
	Results         []datatypes.ScoredResult `json:"results"`
	DegradedSources []string                 `json:"degraded_sources"`
	Count           int                      `json:"count"`
}

// runKBSearch queries the ranked knowledge base.
func runKBSearch(cmd *cobra.Command, args []string) {
	params := url.Values{}
	params.Set("query", strings.Join(args, " "))
	params.Set("k", strconv.Itoa(kbSearchK))
	if len(kbCollections) > 0 {
		params.Set("collections", strings.Join(kbCollections, ","))
	}

	var response SearchResponse
	searchURL := fmt.Sprintf("%s/v1/kb/search?%s", getProposerBaseURL(), params.Encode())
	if err := getJSON(searchURL, &response); err != nil {
		log.Fatalf("Search failed: %v", err)
	}

	if outputJSON {
		printJSON(response)
		return
	}

	if len(response.DegradedSources) > 0 {
		fmt.Printf("Warning: degraded collections: %s\n", strings.Join(response.DegradedSources, ", "))
	}
	if response.Count == 0 {
		fmt.Println("No results.")
		return
	}

	fmt.Printf("Results (%d):\n", response.Count)
	fmt.Println(strings.Repeat("-", 66))
	for i, r := range response.Results {
		title := r.Document.Metadata.Title
		if title == "" {
			title = r.Document.Metadata.Source
		}
		fmt.Printf("%2d. [%.3f] %s (%s)\n", i+1, r.CombinedScore, title, r.Document.Collection)
		fmt.Printf("    source: %s\n", r.Document.Metadata.Source)
		fmt.Printf("    %s\n", truncate(r.Document.Text, 100))
	}
}

// runKBStats prints per-collection object counts.
func runKBStats(cmd *cobra.Command, args []string) {
	var response struct {
		Collections []datatypes.CollectionStats `json:"collections"`
	}
	if err := getJSON(getProposerBaseURL()+"/v1/kb/stats", &response); err != nil {
		log.Fatalf("Failed to fetch stats: %v", err)
	}

	fmt.Println("Knowledge base collections:")
	fmt.Println(strings.Repeat("-", 40))
	var total int64
	for _, c := range response.Collections {
		fmt.Printf("%-20s %10d objects\n", c.Collection, c.Objects)
		total += c.Objects
	}
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("%-20s %10d objects\n", "total", total)
}

// =============================================================================
// Cloud Sync
// =============================================================================

// cloudClient builds a GCS client from flags, falling back to the config
// file for anything not set on the command line.
func cloudClient(ctx context.Context) *gcs.Client {
	bucket := kbBucket
	if bucket == "" {
		bucket = config.Cloud.Bucket
	}
	project := kbProject
	if project == "" {
		project = config.Cloud.ProjectId
	}
	keyPath := kbKeyPath
	if keyPath == "" {
		keyPath = config.Cloud.ServiceAccountKey
	}
	if bucket == "" || keyPath == "" {
		log.Fatalf("Cloud sync needs --bucket and --key (or cloud settings in the config file).")
	}

	client, err := gcs.NewClient(ctx, project, bucket, keyPath)
	if err != nil {
		log.Fatalf("Failed to create GCS client: %v", err)
	}
	return client
}

// runKBPush uploads a local knowledge snapshot directory to the bucket.
func runKBPush(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	client := cloudClient(ctx)
	defer client.Close()

	info, err := os.Stat(args[0])
	if err != nil {
		log.Fatalf("Cannot read %s: %v", args[0], err)
	}

	if info.IsDir() {
		if err := client.UploadDir(ctx, args[0], kbPrefix); err != nil {
			log.Fatalf("Upload failed: %v", err)
		}
	} else {
		gcsPath := filepath.ToSlash(filepath.Join(kbPrefix, filepath.Base(args[0])))
		if err := client.UploadFile(ctx, args[0], gcsPath); err != nil {
			log.Fatalf("Upload failed: %v", err)
		}
	}
	fmt.Printf("Push complete: gs://%s/%s\n", client.BucketName, kbPrefix)
}

// runKBPull downloads a knowledge snapshot from the bucket. Pair it with
// 'kb ingest' to index the downloaded files.
func runKBPull(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	client := cloudClient(ctx)
	defer client.Close()

	count, err := client.DownloadPrefix(ctx, kbPrefix, kbDest)
	if err != nil {
		log.Fatalf("Download failed: %v", err)
	}
	if count == 0 {
		fmt.Printf("No objects found under gs://%s/%s\n", client.BucketName, kbPrefix)
		return
	}
	fmt.Printf("Pull complete: %d files in %s\n", count, kbDest)
	fmt.Printf("Index them with: aleutianops kb ingest %s\n", kbDest)
}
