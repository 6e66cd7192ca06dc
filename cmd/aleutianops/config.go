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

// Config is the optional aleutianops.yaml file. Every field has a flag or
// environment override, so the file only captures per-machine defaults.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Cloud    CloudConfig     `yaml:"cloud"`
	Defaults ProposeDefaults `yaml:"defaults"`
}

// ServerConfig points the CLI at a proposer instance.
type ServerConfig struct {
	URL string `yaml:"url"`
}

// CloudConfig holds the GCS settings for kb push/pull.
type CloudConfig struct {
	ProjectId         string `yaml:"project_id"`
	Bucket            string `yaml:"bucket"`
	ServiceAccountKey string `yaml:"service_account_key"`
}

// ProposeDefaults pre-fills the propose command so daily use needs only
// the intent text.
type ProposeDefaults struct {
	Repository  string `yaml:"repository"`
	Environment string `yaml:"environment"`
	Requester   string `yaml:"requester"`
}
