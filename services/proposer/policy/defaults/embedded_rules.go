// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
This file bridges the build system and the runtime policy engine. It uses
the Go embed package to bake default_rules.yaml directly into the compiled
binary, so a deployment with no policy file configured still enforces a
known baseline rather than allowing everything.
*/

package defaults

import (
	_ "embed"
)

// Rules holds the raw byte content of the 'default_rules.yaml' file.
//
// Populated at compile time via the Go 'embed' directive. Baking the YAML
// into the binary means the baseline rules cannot be tampered with on the
// host filesystem without recompiling the application.
//
// Usage:
//
//	rules, err := policy.Parse(defaults.Rules)
//
//go:embed default_rules.yaml
var Rules []byte
