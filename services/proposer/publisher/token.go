// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package publisher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

const (
	// TokenEnv holds the SCM token directly.
	TokenEnv = "ALEUTIAN_SCM_TOKEN"

	// TokenFileEnv names a file holding the SCM token. The file wins
	// over the direct variable so mounted secrets take precedence.
	TokenFileEnv = "ALEUTIAN_SCM_TOKEN_FILE"
)

// ErrNoToken means neither token source is configured.
var ErrNoToken = errors.New("no SCM token configured")

// secureInitOnce gates process-wide secure memory setup.
var secureInitOnce sync.Once

// initSecureMemory arms memguard's interrupt handler and turns off
// core dumps so the token cannot land in a crash artifact.
func initSecureMemory() {
	secureInitOnce.Do(func() {
		memguard.CatchInterrupt()
		if err := disableCoreDumps(); err != nil {
			slog.Warn("could not disable core dumps", "error", err)
		}
	})
}

// TokenSource holds the SCM token in an encrypted memguard enclave.
//
// # Description
//
// The token is read exactly once at construction and sealed. Each Use
// call decrypts into an mlocked buffer, hands the bytes to the
// callback, and wipes the buffer before returning. The plaintext never
// reaches a GC-managed allocation and is never logged.
//
// # Thread Safety
//
// Safe for concurrent use; enclaves are immutable after creation.
type TokenSource struct {
	enclave *memguard.Enclave
}

// LoadToken reads the SCM token from the environment into an enclave.
//
// # Description
//
//	ALEUTIAN_SCM_TOKEN_FILE is read when set (trailing newline
//	trimmed), otherwise ALEUTIAN_SCM_TOKEN. ErrNoToken when neither is
//	set; a configured-but-empty source is an error because it means
//	misconfiguration, not "no publishing".
//
// # Outputs
//
//	*TokenSource - The sealed token.
//	error - ErrNoToken, or a read failure for the file source.
func LoadToken() (*TokenSource, error) {
	initSecureMemory()

	if path := os.Getenv(TokenFileEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read SCM token file: %w", err)
		}
		token := strings.TrimRight(string(raw), "\r\n")
		if token == "" {
			return nil, fmt.Errorf("SCM token file %s is empty", path)
		}
		return &TokenSource{enclave: memguard.NewEnclave([]byte(token))}, nil
	}

	if token := os.Getenv(TokenEnv); token != "" {
		return &TokenSource{enclave: memguard.NewEnclave([]byte(token))}, nil
	}
	return nil, ErrNoToken
}

// Use opens the enclave and passes the token bytes to fn.
//
// # Description
//
//	The buffer is destroyed when fn returns, invalidating the slice;
//	fn must not retain it. Errors from fn pass through unchanged.
func (t *TokenSource) Use(fn func(token []byte) error) error {
	buf, err := t.enclave.Open()
	if err != nil {
		return fmt.Errorf("open token enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Purge wipes all secure memory. Call during shutdown.
func Purge() {
	memguard.Purge()
}
