// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// =============================================================================
// Chain Logger Implementation
// =============================================================================

// GenesisHash is the initial hash value for the first record in the chain.
// This allows verification that the chain starts from a known state.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// auditLogFileMode restricts read/write to owner only (0600).
//
// # Security Rationale
//
// The audit trail records which repositories were targeted, which policy
// rules denied operations, and who approved what. That metadata is itself
// sensitive. Restricting to owner-only access prevents other system users
// from reading this compliance-critical data.
const auditLogFileMode = 0600

// chainLogger implements Logger with dual output and hash chain integrity.
//
// # Description
//
// Structured copies of every record go to slog (stdout/JSON) for general
// monitoring. The authoritative records go to a dedicated append-only file
// as JSON lines, each linked to its predecessor by hash.
//
// # Hash Chain
//
// Each record includes a hash of the previous record, creating a
// tamper-evident chain. If any record is modified, the chain will break
// during verification.
//
// # Fields
//
//   - logFile: Handle to the dedicated audit log file.
//   - logPath: Path the file was opened at, kept for rotation support.
//   - fileMu: Mutex protecting file writes and chain state.
//   - sequence: Monotonically increasing sequence number.
//   - prevHash: Hash of the previous record (for chain linking).
//
// # Thread Safety
//
// All methods are thread-safe. File writes are serialized via mutex.
type chainLogger struct {
	logFile  *os.File
	logPath  string
	fileMu   sync.Mutex
	sequence int64
	prevHash string
}

// NewLogger creates an audit trail backed by the file at logPath.
//
// # Description
//
// Opens the trail file in append mode, creating it with owner-only
// permissions if it does not exist, and initializes the hash chain by
// reading the last record from an existing file or starting fresh with the
// genesis hash. Restarting the service therefore continues the chain
// rather than forking it.
//
// # Inputs
//
//   - logPath: Path to the dedicated trail file. Created if not exists.
//
// # Outputs
//
//   - Logger: Ready to use audit trail.
//   - error: Non-nil if file creation or chain initialization fails.
//
// # Examples
//
//	trail, err := audit.NewLogger("/var/log/aleutian/proposer_audit.log")
//	if err != nil {
//	    return fmt.Errorf("failed to create audit trail: %w", err)
//	}
//	defer trail.Close()
//
// # Limitations
//
//   - Log rotation must be handled externally (e.g., logrotate).
//   - Chain verification after rotation requires preserving old files.
//
// # Assumptions
//
//   - The parent directory of logPath exists and is writable.
//   - System clock is reasonably accurate for timestamps.
func NewLogger(logPath string) (Logger, error) {
	// Open file in append mode, create if doesn't exist
	// Use restricted permissions (0600) to prevent unauthorized access to audit data
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	logger := &chainLogger{
		logFile:  file,
		logPath:  logPath,
		prevHash: GenesisHash,
		sequence: 0,
	}

	// Initialize chain state from existing file
	if err := logger.initializeChainState(logPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to initialize chain state: %w", err)
	}

	slog.Info("audit trail initialized",
		"log_path", logPath,
		"starting_sequence", logger.sequence,
		"chain_initialized", true,
	)

	return logger, nil
}

// Emit appends an entry to the trail with cryptographic chain linking.
//
// # Description
//
// Assigns the next sequence number and a UTC timestamp, links the record to
// the previous one in the hash chain, writes it to the trail file, and
// syncs the file before returning. Callers that append a record describing
// an effect they are about to apply can rely on the record surviving a
// crash that happens after Emit returns.
//
// # Inputs
//
//   - entry: The caller-supplied portion of the record.
//
// # Outputs
//
//   - Record: The full record that was appended.
//   - error: Non-nil if the trail is closed or the write fails. On error
//     the chain state is unchanged and nothing was appended.
//
// # Examples
//
//	record, err := trail.Emit(audit.Entry{
//	    ProposalID: prop.ID,
//	    Actor:      "proposer",
//	    Action:     audit.ActionTransition,
//	    FromState:  "DRAFT",
//	    ToState:    "RETRIEVED",
//	})
//	if err != nil {
//	    return fmt.Errorf("failed to record transition: %w", err)
//	}
//
// # Limitations
//
//   - Writes are synchronous and synced; may impact throughput on slow disks.
func (l *chainLogger) Emit(entry Entry) (Record, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile == nil {
		return Record{}, fmt.Errorf("audit log is closed")
	}

	record := Record{
		Sequence:    l.sequence + 1,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		ProposalID:  entry.ProposalID,
		Actor:       entry.Actor,
		Action:      entry.Action,
		FromState:   entry.FromState,
		ToState:     entry.ToState,
		Reason:      entry.Reason,
		Detail:      entry.Detail,
		ContentHash: entry.ContentHash,
		PrevHash:    l.prevHash,
	}

	// Compute entry hash (hash of this entire record)
	record.EntryHash = computeRecordHash(record)

	// Write to file and force it to disk before reporting success
	if err := l.writeRecord(record); err != nil {
		return Record{}, fmt.Errorf("failed to write audit record: %w", err)
	}
	if err := l.logFile.Sync(); err != nil {
		return Record{}, fmt.Errorf("failed to sync audit record: %w", err)
	}

	// Update chain state only after the record is durable
	l.sequence = record.Sequence
	l.prevHash = record.EntryHash

	// Also log to slog for observability
	slog.Info("audit.record.appended",
		"sequence", record.Sequence,
		"proposal_id", record.ProposalID,
		"actor", record.Actor,
		"action", record.Action,
		"from_state", record.FromState,
		"to_state", record.ToState,
	)

	return record, nil
}

// VerifyChain verifies the integrity of the hash chain.
//
// # Description
//
// Reads all chained records and verifies that each record's PrevHash
// matches the previous record's EntryHash and that each EntryHash matches
// its recomputed value. Returns the verification result and the position
// of the first break found.
//
// # Outputs
//
//   - valid: True if the entire chain is valid.
//   - breakIndex: Index of first broken link (-1 if valid).
//   - error: Non-nil if verification fails to complete.
//
// # Examples
//
//	valid, breakIndex, err := trail.VerifyChain()
//	if err != nil {
//	    return fmt.Errorf("verification failed: %w", err)
//	}
//	if !valid {
//	    fmt.Printf("Chain broken at index %d\n", breakIndex)
//	}
//
// # Limitations
//
//   - Requires reading the entire trail file.
//   - Lines that are not chained records are skipped.
//   - May be slow for very large trail files.
func (l *chainLogger) VerifyChain() (valid bool, breakIndex int64, err error) {
	logPath := l.currentPath()

	// Open file for reading (separate handle)
	file, err := os.Open(logPath)
	if err != nil {
		return false, -1, fmt.Errorf("failed to open audit log for verification: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var prevHash = GenesisHash
	var recordIndex int64 = 0

	for scanner.Scan() {
		line := scanner.Bytes()

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			continue // Skip malformed lines
		}

		// Chained records always carry Sequence > 0
		if record.Sequence == 0 {
			continue
		}

		// Verify chain link
		if record.PrevHash != prevHash {
			return false, recordIndex, nil
		}

		// Verify entry hash
		computedHash := computeRecordHash(record)
		if computedHash != record.EntryHash {
			return false, recordIndex, nil
		}

		prevHash = record.EntryHash
		recordIndex++
	}

	if err := scanner.Err(); err != nil {
		return false, -1, fmt.Errorf("error reading audit log: %w", err)
	}

	return true, -1, nil
}

// EntryCount returns the number of chained records in the trail.
//
// # Description
//
// Counts all chained records (entries with Sequence > 0) in the trail file.
// Used by the `aleutianops audit status` command for basic health reporting.
//
// # Outputs
//
//   - count: Number of chained records in the trail.
//   - error: Non-nil if reading fails.
func (l *chainLogger) EntryCount() (int64, error) {
	logPath := l.currentPath()

	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var count int64 = 0

	for scanner.Scan() {
		line := scanner.Bytes()
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		if record.Sequence > 0 {
			count++
		}
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("error reading audit log: %w", err)
	}

	return count, nil
}

// LastRecord returns the most recent chained record from the trail.
//
// # Description
//
// Returns the record with the highest sequence number for status reporting,
// or nil when the trail is empty.
//
// # Outputs
//
//   - record: The most recent Record (nil if the trail is empty).
//   - error: Non-nil if reading fails.
func (l *chainLogger) LastRecord() (*Record, error) {
	logPath := l.currentPath()

	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var lastRecord *Record

	for scanner.Scan() {
		line := scanner.Bytes()
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		if record.Sequence > 0 {
			recordCopy := record
			lastRecord = &recordCopy
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading audit log: %w", err)
	}

	return lastRecord, nil
}

// Records returns the chained records matching the query, in append order.
//
// # Description
//
// Scans the trail and keeps the records whose fields match the non-empty
// query fields. When Limit is positive, only the most recent matches are
// returned (still in append order). Used by the proposal audit endpoint
// and the `aleutianops audit trail` command.
//
// # Inputs
//
//   - q: Selection criteria. The zero Query matches everything.
//
// # Outputs
//
//   - []Record: Matching records, oldest first.
//   - error: Non-nil if reading fails.
//
// # Examples
//
//	records, err := trail.Records(audit.Query{ProposalID: id})
//	if err != nil {
//	    return nil, fmt.Errorf("failed to read audit trail: %w", err)
//	}
func (l *chainLogger) Records(q Query) ([]Record, error) {
	logPath := l.currentPath()

	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var matches []Record

	for scanner.Scan() {
		line := scanner.Bytes()
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		if record.Sequence == 0 {
			continue
		}
		if q.ProposalID != "" && record.ProposalID != q.ProposalID {
			continue
		}
		if q.Action != "" && record.Action != q.Action {
			continue
		}
		matches = append(matches, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading audit log: %w", err)
	}

	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[len(matches)-q.Limit:]
	}

	return matches, nil
}

// ProofOfState retrieves proof that a proposal reached a specific state.
//
// # Description
//
// Searches the trail for the first record showing the proposal entering the
// given state, verifying the chain along the way. The returned proof says
// both that the record exists and whether every link up to it is intact.
//
// # Inputs
//
//   - proposalID: The proposal to search for.
//   - state: The lifecycle state the proposal is claimed to have reached.
//
// # Outputs
//
//   - TransitionProof: Proof of the transition if found.
//   - error: Non-nil if no matching record exists or reading fails.
//
// # Examples
//
//	proof, err := trail.ProofOfState(id, "PROPOSED")
//	if err != nil {
//	    return fmt.Errorf("no proof found: %w", err)
//	}
//	if proof.ChainValid {
//	    fmt.Printf("Publication verified at %s\n", proof.Record.Timestamp)
//	}
//
// # Limitations
//
//   - Requires reading the trail up to the matching record.
func (l *chainLogger) ProofOfState(proposalID, state string) (TransitionProof, error) {
	logPath := l.currentPath()

	file, err := os.Open(logPath)
	if err != nil {
		return TransitionProof{}, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var prevHash = GenesisHash
	var chainValid = true

	for scanner.Scan() {
		line := scanner.Bytes()

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		if record.Sequence == 0 {
			continue
		}

		// Verify chain as we go
		if record.PrevHash != prevHash {
			chainValid = false
		}
		computedHash := computeRecordHash(record)
		if computedHash != record.EntryHash {
			chainValid = false
		}

		// Check if this is the record we're looking for
		if record.ProposalID == proposalID && record.ToState == state {
			return TransitionProof{
				Record:     record,
				ChainValid: chainValid,
				VerifiedAt: time.Now().UTC().Format(time.RFC3339),
			}, nil
		}

		prevHash = record.EntryHash
	}

	if err := scanner.Err(); err != nil {
		return TransitionProof{}, fmt.Errorf("error reading audit log: %w", err)
	}

	return TransitionProof{}, fmt.Errorf("no audit record found for proposal %s reaching %s", proposalID, state)
}

// ReopenLogFile closes and reopens the trail file for rotation support.
//
// # Description
//
// Supports external log rotation by closing the current file handle and
// opening a new one at the configured path. The hash chain state (sequence
// number, previous hash) is preserved in memory, so the chain continues
// seamlessly across the rotation boundary.
//
// # Usage
//
// Typically called from a SIGHUP signal handler after logrotate has moved
// the old file:
//
//	sigs := make(chan os.Signal, 1)
//	signal.Notify(sigs, syscall.SIGHUP)
//	go func() {
//	    for range sigs {
//	        if err := trail.ReopenLogFile(); err != nil {
//	            slog.Error("Failed to reopen audit log", "error", err)
//	        }
//	    }
//	}()
//
// # Outputs
//
//   - error: Non-nil if reopen fails.
//
// # Limitations
//
//   - After rotation, the new file will not contain previous records.
//   - Chain verification across rotated files requires external tooling.
//   - If reopen fails, the logger is left in a closed state.
func (l *chainLogger) ReopenLogFile() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	// Close the old file handle
	if l.logFile != nil {
		if err := l.logFile.Close(); err != nil {
			slog.Warn("audit: error closing old log file during rotation",
				"path", l.logPath,
				"error", err,
			)
		}
		l.logFile = nil
	}

	// Open a new file handle at the same path
	file, err := os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return fmt.Errorf("failed to reopen audit log: %w", err)
	}

	l.logFile = file

	slog.Info("audit: reopened trail file",
		"path", l.logPath,
		"sequence", l.sequence,
	)

	return nil
}

// CheckLogSize returns the current trail file size in bytes.
//
// # Description
//
// Returns the size of the trail file for operational monitoring. Can be
// used to trigger warnings when the file grows beyond an expected
// threshold, indicating rotation may not be working correctly.
//
// # Outputs
//
//   - int64: File size in bytes.
//   - error: Non-nil if stat fails or the file is not open.
func (l *chainLogger) CheckLogSize() (int64, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile == nil {
		return 0, fmt.Errorf("audit log is not open")
	}

	info, err := l.logFile.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat audit log: %w", err)
	}

	return info.Size(), nil
}

// VerifyFilePermissions checks that the trail file has restricted permissions.
//
// # Description
//
// Verifies that the trail file permissions have not been changed from the
// expected restricted mode (0600). This detects external tampering or
// misconfiguration that could expose sensitive audit data.
//
// # Outputs
//
//   - error: Non-nil if permissions are incorrect or verification fails.
//
// # Limitations
//
//   - Only checks Unix permission bits, not ACLs.
//   - Does not verify ownership (use OS-level tools for that).
func (l *chainLogger) VerifyFilePermissions() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile == nil {
		return fmt.Errorf("audit log is not open")
	}

	info, err := l.logFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat audit log: %w", err)
	}

	mode := info.Mode().Perm()
	if mode != auditLogFileMode {
		return fmt.Errorf("audit log permissions changed: expected %04o, got %04o", auditLogFileMode, mode)
	}

	return nil
}

// Close closes the trail file.
//
// # Description
//
// Flushes pending writes and closes the file handle. Should be called
// during graceful shutdown. Emit fails after Close.
//
// # Outputs
//
//   - error: Non-nil if close fails.
func (l *chainLogger) Close() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile != nil {
		if err := l.logFile.Close(); err != nil {
			return fmt.Errorf("failed to close audit log: %w", err)
		}
		l.logFile = nil
	}
	return nil
}

// =============================================================================
// Internal Functions
// =============================================================================

// currentPath returns the trail path under the file mutex.
func (l *chainLogger) currentPath() string {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	return l.logPath
}

// initializeChainState reads the existing trail file to find the last
// sequence and hash.
//
// # Description
//
// Called during logger initialization to continue the hash chain from where
// it left off. If the file is empty or doesn't exist, starts with genesis
// values.
func (l *chainLogger) initializeChainState(logPath string) error {
	// Try to open for reading
	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, start fresh
			return nil
		}
		return fmt.Errorf("failed to open audit log for reading: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var lastRecord Record

	for scanner.Scan() {
		line := scanner.Bytes()
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		// Only track chained records (have Sequence > 0)
		if record.Sequence > 0 {
			lastRecord = record
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading audit log: %w", err)
	}

	// Update state from last record
	if lastRecord.Sequence > 0 {
		l.sequence = lastRecord.Sequence
		l.prevHash = lastRecord.EntryHash
	}

	return nil
}

// writeRecord writes a Record to the trail file as JSON.
func (l *chainLogger) writeRecord(record Record) error {
	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if _, err := l.logFile.Write(append(jsonBytes, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	return nil
}

// computeRecordHash computes the hash of a Record for chain linking.
//
// # Description
//
// Hashes the record's fields (excluding EntryHash) to produce a deterministic
// hash that can be used for chain verification. Uses a stable field order.
func computeRecordHash(record Record) string {
	// Create a deterministic string from record fields (excluding EntryHash)
	// Use a consistent format for reproducibility
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		record.Sequence,
		record.Timestamp,
		record.ProposalID,
		record.Actor,
		record.Action,
		record.FromState,
		record.ToState,
		record.Reason,
		record.Detail,
		record.ContentHash,
		record.PrevHash,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
