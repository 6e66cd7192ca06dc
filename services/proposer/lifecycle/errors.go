// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
)

// NotFoundError reports an operation on a proposal the engine does not know.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("proposal %s not found", e.ID)
}

// WrongStateError reports a pipeline step invoked against a proposal that
// is not in the step's entry state.
type WrongStateError struct {
	ID        string
	State     datatypes.ProposalState
	Operation string
}

func (e *WrongStateError) Error() string {
	return fmt.Sprintf("proposal %s: cannot %s in state %s", e.ID, e.Operation, e.State)
}

// TerminalStateError reports a mutation attempted on a terminal proposal.
type TerminalStateError struct {
	ID    string
	State datatypes.ProposalState
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("proposal %s is terminal (%s)", e.ID, e.State)
}

// NotTerminalError reports a snapshot requested before a proposal settled.
type NotTerminalError struct {
	ID    string
	State datatypes.ProposalState
}

func (e *NotTerminalError) Error() string {
	return fmt.Sprintf("proposal %s is not terminal yet (%s)", e.ID, e.State)
}

// ValidationInProgressError reports a second validation run requested while
// one is already in flight.
type ValidationInProgressError struct {
	ID string
}

func (e *ValidationInProgressError) Error() string {
	return fmt.Sprintf("proposal %s: validation already in progress", e.ID)
}

// AuditWriteError reports a transition halted because its audit record
// could not be written durably. The proposal remains in its prior state.
type AuditWriteError struct {
	ProposalID string
	To         datatypes.ProposalState
	Err        error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("proposal %s: audit write for transition to %s failed: %v", e.ProposalID, e.To, e.Err)
}

func (e *AuditWriteError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsWrongState reports whether err is a WrongStateError.
func IsWrongState(err error) bool {
	var target *WrongStateError
	return errors.As(err, &target)
}

// IsTerminalState reports whether err is a TerminalStateError.
func IsTerminalState(err error) bool {
	var target *TerminalStateError
	return errors.As(err, &target)
}

// IsNotTerminal reports whether err is a NotTerminalError.
func IsNotTerminal(err error) bool {
	var target *NotTerminalError
	return errors.As(err, &target)
}

// IsValidationInProgress reports whether err is a ValidationInProgressError.
func IsValidationInProgress(err error) bool {
	var target *ValidationInProgressError
	return errors.As(err, &target)
}

// IsAuditWrite reports whether err is an AuditWriteError.
func IsAuditWrite(err error) bool {
	var target *AuditWriteError
	return errors.As(err, &target)
}
