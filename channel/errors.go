// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package channel

import (
	"errors"
	"fmt"
)

var (
	// Validation errors: rejected immediately, nothing changed.
	ErrUnknownParticipant  = errors.New("unknown participant")
	ErrNonPositiveAmount   = errors.New("amount must be positive")
	ErrBalanceMismatch     = errors.New("balances do not sum to locked collateral")
	ErrInsufficientBalance = errors.New("insufficient balance")

	// Authorization errors: caller may retry with a correct signature.
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrMissingSignatures = errors.New("state is not fully authorized")

	// State conflicts: caller must resynchronize on the committed head.
	ErrChannelNotOpen  = errors.New("channel not open")
	ErrChannelClosed   = errors.New("channel already closed")
	ErrChannelActive   = errors.New("channel still active")
	ErrStaleSequence   = errors.New("stale sequence")
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelExists   = errors.New("channel already registered")

	// Liveness: recoverable via retry or unilateral close.
	ErrLivenessTimeout = errors.New("timed out waiting for co-signatures")
	ErrUpdateCancelled = errors.New("update cancelled by proposer")

	// Disputes and settlement.
	ErrDisputeContested = errors.New("dispute already contested")
	ErrDisputeNotFound  = errors.New("no dispute recorded for channel")
	ErrWindowElapsed    = errors.New("challenge window elapsed")
	ErrSettlementFailed = errors.New("settlement rejected by ledger")
)

// ConflictError wraps a state-conflict error together with the channel's
// committed version so the caller can rebuild on the current head.
type ConflictError struct {
	Committed uint64
	err       error
}

func newConflict(err error, committed uint64) *ConflictError {
	return &ConflictError{Committed: committed, err: err}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v (committed version %d)", e.err, e.Committed)
}

func (e *ConflictError) Unwrap() error {
	return e.err
}

// CommittedVersion extracts the committed version from a conflict error. The
// second return reports whether err carried one.
func CommittedVersion(err error) (uint64, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Committed, true
	}
	return 0, false
}
