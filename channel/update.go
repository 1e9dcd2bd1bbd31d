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
	"time"

	pwallet "perun.network/go-perun/wallet"

	"perun.network/stellar-multichannel/wire"
)

// UpdateStatus is the lifecycle state of a pending update.
type UpdateStatus int32

const (
	// UpdatePending is collecting co-signatures.
	UpdatePending UpdateStatus = iota
	// UpdatePromoted reached the full signature set and became the head.
	UpdatePromoted
	// UpdateSuperseded lost the race against a competing update.
	UpdateSuperseded
	// UpdateCancelled was withdrawn by its proposer.
	UpdateCancelled
)

func (s UpdateStatus) String() string {
	switch s {
	case UpdatePending:
		return "pending"
	case UpdatePromoted:
		return "promoted"
	case UpdateSuperseded:
		return "superseded"
	case UpdateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// PendingUpdate is a candidate state at head version+1 accumulating
// co-signatures. It is created by Machine.ProposeUpdate and owned by the
// machine; all fields are read and written under the machine's lock only.
// Done is closed exactly once, when the update leaves UpdatePending.
type PendingUpdate struct {
	state     wire.State
	proposer  string
	sigs      map[string]pwallet.Sig
	status    UpdateStatus
	createdAt time.Time
	done      chan struct{}
}

func newPendingUpdate(state wire.State, proposer string) *PendingUpdate {
	return &PendingUpdate{
		state:     state,
		proposer:  proposer,
		sigs:      make(map[string]pwallet.Sig),
		status:    UpdatePending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// State returns a copy of the candidate state.
func (u *PendingUpdate) State() wire.State {
	return u.state.Clone()
}

// Version returns the candidate sequence number.
func (u *PendingUpdate) Version() uint64 {
	return uint64(u.state.Version)
}

// Proposer returns the address that initiated the update.
func (u *PendingUpdate) Proposer() string {
	return u.proposer
}

// CreatedAt returns the proposal time.
func (u *PendingUpdate) CreatedAt() time.Time {
	return u.createdAt
}

// Done is closed once the update is promoted, superseded or cancelled.
func (u *PendingUpdate) Done() <-chan struct{} {
	return u.done
}

// resolve moves the update out of UpdatePending. Idempotent: a second
// resolution is ignored, the first outcome sticks.
func (u *PendingUpdate) resolve(status UpdateStatus) {
	if u.status != UpdatePending {
		return
	}
	u.status = status
	close(u.done)
}
