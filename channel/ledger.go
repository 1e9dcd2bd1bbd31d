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
	"fmt"
	"time"

	pwallet "perun.network/go-perun/wallet"

	"perun.network/stellar-multichannel/wire"
)

// UpdateRecord is one promoted update in a channel's history.
type UpdateRecord struct {
	State      wire.State
	Sigs       []wire.SigEntry
	PromotedAt time.Time
}

// Ledger is the authoritative balance record of one channel: the committed
// head state, its co-signatures, and the promotion history. It is owned
// exclusively by the channel's Machine and only ever mutated under the
// machine's lock.
type Ledger struct {
	collateral int64
	head       wire.State
	headSigs   []wire.SigEntry
	history    []UpdateRecord
	openedAt   time.Time
}

// newLedger creates the ledger at the initial state. The initial balances
// must sum to the locked collateral.
func newLedger(initial wire.State, collateral int64) (*Ledger, error) {
	if initial.Version != 0 {
		return nil, fmt.Errorf("initial state must have version 0, got %d", initial.Version)
	}
	if got := initial.Balances.Sum(); got != collateral {
		return nil, fmt.Errorf("%w: have %d, collateral %d", ErrBalanceMismatch, got, collateral)
	}
	return &Ledger{
		collateral: collateral,
		head:       initial.Clone(),
		openedAt:   time.Now(),
	}, nil
}

// Head returns a copy of the committed head state.
func (l *Ledger) Head() wire.State {
	return l.head.Clone()
}

// HeadSigs returns the co-signatures of the committed head. The version-0
// state has none; it is authorized by the on-chain collateral lock.
func (l *Ledger) HeadSigs() []wire.SigEntry {
	out := make([]wire.SigEntry, len(l.headSigs))
	copy(out, l.headSigs)
	return out
}

// Version returns the committed sequence number.
func (l *Ledger) Version() uint64 {
	return uint64(l.head.Version)
}

// Balance returns the committed balance of addr.
func (l *Ledger) Balance(addr string) (int64, bool) {
	return l.head.Balances.Get(addr)
}

// Collateral returns the locked collateral backing the channel.
func (l *Ledger) Collateral() int64 {
	return l.collateral
}

// OpenedAt returns the time the ledger was created.
func (l *Ledger) OpenedAt() time.Time {
	return l.openedAt
}

// UpdateCount returns the number of promoted updates.
func (l *Ledger) UpdateCount() int {
	return len(l.history)
}

// History returns the promotion history, oldest first.
func (l *Ledger) History() []UpdateRecord {
	out := make([]UpdateRecord, len(l.history))
	copy(out, l.history)
	return out
}

// promote replaces the head with next. The caller (the machine) has already
// verified the full signature set; the ledger enforces the structural
// invariants: gapless version advance and balance conservation.
func (l *Ledger) promote(next wire.State, sigs map[string]pwallet.Sig) error {
	if uint64(next.Version) != l.Version()+1 {
		return fmt.Errorf("promotion must advance version %d to %d, got %d",
			l.Version(), l.Version()+1, next.Version)
	}
	if got := next.Balances.Sum(); got != l.collateral {
		return fmt.Errorf("%w: have %d, collateral %d", ErrBalanceMismatch, got, l.collateral)
	}
	entries := wire.MakeSigEntries(sigs)
	l.head = next.Clone()
	l.headSigs = entries
	l.history = append(l.history, UpdateRecord{
		State:      l.head.Clone(),
		Sigs:       entries,
		PromotedAt: time.Now(),
	})
	return nil
}
