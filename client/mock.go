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

package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"perun.network/stellar-multichannel/wire"
)

// MockBackend is a deterministic in-memory base ledger for tests. Locks and
// settlements confirm instantly unless a failure is scripted.
type MockBackend struct {
	mu          sync.Mutex
	locks       map[wire.ChannelID]int64
	settled     map[wire.ChannelID]wire.State
	txs         map[TxHash]ConfirmationStatus
	failSubmits int
}

// NewMockBackend creates an empty mock ledger.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		locks:   make(map[wire.ChannelID]int64),
		settled: make(map[wire.ChannelID]wire.State),
		txs:     make(map[TxHash]ConfirmationStatus),
	}
}

// MarkPending pins the confirmation status of tx to pending.
func (b *MockBackend) MarkPending(tx TxHash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs[tx] = ConfirmationPending
}

// FailNextSubmits makes the next n settlement submissions fail.
func (b *MockBackend) FailNextSubmits(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubmits = n
}

// Locked returns the collateral locked for cid.
func (b *MockBackend) Locked(cid wire.ChannelID) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	amt, ok := b.locks[cid]
	return amt, ok
}

// Settled returns the settled final state of cid.
func (b *MockBackend) Settled(cid wire.ChannelID) (wire.State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.settled[cid]
	return s, ok
}

func (b *MockBackend) LockCollateral(ctx context.Context, params wire.Params) (*Receipt, error) {
	cid, err := params.ChannelID()
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.locks[cid]; ok {
		return nil, fmt.Errorf("collateral for %s already locked", cid)
	}
	b.locks[cid] = int64(params.Collateral)
	hash := mockHash(cid, 0, "lock")
	b.txs[hash] = ConfirmationConfirmed
	return &Receipt{
		ChannelID: cid,
		TxHash:    hash,
		Amount:    int64(params.Collateral),
		LockedAt:  time.Now(),
	}, nil
}

func (b *MockBackend) SubmitSettlement(ctx context.Context, cid wire.ChannelID, final wire.State, sigs []wire.SigEntry) (TxHash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSubmits > 0 {
		b.failSubmits--
		return "", errors.New("mock ledger rejected settlement")
	}
	locked, ok := b.locks[cid]
	if !ok {
		return "", fmt.Errorf("no collateral locked for %s", cid)
	}
	if _, ok := b.settled[cid]; ok {
		return "", fmt.Errorf("channel %s already settled", cid)
	}
	if got := final.Balances.Sum(); got != locked {
		return "", fmt.Errorf("settlement of %d does not match locked %d", got, locked)
	}
	b.settled[cid] = final.Clone()
	hash := mockHash(cid, uint64(final.Version), "settle")
	b.txs[hash] = ConfirmationConfirmed
	return hash, nil
}

func (b *MockBackend) QueryConfirmation(ctx context.Context, tx TxHash) (ConfirmationStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status, ok := b.txs[tx]
	if !ok {
		return ConfirmationFailed, ErrTxNotFound
	}
	return status, nil
}

func mockHash(cid wire.ChannelID, version uint64, kind string) TxHash {
	h := sha256.New()
	h.Write(cid[:])
	h.Write([]byte(kind))
	h.Write([]byte{byte(version), byte(version >> 8), byte(version >> 16), byte(version >> 24)})
	return TxHash(hex.EncodeToString(h.Sum(nil)))
}
