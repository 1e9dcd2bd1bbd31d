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

package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/stellar-multichannel/client"
	"perun.network/stellar-multichannel/wallet"
	"perun.network/stellar-multichannel/wallet/types"
	"perun.network/stellar-multichannel/wire"
)

func makeTestParams(t *testing.T) (wire.Params, wire.Balances) {
	t.Helper()
	rng := pkgtest.Prng(t)
	parts := make([]*types.Participant, 2)
	amounts := make(map[string]int64, 2)
	for i := range parts {
		acc, _, err := wallet.NewRandomAccount(rng)
		require.NoError(t, err)
		parts[i] = acc.Participant()
		amounts[acc.Address()] = 50
	}
	var nonce [wire.NonceLength]byte
	rng.Read(nonce[:])
	params, err := wire.MakeParams(parts, wire.TopologyBilateral, 100, time.Minute, nonce)
	require.NoError(t, err)
	balances, err := wire.MakeBalances(amounts)
	require.NoError(t, err)
	return params, balances
}

func TestMockBackendLockAndSettle(t *testing.T) {
	ctx := context.Background()
	backend := client.NewMockBackend()
	params, balances := makeTestParams(t)
	cid, err := params.ChannelID()
	require.NoError(t, err)

	receipt, err := backend.LockCollateral(ctx, params)
	require.NoError(t, err)
	require.Equal(t, cid, receipt.ChannelID)
	require.Equal(t, int64(100), receipt.Amount)
	locked, ok := backend.Locked(cid)
	require.True(t, ok)
	require.Equal(t, int64(100), locked)

	// Double locking is rejected.
	_, err = backend.LockCollateral(ctx, params)
	require.Error(t, err)

	final := wire.MakeInitialState(cid, balances)
	final.Finalized = true

	// A settlement that does not match the lock is rejected.
	short, err := wire.MakeBalances(map[string]int64{balances.Addresses()[0]: 99})
	require.NoError(t, err)
	badFinal := final.Clone()
	badFinal.Balances = short
	_, err = backend.SubmitSettlement(ctx, cid, badFinal, nil)
	require.Error(t, err)

	tx, err := backend.SubmitSettlement(ctx, cid, final, nil)
	require.NoError(t, err)
	status, err := backend.QueryConfirmation(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, client.ConfirmationConfirmed, status)

	// Settling twice is rejected.
	_, err = backend.SubmitSettlement(ctx, cid, final, nil)
	require.Error(t, err)

	settled, ok := backend.Settled(cid)
	require.True(t, ok)
	require.True(t, final.Equal(settled))
}

func TestQueryUnknownTx(t *testing.T) {
	backend := client.NewMockBackend()
	_, err := backend.QueryConfirmation(context.Background(), "deadbeef")
	require.ErrorIs(t, err, client.ErrTxNotFound)
}

func TestAwaitConfirmation(t *testing.T) {
	ctx := context.Background()
	backend := client.NewMockBackend()
	params, _ := makeTestParams(t)
	receipt, err := backend.LockCollateral(ctx, params)
	require.NoError(t, err)

	status, err := client.AwaitConfirmation(ctx, backend, receipt.TxHash, time.Millisecond, 3)
	require.NoError(t, err)
	require.Equal(t, client.ConfirmationConfirmed, status)

	_, err = client.AwaitConfirmation(ctx, backend, "deadbeef", time.Millisecond, 3)
	require.Error(t, err)
}

func TestAwaitConfirmationPending(t *testing.T) {
	backend := client.NewMockBackend()
	params, _ := makeTestParams(t)
	receipt, err := backend.LockCollateral(context.Background(), params)
	require.NoError(t, err)
	backend.MarkPending(receipt.TxHash)

	// The polling budget runs out on a transaction that never confirms.
	status, err := client.AwaitConfirmation(context.Background(), backend, receipt.TxHash, time.Millisecond, 3)
	require.NoError(t, err)
	require.Equal(t, client.ConfirmationPending, status)

	// Cancellation interrupts the wait between polls.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.AwaitConfirmation(ctx, backend, receipt.TxHash, time.Minute, 3)
	require.ErrorIs(t, err, context.Canceled)
}
