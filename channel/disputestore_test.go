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

package channel_test

import (
	"testing"
	"time"

	"github.com/stellar/go/xdr"
	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/stellar-multichannel/channel"
	"perun.network/stellar-multichannel/wire"
)

func makeDispute(t *testing.T) *channel.Dispute {
	t.Helper()
	rng := pkgtest.Prng(t)
	var cid wire.ChannelID
	rng.Read(cid[:])
	balances, err := wire.MakeBalances(map[string]int64{"a": 30, "b": 70})
	require.NoError(t, err)
	state := wire.MakeInitialState(cid, balances).NextState(balances)
	now := time.Now()
	return &channel.Dispute{
		ChannelID:   cid,
		Submitter:   "a",
		Claim:       state,
		Sigs:        []wire.SigEntry{{Addr: "a", Sig: []byte("sig-a")}},
		SubmittedAt: xdr.Int64(now.Unix()),
		Deadline:    xdr.Int64(now.Add(time.Minute).Unix()),
		Status:      channel.DisputePending,
	}
}

func TestBadgerDisputeStore(t *testing.T) {
	store, err := channel.NewBadgerDisputeStore(t.TempDir())
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	rec := makeDispute(t)
	_, err = store.Get(rec.ChannelID)
	require.ErrorIs(t, err, channel.ErrDisputeNotFound)

	require.NoError(t, store.Put(rec))
	got, err := store.Get(rec.ChannelID)
	require.NoError(t, err)
	require.Equal(t, rec.ChannelID, got.ChannelID)
	require.Equal(t, rec.Submitter, got.Submitter)
	require.True(t, rec.Claim.Equal(got.Claim))
	require.Equal(t, rec.Deadline, got.Deadline)

	// Overwriting updates in place.
	rec.Status = channel.DisputeChallenged
	rec.Restarts = 1
	require.NoError(t, store.Put(rec))
	got, err = store.Get(rec.ChannelID)
	require.NoError(t, err)
	require.Equal(t, channel.DisputeChallenged, got.Status)
	require.EqualValues(t, 1, got.Restarts)

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.Delete(rec.ChannelID))
	_, err = store.Get(rec.ChannelID)
	require.ErrorIs(t, err, channel.ErrDisputeNotFound)
}

func TestDisputeExpiry(t *testing.T) {
	rec := makeDispute(t)
	now := time.Now()
	require.False(t, rec.Expired(now))
	require.True(t, rec.Expired(now.Add(2*time.Minute)))
}
