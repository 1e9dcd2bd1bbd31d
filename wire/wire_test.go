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

package wire_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/stellar-multichannel/wallet"
	"perun.network/stellar-multichannel/wallet/types"
	"perun.network/stellar-multichannel/wire"
)

func makeParticipants(t *testing.T, rng *rand.Rand, n int) []*types.Participant {
	t.Helper()
	out := make([]*types.Participant, n)
	for i := range out {
		acc, _, err := wallet.NewRandomAccount(rng)
		require.NoError(t, err)
		out[i] = acc.Participant()
	}
	return out
}

func TestBalancesCanonicalOrder(t *testing.T) {
	b, err := wire.MakeBalances(map[string]int64{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, b.Addresses())
	require.Equal(t, int64(6), b.Sum())

	data1, err := b.MarshalBinary()
	require.NoError(t, err)
	// Rebuilding from a differently ordered map must yield the same bytes.
	b2, err := wire.MakeBalances(map[string]int64{"b": 2, "c": 3, "a": 1})
	require.NoError(t, err)
	data2, err := b2.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, data1, data2)

	_, err = wire.MakeBalances(map[string]int64{"a": -1})
	require.ErrorIs(t, err, wire.ErrNegativeAmount)
}

func TestBalancesWithTransfer(t *testing.T) {
	b, err := wire.MakeBalances(map[string]int64{"a": 100, "b": 50})
	require.NoError(t, err)

	moved, err := b.WithTransfer("a", "b", 40)
	require.NoError(t, err)
	aBal, _ := moved.Get("a")
	bBal, _ := moved.Get("b")
	require.Equal(t, int64(60), aBal)
	require.Equal(t, int64(90), bBal)
	require.Equal(t, b.Sum(), moved.Sum(), "transfers conserve the total")

	// The source set is untouched.
	aBal, _ = b.Get("a")
	require.Equal(t, int64(100), aBal)

	_, err = b.WithTransfer("a", "b", 101)
	require.Error(t, err)
	_, err = b.WithTransfer("a", "x", 1)
	require.ErrorIs(t, err, wire.ErrUnknownBalanceAddr)
	_, err = b.WithTransfer("a", "b", 0)
	require.Error(t, err)
}

func TestParamsRoundTrip(t *testing.T) {
	rng := pkgtest.Prng(t)
	parts := makeParticipants(t, rng, 3)
	var nonce [wire.NonceLength]byte
	rng.Read(nonce[:])

	p, err := wire.MakeParams(parts, wire.TopologyStar, 300, time.Minute, nonce)
	require.NoError(t, err)

	data, err := p.MarshalBinary()
	require.NoError(t, err)
	decoded := &wire.Params{}
	require.NoError(t, decoded.UnmarshalBinary(data))
	res, err := decoded.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, data, res)

	require.Equal(t, time.Minute, decoded.DisputePeriod())
	require.Equal(t, p.Addresses(), decoded.Addresses())
}

func TestParamsValidation(t *testing.T) {
	rng := pkgtest.Prng(t)
	parts := makeParticipants(t, rng, 2)
	var nonce [wire.NonceLength]byte

	_, err := wire.MakeParams(parts[:1], wire.TopologyBilateral, 100, time.Minute, nonce)
	require.Error(t, err, "fewer than 2 participants")
	_, err = wire.MakeParams(parts, wire.Topology(99), 100, time.Minute, nonce)
	require.Error(t, err, "unknown topology")
	_, err = wire.MakeParams(parts, wire.TopologyBilateral, 0, time.Minute, nonce)
	require.Error(t, err, "zero collateral")
	_, err = wire.MakeParams(parts, wire.TopologyBilateral, 100, 0, nonce)
	require.Error(t, err, "zero dispute period")
	_, err = wire.MakeParams([]*types.Participant{parts[0], parts[0]}, wire.TopologyBilateral, 100, time.Minute, nonce)
	require.Error(t, err, "duplicate participant")
}

func TestChannelIDDerivation(t *testing.T) {
	rng := pkgtest.Prng(t)
	parts := makeParticipants(t, rng, 2)
	var nonce1, nonce2 [wire.NonceLength]byte
	rng.Read(nonce1[:])
	rng.Read(nonce2[:])

	p1, err := wire.MakeParams(parts, wire.TopologyBilateral, 100, time.Minute, nonce1)
	require.NoError(t, err)
	id1, err := p1.ChannelID()
	require.NoError(t, err)
	again, err := p1.ChannelID()
	require.NoError(t, err)
	require.Equal(t, id1, again, "derivation is deterministic")

	p2 := p1
	p2.Nonce = nonce2
	id2, err := p2.ChannelID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2, "a fresh nonce yields a fresh channel")

	parsed, err := wire.ChannelIDFromString(id1.String())
	require.NoError(t, err)
	require.Equal(t, id1, parsed)
}

func TestStateSigningPayload(t *testing.T) {
	rng := pkgtest.Prng(t)
	parts := makeParticipants(t, rng, 2)
	b, err := wire.MakeBalances(map[string]int64{
		parts[0].AddressString(): 60,
		parts[1].AddressString(): 40,
	})
	require.NoError(t, err)

	var cid wire.ChannelID
	rng.Read(cid[:])
	s := wire.MakeInitialState(cid, b)
	require.EqualValues(t, 0, s.Version)

	next := s.NextState(b)
	require.EqualValues(t, 1, next.Version)

	p1, err := s.SigningPayload()
	require.NoError(t, err)
	p2, err := next.SigningPayload()
	require.NoError(t, err)
	require.NotEqual(t, p1, p2, "payload commits to the version")

	final := s.Clone()
	final.Finalized = true
	p3, err := final.SigningPayload()
	require.NoError(t, err)
	require.NotEqual(t, p1, p3, "payload commits to the finalized flag")

	decoded := &wire.State{}
	require.NoError(t, decoded.UnmarshalBinary(p1))
	require.True(t, s.Equal(*decoded))
}

func TestMessageRoundTrip(t *testing.T) {
	rng := pkgtest.Prng(t)
	parts := makeParticipants(t, rng, 2)
	b, err := wire.MakeBalances(map[string]int64{
		parts[0].AddressString(): 10,
		parts[1].AddressString(): 20,
	})
	require.NoError(t, err)
	var cid wire.ChannelID
	rng.Read(cid[:])

	msg := wire.Message{
		Kind:      wire.MsgProposeUpdate,
		ChannelID: cid,
		Sender:    parts[0].AddressString(),
		State:     wire.MakeInitialState(cid, b),
		Sigs:      []wire.SigEntry{{Addr: parts[0].AddressString(), Sig: []byte("sig")}},
	}
	data, err := msg.MarshalBinary()
	require.NoError(t, err)
	decoded := &wire.Message{}
	require.NoError(t, decoded.UnmarshalBinary(data))
	require.Equal(t, msg.Kind, decoded.Kind)
	require.Equal(t, msg.ChannelID, decoded.ChannelID)
	require.Equal(t, msg.Sender, decoded.Sender)
	require.True(t, msg.State.Equal(decoded.State))
	require.Equal(t, msg.Sigs, decoded.Sigs)
}
