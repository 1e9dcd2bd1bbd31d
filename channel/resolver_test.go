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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pwallet "perun.network/go-perun/wallet"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/stellar-multichannel/channel"
	"perun.network/stellar-multichannel/client"
	"perun.network/stellar-multichannel/wire"
)

type disputeFixture struct {
	*fixture
	reg      *channel.Registry
	backend  *client.MockBackend
	store    *channel.MemDisputeStore
	resolver *channel.Resolver
}

func makeDisputeFixture(t *testing.T, n int) *disputeFixture {
	t.Helper()
	rng := pkgtest.Prng(t)
	f := makeFixture(t, rng, n, wire.TopologyMesh, 100)
	reg := channel.NewRegistry()
	require.NoError(t, reg.Register(f.m))
	backend := client.NewMockBackend()
	_, err := backend.LockCollateral(context.Background(), f.m.Params())
	require.NoError(t, err)
	store := channel.NewMemDisputeStore()
	return &disputeFixture{
		fixture:  f,
		reg:      reg,
		backend:  backend,
		store:    store,
		resolver: channel.NewResolver(reg, backend, store),
	}
}

// advance promotes transfers until the channel head reaches the version,
// returning the promoted state at each step.
func (df *disputeFixture) advance(t *testing.T, version uint64) []wire.State {
	t.Helper()
	var states []wire.State
	for df.m.Version() < version {
		upd, err := df.m.ProposeUpdate(df.addrs[0], df.addrs[1], 1)
		require.NoError(t, err)
		df.completeUpdate(t, upd)
		states = append(states, df.m.Head())
	}
	return states
}

// expire rewrites the recorded deadline into the past so a sweep picks the
// dispute up without waiting out the window.
func (df *disputeFixture) expire(t *testing.T, cid wire.ChannelID) {
	t.Helper()
	rec, err := df.store.Get(cid)
	require.NoError(t, err)
	rec.Deadline = 0
	require.NoError(t, df.store.Put(rec))
}

func TestDisputeStaleClaimChallenged(t *testing.T) {
	df := makeDisputeFixture(t, 2)
	states := df.advance(t, 5)
	stale := states[2] // v3
	head := states[4]  // v5

	// One side claims an outdated state unilaterally.
	claimSigs := map[string]pwallet.Sig{df.addrs[0]: signState(t, df.accs[0], stale)}
	rec, err := df.resolver.OpenDispute(df.addrs[0], df.m.ID(), stale, claimSigs)
	require.NoError(t, err)
	require.Equal(t, channel.DisputePending, rec.Status)
	require.Equal(t, channel.PhaseDisputed, df.m.Phase())

	// The counterparty answers with the fully signed head.
	require.NoError(t, df.resolver.SubmitChallenge(df.m.ID(), head, df.signAll(t, head)))
	rec, err = df.resolver.Dispute(df.m.ID())
	require.NoError(t, err)
	require.Equal(t, channel.DisputeChallenged, rec.Status)
	require.EqualValues(t, 5, rec.Claim.Version)
	require.EqualValues(t, 1, rec.Restarts)

	// Settling pays out the challenge state, not the stale claim.
	df.expire(t, df.m.ID())
	n, err := df.resolver.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	settled, ok := df.backend.Settled(df.m.ID())
	require.True(t, ok)
	require.EqualValues(t, 5, settled.Version)
	require.Equal(t, channel.PhaseClosed, df.m.Phase())
	_, err = df.reg.Lookup(df.m.ID())
	require.ErrorIs(t, err, channel.ErrChannelNotFound)
}

func TestDisputeChallengeValidation(t *testing.T) {
	df := makeDisputeFixture(t, 2)
	states := df.advance(t, 4)
	claim := states[1] // v2
	a := df.addrs[0]

	claimSigs := map[string]pwallet.Sig{a: signState(t, df.accs[0], claim)}
	_, err := df.resolver.OpenDispute(a, df.m.ID(), claim, claimSigs)
	require.NoError(t, err)

	// Equal or lower versions never replace the claim.
	err = df.resolver.SubmitChallenge(df.m.ID(), claim, df.signAll(t, claim))
	require.ErrorIs(t, err, channel.ErrStaleSequence)
	err = df.resolver.SubmitChallenge(df.m.ID(), states[0], df.signAll(t, states[0]))
	require.ErrorIs(t, err, channel.ErrStaleSequence)

	// A higher version without better authorization is rejected.
	higher := states[2] // v3
	err = df.resolver.SubmitChallenge(df.m.ID(), higher,
		map[string]pwallet.Sig{a: signState(t, df.accs[0], higher)})
	require.ErrorIs(t, err, channel.ErrMissingSignatures)

	// A properly authorized higher state wins and restarts the window once.
	require.NoError(t, df.resolver.SubmitChallenge(df.m.ID(), higher, df.signAll(t, higher)))

	// The restart bound stops a second challenge, even at the head.
	head := states[3] // v4
	err = df.resolver.SubmitChallenge(df.m.ID(), head, df.signAll(t, head))
	require.ErrorIs(t, err, channel.ErrDisputeContested)
}

func TestDisputeChallengeAfterResolution(t *testing.T) {
	df := makeDisputeFixture(t, 2)
	states := df.advance(t, 2)
	claim := states[1]
	a := df.addrs[0]

	_, err := df.resolver.OpenDispute(a, df.m.ID(), claim,
		map[string]pwallet.Sig{a: signState(t, df.accs[0], claim)})
	require.NoError(t, err)

	df.expire(t, df.m.ID())
	n, err := df.resolver.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The settled channel is gone from the registry; a late challenge fails.
	next := claim.NextState(claim.Balances)
	err = df.resolver.SubmitChallenge(df.m.ID(), next, df.signAll(t, next))
	require.ErrorIs(t, err, channel.ErrChannelNotFound)
}

func TestDisputeSettlementRetry(t *testing.T) {
	df := makeDisputeFixture(t, 2)
	states := df.advance(t, 1)
	claim := states[0]
	a := df.addrs[0]

	_, err := df.resolver.OpenDispute(a, df.m.ID(), claim,
		map[string]pwallet.Sig{a: signState(t, df.accs[0], claim)})
	require.NoError(t, err)
	df.expire(t, df.m.ID())

	// The ledger rejects the first settlement; the dispute stays open.
	df.backend.FailNextSubmits(1)
	n, err := df.resolver.Sweep(context.Background())
	require.ErrorIs(t, err, channel.ErrSettlementFailed)
	require.Equal(t, 0, n)
	rec, err := df.resolver.Dispute(df.m.ID())
	require.NoError(t, err)
	require.NotEqual(t, channel.DisputeResolved, rec.Status)

	// The next sweep retries and succeeds.
	n, err = df.resolver.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := df.backend.Settled(df.m.ID())
	require.True(t, ok)
}

func TestDisputeChallengeAfterWindow(t *testing.T) {
	df := makeDisputeFixture(t, 2)
	states := df.advance(t, 2)
	claim := states[0] // v1
	a := df.addrs[0]

	_, err := df.resolver.OpenDispute(a, df.m.ID(), claim,
		map[string]pwallet.Sig{a: signState(t, df.accs[0], claim)})
	require.NoError(t, err)
	df.expire(t, df.m.ID())

	// An elapsed window freezes the claim even before the sweep has run.
	head := states[1]
	err = df.resolver.SubmitChallenge(df.m.ID(), head, df.signAll(t, head))
	require.ErrorIs(t, err, channel.ErrWindowElapsed)
}

// blockingBackend stalls settlement submissions until released.
type blockingBackend struct {
	*client.MockBackend
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBackend) SubmitSettlement(ctx context.Context, cid wire.ChannelID, final wire.State, sigs []wire.SigEntry) (client.TxHash, error) {
	close(b.entered)
	<-b.release
	return b.MockBackend.SubmitSettlement(ctx, cid, final, sigs)
}

func TestSweepSettlesOutsideDisputeLock(t *testing.T) {
	ctx := context.Background()
	rng := pkgtest.Prng(t)
	f1 := makeFixture(t, rng, 2, wire.TopologyBilateral, 100)
	f2 := makeFixture(t, rng, 2, wire.TopologyBilateral, 100)
	backend := &blockingBackend{
		MockBackend: client.NewMockBackend(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	_, err := backend.MockBackend.LockCollateral(ctx, f1.m.Params())
	require.NoError(t, err)
	_, err = backend.MockBackend.LockCollateral(ctx, f2.m.Params())
	require.NoError(t, err)
	reg := channel.NewRegistry()
	require.NoError(t, reg.Register(f1.m))
	require.NoError(t, reg.Register(f2.m))
	store := channel.NewMemDisputeStore()
	resolver := channel.NewResolver(reg, backend, store)

	claim := f1.m.Head()
	a := f1.addrs[0]
	_, err = resolver.OpenDispute(a, f1.m.ID(), claim,
		map[string]pwallet.Sig{a: signState(t, f1.accs[0], claim)})
	require.NoError(t, err)
	rec, err := store.Get(f1.m.ID())
	require.NoError(t, err)
	rec.Deadline = 0
	require.NoError(t, store.Put(rec))

	swept := make(chan error, 1)
	go func() {
		_, err := resolver.Sweep(ctx)
		swept <- err
	}()
	<-backend.entered

	// While the settlement is in flight, dispute handling on an unrelated
	// channel proceeds.
	head2 := f2.m.Head()
	b := f2.addrs[0]
	_, err = resolver.OpenDispute(b, f2.m.ID(), head2,
		map[string]pwallet.Sig{b: signState(t, f2.accs[0], head2)})
	require.NoError(t, err)

	close(backend.release)
	require.NoError(t, <-swept)
	_, ok := backend.Settled(f1.m.ID())
	require.True(t, ok)
}

func TestResolverRun(t *testing.T) {
	df := makeDisputeFixture(t, 2)
	states := df.advance(t, 1)
	claim := states[0]
	a := df.addrs[0]

	_, err := df.resolver.OpenDispute(a, df.m.ID(), claim,
		map[string]pwallet.Sig{a: signState(t, df.accs[0], claim)})
	require.NoError(t, err)
	df.expire(t, df.m.ID())

	df.resolver.SetSweepInterval(10 * time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- df.resolver.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		_, ok := df.backend.Settled(df.m.ID())
		return ok
	}, time.Second, 10*time.Millisecond, "the sweep loop settles the expired dispute")

	require.NoError(t, df.resolver.Close())
	require.NoError(t, <-done)
}
