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

	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/stellar-multichannel/channel"
	"perun.network/stellar-multichannel/wire"
)

func TestRegistry(t *testing.T) {
	rng := pkgtest.Prng(t)
	reg := channel.NewRegistry()

	f1 := makeFixture(t, rng, 2, wire.TopologyBilateral, 100)
	f2 := makeFixture(t, rng, 3, wire.TopologyStar, 50)

	require.NoError(t, reg.Register(f1.m))
	require.NoError(t, reg.Register(f2.m))
	require.ErrorIs(t, reg.Register(f1.m), channel.ErrChannelExists)

	got, err := reg.Lookup(f1.m.ID())
	require.NoError(t, err)
	require.Same(t, f1.m, got)

	_, err = reg.Lookup(wire.ChannelID{1, 2, 3})
	require.ErrorIs(t, err, channel.ErrChannelNotFound)

	require.Len(t, reg.All(), 2)
	require.Len(t, reg.ParticipantChannels(f1.addrs[0]), 1)
	require.Empty(t, reg.ParticipantChannels("unknown"))
}

func TestRegistryDeregister(t *testing.T) {
	rng := pkgtest.Prng(t)
	reg := channel.NewRegistry()
	f := makeFixture(t, rng, 2, wire.TopologyBilateral, 100)
	require.NoError(t, reg.Register(f.m))

	// An active channel cannot be removed.
	require.ErrorIs(t, reg.Deregister(f.m.ID()), channel.ErrChannelActive)

	final := f.m.Head()
	final.Finalized = true
	_, err := f.m.CooperativeClose(final, f.signAll(t, final))
	require.NoError(t, err)
	require.ErrorIs(t, reg.Deregister(f.m.ID()), channel.ErrChannelActive,
		"settlement must be finalized before removal")

	require.NoError(t, f.m.Finalize())
	require.NoError(t, reg.Deregister(f.m.ID()))
	require.ErrorIs(t, reg.Deregister(f.m.ID()), channel.ErrChannelNotFound)
}

func TestRegistryStats(t *testing.T) {
	rng := pkgtest.Prng(t)
	reg := channel.NewRegistry()

	f1 := makeFixture(t, rng, 2, wire.TopologyBilateral, 100)
	f2 := makeFixture(t, rng, 2, wire.TopologyBilateral, 100)
	require.NoError(t, reg.Register(f1.m))
	require.NoError(t, reg.Register(f2.m))

	upd, err := f1.m.ProposeUpdate(f1.addrs[0], f1.addrs[1], 10)
	require.NoError(t, err)
	f1.completeUpdate(t, upd)

	final := f2.m.Head()
	final.Finalized = true
	_, err = f2.m.CooperativeClose(final, f2.signAll(t, final))
	require.NoError(t, err)
	require.NoError(t, f2.m.Finalize())

	stats := reg.Stats()
	require.Equal(t, 2, stats.TotalCount)
	require.Equal(t, 1, stats.OpenCount)
	require.Equal(t, 1, stats.TotalUpdates)
	require.GreaterOrEqual(t, stats.AvgLifetime, time.Duration(0))
}
