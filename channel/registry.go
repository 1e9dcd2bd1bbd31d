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

	"polycry.pt/poly-go/sync"

	"perun.network/stellar-multichannel/wire"
)

// Stats summarizes the registry's channels.
type Stats struct {
	OpenCount    int
	TotalCount   int
	TotalUpdates int
	AvgLifetime  time.Duration
}

// Registry is the process-wide index of active channels. It only guards the
// index itself; channel operations run under each machine's own lock, so
// operations on different channels never block each other.
type Registry struct {
	lock     sync.Mutex
	machines map[wire.ChannelID]*Machine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{machines: make(map[wire.ChannelID]*Machine)}
}

// Register adds a machine under its channel ID.
func (r *Registry) Register(m *Machine) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.machines[m.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrChannelExists, m.ID())
	}
	r.machines[m.ID()] = m
	return nil
}

// Lookup returns the machine registered under cid.
func (r *Registry) Lookup(cid wire.ChannelID) (*Machine, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	m, ok := r.machines[cid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, cid)
	}
	return m, nil
}

// Deregister removes a closed channel from the index. Removing a channel
// whose settlement has not been finalized fails with ErrChannelActive.
func (r *Registry) Deregister(cid wire.ChannelID) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	m, ok := r.machines[cid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, cid)
	}
	if phase := m.Phase(); phase != PhaseClosed {
		return fmt.Errorf("%w: %s in phase %s", ErrChannelActive, cid, phase)
	}
	delete(r.machines, cid)
	return nil
}

// All returns all registered machines.
func (r *Registry) All() []*Machine {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m)
	}
	return out
}

// ParticipantChannels returns the machines whose channel includes addr.
func (r *Registry) ParticipantChannels(addr string) []*Machine {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []*Machine
	for _, m := range r.machines {
		if m.Keyring().Contains(addr) {
			out = append(out, m)
		}
	}
	return out
}

// Stats reports open/total counts, total promoted updates and the average
// channel lifetime across registered channels.
func (r *Registry) Stats() Stats {
	machines := r.All()
	var s Stats
	var lifetimes time.Duration
	for _, m := range machines {
		s.TotalCount++
		if phase := m.Phase(); phase == PhaseOpen || phase == PhaseUpdating {
			s.OpenCount++
		}
		s.TotalUpdates += m.UpdateCount()
		lifetimes += m.Lifetime()
	}
	if s.TotalCount > 0 {
		s.AvgLifetime = lifetimes / time.Duration(s.TotalCount)
	}
	return s
}
