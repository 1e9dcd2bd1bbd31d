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

package routing

import "fmt"

// Prepare is phase one of a routed payment: it locks the transfers of every
// hop as pending updates, in hop order. Consecutive hops through the same
// channel (a route via the hub of a star, or along a ring) are folded into a
// single state transition, so each traversed channel carries exactly one
// pending update. If anything fails, all previously prepared channels are
// rolled back and no ledger state changes.
//
// The prepared updates only become ledger state once each channel's
// participants co-sign them through the usual signature path; Abort discards
// them all.
func (r *Router) Prepare(plan *Plan) ([]PreparedHop, error) {
	var prepared []PreparedHop
	for _, group := range groupByChannel(plan.Hops) {
		m, err := r.registry.Lookup(group[0].ChannelID)
		if err != nil {
			return nil, r.rollback(prepared, err)
		}
		head := m.Head()
		balances := head.Balances
		for _, hop := range group {
			balances, err = balances.WithTransfer(hop.From, hop.To, hop.Amount)
			if err != nil {
				return nil, r.rollback(prepared, fmt.Errorf("preparing hop %s -> %s: %w", hop.From, hop.To, err))
			}
		}
		upd, err := m.ReceiveUpdate(group[0].From, head.NextState(balances))
		if err != nil {
			return nil, r.rollback(prepared, fmt.Errorf("preparing channel %s: %w", m.ID(), err))
		}
		prepared = append(prepared, PreparedHop{Machine: m, Update: upd, Hops: group})
	}
	return prepared, nil
}

// groupByChannel splits the hop sequence into runs sharing a channel,
// preserving hop order.
func groupByChannel(hops []Hop) [][]Hop {
	var groups [][]Hop
	for _, hop := range hops {
		if n := len(groups); n > 0 && groups[n-1][0].ChannelID == hop.ChannelID {
			groups[n-1] = append(groups[n-1], hop)
			continue
		}
		groups = append(groups, []Hop{hop})
	}
	return groups
}

// Abort discards all prepared updates. Cancelling an already promoted or
// superseded update is a no-op, so Abort is safe after partial completion.
func (r *Router) Abort(prepared []PreparedHop) {
	for _, p := range prepared {
		p.Machine.CancelUpdate(p.Update)
	}
}

func (r *Router) rollback(prepared []PreparedHop, cause error) error {
	for _, p := range prepared {
		p.Machine.CancelUpdate(p.Update)
	}
	r.log.Log().Debugf("rolled back %d prepared channels: %v", len(prepared), cause)
	return cause
}
