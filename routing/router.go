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

// Package routing plans and prepares multi-hop payments across the graph of
// open channels. The link shape of each channel follows its topology kind:
// a star channel links every spoke to the hub, a ring links neighbors, a
// mesh links all pairs and a hierarchical channel links children to parents.
package routing

import (
	"errors"
	"fmt"

	"perun.network/go-perun/log"

	"perun.network/stellar-multichannel/channel"
	"perun.network/stellar-multichannel/wire"
)

var (
	// ErrNoPath means no topology-consistent path connects source and dest.
	ErrNoPath = errors.New("no route between participants")
	// ErrNoCapacity means a path exists but some hop cannot carry the amount.
	ErrNoCapacity = errors.New("insufficient capacity on route")
)

// Hop is one channel traversal of a route: the forwarded amount already
// includes the fees of all downstream hops.
type Hop struct {
	ChannelID wire.ChannelID
	From      string
	To        string
	Amount    int64
	Fee       int64
}

// Plan is an ordered hop sequence delivering Amount from Source to Dest.
// Plans are ephemeral: computed per payment attempt and discarded afterwards.
type Plan struct {
	Source   string
	Dest     string
	Amount   int64
	Hops     []Hop
	TotalFee int64
}

// PreparedHop is one traversed channel of a route whose transfers are locked
// in a pending update. Hops lists the plan hops the update carries; routes
// passing through a channel more than once in a row fold into one update.
type PreparedHop struct {
	Machine *channel.Machine
	Update  *channel.PendingUpdate
	Hops    []Hop
}

// Router plans routes over the channels of a registry.
type Router struct {
	log      log.Embedding
	registry *channel.Registry
	hopFee   int64
}

// NewRouter creates a router over the registry's open channels.
func NewRouter(registry *channel.Registry) *Router {
	return &Router{
		log:      log.MakeEmbedding(log.Default()),
		registry: registry,
	}
}

// SetHopFee sets the flat fee collected by each forwarding participant.
func (r *Router) SetHopFee(fee int64) {
	r.hopFee = fee
}

type edge struct {
	to      string
	machine *channel.Machine
}

// graph returns the adjacency list over all open channels, honoring each
// channel's topology kind.
func (r *Router) graph() map[string][]edge {
	adj := make(map[string][]edge)
	for _, m := range r.registry.All() {
		if phase := m.Phase(); phase != channel.PhaseOpen && phase != channel.PhaseUpdating {
			continue
		}
		addrs := m.Params().Addresses()
		for _, link := range topologyLinks(m.Params().Kind, len(addrs)) {
			a, b := addrs[link[0]], addrs[link[1]]
			adj[a] = append(adj[a], edge{to: b, machine: m})
			adj[b] = append(adj[b], edge{to: a, machine: m})
		}
	}
	return adj
}

// topologyLinks returns the linked participant index pairs for a channel of
// n participants with the given topology kind. Participant order in the
// channel parameters defines hub, ring and tree positions.
func topologyLinks(kind wire.Topology, n int) [][2]int {
	var links [][2]int
	switch kind {
	case wire.TopologyStar:
		for i := 1; i < n; i++ {
			links = append(links, [2]int{0, i})
		}
	case wire.TopologyRing:
		for i := 0; i < n; i++ {
			links = append(links, [2]int{i, (i + 1) % n})
		}
	case wire.TopologyHierarchical:
		for i := 1; i < n; i++ {
			links = append(links, [2]int{(i - 1) / 2, i})
		}
	default: // bilateral and mesh: all pairs
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				links = append(links, [2]int{i, j})
			}
		}
	}
	return links
}

type pathNode struct {
	addr  string
	hops  int
	fee   int64
	prev  *pathNode
	via   *channel.Machine
}

// FindRoute computes the cheapest route from source to dest: fewest hops
// first, minimum cumulative fee among equal-length candidates. Every hop must
// have capacity for the forwarded amount plus downstream fees.
func (r *Router) FindRoute(source, dest string, amount int64) (*Plan, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("route amount must be positive, got %d", amount)
	}
	if source == dest {
		return nil, errors.New("source and destination are identical")
	}
	adj := r.graph()
	best := r.search(adj, source, dest, amount)
	if best == nil {
		if r.search(adj, source, dest, 0) != nil {
			return nil, fmt.Errorf("%w: %s -> %s amount %d", ErrNoCapacity, source, dest, amount)
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoPath, source, dest)
	}
	plan, err := r.assemble(best, source, dest, amount)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// search runs shortest-path by (hops, fee) over the adjacency list. An edge
// is usable when the forwarding side holds at least minBalance; minBalance 0
// turns the search into plain reachability.
func (r *Router) search(adj map[string][]edge, source, dest string, minBalance int64) *pathNode {
	visited := map[string]*pathNode{source: {addr: source}}
	frontier := []*pathNode{visited[source]}
	var best *pathNode
	for len(frontier) > 0 {
		// Extract the node with minimal (hops, fee).
		minIdx := 0
		for i, n := range frontier {
			if n.hops < frontier[minIdx].hops ||
				(n.hops == frontier[minIdx].hops && n.fee < frontier[minIdx].fee) {
				minIdx = i
			}
		}
		node := frontier[minIdx]
		frontier = append(frontier[:minIdx], frontier[minIdx+1:]...)
		if node.addr == dest {
			if best == nil || node.hops < best.hops || (node.hops == best.hops && node.fee < best.fee) {
				best = node
			}
			continue
		}
		for _, e := range adj[node.addr] {
			if minBalance > 0 {
				if bal, ok := e.machine.Balance(node.addr); !ok || bal < minBalance {
					continue
				}
			}
			fee := int64(0)
			if node.prev != nil { // forwarding through an intermediate costs a fee
				fee = r.hopFee
			}
			next := &pathNode{
				addr: e.to,
				hops: node.hops + 1,
				fee:  node.fee + fee,
				prev: node,
				via:  e.machine,
			}
			seen, ok := visited[e.to]
			if ok && (seen.hops < next.hops || (seen.hops == next.hops && seen.fee <= next.fee)) {
				continue
			}
			visited[e.to] = next
			frontier = append(frontier, next)
		}
	}
	return best
}

// assemble turns the found path into a plan and verifies exact per-hop
// capacity including accumulated fees.
func (r *Router) assemble(end *pathNode, source, dest string, amount int64) (*Plan, error) {
	var rev []*pathNode
	for n := end; n.prev != nil; n = n.prev {
		rev = append(rev, n)
	}
	hops := make([]Hop, len(rev))
	totalFee := int64(0)
	for i := range rev {
		node := rev[len(rev)-1-i]
		// Downstream intermediates each collect the hop fee.
		downstream := int64(len(rev)-1-i) * r.hopFee
		fee := int64(0)
		if i > 0 {
			fee = r.hopFee
		}
		hops[i] = Hop{
			ChannelID: node.via.ID(),
			From:      node.prev.addr,
			To:        node.addr,
			Amount:    amount + downstream,
			Fee:       fee,
		}
		totalFee += fee
	}
	for _, h := range hops {
		m, err := r.registry.Lookup(h.ChannelID)
		if err != nil {
			return nil, err
		}
		if bal, ok := m.Balance(h.From); !ok || bal < h.Amount {
			return nil, fmt.Errorf("%w: hop %s -> %s needs %d", ErrNoCapacity, h.From, h.To, h.Amount)
		}
	}
	return &Plan{
		Source:   source,
		Dest:     dest,
		Amount:   amount,
		Hops:     hops,
		TotalFee: totalFee,
	}, nil
}
