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

// Package manager wires the channel engine together: registry, dispute
// resolver, router, transport and the base-ledger backend behind one facade.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perun.network/go-perun/log"
	pwallet "perun.network/go-perun/wallet"
	pkgsync "polycry.pt/poly-go/sync"

	"perun.network/stellar-multichannel/channel"
	"perun.network/stellar-multichannel/client"
	"perun.network/stellar-multichannel/routing"
	"perun.network/stellar-multichannel/transport"
	"perun.network/stellar-multichannel/wallet"
	"perun.network/stellar-multichannel/wire"
)

// DefaultLivenessTimeout bounds how long a proposer waits for co-signatures
// before giving up on an update.
const DefaultLivenessTimeout = time.Duration(30) * time.Second

// ChannelInfo is the per-channel view exposed to callers.
type ChannelInfo struct {
	ChannelID   wire.ChannelID
	Phase       channel.Phase
	Version     uint64
	Balances    wire.Balances
	UpdateCount int
	Lifetime    time.Duration
}

// Manager is the engine facade. One Manager serves all accounts held in its
// wallet; channels with remote participants exchange proposals and
// signatures over the transport bus.
type Manager struct {
	log log.Embedding

	wallet   *wallet.EphemeralWallet
	registry *channel.Registry
	resolver *channel.Resolver
	router   *routing.Router
	bus      transport.Bus
	backend  client.Backend

	livenessTimeout time.Duration
	closer          pkgsync.Closer
}

// New creates a manager over the given wallet, base-ledger backend and bus.
// A nil store keeps disputes in memory.
func New(w *wallet.EphemeralWallet, backend client.Backend, bus transport.Bus, store channel.DisputeStore) *Manager {
	registry := channel.NewRegistry()
	return &Manager{
		log:             log.MakeEmbedding(log.Default()),
		wallet:          w,
		registry:        registry,
		resolver:        channel.NewResolver(registry, backend, store),
		router:          routing.NewRouter(registry),
		bus:             bus,
		backend:         backend,
		livenessTimeout: DefaultLivenessTimeout,
	}
}

// Registry exposes the channel index.
func (mgr *Manager) Registry() *channel.Registry {
	return mgr.registry
}

// Resolver exposes the dispute resolver.
func (mgr *Manager) Resolver() *channel.Resolver {
	return mgr.resolver
}

// Router exposes the topology router.
func (mgr *Manager) Router() *routing.Router {
	return mgr.router
}

// SetLivenessTimeout overrides the co-signature wait bound.
func (mgr *Manager) SetLivenessTimeout(d time.Duration) {
	mgr.livenessTimeout = d
}

// Run starts the dispute sweep loop and blocks until ctx is cancelled or the
// manager is shut down.
func (mgr *Manager) Run(ctx context.Context) error {
	return mgr.resolver.Run(ctx)
}

// Shutdown stops the sweep loop and the transport.
func (mgr *Manager) Shutdown() error {
	if err := mgr.closer.Close(); err != nil {
		return err
	}
	if err := mgr.resolver.Close(); err != nil {
		return err
	}
	return mgr.bus.Close()
}

// OpenChannel locks the collateral on the base ledger and registers the
// channel's state machine. The channel enters its open phase only after the
// lock receipt is returned; its inbox worker then serializes all inbound
// protocol messages for the channel.
func (mgr *Manager) OpenChannel(ctx context.Context, params wire.Params, initial wire.Balances) (wire.ChannelID, error) {
	receipt, err := mgr.backend.LockCollateral(ctx, params)
	if err != nil {
		return wire.ChannelID{}, fmt.Errorf("locking collateral: %w", err)
	}
	m, err := channel.NewMachine(params, initial)
	if err != nil {
		return wire.ChannelID{}, err
	}
	if m.ID() != receipt.ChannelID {
		return wire.ChannelID{}, fmt.Errorf("lock receipt for channel %s, expected %s", receipt.ChannelID, m.ID())
	}
	if err := mgr.registry.Register(m); err != nil {
		return wire.ChannelID{}, err
	}
	sub, err := mgr.bus.Subscribe(m.ID().String())
	if err != nil {
		return wire.ChannelID{}, err
	}
	go mgr.runInbox(m, sub)
	mgr.log.Log().Infof("opened channel %s (%s, %d participants, collateral %d)",
		m.ID(), params.Kind, len(params.Participants), params.Collateral)
	return m.ID(), nil
}

// runInbox drains one channel's protocol messages serially, giving the
// channel a single writer for all remote input.
func (mgr *Manager) runInbox(m *channel.Machine, sub <-chan wire.Message) {
	for {
		select {
		case <-mgr.closer.Closed():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			if err := mgr.handleMessage(m, msg); err != nil {
				// Conflicts are part of normal operation: duplicates and
				// lost races resolve to state errors the sender recovers
				// from by rebuilding on the head.
				mgr.log.Log().Debugf("channel %s: %s message: %v", m.ID(), msg.Kind, err)
			}
		}
	}
}

func (mgr *Manager) handleMessage(m *channel.Machine, msg wire.Message) error {
	switch msg.Kind {
	case wire.MsgProposeUpdate:
		return mgr.handleProposal(m, msg)
	case wire.MsgSignature:
		return mgr.handleSignature(m, msg)
	case wire.MsgUnilateralClose:
		_, err := mgr.resolver.OpenDispute(msg.Sender, msg.ChannelID, msg.State, wire.SigMap(msg.Sigs))
		return err
	case wire.MsgChallenge:
		return mgr.resolver.SubmitChallenge(msg.ChannelID, msg.State, wire.SigMap(msg.Sigs))
	case wire.MsgCooperativeClose:
		return mgr.handleCooperativeClose(m, msg)
	default:
		return fmt.Errorf("unhandled message kind %s", msg.Kind)
	}
}

// handleProposal registers a remote proposal, applies the signatures it
// carries, and co-signs with every local account of the channel.
func (mgr *Manager) handleProposal(m *channel.Machine, msg wire.Message) error {
	upd, err := m.ReceiveUpdate(msg.Sender, msg.State)
	if err != nil {
		return err
	}
	for _, entry := range msg.Sigs {
		if _, err := m.ApplySignature(upd, entry.Addr, entry.Sig); err != nil {
			return err
		}
	}
	return mgr.coSign(m, upd, msg.Sender)
}

func (mgr *Manager) handleSignature(m *channel.Machine, msg wire.Message) error {
	upd, ok := m.FindPending(msg.State)
	if !ok {
		// Already promoted or never seen here; a redelivered signature for
		// the committed head is a no-op.
		if msg.State.Equal(m.Head()) {
			return nil
		}
		return channel.ErrStaleSequence
	}
	for _, entry := range msg.Sigs {
		if _, err := m.ApplySignature(upd, entry.Addr, entry.Sig); err != nil {
			return err
		}
	}
	return nil
}

func (mgr *Manager) handleCooperativeClose(m *channel.Machine, msg wire.Message) error {
	ticket, err := m.CooperativeClose(msg.State, wire.SigMap(msg.Sigs))
	if err != nil {
		return err
	}
	// Settlement of a remote close runs on the manager's lifecycle, so
	// Shutdown cancels the confirmation polling.
	return mgr.settle(mgr.closer.Ctx(), m, ticket)
}

// coSign signs the pending update with every local account of the channel
// except the proposer and publishes the signatures.
func (mgr *Manager) coSign(m *channel.Machine, upd *channel.PendingUpdate, proposer string) error {
	payload, err := upd.State().SigningPayload()
	if err != nil {
		return err
	}
	for _, addr := range m.Keyring().Addresses() {
		if addr == proposer || !mgr.wallet.Holds(addr) {
			continue
		}
		acc, err := mgr.wallet.Unlock(addr)
		if err != nil {
			return err
		}
		sig, err := acc.SignData(payload)
		if err != nil {
			return err
		}
		if _, err := m.ApplySignature(upd, addr, sig); err != nil {
			if _, conflict := channel.CommittedVersion(err); conflict {
				return nil // lost the head race, nothing to publish
			}
			return err
		}
		err = mgr.bus.Publish(m.ID().String(), wire.Message{
			Kind:      wire.MsgSignature,
			ChannelID: m.ID(),
			Sender:    addr,
			State:     upd.State(),
			Sigs:      []wire.SigEntry{{Addr: addr, Sig: sig}},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ProposePayment proposes a transfer inside a channel, signs it as the
// sender and announces it on the bus. The returned update completes once all
// participants have co-signed; use WaitComplete to block on it.
func (mgr *Manager) ProposePayment(ctx context.Context, cid wire.ChannelID, from, to string, amount int64) (*channel.PendingUpdate, error) {
	m, err := mgr.registry.Lookup(cid)
	if err != nil {
		return nil, err
	}
	acc, err := mgr.wallet.Unlock(from)
	if err != nil {
		return nil, fmt.Errorf("proposer account %s: %w", from, err)
	}
	upd, err := m.ProposeUpdate(from, to, amount)
	if err != nil {
		return nil, err
	}
	payload, err := upd.State().SigningPayload()
	if err != nil {
		m.CancelUpdate(upd)
		return nil, err
	}
	sig, err := acc.SignData(payload)
	if err != nil {
		m.CancelUpdate(upd)
		return nil, err
	}
	if _, err := m.ApplySignature(upd, from, sig); err != nil {
		m.CancelUpdate(upd)
		return nil, err
	}
	err = mgr.bus.Publish(cid.String(), wire.Message{
		Kind:      wire.MsgProposeUpdate,
		ChannelID: cid,
		Sender:    from,
		State:     upd.State(),
		Sigs:      []wire.SigEntry{{Addr: from, Sig: sig}},
	})
	if err != nil {
		m.CancelUpdate(upd)
		return nil, err
	}
	return upd, nil
}

// WaitComplete blocks until the update promotes, bounded by the liveness
// timeout. On ErrLivenessTimeout the caller may retry or close unilaterally.
func (mgr *Manager) WaitComplete(ctx context.Context, cid wire.ChannelID, upd *channel.PendingUpdate) error {
	m, err := mgr.registry.Lookup(cid)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, mgr.livenessTimeout)
	defer cancel()
	return m.WaitComplete(ctx, upd)
}

// RoutePayment delivers amount from source to dest across open channels
// using a two-phase commit: every hop is prepared as a pending update, every
// hop's signer set is verified completable, and only then do hops promote.
// A failure before the first promotion rolls all hops back.
//
// Completing a hop requires the forwarding accounts to be held locally;
// routed payments across remote-only hops abort cleanly.
func (mgr *Manager) RoutePayment(ctx context.Context, source, dest string, amount int64) (*routing.Plan, error) {
	plan, err := mgr.router.FindRoute(source, dest, amount)
	if err != nil {
		return nil, err
	}
	prepared, err := mgr.router.Prepare(plan)
	if err != nil {
		return nil, err
	}
	// A promoted hop cannot be undone by Abort, so no hop may promote until
	// every prepared channel's full signer set is known to be available.
	for _, p := range prepared {
		for _, addr := range p.Machine.Keyring().Addresses() {
			if mgr.wallet.Holds(addr) {
				continue
			}
			mgr.router.Abort(prepared)
			return nil, fmt.Errorf("%w: account %s of channel %s not held",
				channel.ErrMissingSignatures, addr, p.Machine.ID())
		}
	}
	for _, p := range prepared {
		if err := mgr.completeHop(p); err != nil {
			mgr.router.Abort(prepared)
			first, last := p.Hops[0], p.Hops[len(p.Hops)-1]
			return nil, fmt.Errorf("hop %s -> %s: %w", first.From, last.To, err)
		}
	}
	mgr.log.Log().Infof("routed %d from %s to %s over %d hops (fee %d)",
		amount, source, dest, len(plan.Hops), plan.TotalFee)
	return plan, nil
}

// completeHop gathers the full signature set of one prepared hop from the
// local wallet.
func (mgr *Manager) completeHop(p routing.PreparedHop) error {
	payload, err := p.Update.State().SigningPayload()
	if err != nil {
		return err
	}
	promoted := false
	for _, addr := range p.Machine.Keyring().Addresses() {
		acc, err := mgr.wallet.Unlock(addr)
		if err != nil {
			return fmt.Errorf("hop signer %s: %w", addr, err)
		}
		sig, err := acc.SignData(payload)
		if err != nil {
			return err
		}
		done, err := p.Machine.ApplySignature(p.Update, addr, sig)
		if err != nil {
			return err
		}
		promoted = promoted || done
	}
	if !promoted {
		return fmt.Errorf("%w: hop update at v%d not promoted", channel.ErrMissingSignatures, p.Update.Version())
	}
	return nil
}

// CloseChannel closes the channel. The cooperative path signs the committed
// head as final with every locally held account and settles immediately; the
// unilateral path records a dispute claim on the head and leaves settlement
// to the resolver once the challenge window elapses.
func (mgr *Manager) CloseChannel(ctx context.Context, cid wire.ChannelID, cooperative bool) error {
	m, err := mgr.registry.Lookup(cid)
	if err != nil {
		return err
	}
	final := m.Head()
	final.Finalized = true
	sigs, err := mgr.signWithHeldAccounts(m, final)
	if err != nil {
		return err
	}
	if cooperative {
		ticket, err := m.CooperativeClose(final, sigs)
		if err != nil {
			return err
		}
		return mgr.settle(ctx, m, ticket)
	}
	submitter, err := mgr.firstHeldAccount(m)
	if err != nil {
		return err
	}
	_, err = mgr.resolver.OpenDispute(submitter, cid, final, sigs)
	return err
}

// settle submits a closing ticket and finalizes the channel once the base
// ledger confirms. Settlement failures leave the channel in PhaseClosing for
// a retry; they are never swallowed.
func (mgr *Manager) settle(ctx context.Context, m *channel.Machine, ticket *channel.ClosingTicket) error {
	tx, err := mgr.backend.SubmitSettlement(ctx, ticket.ChannelID, ticket.Final, ticket.Sigs)
	if err != nil {
		return fmt.Errorf("%w: %v", channel.ErrSettlementFailed, err)
	}
	status, err := client.AwaitConfirmation(ctx, mgr.backend, tx, client.DefaultPollingInterval, client.MaxIterationsUntilAbort)
	if err != nil {
		return err
	}
	if status != client.ConfirmationConfirmed {
		return fmt.Errorf("%w: settlement tx %s is %s", channel.ErrSettlementFailed, tx, status)
	}
	if err := m.Finalize(); err != nil {
		return err
	}
	return mgr.registry.Deregister(ticket.ChannelID)
}

// signWithHeldAccounts signs the state with every local account that is a
// participant of the channel. It fails if any participant account is not
// held; callers gathering remote signatures use the message path instead.
func (mgr *Manager) signWithHeldAccounts(m *channel.Machine, state wire.State) (map[string]pwallet.Sig, error) {
	payload, err := state.SigningPayload()
	if err != nil {
		return nil, err
	}
	sigs := make(map[string]pwallet.Sig)
	for _, addr := range m.Keyring().Addresses() {
		acc, err := mgr.wallet.Unlock(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: account %s not held", channel.ErrMissingSignatures, addr)
		}
		sig, err := acc.SignData(payload)
		if err != nil {
			return nil, err
		}
		sigs[addr] = sig
	}
	return sigs, nil
}

func (mgr *Manager) firstHeldAccount(m *channel.Machine) (string, error) {
	for _, addr := range m.Keyring().Addresses() {
		if mgr.wallet.Holds(addr) {
			return addr, nil
		}
	}
	return "", errors.New("no channel account held in wallet")
}

// ChannelInfo returns the caller-facing view of one channel.
func (mgr *Manager) ChannelInfo(cid wire.ChannelID) (ChannelInfo, error) {
	m, err := mgr.registry.Lookup(cid)
	if err != nil {
		return ChannelInfo{}, err
	}
	return ChannelInfo{
		ChannelID:   m.ID(),
		Phase:       m.Phase(),
		Version:     m.Version(),
		Balances:    m.Balances(),
		UpdateCount: m.UpdateCount(),
		Lifetime:    m.Lifetime(),
	}, nil
}

// Stats returns engine-wide channel statistics.
func (mgr *Manager) Stats() channel.Stats {
	return mgr.registry.Stats()
}
