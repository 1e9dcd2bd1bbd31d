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
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stellar/go/keypair"
	"perun.network/go-perun/log"
	pwallet "perun.network/go-perun/wallet"

	"perun.network/stellar-multichannel/wallet"
	"perun.network/stellar-multichannel/wallet/types"
	"perun.network/stellar-multichannel/wire"
)

// Phase is the lifecycle phase of a channel.
type Phase int32

const (
	PhaseOpen Phase = iota
	PhaseUpdating
	PhaseClosing
	PhaseDisputed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseUpdating:
		return "updating"
	case PhaseClosing:
		return "closing"
	case PhaseDisputed:
		return "disputed"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// ClosingTicket is a fully authorized final state handed to settlement.
type ClosingTicket struct {
	ChannelID wire.ChannelID
	Final     wire.State
	Sigs      []wire.SigEntry
}

// Machine is the per-channel state machine. It owns the channel's Ledger and
// is the single serialization point for the channel: every mutating operation
// runs under its lock, so same-channel operations observe one total order of
// sequence numbers while different channels proceed in parallel.
type Machine struct {
	log log.Embedding

	mu       sync.Mutex
	id       wire.ChannelID
	params   wire.Params
	keyring  *wallet.Keyring
	ledger   *Ledger
	phase    Phase
	pending  map[*PendingUpdate]struct{}
	closedAt time.Time
}

// NewMachine creates the state machine for a freshly funded channel. It is
// only called once the collateral lock is confirmed on the base ledger; the
// machine starts in PhaseOpen at version 0.
func NewMachine(params wire.Params, initial wire.Balances) (*Machine, error) {
	keyring, err := keyringFromParams(params)
	if err != nil {
		return nil, err
	}
	for _, addr := range initial.Addresses() {
		if !keyring.Contains(addr) {
			return nil, fmt.Errorf("%w: %s in initial balances", ErrUnknownParticipant, addr)
		}
	}
	if len(initial.Entries) != keyring.Len() {
		return nil, fmt.Errorf("initial balances cover %d of %d participants",
			len(initial.Entries), keyring.Len())
	}
	cid, err := params.ChannelID()
	if err != nil {
		return nil, err
	}
	ledger, err := newLedger(wire.MakeInitialState(cid, initial), int64(params.Collateral))
	if err != nil {
		return nil, err
	}
	return &Machine{
		log:     log.MakeEmbedding(log.Default()),
		id:      cid,
		params:  params,
		keyring: keyring,
		ledger:  ledger,
		phase:   PhaseOpen,
		pending: make(map[*PendingUpdate]struct{}),
	}, nil
}

func keyringFromParams(params wire.Params) (*wallet.Keyring, error) {
	participants := make([]*types.Participant, len(params.Participants))
	for i, p := range params.Participants {
		addr, err := keypair.ParseAddress(p.Addr)
		if err != nil {
			return nil, fmt.Errorf("invalid participant address %s: %w", p.Addr, err)
		}
		participants[i] = types.NewParticipant(*addr, ed25519.PublicKey(p.PubKey))
	}
	return wallet.NewKeyring(participants...)
}

// ID returns the channel ID.
func (m *Machine) ID() wire.ChannelID {
	return m.id
}

// Params returns the immutable channel parameters.
func (m *Machine) Params() wire.Params {
	return m.params
}

// Keyring returns the participant keyring of the channel.
func (m *Machine) Keyring() *wallet.Keyring {
	return m.keyring
}

// Phase returns the current lifecycle phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Head returns a copy of the committed head state.
func (m *Machine) Head() wire.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Head()
}

// HeadSigs returns the co-signatures of the committed head.
func (m *Machine) HeadSigs() []wire.SigEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.HeadSigs()
}

// Version returns the committed sequence number.
func (m *Machine) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Version()
}

// Balance returns the committed balance of addr.
func (m *Machine) Balance(addr string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Balance(addr)
}

// Balances returns a copy of the committed balances.
func (m *Machine) Balances() wire.Balances {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Head().Balances
}

// Collateral returns the locked collateral backing the channel.
func (m *Machine) Collateral() int64 {
	return m.ledger.Collateral()
}

// UpdateCount returns the number of promoted updates.
func (m *Machine) UpdateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.UpdateCount()
}

// History returns the promotion history, oldest first.
func (m *Machine) History() []UpdateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.History()
}

// OpenedAt returns the time the channel entered PhaseOpen.
func (m *Machine) OpenedAt() time.Time {
	return m.ledger.OpenedAt()
}

// Lifetime returns how long the channel has been (or was) open.
func (m *Machine) Lifetime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseClosed {
		return m.closedAt.Sub(m.ledger.OpenedAt())
	}
	return time.Since(m.ledger.OpenedAt())
}

// ProposeUpdate builds a pending update transferring amount from sender to
// recipient on top of the committed head. Competing proposals against the
// same head are allowed; the first one to gather the full signature set wins
// and the others become stale.
func (m *Machine) ProposeUpdate(sender, recipient string, amount int64) (*PendingUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseOpen && m.phase != PhaseUpdating {
		return nil, newConflict(fmt.Errorf("%w: phase %s", ErrChannelNotOpen, m.phase), m.ledger.Version())
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrNonPositiveAmount, amount)
	}
	if !m.keyring.Contains(sender) {
		return nil, fmt.Errorf("%w: sender %s", ErrUnknownParticipant, sender)
	}
	if !m.keyring.Contains(recipient) {
		return nil, fmt.Errorf("%w: recipient %s", ErrUnknownParticipant, recipient)
	}
	if sender == recipient {
		return nil, errors.New("sender and recipient are identical")
	}
	head := m.ledger.Head()
	balances, err := head.Balances.WithTransfer(sender, recipient, amount)
	if err != nil {
		bal, _ := head.Balances.Get(sender)
		return nil, fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, sender, bal, amount)
	}
	upd := newPendingUpdate(head.NextState(balances), sender)
	m.pending[upd] = struct{}{}
	m.phase = PhaseUpdating
	m.log.Log().Debugf("channel %s: proposed update v%d (%s -> %s, %d)",
		m.id, upd.Version(), sender, recipient, amount)
	return upd, nil
}

// ReceiveUpdate registers a remotely proposed candidate state as a pending
// update. The state must build directly on the committed head and conserve
// the collateral. Receiving a proposal that matches an existing pending
// update returns that update, so redelivered proposals are harmless.
func (m *Machine) ReceiveUpdate(proposer string, state wire.State) (*PendingUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseOpen && m.phase != PhaseUpdating {
		return nil, newConflict(fmt.Errorf("%w: phase %s", ErrChannelNotOpen, m.phase), m.ledger.Version())
	}
	if state.ChannelID != m.id {
		return nil, fmt.Errorf("update for channel %s, expected %s", state.ChannelID, m.id)
	}
	if !m.keyring.Contains(proposer) {
		return nil, fmt.Errorf("%w: proposer %s", ErrUnknownParticipant, proposer)
	}
	for upd := range m.pending {
		if upd.state.Equal(state) {
			return upd, nil
		}
	}
	if uint64(state.Version) != m.ledger.Version()+1 {
		return nil, newConflict(ErrStaleSequence, m.ledger.Version())
	}
	if got := state.Balances.Sum(); got != m.ledger.Collateral() {
		return nil, fmt.Errorf("%w: have %d, collateral %d", ErrBalanceMismatch, got, m.ledger.Collateral())
	}
	for _, entry := range state.Balances.Entries {
		if entry.Amount < 0 {
			return nil, fmt.Errorf("%w for %s", wire.ErrNegativeAmount, entry.Addr)
		}
		if !m.keyring.Contains(entry.Addr) {
			return nil, fmt.Errorf("%w: %s in balances", ErrUnknownParticipant, entry.Addr)
		}
	}
	if len(state.Balances.Entries) != m.keyring.Len() {
		return nil, fmt.Errorf("balances cover %d of %d participants",
			len(state.Balances.Entries), m.keyring.Len())
	}
	upd := newPendingUpdate(state.Clone(), proposer)
	m.pending[upd] = struct{}{}
	m.phase = PhaseUpdating
	return upd, nil
}

// FindPending returns the pending update carrying exactly the given state.
func (m *Machine) FindPending(state wire.State) (*PendingUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for upd := range m.pending {
		if upd.state.Equal(state) {
			return upd, true
		}
	}
	return nil, false
}

// ApplySignature verifies and records addr's signature on the pending update.
// It reports complete=true once the update carries signatures from all
// participants, at which point the ledger head has been replaced atomically
// and the channel is back in PhaseOpen.
//
// Replays are harmless: re-applying a signature to an already promoted update
// reports complete with no state change, and signatures for updates that lost
// the head race fail with ErrStaleSequence carrying the committed version.
func (m *Machine) ApplySignature(upd *PendingUpdate, addr string, sig pwallet.Sig) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch upd.status {
	case UpdatePromoted:
		return true, nil
	case UpdateSuperseded, UpdateCancelled:
		return false, newConflict(ErrStaleSequence, m.ledger.Version())
	}
	if upd.Version() != m.ledger.Version()+1 {
		// A competing update committed first; the proposer rebuilds on the new head.
		upd.resolve(UpdateSuperseded)
		delete(m.pending, upd)
		return false, newConflict(ErrStaleSequence, m.ledger.Version())
	}
	if m.phase != PhaseUpdating {
		return false, newConflict(fmt.Errorf("%w: phase %s", ErrChannelNotOpen, m.phase), m.ledger.Version())
	}
	payload, err := upd.state.SigningPayload()
	if err != nil {
		return false, err
	}
	ok, err := m.keyring.Verify(addr, payload, sig)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w from %s on v%d", ErrInvalidSignature, addr, upd.Version())
	}
	upd.sigs[addr] = sig
	if len(upd.sigs) < m.keyring.Len() {
		return false, nil
	}
	if err := m.ledger.promote(upd.state, upd.sigs); err != nil {
		return false, err
	}
	upd.resolve(UpdatePromoted)
	delete(m.pending, upd)
	for other := range m.pending {
		other.resolve(UpdateSuperseded)
		delete(m.pending, other)
	}
	m.phase = PhaseOpen
	m.log.Log().Infof("channel %s: promoted state v%d", m.id, m.ledger.Version())
	return true, nil
}

// CancelUpdate withdraws a pending update, returning the channel to PhaseOpen
// if nothing else is in flight. Cancelling an update that already left
// UpdatePending is a no-op.
func (m *Machine) CancelUpdate(upd *PendingUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if upd.status != UpdatePending {
		return
	}
	upd.resolve(UpdateCancelled)
	delete(m.pending, upd)
	if len(m.pending) == 0 && m.phase == PhaseUpdating {
		m.phase = PhaseOpen
	}
}

// WaitComplete blocks until the pending update is promoted, superseded or
// cancelled, or until ctx expires. Expiry maps to ErrLivenessTimeout; the
// proposer may then retry or fall back to a unilateral close.
func (m *Machine) WaitComplete(ctx context.Context, upd *PendingUpdate) error {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: update v%d", ErrLivenessTimeout, upd.Version())
		}
		return ctx.Err()
	case <-upd.Done():
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch upd.status {
	case UpdatePromoted:
		return nil
	case UpdateCancelled:
		return ErrUpdateCancelled
	default:
		return newConflict(ErrStaleSequence, m.ledger.Version())
	}
}

// CooperativeClose validates a fully authorized final state with version at
// least the committed head and moves the channel to PhaseClosing. The
// returned ticket is handed to settlement; the channel reaches PhaseClosed
// through Finalize once the base ledger confirms.
func (m *Machine) CooperativeClose(final wire.State, sigs map[string]pwallet.Sig) (*ClosingTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireActive(); err != nil {
		return nil, err
	}
	if final.ChannelID != m.id {
		return nil, fmt.Errorf("final state for channel %s, expected %s", final.ChannelID, m.id)
	}
	if uint64(final.Version) < m.ledger.Version() {
		return nil, newConflict(ErrStaleSequence, m.ledger.Version())
	}
	if got := final.Balances.Sum(); got != m.ledger.Collateral() {
		return nil, fmt.Errorf("%w: have %d, collateral %d", ErrBalanceMismatch, got, m.ledger.Collateral())
	}
	valid, err := m.countValidSigs(final, sigs)
	if err != nil {
		return nil, err
	}
	if valid < m.keyring.Len() {
		return nil, fmt.Errorf("%w: %d of %d signatures", ErrMissingSignatures, valid, m.keyring.Len())
	}
	m.abandonPending()
	m.phase = PhaseClosing
	m.log.Log().Infof("channel %s: cooperative close at v%d", m.id, final.Version)
	return &ClosingTicket{
		ChannelID: m.id,
		Final:     final.Clone(),
		Sigs:      wire.MakeSigEntries(sigs),
	}, nil
}

// UnilateralClose accepts a claimed closing state carrying at least the
// submitter's valid signature and moves the channel to PhaseDisputed. The
// dispute itself is recorded and arbitrated by the Resolver.
func (m *Machine) UnilateralClose(submitter string, claim wire.State, sigs map[string]pwallet.Sig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireActive(); err != nil {
		return err
	}
	if claim.ChannelID != m.id {
		return fmt.Errorf("claimed state for channel %s, expected %s", claim.ChannelID, m.id)
	}
	if got := claim.Balances.Sum(); got != m.ledger.Collateral() {
		return fmt.Errorf("%w: have %d, collateral %d", ErrBalanceMismatch, got, m.ledger.Collateral())
	}
	payload, err := claim.SigningPayload()
	if err != nil {
		return err
	}
	sig, ok := sigs[submitter]
	if !ok {
		return fmt.Errorf("%w: claim lacks submitter %s", ErrMissingSignatures, submitter)
	}
	valid, err := m.keyring.Verify(submitter, payload, sig)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("%w from submitter %s", ErrInvalidSignature, submitter)
	}
	m.abandonPending()
	m.phase = PhaseDisputed
	m.log.Log().Infof("channel %s: unilateral close claimed at v%d by %s", m.id, claim.Version, submitter)
	return nil
}

// Finalize marks the channel closed after settlement confirmation. Only valid
// from PhaseClosing or PhaseDisputed; a second finalization fails with
// ErrChannelClosed.
func (m *Machine) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.phase {
	case PhaseClosed:
		return newConflict(ErrChannelClosed, m.ledger.Version())
	case PhaseClosing, PhaseDisputed:
		m.phase = PhaseClosed
		m.closedAt = time.Now()
		m.log.Log().Infof("channel %s: closed", m.id)
		return nil
	default:
		return newConflict(fmt.Errorf("%w: phase %s", ErrChannelActive, m.phase), m.ledger.Version())
	}
}

// CountValidSigs returns how many of the given signatures verify over the
// state's signing payload. Signatures from unknown addresses are ignored.
func (m *Machine) CountValidSigs(state wire.State, sigs map[string]pwallet.Sig) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countValidSigs(state, sigs)
}

func (m *Machine) countValidSigs(state wire.State, sigs map[string]pwallet.Sig) (int, error) {
	payload, err := state.SigningPayload()
	if err != nil {
		return 0, err
	}
	valid := 0
	for _, addr := range m.keyring.Addresses() {
		sig, ok := sigs[addr]
		if !ok {
			continue
		}
		ok, err := m.keyring.Verify(addr, payload, sig)
		if err != nil {
			return 0, err
		}
		if ok {
			valid++
		}
	}
	return valid, nil
}

func (m *Machine) requireActive() error {
	switch m.phase {
	case PhaseOpen, PhaseUpdating:
		return nil
	case PhaseClosed:
		return newConflict(ErrChannelClosed, m.ledger.Version())
	default:
		return newConflict(fmt.Errorf("%w: phase %s", ErrChannelNotOpen, m.phase), m.ledger.Version())
	}
}

// abandonPending supersedes all in-flight updates. Caller holds the lock.
func (m *Machine) abandonPending() {
	for upd := range m.pending {
		upd.resolve(UpdateSuperseded)
		delete(m.pending, upd)
	}
}
