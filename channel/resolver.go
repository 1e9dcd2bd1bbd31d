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
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stellar/go/xdr"
	"perun.network/go-perun/log"
	pwallet "perun.network/go-perun/wallet"
	pkgsync "polycry.pt/poly-go/sync"

	"perun.network/stellar-multichannel/client"
	"perun.network/stellar-multichannel/wire"
)

// DefaultSweepInterval is how often the resolver checks dispute deadlines.
const DefaultSweepInterval = time.Duration(1) * time.Second

// Resolver arbitrates unilateral closes. A claim opens a challenge window of
// the channel's dispute period; a strictly newer, better authorized state
// submitted within the window replaces the claim and restarts the window
// exactly once. Elapsed windows are picked up by a periodic sweep and
// settled — deadlines live in the DisputeStore, not in process-local timers,
// so a restarted resolver resumes in-flight disputes.
type Resolver struct {
	log log.Embedding

	registry *Registry
	backend  client.Backend
	store    DisputeStore

	sweepInterval time.Duration
	mu            sync.Mutex
	closer        pkgsync.Closer
}

// NewResolver creates a resolver sweeping the given store. A nil store
// defaults to an in-memory one.
func NewResolver(registry *Registry, backend client.Backend, store DisputeStore) *Resolver {
	if store == nil {
		store = NewMemDisputeStore()
	}
	return &Resolver{
		log:           log.MakeEmbedding(log.Default()),
		registry:      registry,
		backend:       backend,
		store:         store,
		sweepInterval: DefaultSweepInterval,
	}
}

// SetSweepInterval overrides the sweep cadence. Must be called before Run.
func (r *Resolver) SetSweepInterval(d time.Duration) {
	r.sweepInterval = d
}

// OpenDispute records a unilateral closing claim and starts its challenge
// window. The claim needs at least the submitter's valid signature; the
// channel moves to PhaseDisputed.
func (r *Resolver) OpenDispute(submitter string, cid wire.ChannelID, claim wire.State, sigs map[string]pwallet.Sig) (*Dispute, error) {
	m, err := r.registry.Lookup(cid)
	if err != nil {
		return nil, err
	}
	if err := m.UnilateralClose(submitter, claim, sigs); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	rec := &Dispute{
		ChannelID:   cid,
		Submitter:   submitter,
		Claim:       claim.Clone(),
		Sigs:        wire.MakeSigEntries(sigs),
		SubmittedAt: xdr.Int64(now.Unix()),
		Deadline:    xdr.Int64(now.Add(m.Params().DisputePeriod()).Unix()),
		Status:      DisputePending,
	}
	if err := r.store.Put(rec); err != nil {
		return nil, fmt.Errorf("recording dispute for %s: %w", cid, err)
	}
	r.log.Log().Infof("dispute opened on channel %s: claim v%d, window until %d",
		cid, claim.Version, rec.Deadline)
	return rec, nil
}

// SubmitChallenge replaces the recorded claim with a strictly newer state
// that is fully authorized or carries strictly more valid signatures than
// the claim. The window restarts once; a second successful challenge is
// rejected with ErrDisputeContested, and among equal-version challenges the
// first valid one wins.
func (r *Resolver) SubmitChallenge(cid wire.ChannelID, challenge wire.State, sigs map[string]pwallet.Sig) error {
	m, err := r.registry.Lookup(cid)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.store.Get(cid)
	if err != nil {
		return err
	}
	if rec.Status == DisputeResolved {
		return newConflict(ErrChannelClosed, uint64(rec.Claim.Version))
	}
	// An elapsed window freezes the claim for settlement; late challenges
	// cannot race the sweep.
	if rec.Expired(time.Now()) {
		return newConflict(ErrWindowElapsed, uint64(rec.Claim.Version))
	}
	if challenge.ChannelID != cid {
		return fmt.Errorf("challenge state for channel %s, expected %s", challenge.ChannelID, cid)
	}
	if uint64(challenge.Version) <= uint64(rec.Claim.Version) {
		return newConflict(ErrStaleSequence, uint64(rec.Claim.Version))
	}
	if got := challenge.Balances.Sum(); got != m.Collateral() {
		return fmt.Errorf("%w: have %d, collateral %d", ErrBalanceMismatch, got, m.Collateral())
	}
	challengeValid, err := m.CountValidSigs(challenge, sigs)
	if err != nil {
		return err
	}
	claimValid, err := m.CountValidSigs(rec.Claim, wire.SigMap(rec.Sigs))
	if err != nil {
		return err
	}
	fully := challengeValid == m.Keyring().Len()
	if !fully && challengeValid <= claimValid {
		return fmt.Errorf("%w: challenge has %d valid signatures, claim has %d",
			ErrMissingSignatures, challengeValid, claimValid)
	}
	if rec.Restarts >= 1 {
		return fmt.Errorf("%w: channel %s", ErrDisputeContested, cid)
	}
	now := time.Now()
	rec.Claim = challenge.Clone()
	rec.Sigs = wire.MakeSigEntries(sigs)
	rec.Status = DisputeChallenged
	rec.Restarts++
	rec.Deadline = xdr.Int64(now.Add(m.Params().DisputePeriod()).Unix())
	if err := r.store.Put(rec); err != nil {
		return fmt.Errorf("recording challenge for %s: %w", cid, err)
	}
	r.log.Log().Infof("dispute on channel %s challenged: claim now v%d, window until %d",
		cid, challenge.Version, rec.Deadline)
	return nil
}

// Dispute returns the recorded dispute for cid.
func (r *Resolver) Dispute(cid wire.ChannelID) (*Dispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Get(cid)
}

// Run sweeps dispute deadlines until ctx is cancelled or Close is called.
func (r *Resolver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.closer.Closed():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Log().Warnf("dispute sweep: %v", err)
			}
		}
	}
}

// Close stops a running sweep loop.
func (r *Resolver) Close() error {
	return r.closer.Close()
}

// Sweep finalizes all disputes whose window has elapsed, settling the
// recorded claim on the base ledger. The expired records are snapshotted
// under the lock and settled outside it, so a slow ledger never blocks
// dispute handling on other channels. Settlement failures are surfaced and
// the dispute stays unresolved, to be retried on the next sweep.
func (r *Resolver) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	records, err := r.store.List()
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	now := time.Now()
	expired := make([]*Dispute, 0, len(records))
	for _, rec := range records {
		if rec.Status == DisputeResolved || !rec.Expired(now) {
			continue
		}
		expired = append(expired, rec.Clone())
	}
	r.mu.Unlock()

	finalized := 0
	var errs *multierror.Error
	for _, rec := range expired {
		if err := r.finalize(ctx, rec); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("channel %s: %w", rec.ChannelID, err))
			continue
		}
		finalized++
	}
	return finalized, errs.ErrorOrNil()
}

// finalize settles one expired claim. Only the status update holds the
// resolver lock; expired records reject challenges, so the snapshotted claim
// is the claim on record.
func (r *Resolver) finalize(ctx context.Context, rec *Dispute) error {
	m, err := r.registry.Lookup(rec.ChannelID)
	if err != nil {
		return err
	}
	tx, err := r.backend.SubmitSettlement(ctx, rec.ChannelID, rec.Claim, rec.Sigs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	r.mu.Lock()
	cur, err := r.store.Get(rec.ChannelID)
	if err == nil {
		cur.Status = DisputeResolved
		err = r.store.Put(cur)
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if err := m.Finalize(); err != nil {
		return err
	}
	if err := r.registry.Deregister(rec.ChannelID); err != nil {
		return err
	}
	r.log.Log().Infof("dispute on channel %s finalized at v%d in tx %s",
		rec.ChannelID, rec.Claim.Version, tx)
	return nil
}
