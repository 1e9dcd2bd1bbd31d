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

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"
	"perun.network/go-perun/log"

	"perun.network/stellar-multichannel/wire"
)

// HorizonConfig configures the Horizon-backed settlement backend.
type HorizonConfig struct {
	escrow     *keypair.Full
	hzClient   *horizonclient.Client
	passphrase string
}

func (c *HorizonConfig) SetEscrow(kp *keypair.Full) {
	c.escrow = kp
}

func (c *HorizonConfig) SetHorizonClient(cl *horizonclient.Client) {
	c.hzClient = cl
}

func (c *HorizonConfig) SetNetworkPassphrase(p string) {
	c.passphrase = p
}

// HorizonBackend settles channels on Stellar through Horizon. Collateral is
// held on an escrow account; settlement pays the final balances out of escrow
// with the channel ID as transaction memo.
type HorizonBackend struct {
	escrow     *keypair.Full
	hzClient   *horizonclient.Client
	passphrase string
	log        log.Embedding
}

// NewHorizonBackend creates a Horizon settlement backend. Unset config fields
// default to the public testnet.
func NewHorizonBackend(cfg HorizonConfig) *HorizonBackend {
	b := &HorizonBackend{
		escrow:     cfg.escrow,
		hzClient:   cfg.hzClient,
		passphrase: cfg.passphrase,
		log:        log.MakeEmbedding(log.Default()),
	}
	if b.hzClient == nil {
		b.hzClient = horizonclient.DefaultTestNetClient
	}
	if b.passphrase == "" {
		b.passphrase = network.TestNetworkPassphrase
	}
	return b
}

// LockCollateral moves the collateral onto the escrow account. Each
// participant's opening balance is paid in from its own funding account by
// the callers; the engine-side lock is the escrow payment carrying the
// channel ID memo.
func (b *HorizonBackend) LockCollateral(ctx context.Context, params wire.Params) (*Receipt, error) {
	cid, err := params.ChannelID()
	if err != nil {
		return nil, err
	}
	lockAmount, err := amount.IntStringToAmount(fmt.Sprintf("%d", int64(params.Collateral)))
	if err != nil {
		return nil, fmt.Errorf("invalid collateral amount: %w", err)
	}
	ops := []txnbuild.Operation{
		&txnbuild.Payment{
			Destination: b.escrow.Address(),
			Amount:      lockAmount,
			Asset:       txnbuild.NativeAsset{},
		},
	}
	hash, err := b.submit(ctx, cid, ops)
	if err != nil {
		return nil, fmt.Errorf("locking collateral for %s: %w", cid, err)
	}
	b.log.Log().Infof("locked collateral %d for channel %s in tx %s", params.Collateral, cid, hash)
	return &Receipt{
		ChannelID: cid,
		TxHash:    hash,
		Amount:    int64(params.Collateral),
		LockedAt:  time.Now(),
	}, nil
}

// SubmitSettlement pays the final balances out of escrow in a single
// transaction. The co-signatures authorized the final state off-chain; the
// escrow operator only ever submits fully checked tickets.
func (b *HorizonBackend) SubmitSettlement(ctx context.Context, cid wire.ChannelID, final wire.State, sigs []wire.SigEntry) (TxHash, error) {
	if final.ChannelID != cid {
		return "", fmt.Errorf("final state for channel %s, expected %s", final.ChannelID, cid)
	}
	var ops []txnbuild.Operation
	for _, entry := range final.Balances.Entries {
		if entry.Amount == 0 {
			continue
		}
		payout, err := amount.IntStringToAmount(fmt.Sprintf("%d", int64(entry.Amount)))
		if err != nil {
			return "", fmt.Errorf("invalid payout amount for %s: %w", entry.Addr, err)
		}
		ops = append(ops, &txnbuild.Payment{
			Destination: entry.Addr,
			Amount:      payout,
			Asset:       txnbuild.NativeAsset{},
		})
	}
	hash, err := b.submit(ctx, cid, ops)
	if err != nil {
		return "", fmt.Errorf("settling channel %s at v%d: %w", cid, final.Version, err)
	}
	b.log.Log().Infof("settled channel %s at v%d in tx %s", cid, final.Version, hash)
	return hash, nil
}

// QueryConfirmation resolves the transaction on Horizon.
func (b *HorizonBackend) QueryConfirmation(ctx context.Context, tx TxHash) (ConfirmationStatus, error) {
	detail, err := b.hzClient.TransactionDetail(string(tx))
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return ConfirmationPending, nil
		}
		return ConfirmationFailed, err
	}
	if detail.Successful {
		return ConfirmationConfirmed, nil
	}
	return ConfirmationFailed, nil
}

func (b *HorizonBackend) submit(ctx context.Context, cid wire.ChannelID, ops []txnbuild.Operation) (TxHash, error) {
	escrowAccount, err := b.hzClient.AccountDetail(horizonclient.AccountRequest{AccountID: b.escrow.Address()})
	if err != nil {
		return "", fmt.Errorf("loading escrow account: %w", err)
	}
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &escrowAccount,
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              txnbuild.MinBaseFee,
		Memo:                 txnbuild.MemoHash(cid),
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
	})
	if err != nil {
		return "", fmt.Errorf("building transaction: %w", err)
	}
	signed, err := tx.Sign(b.passphrase, b.escrow)
	if err != nil {
		return "", fmt.Errorf("signing transaction: %w", err)
	}
	resp, err := b.hzClient.SubmitTransaction(signed)
	if err != nil {
		return "", fmt.Errorf("submitting transaction: %w", err)
	}
	return TxHash(resp.Hash), nil
}
