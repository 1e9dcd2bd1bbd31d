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

// Package client is the boundary to the base ledger. The channel engine never
// talks to consensus directly; it locks collateral, submits settlements and
// polls confirmations through a Backend.
package client

import (
	"context"
	"errors"
	"time"

	"perun.network/stellar-multichannel/wire"
)

const MaxIterationsUntilAbort = 20
const DefaultPollingInterval = time.Duration(6) * time.Second

var ErrTxNotFound = errors.New("transaction not found")

// TxHash identifies a submitted base-ledger transaction.
type TxHash string

// ConfirmationStatus is the base-ledger view of a submitted transaction.
type ConfirmationStatus int32

const (
	ConfirmationPending ConfirmationStatus = iota
	ConfirmationConfirmed
	ConfirmationFailed
)

func (s ConfirmationStatus) String() string {
	switch s {
	case ConfirmationPending:
		return "pending"
	case ConfirmationConfirmed:
		return "confirmed"
	case ConfirmationFailed:
		return "failed"
	}
	return "unknown"
}

// Receipt proves a collateral lock on the base ledger.
type Receipt struct {
	ChannelID wire.ChannelID
	TxHash    TxHash
	Amount    int64
	LockedAt  time.Time
}

// Backend is the base-ledger collaborator.
type Backend interface {
	// LockCollateral locks the channel collateral on the base ledger and
	// returns the lock receipt. The channel may only enter its open phase
	// once this returns.
	LockCollateral(ctx context.Context, params wire.Params) (*Receipt, error)

	// SubmitSettlement submits the final channel state for on-chain
	// settlement, with the co-signatures as proof of authorization.
	SubmitSettlement(ctx context.Context, cid wire.ChannelID, final wire.State, sigs []wire.SigEntry) (TxHash, error)

	// QueryConfirmation reports the confirmation status of a submitted
	// transaction.
	QueryConfirmation(ctx context.Context, tx TxHash) (ConfirmationStatus, error)
}

// AwaitConfirmation polls the backend until tx confirms, fails, or the
// polling budget is exhausted.
func AwaitConfirmation(ctx context.Context, b Backend, tx TxHash, interval time.Duration, maxIters int) (ConfirmationStatus, error) {
	for i := 0; i < maxIters; i++ {
		status, err := b.QueryConfirmation(ctx, tx)
		if err != nil {
			return ConfirmationFailed, err
		}
		if status != ConfirmationPending {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return ConfirmationPending, ctx.Err()
		case <-time.After(interval):
		}
	}
	return ConfirmationPending, nil
}
