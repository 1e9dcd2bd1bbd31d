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

package wallet

import (
	"crypto/ed25519"
	"errors"
	"math/rand"

	"github.com/stellar/go/keypair"
	pwallet "perun.network/go-perun/wallet"

	"perun.network/stellar-multichannel/wallet/types"
)

// Account is used for signing channel state.
type Account struct {
	// privateKey is the private key of the account.
	privateKey ed25519.PrivateKey
	// ParticipantAddress references the address of the Participant this account belongs to.
	ParticipantAddress keypair.FromAddress
}

// NewRandomAccountWithAddress creates a new account with a random private key and the given address as
// Account.ParticipantAddress.
func NewRandomAccountWithAddress(rng *rand.Rand, addr *keypair.FromAddress) (*Account, error) {
	_, s, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	return &Account{privateKey: s, ParticipantAddress: *addr}, nil
}

// NewRandomAccount creates a new account with a random private key. It also creates a random key pair, using its
// address as the account's Account.ParticipantAddress.
func NewRandomAccount(rng *rand.Rand) (*Account, *keypair.Full, error) {
	kp, err := keypair.Random()
	if err != nil {
		return nil, nil, err
	}
	acc, err := NewRandomAccountWithAddress(rng, kp.FromAddress())
	if err != nil {
		return nil, nil, err
	}
	return acc, kp, nil
}

// Participant returns the Participant this account signs for.
func (a Account) Participant() *types.Participant {
	return types.NewParticipant(a.ParticipantAddress, a.privateKey.Public().(ed25519.PublicKey))
}

// Address returns the strkey address of the participant this account signs for.
func (a Account) Address() string {
	return a.ParticipantAddress.Address()
}

// SignData signs the given data with the account's private key.
func (a Account) SignData(data []byte) (pwallet.Sig, error) {
	if len(a.privateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return ed25519.Sign(a.privateKey, data), nil
}
