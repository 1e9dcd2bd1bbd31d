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

package types

import (
	"crypto/ed25519"
	"fmt"

	"github.com/stellar/go/keypair"
)

// Participant is one member of a multi-party channel: a Stellar account
// address paired with the ed25519 key that co-signs channel state.
type Participant struct {
	// StellarAddress is the Stellar account address of the participant.
	StellarAddress keypair.FromAddress
	// PublicKey is used to verify signatures on channel state.
	PublicKey ed25519.PublicKey
}

// NewParticipant creates a new Participant from an address and a public key.
func NewParticipant(addr keypair.FromAddress, pk ed25519.PublicKey) *Participant {
	return &Participant{
		StellarAddress: addr,
		PublicKey:      pk,
	}
}

// MarshalBinary encodes the participant into binary form.
func (p Participant) MarshalBinary() (data []byte, err error) {
	if len(p.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(p.PublicKey))
	}
	binAddr, err := p.StellarAddress.MarshalBinary()
	if err != nil {
		return nil, err
	}
	res := make([]byte, ed25519.PublicKeySize+len(binAddr))
	copy(res, p.PublicKey)
	copy(res[ed25519.PublicKeySize:], binAddr)
	return res, nil
}

// UnmarshalBinary decodes the participant from binary form.
func (p *Participant) UnmarshalBinary(data []byte) error {
	if len(data) <= ed25519.PublicKeySize {
		return fmt.Errorf("invalid data size: %d", len(data))
	}
	p.PublicKey = make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(p.PublicKey, data[:ed25519.PublicKeySize])
	p.StellarAddress = keypair.FromAddress{}
	if err := p.StellarAddress.UnmarshalBinary(data[ed25519.PublicKeySize:]); err != nil {
		return fmt.Errorf("failed to unmarshal Stellar address: %w", err)
	}
	return nil
}

// String returns the strkey representation of the participant's address.
func (p Participant) String() string {
	return p.AddressString()
}

// Equal reports whether both address and public key match.
func (p Participant) Equal(other *Participant) bool {
	return p.StellarAddress.Equal(&other.StellarAddress) && p.PublicKey.Equal(other.PublicKey)
}

func (p Participant) AddressString() string {
	return p.StellarAddress.Address()
}
