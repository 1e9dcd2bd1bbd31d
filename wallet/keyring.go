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
	"fmt"

	pwallet "perun.network/go-perun/wallet"

	"perun.network/stellar-multichannel/wallet/types"
)

// SignatureLength is the length of a signature in bytes.
const SignatureLength = ed25519.SignatureSize

// ErrUnknownParticipant is returned when an address is not part of the keyring.
var ErrUnknownParticipant = errors.New("unknown participant")

// Keyring holds the public keys of one channel's participants and verifies
// their signatures over channel state. It carries no state beyond key lookup.
type Keyring struct {
	participants map[string]*types.Participant
	order        []string
}

// NewKeyring creates a keyring over the given participants. At least two
// distinct participants are required.
func NewKeyring(participants ...*types.Participant) (*Keyring, error) {
	if len(participants) < 2 {
		return nil, fmt.Errorf("keyring requires at least 2 participants, got %d", len(participants))
	}
	k := &Keyring{participants: make(map[string]*types.Participant, len(participants))}
	for _, p := range participants {
		addr := p.AddressString()
		if _, ok := k.participants[addr]; ok {
			return nil, fmt.Errorf("duplicate participant %s", addr)
		}
		if len(p.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid public key size for %s", addr)
		}
		k.participants[addr] = p
		k.order = append(k.order, addr)
	}
	return k, nil
}

// Len returns the number of participants.
func (k *Keyring) Len() int {
	return len(k.order)
}

// Addresses returns the participant addresses in registration order.
func (k *Keyring) Addresses() []string {
	out := make([]string, len(k.order))
	copy(out, k.order)
	return out
}

// Contains reports whether addr belongs to the keyring.
func (k *Keyring) Contains(addr string) bool {
	_, ok := k.participants[addr]
	return ok
}

// Participant returns the participant registered under addr.
func (k *Keyring) Participant(addr string) (*types.Participant, error) {
	p, ok := k.participants[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, addr)
	}
	return p, nil
}

// Verify checks sig over msg against the public key registered under addr.
func (k *Keyring) Verify(addr string, msg []byte, sig pwallet.Sig) (bool, error) {
	p, err := k.Participant(addr)
	if err != nil {
		return false, err
	}
	if len(sig) != SignatureLength {
		return false, errors.New("invalid signature size")
	}
	return ed25519.Verify(p.PublicKey, msg, sig), nil
}
