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

package wire

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	xdr3 "github.com/stellar/go-xdr/xdr3"
	"github.com/stellar/go/xdr"

	"perun.network/stellar-multichannel/wallet/types"
)

// ChannelIDLength is the length of a channel ID in bytes.
const ChannelIDLength = 32

const NonceLength = 32

// ChannelID identifies a channel. It is the sha256 digest of the encoded
// channel parameters.
type ChannelID [ChannelIDLength]byte

// String returns the hex representation of the channel ID.
func (id ChannelID) String() string {
	return hex.EncodeToString(id[:])
}

// ChannelIDFromString parses a hex channel ID.
func ChannelIDFromString(s string) (ChannelID, error) {
	var id ChannelID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != ChannelIDLength {
		return id, fmt.Errorf("invalid channel id length: %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Topology is the link shape connecting a channel's participants.
type Topology int32

const (
	TopologyBilateral Topology = iota
	TopologyStar
	TopologyRing
	TopologyMesh
	TopologyHierarchical
)

func (t Topology) String() string {
	switch t {
	case TopologyBilateral:
		return "bilateral"
	case TopologyStar:
		return "star"
	case TopologyRing:
		return "ring"
	case TopologyMesh:
		return "mesh"
	case TopologyHierarchical:
		return "hierarchical"
	}
	return fmt.Sprintf("topology(%d)", int32(t))
}

// Valid reports whether t is a known topology kind.
func (t Topology) Valid() bool {
	return t >= TopologyBilateral && t <= TopologyHierarchical
}

// Participant is the wire form of a channel participant: strkey address plus
// the raw ed25519 public key.
type Participant struct {
	Addr   string
	PubKey []byte
}

// MakeParticipant converts a wallet participant into its wire form.
func MakeParticipant(p *types.Participant) Participant {
	pk := make([]byte, len(p.PublicKey))
	copy(pk, p.PublicKey)
	return Participant{Addr: p.AddressString(), PubKey: pk}
}

// Params are the immutable parameters a channel is created with.
type Params struct {
	Participants      []Participant
	Kind              Topology
	Collateral        xdr.Int64
	DisputePeriodSecs xdr.Uint64
	CreatedAt         xdr.Int64 // unix seconds
	Nonce             [NonceLength]byte
}

// MakeParams assembles channel parameters. The participant order is
// significant: it defines hub, ring and tree positions for routed topologies.
func MakeParams(participants []*types.Participant, kind Topology, collateral int64, disputePeriod time.Duration, nonce [NonceLength]byte) (Params, error) {
	if len(participants) < 2 {
		return Params{}, fmt.Errorf("channel requires at least 2 participants, got %d", len(participants))
	}
	if !kind.Valid() {
		return Params{}, fmt.Errorf("invalid topology %d", kind)
	}
	if collateral <= 0 {
		return Params{}, fmt.Errorf("collateral must be positive, got %d", collateral)
	}
	if disputePeriod <= 0 {
		return Params{}, errors.New("dispute period must be positive")
	}
	ps := make([]Participant, len(participants))
	seen := make(map[string]struct{}, len(participants))
	for i, p := range participants {
		if len(p.PublicKey) != ed25519.PublicKeySize {
			return Params{}, fmt.Errorf("invalid public key size for %s", p.AddressString())
		}
		if _, ok := seen[p.AddressString()]; ok {
			return Params{}, fmt.Errorf("duplicate participant %s", p.AddressString())
		}
		seen[p.AddressString()] = struct{}{}
		ps[i] = MakeParticipant(p)
	}
	return Params{
		Participants:      ps,
		Kind:              kind,
		Collateral:        xdr.Int64(collateral),
		DisputePeriodSecs: xdr.Uint64(disputePeriod / time.Second),
		CreatedAt:         xdr.Int64(time.Now().Unix()),
		Nonce:             nonce,
	}, nil
}

// DisputePeriod returns the configured dispute period as a duration.
func (p Params) DisputePeriod() time.Duration {
	return time.Duration(p.DisputePeriodSecs) * time.Second
}

// Addresses returns the participant addresses in channel order.
func (p Params) Addresses() []string {
	out := make([]string, len(p.Participants))
	for i, part := range p.Participants {
		out[i] = part.Addr
	}
	return out
}

// Index returns the channel position of addr, or -1.
func (p Params) Index(addr string) int {
	for i, part := range p.Participants {
		if part.Addr == addr {
			return i
		}
	}
	return -1
}

// ChannelID derives the channel ID from the encoded parameters.
func (p Params) ChannelID() (ChannelID, error) {
	data, err := p.MarshalBinary()
	if err != nil {
		return ChannelID{}, err
	}
	return sha256.Sum256(data), nil
}

// EncodeTo encodes the params to an xdr.Encoder.
func (p Params) EncodeTo(e *xdr3.Encoder) error {
	_, err := e.Encode(p)
	return err
}

// DecodeFrom decodes the params from an xdr.Decoder.
func (p *Params) DecodeFrom(d *xdr3.Decoder) (int, error) {
	return d.Decode(p)
}

// MarshalBinary encodes the params to a binary format.
func (p Params) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	e := xdr3.NewEncoder(&buf)
	err := p.EncodeTo(e)
	return buf.Bytes(), err
}

// UnmarshalBinary decodes the params from a binary format.
func (p *Params) UnmarshalBinary(data []byte) error {
	d := xdr3.NewDecoder(bytes.NewReader(data))
	_, err := p.DecodeFrom(d)
	return err
}
