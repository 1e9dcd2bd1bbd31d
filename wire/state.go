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

	xdr3 "github.com/stellar/go-xdr/xdr3"
	"github.com/stellar/go/xdr"
)

// State is one committed (or candidate) channel state: the balance snapshot
// at a version. Signatures are collected over SigningPayload, never over any
// other encoding.
type State struct {
	ChannelID ChannelID
	Version   xdr.Uint64
	Balances  Balances
	Finalized bool
}

// MakeInitialState builds the version-0 state of a channel.
func MakeInitialState(cid ChannelID, initial Balances) State {
	return State{
		ChannelID: cid,
		Version:   0,
		Balances:  initial,
	}
}

// NextState derives the successor state with the given balances.
func (s State) NextState(balances Balances) State {
	return State{
		ChannelID: s.ChannelID,
		Version:   s.Version + 1,
		Balances:  balances,
	}
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := s
	out.Balances = s.Balances.Clone()
	return out
}

// Equal reports whether both states are identical.
func (s State) Equal(other State) bool {
	return s.ChannelID == other.ChannelID &&
		s.Version == other.Version &&
		s.Finalized == other.Finalized &&
		s.Balances.Equal(other.Balances)
}

// SigningPayload returns the exact byte string participants sign: the
// canonical encoding of (channel ID, version, balances, finalized).
func (s State) SigningPayload() ([]byte, error) {
	return s.MarshalBinary()
}

// EncodeTo encodes the state to an xdr.Encoder.
func (s State) EncodeTo(e *xdr3.Encoder) error {
	_, err := e.Encode(s)
	return err
}

// DecodeFrom decodes the state from an xdr.Decoder.
func (s *State) DecodeFrom(d *xdr3.Decoder) (int, error) {
	return d.Decode(s)
}

// MarshalBinary encodes the state to a binary format.
func (s State) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	e := xdr3.NewEncoder(&buf)
	err := s.EncodeTo(e)
	return buf.Bytes(), err
}

// UnmarshalBinary decodes the state from a binary format.
func (s *State) UnmarshalBinary(data []byte) error {
	d := xdr3.NewDecoder(bytes.NewReader(data))
	_, err := s.DecodeFrom(d)
	return err
}
