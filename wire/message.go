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
	"fmt"
	"sort"

	xdr3 "github.com/stellar/go-xdr/xdr3"
	pwallet "perun.network/go-perun/wallet"
)

// MsgKind discriminates protocol messages on the transport.
type MsgKind int32

const (
	MsgProposeUpdate MsgKind = iota
	MsgSignature
	MsgCooperativeClose
	MsgUnilateralClose
	MsgChallenge
)

func (k MsgKind) String() string {
	switch k {
	case MsgProposeUpdate:
		return "propose-update"
	case MsgSignature:
		return "signature"
	case MsgCooperativeClose:
		return "cooperative-close"
	case MsgUnilateralClose:
		return "unilateral-close"
	case MsgChallenge:
		return "challenge"
	}
	return fmt.Sprintf("msg(%d)", int32(k))
}

// SigEntry binds one participant's signature to its address.
type SigEntry struct {
	Addr string
	Sig  []byte
}

// MakeSigEntries converts an address-to-signature map into sorted entries.
func MakeSigEntries(sigs map[string]pwallet.Sig) []SigEntry {
	entries := make([]SigEntry, 0, len(sigs))
	for addr, sig := range sigs {
		entries = append(entries, SigEntry{Addr: addr, Sig: sig})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Addr < entries[j].Addr })
	return entries
}

// SigMap converts signature entries back into an address-keyed map.
func SigMap(entries []SigEntry) map[string]pwallet.Sig {
	out := make(map[string]pwallet.Sig, len(entries))
	for _, e := range entries {
		out[e.Addr] = e.Sig
	}
	return out
}

// Message is the transport envelope. Delivery is at-least-once and unordered;
// receivers rely on version and signature-set checks for idempotency.
type Message struct {
	Kind      MsgKind
	ChannelID ChannelID
	Sender    string
	State     State
	Sigs      []SigEntry
}

// EncodeTo encodes the message to an xdr.Encoder.
func (m Message) EncodeTo(e *xdr3.Encoder) error {
	_, err := e.Encode(m)
	return err
}

// DecodeFrom decodes the message from an xdr.Decoder.
func (m *Message) DecodeFrom(d *xdr3.Decoder) (int, error) {
	return d.Decode(m)
}

// MarshalBinary encodes the message to a binary format.
func (m Message) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	e := xdr3.NewEncoder(&buf)
	err := m.EncodeTo(e)
	return buf.Bytes(), err
}

// UnmarshalBinary decodes the message from a binary format.
func (m *Message) UnmarshalBinary(data []byte) error {
	d := xdr3.NewDecoder(bytes.NewReader(data))
	_, err := m.DecodeFrom(d)
	return err
}
