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
	"errors"
	"fmt"
	"sort"

	xdr3 "github.com/stellar/go-xdr/xdr3"
	"github.com/stellar/go/xdr"
)

var (
	ErrNegativeAmount     = errors.New("negative amount")
	ErrUnknownBalanceAddr = errors.New("address not in balances")
)

// BalanceEntry is one participant's balance inside a channel.
type BalanceEntry struct {
	Addr   string
	Amount xdr.Int64
}

// Balances maps channel participants to their balances. Entries are kept
// sorted by address so that the encoding is canonical; signatures commit to
// this byte layout.
type Balances struct {
	Entries []BalanceEntry
}

// MakeBalances builds Balances from an address-to-amount mapping. Negative
// amounts are rejected.
func MakeBalances(amounts map[string]int64) (Balances, error) {
	entries := make([]BalanceEntry, 0, len(amounts))
	for addr, amt := range amounts {
		if amt < 0 {
			return Balances{}, fmt.Errorf("%w for %s: %d", ErrNegativeAmount, addr, amt)
		}
		entries = append(entries, BalanceEntry{Addr: addr, Amount: xdr.Int64(amt)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Addr < entries[j].Addr })
	return Balances{Entries: entries}, nil
}

// Get returns the balance of addr.
func (b Balances) Get(addr string) (int64, bool) {
	for _, e := range b.Entries {
		if e.Addr == addr {
			return int64(e.Amount), true
		}
	}
	return 0, false
}

// Sum returns the total of all balances.
func (b Balances) Sum() int64 {
	var sum int64
	for _, e := range b.Entries {
		sum += int64(e.Amount)
	}
	return sum
}

// Addresses returns the participant addresses in canonical order.
func (b Balances) Addresses() []string {
	out := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = e.Addr
	}
	return out
}

// Clone returns a deep copy.
func (b Balances) Clone() Balances {
	entries := make([]BalanceEntry, len(b.Entries))
	copy(entries, b.Entries)
	return Balances{Entries: entries}
}

// WithTransfer returns a copy with amount moved from one participant to
// another. The sender balance must cover the amount.
func (b Balances) WithTransfer(from, to string, amount int64) (Balances, error) {
	if amount <= 0 {
		return Balances{}, fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	fromBal, ok := b.Get(from)
	if !ok {
		return Balances{}, fmt.Errorf("%w: %s", ErrUnknownBalanceAddr, from)
	}
	if _, ok := b.Get(to); !ok {
		return Balances{}, fmt.Errorf("%w: %s", ErrUnknownBalanceAddr, to)
	}
	if fromBal < amount {
		return Balances{}, fmt.Errorf("balance %d of %s does not cover %d", fromBal, from, amount)
	}
	out := b.Clone()
	for i := range out.Entries {
		switch out.Entries[i].Addr {
		case from:
			out.Entries[i].Amount -= xdr.Int64(amount)
		case to:
			out.Entries[i].Amount += xdr.Int64(amount)
		}
	}
	return out, nil
}

// Equal reports whether both balance sets carry identical entries.
func (b Balances) Equal(other Balances) bool {
	if len(b.Entries) != len(other.Entries) {
		return false
	}
	for i, e := range b.Entries {
		if other.Entries[i] != e {
			return false
		}
	}
	return true
}

// EncodeTo encodes the balances to an xdr.Encoder.
func (b Balances) EncodeTo(e *xdr3.Encoder) error {
	_, err := e.Encode(b)
	return err
}

// DecodeFrom decodes the balances from an xdr.Decoder.
func (b *Balances) DecodeFrom(d *xdr3.Decoder) (int, error) {
	return d.Decode(b)
}

// MarshalBinary encodes the balances to a binary format.
func (b Balances) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	e := xdr3.NewEncoder(&buf)
	err := b.EncodeTo(e)
	return buf.Bytes(), err
}

// UnmarshalBinary decodes the balances from a binary format.
func (b *Balances) UnmarshalBinary(data []byte) error {
	d := xdr3.NewDecoder(bytes.NewReader(data))
	_, err := b.DecodeFrom(d)
	return err
}
