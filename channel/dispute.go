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
	"bytes"
	"time"

	xdr3 "github.com/stellar/go-xdr/xdr3"
	"github.com/stellar/go/xdr"

	"perun.network/stellar-multichannel/wire"
)

// DisputeStatus is the accusation status of a dispute.
type DisputeStatus int32

const (
	// DisputePending awaits challenges within the dispute window.
	DisputePending DisputeStatus = iota
	// DisputeChallenged holds a replacement claim; the window restarted once.
	DisputeChallenged
	// DisputeResolved is finalized and settled.
	DisputeResolved
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputePending:
		return "pending"
	case DisputeChallenged:
		return "challenged"
	case DisputeResolved:
		return "resolved"
	}
	return "unknown"
}

// Dispute records a unilateral closing claim and its challenge window. The
// deadline is wall-clock and persisted, so an engine restart during the
// window neither loses nor shortens the dispute.
type Dispute struct {
	ChannelID   wire.ChannelID
	Submitter   string
	Claim       wire.State
	Sigs        []wire.SigEntry
	SubmittedAt xdr.Int64 // unix seconds
	Deadline    xdr.Int64 // unix seconds
	Status      DisputeStatus
	Restarts    int32
}

// Expired reports whether the challenge window has elapsed at now.
func (d *Dispute) Expired(now time.Time) bool {
	return now.Unix() >= int64(d.Deadline)
}

// Clone returns a deep copy of the dispute record.
func (d *Dispute) Clone() *Dispute {
	c := *d
	c.Claim = d.Claim.Clone()
	c.Sigs = append([]wire.SigEntry(nil), d.Sigs...)
	return &c
}

// MarshalBinary encodes the dispute to a binary format.
func (d Dispute) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	_, err := xdr3.Marshal(&buf, d)
	return buf.Bytes(), err
}

// UnmarshalBinary decodes the dispute from a binary format.
func (d *Dispute) UnmarshalBinary(data []byte) error {
	_, err := xdr3.Unmarshal(bytes.NewReader(data), d)
	return err
}

// DisputeStore persists dispute records across resolver restarts.
type DisputeStore interface {
	Put(*Dispute) error
	Get(wire.ChannelID) (*Dispute, error)
	List() ([]*Dispute, error)
	Delete(wire.ChannelID) error
}
